package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/apcluster/blobstore"
	"github.com/hupe1980/apcluster/codec"
	"github.com/hupe1980/apcluster/internal/conv"
	"github.com/hupe1980/apcluster/internal/hash"
)

// ErrChecksum is returned when a payload does not match its manifest.
var ErrChecksum = errors.New("archive: checksum mismatch")

// Current returns the tier CURRENT points to. It returns
// blobstore.ErrNotFound if nothing was published yet.
func Current(ctx context.Context, store blobstore.BlobStore) (int, error) {
	data, err := blobstore.ReadAll(ctx, store, CurrentName)
	if err != nil {
		return 0, err
	}
	return parseManifestName(string(data))
}

// LoadManifest reads the manifest of tier t.
func LoadManifest(ctx context.Context, store blobstore.BlobStore, t int) (*Manifest, error) {
	data, err := blobstore.ReadAll(ctx, store, ManifestName(t))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := codec.Default.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("archive: decode %s: %w", ManifestName(t), err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("archive: unsupported manifest version %d (expected %d)", m.Version, ManifestVersion)
	}
	if m.Tier != t {
		return nil, fmt.Errorf("archive: manifest %s describes tier %d", ManifestName(t), m.Tier)
	}
	return &m, nil
}

// Load reads tier t back, verifying every payload against the manifest.
func Load(ctx context.Context, store blobstore.BlobStore, t int) (*TierResult, error) {
	m, err := LoadManifest(ctx, store, t)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	read := func(kind string) ([]int32, error) {
		info, ok := m.Files[kind]
		if !ok {
			return nil, nil
		}
		stored, err := blobstore.ReadAll(ctx, store, info.Path)
		if err != nil {
			return nil, err
		}
		if !hash.Verify(stored, info.Size, info.CRC32C) {
			return nil, fmt.Errorf("%w: %s", ErrChecksum, info.Path)
		}
		if info.Count == 0 {
			return []int32{}, nil
		}
		raw, err := dec.DecodeAll(stored, make([]byte, 0, 4*info.Count))
		if err != nil {
			return nil, fmt.Errorf("archive: decompress %s: %w", info.Path, err)
		}
		if len(raw) != 4*info.Count {
			return nil, fmt.Errorf("archive: %s holds %d bytes, want %d", info.Path, len(raw), 4*info.Count)
		}
		out := make([]int32, info.Count)
		conv.Int32s(out, raw)
		return out, nil
	}

	r := &TierResult{
		Tier:       m.Tier,
		N:          m.N,
		NRaw:       m.NRaw,
		Iterations: m.Iterations,
		State:      m.State,
	}
	if r.Labels, err = read("labels"); err != nil {
		return nil, err
	}
	if r.Centers, err = read("centers"); err != nil {
		return nil, err
	}
	if r.Merged, err = read("merged"); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadCurrent loads the tier CURRENT points to.
func LoadCurrent(ctx context.Context, store blobstore.BlobStore) (*TierResult, error) {
	t, err := Current(ctx, store)
	if err != nil {
		return nil, err
	}
	return Load(ctx, store, t)
}
