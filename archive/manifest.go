package archive

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	// CurrentName is the blob naming the manifest of the latest tier.
	CurrentName = "CURRENT"
	// ManifestVersion is the manifest format written by this package.
	ManifestVersion = 1
)

// Manifest describes one published tier.
type Manifest struct {
	Version    int       `json:"version"`
	Tier       int       `json:"tier"`
	N          int       `json:"n"`
	NRaw       int       `json:"n_raw"`
	K          int       `json:"k"`
	Iterations int       `json:"iterations"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	// Files maps a payload kind ("labels", "centers", "merged") to its blob.
	Files map[string]FileInfo `json:"files"`
}

// FileInfo describes one compressed payload.
type FileInfo struct {
	Path string `json:"path"`
	// Count is the number of int32 values.
	Count int `json:"count"`
	// Size is the stored (compressed) size in bytes.
	Size int64 `json:"size"`
	// CRC32C covers the stored bytes.
	CRC32C uint32 `json:"crc32c"`
}

// TierDir returns the blob prefix of tier t.
func TierDir(t int) string {
	return fmt.Sprintf("tier-%d", t)
}

// ManifestName returns the manifest blob of tier t.
func ManifestName(t int) string {
	return path.Join(TierDir(t), "manifest.json")
}

func payloadName(t int, kind string) string {
	return path.Join(TierDir(t), kind+".zst")
}

// parseManifestName extracts the tier from a CURRENT pointer.
func parseManifestName(name string) (int, error) {
	name = strings.TrimSpace(name)
	dir, file := path.Split(name)
	if file != "manifest.json" {
		return 0, fmt.Errorf("archive: malformed pointer %q", name)
	}
	t, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSuffix(dir, "/"), "tier-"))
	if err != nil || t < 1 || ManifestName(t) != name {
		return 0, fmt.Errorf("archive: malformed pointer %q", name)
	}
	return t, nil
}
