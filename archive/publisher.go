package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/apcluster/blobstore"
	"github.com/hupe1980/apcluster/codec"
	"github.com/hupe1980/apcluster/internal/conv"
	"github.com/hupe1980/apcluster/internal/hash"
)

// TierResult is the output of one tier as it is archived.
type TierResult struct {
	Tier       int
	N          int
	NRaw       int
	Iterations int
	State      string
	// Labels holds the label of every point, Centers the exemplar indices.
	Labels  []int32
	Centers []int32
	// Merged holds labels mapped back to the points of tier 1. Empty for
	// tier 1.
	Merged []int32
}

// K returns the number of clusters.
func (r *TierResult) K() int { return len(r.Centers) }

// Publisher writes tier results to a BlobStore.
//
// Payloads of a tier are uploaded first, then its manifest, and only then
// the CURRENT pointer, so a reader that follows CURRENT never sees a
// partially written tier.
type Publisher struct {
	store blobstore.BlobStore
	opts  options

	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error
}

type options struct {
	codec       codec.Codec
	level       zstd.EncoderLevel
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Publisher.
type Option func(*options)

// WithCodec sets the manifest codec. Defaults to codec.Default.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithCompressionLevel sets the zstd level of payloads.
func WithCompressionLevel(l zstd.EncoderLevel) Option {
	return func(o *options) { o.level = l }
}

// WithConcurrency bounds the number of parallel uploads.
func WithConcurrency(n int) Option {
	return func(o *options) { o.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time stamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewPublisher returns a Publisher writing to store.
func NewPublisher(store blobstore.BlobStore, opts ...Option) *Publisher {
	o := options{
		codec:       codec.Default,
		level:       zstd.SpeedDefault,
		concurrency: 3,
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Publisher{store: store, opts: o}
}

// Store returns the underlying BlobStore.
func (p *Publisher) Store() blobstore.BlobStore { return p.store }

func (p *Publisher) encoder() (*zstd.Encoder, error) {
	p.encOnce.Do(func() {
		p.enc, p.encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(p.opts.level))
	})
	return p.enc, p.encErr
}

// Publish archives r and moves CURRENT to it.
func (p *Publisher) Publish(ctx context.Context, r *TierResult) (*Manifest, error) {
	if r.Tier < 1 {
		return nil, fmt.Errorf("archive: invalid tier %d", r.Tier)
	}
	// A tier without clusters has no labels.
	if len(r.Labels) != r.N && !(r.K() == 0 && len(r.Labels) == 0) {
		return nil, fmt.Errorf("archive: %d labels for %d points", len(r.Labels), r.N)
	}
	enc, err := p.encoder()
	if err != nil {
		return nil, fmt.Errorf("archive: zstd encoder: %w", err)
	}

	payloads := map[string][]int32{"labels": r.Labels, "centers": r.Centers}
	if r.Tier > 1 {
		payloads["merged"] = r.Merged
	}

	m := &Manifest{
		Version:    ManifestVersion,
		Tier:       r.Tier,
		N:          r.N,
		NRaw:       r.NRaw,
		K:          r.K(),
		Iterations: r.Iterations,
		State:      r.State,
		CreatedAt:  p.opts.now().UTC(),
		Files:      make(map[string]FileInfo, len(payloads)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.concurrency)
	for kind, values := range payloads {
		g.Go(func() error {
			raw := make([]byte, 4*len(values))
			conv.PutInt32s(raw, values)
			stored := enc.EncodeAll(raw, nil)

			info := FileInfo{
				Path:   payloadName(r.Tier, kind),
				Count:  len(values),
				Size:   int64(len(stored)),
				CRC32C: hash.CRC32C(stored),
			}
			if err := p.store.Put(gctx, info.Path, stored); err != nil {
				return fmt.Errorf("archive: upload %s: %w", info.Path, err)
			}
			mu.Lock()
			m.Files[kind] = info
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data, err := p.opts.codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("archive: encode manifest: %w", err)
	}
	name := ManifestName(r.Tier)
	if err := p.store.Put(ctx, name, data); err != nil {
		return nil, fmt.Errorf("archive: upload %s: %w", name, err)
	}
	if err := p.store.Put(ctx, CurrentName, []byte(name)); err != nil {
		return nil, fmt.Errorf("archive: update %s: %w", CurrentName, err)
	}

	p.opts.logger.InfoContext(ctx, "tier archived", "tier", r.Tier, "k", m.K, "manifest", name)
	return m, nil
}
