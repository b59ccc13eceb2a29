package comm

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// hub connects the ranks of an in-process group. Each non-root rank has a
// FIFO towards the root and one from it, so consecutive collectives can
// never overtake each other.
type hub struct {
	size int
	up   []chan []byte
	down []chan []byte

	once  sync.Once
	done  chan struct{}
	cause error
}

func newHub(size int) *hub {
	h := &hub{
		size: size,
		up:   make([]chan []byte, size),
		down: make([]chan []byte, size),
		done: make(chan struct{}),
	}
	for i := 1; i < size; i++ {
		h.up[i] = make(chan []byte, 1)
		h.down[i] = make(chan []byte, 1)
	}
	return h
}

func (h *hub) abort(cause error) {
	h.once.Do(func() {
		h.cause = cause
		close(h.done)
	})
}

type localTransport struct {
	hub  *hub
	rank int
}

// NewLocalTransports returns the transports of an in-process group of size n,
// indexed by rank.
func NewLocalTransports(n int) []Transport {
	h := newHub(n)
	out := make([]Transport, n)
	for r := range out {
		out[r] = &localTransport{hub: h, rank: r}
	}
	return out
}

func (t *localTransport) Rank() int { return t.rank }
func (t *localTransport) Size() int { return t.hub.size }

func (t *localTransport) send(ctx context.Context, ch chan []byte, p []byte) error {
	select {
	case ch <- bytes.Clone(p):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.hub.done:
		return abortErr(t.hub.cause)
	}
}

func (t *localTransport) recv(ctx context.Context, ch chan []byte) ([]byte, error) {
	select {
	case p := <-ch:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.hub.done:
		return nil, abortErr(t.hub.cause)
	}
}

func (t *localTransport) Gather(ctx context.Context, payload []byte) ([][]byte, error) {
	if t.rank != 0 {
		return nil, t.send(ctx, t.hub.up[t.rank], payload)
	}
	out := make([][]byte, t.hub.size)
	out[0] = bytes.Clone(payload)
	for r := 1; r < t.hub.size; r++ {
		p, err := t.recv(ctx, t.hub.up[r])
		if err != nil {
			return nil, err
		}
		out[r] = p
	}
	return out, nil
}

func (t *localTransport) Broadcast(ctx context.Context, payload []byte) ([]byte, error) {
	if t.rank != 0 {
		return t.recv(ctx, t.hub.down[t.rank])
	}
	for r := 1; r < t.hub.size; r++ {
		if err := t.send(ctx, t.hub.down[r], payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func (t *localTransport) Abort(cause error) { t.hub.abort(cause) }

func (t *localTransport) Close() error { return nil }

// RunLocal runs fn once per rank of an in-process group of size n and waits
// for all of them. The first failing rank cancels the context its peers run
// under, so they return from pending collectives, and its error is returned.
func RunLocal(ctx context.Context, n int, fn func(ctx context.Context, g *Group) error) error {
	if n < 1 {
		return fmt.Errorf("comm: invalid group size %d", n)
	}
	eg, gctx := errgroup.WithContext(ctx)
	for _, t := range NewLocalTransports(n) {
		g := NewGroup(t)
		eg.Go(func() error { return fn(gctx, g) })
	}
	return eg.Wait()
}
