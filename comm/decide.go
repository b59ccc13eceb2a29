package comm

import (
	"context"
	"errors"
	"fmt"
)

// RemoteError is the error a coordinator decision failed with, as seen by
// the other ranks.
type RemoteError struct {
	Rank int
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rank %d: %s", e.Rank, e.Msg)
}

type envelope[T any] struct {
	Value T      `json:"value"`
	Err   string `json:"err,omitempty"`
}

// Decide runs decide on rank 0 only and broadcasts its outcome. Every rank
// returns the same value; when decide fails, rank 0 returns its error and
// the other ranks a *RemoteError carrying its message.
//
// Values that ranks must agree on bit for bit (convergence, partition
// parameters) are never recomputed locally.
func Decide[T any](ctx context.Context, g *Group, decide func() (T, error)) (T, error) {
	var zero T
	var env envelope[T]
	var local error
	var payload []byte

	if g.IsRoot() {
		env.Value, local = decide()
		if local != nil {
			env = envelope[T]{Err: local.Error()}
		}
		p, err := g.codec.Marshal(env)
		if err != nil {
			local = errors.Join(local, fmt.Errorf("comm: encode decision: %w", err))
			p, _ = g.codec.Marshal(envelope[T]{Err: local.Error()})
		}
		payload = p
	}

	payload, err := g.t.Broadcast(ctx, payload)
	if err != nil {
		return zero, fmt.Errorf("comm: broadcast decision: %w", err)
	}
	if g.IsRoot() {
		if local != nil {
			return zero, local
		}
		return env.Value, nil
	}

	var got envelope[T]
	if err := g.codec.Unmarshal(payload, &got); err != nil {
		return zero, fmt.Errorf("comm: decode decision: %w", err)
	}
	if got.Err != "" {
		return zero, &RemoteError{Rank: 0, Msg: got.Err}
	}
	return got.Value, nil
}

// GatherDecide gathers every rank's payload on rank 0, runs decide over
// them there, and broadcasts the outcome as Decide does.
func GatherDecide[T any](ctx context.Context, g *Group, local []byte, decide func(parts [][]byte) (T, error)) (T, error) {
	parts, err := g.t.Gather(ctx, local)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("comm: gather: %w", err)
	}
	return Decide(ctx, g, func() (T, error) { return decide(parts) })
}

// Agree makes every rank learn whether any rank failed a local step. Each
// rank passes its own outcome; a failing rank gets its error back, and the
// others a *RemoteError naming the lowest failing rank.
func Agree(ctx context.Context, g *Group, local error) error {
	var msg []byte
	if local != nil {
		msg = []byte(local.Error())
	}
	failed, err := GatherDecide(ctx, g, msg, func(parts [][]byte) (*RemoteError, error) {
		for r, p := range parts {
			if len(p) > 0 {
				return &RemoteError{Rank: r, Msg: string(p)}, nil
			}
		}
		return nil, nil
	})
	switch {
	case err != nil:
		return errors.Join(local, err)
	case local != nil:
		return local
	case failed != nil:
		return failed
	}
	return nil
}
