package comm

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAborted is returned by collectives once any rank has failed or the
	// group has been closed.
	ErrAborted = errors.New("comm: process group aborted")

	// ErrClosed is returned when using a closed transport.
	ErrClosed = errors.New("comm: transport closed")
)

// Transport moves opaque payloads between the ranks of a fixed-size group.
//
// Every rank must issue the same sequence of Gather and Broadcast calls.
// Implementations unblock pending calls when ctx is done or the group is
// aborted, so a failed peer never leaves the others waiting forever.
type Transport interface {
	Rank() int
	Size() int
	// Gather delivers payload to rank 0. Rank 0 receives every rank's
	// payload indexed by rank; other ranks receive nil.
	Gather(ctx context.Context, payload []byte) ([][]byte, error)
	// Broadcast sends rank 0's payload to every rank and returns it. The
	// payload argument is ignored on other ranks.
	Broadcast(ctx context.Context, payload []byte) ([]byte, error)
	// Abort fails the group: pending and future collectives on every
	// reachable rank return ErrAborted.
	Abort(cause error)
	Close() error
}

func abortErr(cause error) error {
	if cause == nil || errors.Is(cause, ErrAborted) {
		return ErrAborted
	}
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}
