package comm

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectives runs the same sequence on every rank and checks the results.
func collectives(ctx context.Context, g *Group) error {
	if err := g.Barrier(ctx); err != nil {
		return err
	}

	local := roaring.BitmapOf(uint32(10 * g.Rank()))
	union, err := g.AllGatherBitmap(ctx, local)
	if err != nil {
		return err
	}
	if int(union.GetCardinality()) != g.Size() {
		return errors.New("bitmap union lost members")
	}

	ints, err := g.AllGatherInt32(ctx, []int32{int32(g.Rank()), int32(g.Rank())})
	if err != nil {
		return err
	}
	for i, v := range ints {
		if int(v) != i/2 {
			return errors.New("int32 all-gather out of rank order")
		}
	}

	floats, err := g.AllGatherFloat64(ctx, []float64{float64(g.Rank()) / 2})
	if err != nil {
		return err
	}
	if len(floats) != g.Size() || floats[g.Size()-1] != float64(g.Size()-1)/2 {
		return errors.New("float64 all-gather mismatch")
	}

	v, err := Decide(ctx, g, func() (int, error) { return 42, nil })
	if err != nil {
		return err
	}
	if v != 42 {
		return errors.New("decision not propagated")
	}

	ok, err := g.BroadcastBool(ctx, g.IsRoot())
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("broadcast did not use root value")
	}
	return g.Barrier(ctx)
}

func TestRunLocal_Collectives(t *testing.T) {
	for _, n := range []int{1, 2, 4} {
		require.NoError(t, RunLocal(context.Background(), n, collectives), "n=%d", n)
	}
}

func TestRunLocal_FailureReleasesPeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("disk full")
	var mu sync.Mutex
	peerErrs := map[int]error{}

	err := RunLocal(ctx, 4, func(ctx context.Context, g *Group) error {
		if g.Rank() == 2 {
			return boom
		}
		err := g.Barrier(ctx)
		mu.Lock()
		peerErrs[g.Rank()] = err
		mu.Unlock()
		return err
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, ctx.Err(), "peers must not wait for the timeout")

	for r, err := range peerErrs {
		assert.Error(t, err, "rank %d", r)
	}
}

func TestDecide_ErrorOnEveryRank(t *testing.T) {
	cfgErr := errors.New("damping out of range")
	var mu sync.Mutex
	errs := make([]error, 3)

	_ = RunLocal(context.Background(), 3, func(ctx context.Context, g *Group) error {
		_, err := Decide(ctx, g, func() (string, error) { return "", cfgErr })
		mu.Lock()
		errs[g.Rank()] = err
		mu.Unlock()
		return nil
	})

	assert.ErrorIs(t, errs[0], cfgErr)
	for _, err := range errs[1:] {
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, cfgErr.Error(), remote.Msg)
	}
}

func TestGatherDecide(t *testing.T) {
	err := RunLocal(context.Background(), 3, func(ctx context.Context, g *Group) error {
		sum, err := GatherDecide(ctx, g, []byte{byte(g.Rank() + 1)}, func(parts [][]byte) (int, error) {
			total := 0
			for _, p := range parts {
				total += int(p[0])
			}
			return total, nil
		})
		if err != nil {
			return err
		}
		if sum != 6 {
			return errors.New("unexpected sum")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestGRPC_Collectives(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	const size = 3
	var wg sync.WaitGroup
	errs := make([]error, size)
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			opts := GRPCOptions{Addr: addr, Rank: r, Size: size, DialRetry: 10 * time.Millisecond}
			if r == 0 {
				opts.Listener = ln
			}
			tr, err := DialGRPC(ctx, opts)
			if err != nil {
				errs[r] = err
				return
			}
			g := NewGroup(tr)
			defer g.Close()
			errs[r] = collectives(ctx, g)
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
}

func TestGRPC_PeerLossAborts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var rootErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		tr, err := DialGRPC(ctx, GRPCOptions{Rank: 0, Size: 2, Listener: ln})
		if err != nil {
			rootErr = err
			return
		}
		rootErr = NewGroup(tr).Barrier(ctx)
	}()
	go func() {
		defer wg.Done()
		tr, err := DialGRPC(ctx, GRPCOptions{Addr: ln.Addr().String(), Rank: 1, Size: 2})
		if err != nil {
			return
		}
		_ = tr.Close()
	}()
	wg.Wait()

	require.ErrorIs(t, rootErr, ErrAborted)
	require.NoError(t, ctx.Err())
}

func TestGRPC_HandshakeRejectsSizeMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var rootErr, peerErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		tr, err := DialGRPC(ctx, GRPCOptions{Rank: 0, Size: 2, Listener: ln})
		if err == nil {
			_ = tr.Close()
		}
		rootErr = err
	}()
	go func() {
		defer wg.Done()
		tr, err := DialGRPC(ctx, GRPCOptions{Addr: ln.Addr().String(), Rank: 1, Size: 3, DialRetry: 10 * time.Millisecond})
		if err == nil {
			_ = tr.Close()
		}
		peerErr = err
	}()
	wg.Wait()

	require.ErrorIs(t, rootErr, ErrAborted)
	assert.Contains(t, rootErr.Error(), "group size 3")
	require.Error(t, peerErr)
	require.NoError(t, ctx.Err())
}

func TestGRPC_SingleRank(t *testing.T) {
	tr, err := DialGRPC(context.Background(), GRPCOptions{Rank: 0, Size: 1})
	require.NoError(t, err)
	g := NewGroup(tr)
	defer g.Close()
	require.NoError(t, collectives(context.Background(), g))
}

func TestFrameCodec(t *testing.T) {
	var c frameCodec
	buf := []byte{1, 2, 3}
	b, err := c.Marshal(&frame{data: buf})
	require.NoError(t, err)
	assert.Equal(t, buf, b)

	var f frame
	require.NoError(t, c.Unmarshal(b, &f))
	b[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, f.data)

	_, err = c.Marshal("payload")
	assert.Error(t, err)
	assert.Error(t, c.Unmarshal(b, new(int)))
}

func TestPackUnpack(t *testing.T) {
	parts := [][]byte{{1, 2}, nil, {3}}
	out, err := unpack(pack(parts), 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, out[0])
	assert.Empty(t, out[1])
	assert.Equal(t, []byte{3}, out[2])

	_, err = unpack(pack(parts), 2)
	assert.Error(t, err)
}

func TestAgree(t *testing.T) {
	boom := errors.New("mmap failed")
	errs := make([]error, 3)
	var mu sync.Mutex

	require.NoError(t, RunLocal(context.Background(), 3, func(ctx context.Context, g *Group) error {
		var local error
		if g.Rank() == 1 {
			local = boom
		}
		err := Agree(ctx, g, local)
		mu.Lock()
		errs[g.Rank()] = err
		mu.Unlock()
		return nil
	}))

	assert.ErrorIs(t, errs[1], boom)
	for _, r := range []int{0, 2} {
		var remote *RemoteError
		require.ErrorAs(t, errs[r], &remote)
		assert.Equal(t, 1, remote.Rank)
	}

	require.NoError(t, RunLocal(context.Background(), 2, func(ctx context.Context, g *Group) error {
		return Agree(ctx, g, nil)
	}))
}
