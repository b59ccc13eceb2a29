package comm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// MaxFrameSize bounds a single payload on the wire.
const MaxFrameSize = 1 << 30

const (
	joinMethod = "/apcluster.comm.Group/Join"
	mdRank     = "apcluster-rank"
	mdSize     = "apcluster-size"
)

// GRPCOptions configures a group of processes connected over gRPC.
type GRPCOptions struct {
	// Addr is the coordinator address: rank 0 serves on it, peers dial it.
	Addr string
	Rank int
	Size int
	// Listener, if set, is used by rank 0 instead of listening on Addr.
	Listener net.Listener
	// DialRetry caps the pause between connection attempts while the
	// coordinator is not yet serving. Default 1s.
	DialRetry time.Duration
	// DialOptions are applied after the defaults, so they may replace the
	// insecure transport credentials.
	DialOptions []grpc.DialOption
	// ServerOptions are passed to rank 0's server.
	ServerOptions []grpc.ServerOption
}

// frame is one payload. frameCodec sends it as is, without protobuf.
type frame struct{ data []byte }

type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("comm: cannot marshal %T", v)
	}
	if len(f.data) > MaxFrameSize {
		return nil, fmt.Errorf("comm: frame of %d bytes exceeds limit", len(f.data))
	}
	return f.data, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("comm: cannot unmarshal into %T", v)
	}
	// The buffer is reused by grpc once Unmarshal returns.
	f.data = append([]byte(nil), data...)
	return nil
}

func (frameCodec) Name() string { return "apcluster-frame" }

type joinHandler interface {
	join(stream grpc.ServerStream) error
}

var groupService = grpc.ServiceDesc{
	ServiceName: "apcluster.comm.Group",
	HandlerType: (*joinHandler)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName: "Join",
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(joinHandler).join(stream)
		},
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "comm/grpc.go",
}

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type grpcTransport struct {
	rank, size int

	// rank 0: one server stream per peer; others: streams[0] is the stream
	// to the coordinator.
	streams []msgStream

	server    *grpc.Server
	conn      *grpc.ClientConn
	cancel    context.CancelFunc
	closeOnce sync.Once

	joined chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	njoined int
	closed  bool
	cause   error
}

// DialGRPC forms a group over gRPC. Rank 0 serves a Join stream on
// opts.Addr and waits for Size-1 peers; every other rank opens one
// bidirectional stream to it. DialGRPC returns once the group is complete
// or ctx is done.
func DialGRPC(ctx context.Context, opts GRPCOptions) (Transport, error) {
	if opts.Size < 1 || opts.Rank < 0 || opts.Rank >= opts.Size {
		return nil, fmt.Errorf("comm: invalid rank %d of %d", opts.Rank, opts.Size)
	}
	if opts.DialRetry <= 0 {
		opts.DialRetry = time.Second
	}
	t := &grpcTransport{
		rank:    opts.Rank,
		size:    opts.Size,
		streams: make([]msgStream, opts.Size),
		joined:  make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  func() {},
	}
	if opts.Size == 1 {
		return t, nil
	}
	if opts.Rank == 0 {
		if err := t.serve(ctx, opts); err != nil {
			_ = t.Close()
			return nil, err
		}
		return t, nil
	}
	if err := t.dial(ctx, opts); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (t *grpcTransport) serve(ctx context.Context, opts GRPCOptions) error {
	ln := opts.Listener
	if ln == nil {
		var lc net.ListenConfig
		var err error
		if ln, err = lc.Listen(ctx, "tcp", opts.Addr); err != nil {
			return fmt.Errorf("comm: listen %s: %w", opts.Addr, err)
		}
	}
	srvOpts := append([]grpc.ServerOption{
		grpc.ForceServerCodec(frameCodec{}),
		grpc.MaxRecvMsgSize(MaxFrameSize),
		grpc.MaxSendMsgSize(MaxFrameSize),
	}, opts.ServerOptions...)
	t.server = grpc.NewServer(srvOpts...)
	t.server.RegisterService(&groupService, t)
	go func() {
		if err := t.server.Serve(ln); err != nil {
			t.Abort(fmt.Errorf("comm: serve %s: %w", ln.Addr(), err))
		}
	}()

	select {
	case <-t.joined:
		return nil
	case <-t.done:
		return t.failed()
	case <-ctx.Done():
		t.Abort(ctx.Err())
		return ctx.Err()
	}
}

// join runs for the lifetime of one peer's stream.
func (t *grpcTransport) join(stream grpc.ServerStream) error {
	rank, err := t.admit(stream)
	if err != nil {
		t.Abort(err)
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := stream.SendMsg(&frame{}); err != nil {
		t.Abort(fmt.Errorf("comm: handshake with rank %d: %w", rank, err))
		return err
	}

	t.mu.Lock()
	if !t.closed {
		t.njoined++
		if t.njoined == t.size-1 {
			close(t.joined)
		}
	}
	t.mu.Unlock()

	select {
	case <-t.done:
		return status.Error(codes.Aborted, ErrAborted.Error())
	case <-stream.Context().Done():
		t.Abort(fmt.Errorf("comm: rank %d left the group", rank))
		return stream.Context().Err()
	}
}

func (t *grpcTransport) admit(stream grpc.ServerStream) (int, error) {
	md, _ := metadata.FromIncomingContext(stream.Context())
	rank, err := mdInt(md, mdRank)
	if err != nil {
		return 0, err
	}
	size, err := mdInt(md, mdSize)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return 0, abortErr(t.cause)
	case size != t.size:
		return 0, fmt.Errorf("comm: handshake: peer expects group size %d, have %d", size, t.size)
	case rank < 1 || rank >= t.size:
		return 0, fmt.Errorf("comm: handshake: invalid peer rank %d", rank)
	case t.streams[rank] != nil:
		return 0, fmt.Errorf("comm: handshake: duplicate rank %d", rank)
	}
	t.streams[rank] = stream
	return rank, nil
}

func mdInt(md metadata.MD, key string) (int, error) {
	vals := md.Get(key)
	if len(vals) != 1 {
		return 0, fmt.Errorf("comm: handshake: missing %s", key)
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil {
		return 0, fmt.Errorf("comm: handshake: %s: %w", key, err)
	}
	return n, nil
}

func (t *grpcTransport) dial(ctx context.Context, opts GRPCOptions) error {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(frameCodec{}),
			grpc.MaxCallRecvMsgSize(MaxFrameSize),
			grpc.MaxCallSendMsgSize(MaxFrameSize),
		),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  50 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   opts.DialRetry,
			},
			MinConnectTimeout: 5 * time.Second,
		}),
	}, opts.DialOptions...)
	conn, err := grpc.NewClient(opts.Addr, dialOpts...)
	if err != nil {
		return fmt.Errorf("comm: dial %s: %w", opts.Addr, err)
	}
	t.conn = conn

	// The stream outlives ctx; ctx only bounds the join.
	sctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	sctx = metadata.AppendToOutgoingContext(sctx,
		mdRank, strconv.Itoa(opts.Rank),
		mdSize, strconv.Itoa(opts.Size))
	stop := context.AfterFunc(ctx, cancel)

	stream, err := conn.NewStream(sctx, &groupService.Streams[0], joinMethod, grpc.WaitForReady(true))
	if err == nil {
		err = stream.RecvMsg(&frame{})
	}
	if !stop() {
		return fmt.Errorf("comm: join %s: %w", opts.Addr, ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("comm: join %s: %w", opts.Addr, err)
	}
	t.streams[0] = stream
	return nil
}

func (t *grpcTransport) Rank() int { return t.rank }
func (t *grpcTransport) Size() int { return t.size }

func (t *grpcTransport) failed() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return abortErr(t.cause)
	}
	return nil
}

// fail aborts the group after a stream error: the stream state is unknown
// afterwards, so every link is torn down.
func (t *grpcTransport) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		t.Abort(ctx.Err())
		return ctx.Err()
	}
	t.Abort(err)
	return t.failed()
}

// watch aborts the group when ctx is done while a stream call blocks.
func (t *grpcTransport) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() { t.Abort(ctx.Err()) })
}

func (t *grpcTransport) send(s msgStream, p []byte) error {
	err := s.SendMsg(&frame{data: p})
	if errors.Is(err, io.EOF) && t.rank != 0 {
		// The coordinator ended the stream; its status comes with Recv.
		if rerr := s.RecvMsg(&frame{}); rerr != nil && !errors.Is(rerr, io.EOF) {
			return rerr
		}
	}
	return err
}

func (t *grpcTransport) recv(s msgStream) ([]byte, error) {
	var f frame
	if err := s.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f.data, nil
}

func (t *grpcTransport) Gather(ctx context.Context, payload []byte) ([][]byte, error) {
	if err := t.failed(); err != nil {
		return nil, err
	}
	if t.size == 1 {
		return [][]byte{append([]byte(nil), payload...)}, nil
	}
	defer t.watch(ctx)()

	if t.rank != 0 {
		if err := t.send(t.streams[0], payload); err != nil {
			return nil, t.fail(ctx, err)
		}
		return nil, nil
	}
	out := make([][]byte, t.size)
	out[0] = append([]byte(nil), payload...)
	for r := 1; r < t.size; r++ {
		p, err := t.recv(t.streams[r])
		if err != nil {
			return nil, t.fail(ctx, fmt.Errorf("rank %d: %w", r, err))
		}
		out[r] = p
	}
	return out, nil
}

func (t *grpcTransport) Broadcast(ctx context.Context, payload []byte) ([]byte, error) {
	if err := t.failed(); err != nil {
		return nil, err
	}
	if t.size == 1 {
		return payload, nil
	}
	defer t.watch(ctx)()

	if t.rank != 0 {
		p, err := t.recv(t.streams[0])
		if err != nil {
			return nil, t.fail(ctx, err)
		}
		return p, nil
	}
	for r := 1; r < t.size; r++ {
		if err := t.send(t.streams[r], payload); err != nil {
			return nil, t.fail(ctx, fmt.Errorf("rank %d: %w", r, err))
		}
	}
	return payload, nil
}

// Abort ends every stream. Peers observe the closed stream on their next
// call and abort in turn.
func (t *grpcTransport) Abort(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.cause = cause
	close(t.done)
	t.mu.Unlock()

	t.cancel()
	if t.server != nil {
		// Stop waits for the Join handlers, and Abort may run on one of them.
		go t.server.Stop()
	}
}

func (t *grpcTransport) Close() error {
	t.Abort(ErrClosed)
	var err error
	t.closeOnce.Do(func() {
		if t.server != nil {
			t.server.Stop()
		}
		if t.conn != nil {
			err = t.conn.Close()
		}
	})
	return err
}
