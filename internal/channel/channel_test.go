package channel

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/mbclink/internal/protocol"
	"github.com/danmuck/mbclink/internal/protocol/codec"
	"github.com/danmuck/mbclink/internal/protocol/frame"
	"github.com/danmuck/mbclink/internal/testutil/testlog"
	"github.com/danmuck/mbclink/internal/transport"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testOptions(side Side, cfg protocol.Config) Options {
	opts := DefaultOptions()
	opts.Side = side
	opts.Config = cfg
	opts.HandshakeTimeout = 2 * time.Second
	return opts
}

// pipeSessions negotiates an external initiator against a solver listener
// over an in-memory pipe.
func pipeSessions(t *testing.T, cfg protocol.Config) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()
	ctx := context.Background()

	var ext, sol *Session
	var g errgroup.Group
	g.Go(func() error {
		var err error
		ext, err = Negotiate(ctx, transport.New(a, "pipe.ext"), RoleInitiator, testOptions(SideExternal, cfg))
		return err
	})
	g.Go(func() error {
		var err error
		sol, err = Negotiate(ctx, transport.New(b, "pipe.sol"), RoleListener, testOptions(SideSolver, cfg))
		return err
	})
	require.NoError(t, g.Wait())
	t.Cleanup(func() {
		_ = ext.Close()
		_ = sol.Close()
	})
	return ext, sol
}

func TestNegotiateStartsExternalSending(t *testing.T) {
	testlog.Start(t)
	cfg := protocol.Config{Rigid: true, Nodes: 2, Labels: true, Rotation: protocol.RotMatrix}
	ext, sol := pipeSessions(t, cfg)

	require.Equal(t, StateSendPending, ext.State())
	require.Equal(t, StateRecvPending, sol.State())
	require.NotEmpty(t, ext.ID())
	require.Equal(t, ext.ID(), sol.ID())
	require.Equal(t, cfg, sol.Config())
	require.Equal(t, RoleInitiator, ext.Role())
	require.Equal(t, RoleListener, sol.Role())
}

func TestRigidEulerRoundTrip(t *testing.T) {
	testlog.Start(t)
	cfg := protocol.Config{Rigid: true, Rotation: protocol.RotEuler123}
	ext, sol := pipeSessions(t, cfg)

	require.NoError(t, ext.SetRigidLoad(protocol.RigidBodyLoad{Label: 1, Force: protocol.Vec3{1, 0, 0}}))

	var g errgroup.Group
	g.Go(func() error {
		if err := sol.Recv(); err != nil {
			return err
		}
		rb, ok := sol.RigidLoad()
		if !ok || rb.Label != 1 || rb.Force != (protocol.Vec3{1, 0, 0}) {
			return errors.New("solver decoded wrong load")
		}
		state := protocol.NewKinematics(cfg, 1)
		state.Position = protocol.Vec3{0.5, 0, 0}
		if err := sol.SetRigidState(state); err != nil {
			return err
		}
		return sol.Send(false)
	})
	require.NoError(t, ext.Send(false))
	require.NoError(t, ext.Recv())
	require.NoError(t, g.Wait())

	rb, ok := ext.RigidState()
	require.True(t, ok)
	require.Equal(t, uint32(1), rb.Label)
	require.Equal(t, protocol.Vec3{0.5, 0, 0}, rb.Position)
	require.Len(t, rb.Orientation, 3)
	require.Equal(t, uint32(1), ext.Step())
	require.Equal(t, uint32(1), sol.Step())
	require.Equal(t, StateSendPending, ext.State())
	require.Equal(t, StateRecvPending, sol.State())
}

func TestSendTwiceIsProtocolViolation(t *testing.T) {
	testlog.Start(t)
	ext, sol := pipeSessions(t, protocol.Config{Nodes: 1, Rotation: protocol.RotVector})

	require.ErrorIs(t, sol.Send(false), protocol.ErrProtocolViolation)
	go func() { _ = sol.Recv() }()
	require.NoError(t, ext.Send(false))
	err := ext.Send(false)
	require.ErrorIs(t, err, protocol.ErrProtocolViolation)
	require.Equal(t, StateRecvPending, ext.State())
}

func TestRecvOutOfTurnIsProtocolViolation(t *testing.T) {
	testlog.Start(t)
	ext, _ := pipeSessions(t, protocol.Config{Nodes: 1, Rotation: protocol.RotVector})
	require.ErrorIs(t, ext.Recv(), protocol.ErrProtocolViolation)
	require.Equal(t, StateSendPending, ext.State())
}

func TestLastFlagClosesBothSides(t *testing.T) {
	testlog.Start(t)
	cfg := protocol.Config{Nodes: 3, Labels: true, Rotation: protocol.RotMatrix, Accels: true}
	ext, sol := pipeSessions(t, cfg)

	var g errgroup.Group
	g.Go(func() error {
		if err := sol.Recv(); err != nil {
			return err
		}
		// The peer flagged the final exchange; the reply is forced last.
		return sol.Send(false)
	})
	require.NoError(t, ext.Send(true))
	require.NoError(t, ext.Recv())
	require.NoError(t, g.Wait())

	require.Equal(t, StateClosed, ext.State())
	require.Equal(t, StateClosed, sol.State())
	require.ErrorIs(t, ext.Send(false), protocol.ErrProtocolViolation)
	require.ErrorIs(t, sol.Recv(), protocol.ErrProtocolViolation)

	hist := sol.History()
	require.Len(t, hist, 2)
	require.Equal(t, DirectionRecv, hist[0].Direction)
	require.True(t, hist[0].Last)
	require.Equal(t, DirectionSend, hist[1].Direction)
	require.True(t, hist[1].Last)
}

func TestSolverTerminates(t *testing.T) {
	testlog.Start(t)
	ext, sol := pipeSessions(t, protocol.Config{Rigid: true, Rotation: protocol.RotVector})

	var g errgroup.Group
	g.Go(func() error {
		if err := sol.Recv(); err != nil {
			return err
		}
		if err := sol.Send(true); err != nil {
			return err
		}
		return sol.Recv()
	})
	require.NoError(t, ext.Send(false))
	require.NoError(t, ext.Recv())
	require.Equal(t, StateSendPending, ext.State())
	require.NoError(t, ext.Send(false))
	require.NoError(t, g.Wait())
	require.Equal(t, StateClosed, ext.State())
	require.Equal(t, StateClosed, sol.State())
}

func TestConfigMismatchAtHandshake(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() {
		cfg := protocol.Config{Nodes: 4, Rotation: protocol.RotMatrix}
		_, err := Negotiate(ctx, transport.New(a, "pipe.ext"), RoleInitiator, testOptions(SideExternal, cfg))
		errs <- err
	}()
	go func() {
		cfg := protocol.Config{Nodes: 4, Rotation: protocol.RotEuler123}
		_, err := Negotiate(ctx, transport.New(b, "pipe.sol"), RoleListener, testOptions(SideSolver, cfg))
		errs <- err
	}()
	for i := 0; i < 2; i++ {
		err := <-errs
		require.ErrorIs(t, err, protocol.ErrConfigMismatch)
		var mm protocol.MismatchError
		require.ErrorAs(t, err, &mm)
		require.Equal(t, "rotation", mm.Field)
	}
}

func TestSameSideIsMismatch(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	ctx := context.Background()
	cfg := protocol.Config{Nodes: 1, Rotation: protocol.RotVector}

	var g errgroup.Group
	g.Go(func() error {
		_, err := Negotiate(ctx, transport.New(a, "pipe.a"), RoleInitiator, testOptions(SideExternal, cfg))
		return err
	})
	_, err := Negotiate(ctx, transport.New(b, "pipe.b"), RoleListener, testOptions(SideExternal, cfg))
	require.ErrorIs(t, err, protocol.ErrConfigMismatch)
	require.ErrorIs(t, g.Wait(), protocol.ErrConfigMismatch)
}

func TestHandshakeTimeout(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer b.Close()

	opts := testOptions(SideExternal, protocol.Config{Nodes: 1, Rotation: protocol.RotVector})
	opts.HandshakeTimeout = 50 * time.Millisecond
	start := time.Now()
	_, err := Negotiate(context.Background(), transport.New(a, "pipe.ext"), RoleInitiator, opts)
	require.ErrorIs(t, err, protocol.ErrConnection)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestOversizedHelloRejected(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	raw := transport.New(a, "pipe.raw")
	defer raw.Close()

	h := frame.Header{Kind: frame.KindHello, PayloadLen: 8 << 10}
	go func() { _ = raw.WriteExact(frameBytes(h, nil)) }()

	start := time.Now()
	_, err := handshakeListener(transport.New(b, "pipe.sol"), hello{Version: ProtocolVersion, Side: SideSolver})
	require.ErrorIs(t, err, protocol.ErrConnection)
	require.ErrorIs(t, err, frame.ErrPayloadTooLarge)
	require.Less(t, time.Since(start), time.Second)
}

// craftedSolver negotiates a solver listener against a raw initiator conn
// so tests can write arbitrary frames at it.
func craftedSolver(t *testing.T, cfg protocol.Config) (*transport.Conn, *Session) {
	t.Helper()
	a, b := net.Pipe()
	raw := transport.New(a, "pipe.raw")
	t.Cleanup(func() { _ = raw.Close() })

	solCh := make(chan *Session, 1)
	errCh := make(chan error, 1)
	go func() {
		s, err := Negotiate(context.Background(), transport.New(b, "pipe.sol"), RoleListener, testOptions(SideSolver, cfg))
		if err != nil {
			errCh <- err
			return
		}
		solCh <- s
	}()
	local := hello{Version: ProtocolVersion, SessionID: "crafted", Side: SideExternal, Config: cfg}
	_, err := handshakeInitiator(raw, local)
	require.NoError(t, err)

	var sol *Session
	select {
	case sol = <-solCh:
	case err := <-errCh:
		t.Fatalf("negotiate: %v", err)
	}
	t.Cleanup(func() { _ = sol.Close() })
	return raw, sol
}

// recvAgainst runs sol.Recv while raw writes b. The solver may close before
// draining b, so the write error is ignored.
func recvAgainst(t *testing.T, raw *transport.Conn, sol *Session, b []byte) error {
	t.Helper()
	recvErr := make(chan error, 1)
	go func() { recvErr <- sol.Recv() }()
	go func() { _ = raw.WriteExact(b) }()
	select {
	case err := <-recvErr:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("recv did not return")
		return nil
	}
}

func frameBytes(h frame.Header, payload []byte) []byte {
	h.Magic = frame.Magic
	h.Version = frame.Version
	return append(frame.EncodeHeader(h), payload...)
}

func TestWrongConfigIDIsFrameSizeError(t *testing.T) {
	testlog.Start(t)
	cfg := protocol.Config{Nodes: 2, Rotation: protocol.RotMatrix}
	raw, sol := craftedSolver(t, cfg)

	other := protocol.Config{Nodes: 2, Rotation: protocol.RotVector}
	payload, err := codec.EncodeLoad(other, nil, protocol.NewNodalLoad(other))
	require.NoError(t, err)
	h := frame.Header{Kind: frame.KindLoad, ConfigID: other.ID(), PayloadLen: uint32(len(payload))}

	require.ErrorIs(t, recvAgainst(t, raw, sol, frameBytes(h, payload)), protocol.ErrFrameSize)
	require.Equal(t, StateClosed, sol.State())
}

func TestOutOfSequenceStepIsFrameSizeError(t *testing.T) {
	testlog.Start(t)
	cfg := protocol.Config{Rigid: true, Rotation: protocol.RotMatrix}
	raw, sol := craftedSolver(t, cfg)

	payload, err := codec.EncodeLoad(cfg, &protocol.RigidBodyLoad{}, nil)
	require.NoError(t, err)
	h := frame.Header{Kind: frame.KindLoad, ConfigID: cfg.ID(), Step: 7, PayloadLen: uint32(len(payload))}

	require.ErrorIs(t, recvAgainst(t, raw, sol, frameBytes(h, payload)), protocol.ErrFrameSize)
}

func TestOversizedDeclaredPayloadRejectedBeforeRead(t *testing.T) {
	testlog.Start(t)
	cfg := protocol.Config{Nodes: 2, Labels: true, Rotation: protocol.RotVector}
	raw, sol := craftedSolver(t, cfg)

	payload, err := codec.EncodeLoad(cfg, nil, protocol.NewNodalLoad(cfg))
	require.NoError(t, err)
	// Header promises 8 bytes more than are ever written.
	h := frame.Header{Kind: frame.KindLoad, ConfigID: cfg.ID(), PayloadLen: uint32(cfg.LoadSize() + 8)}

	require.ErrorIs(t, recvAgainst(t, raw, sol, frameBytes(h, payload)), protocol.ErrFrameSize)
	require.Equal(t, StateClosed, sol.State())
}

func TestAbortWithPayloadIsFrameSizeError(t *testing.T) {
	testlog.Start(t)
	cfg := protocol.Config{Nodes: 1, Rotation: protocol.RotVector}
	raw, sol := craftedSolver(t, cfg)

	h := frame.Header{Kind: frame.KindAbort, Flags: frame.FlagLast, ConfigID: cfg.ID(), PayloadLen: 4}
	require.ErrorIs(t, recvAgainst(t, raw, sol, frameBytes(h, []byte{1, 2, 3, 4})), protocol.ErrFrameSize)
}

func TestPeerCloseIsTransportClosed(t *testing.T) {
	testlog.Start(t)
	ext, sol := pipeSessions(t, protocol.Config{Nodes: 1, Rotation: protocol.RotVector})

	recvErr := make(chan error, 1)
	go func() { recvErr <- sol.Recv() }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ext.Close())
	require.ErrorIs(t, <-recvErr, protocol.ErrTransportClosed)
	require.Equal(t, StateClosed, sol.State())
	require.Equal(t, StateClosed, ext.State())
}

func TestCloseUnblocksOwnRecv(t *testing.T) {
	testlog.Start(t)
	_, sol := pipeSessions(t, protocol.Config{Nodes: 1, Rotation: protocol.RotVector})

	recvErr := make(chan error, 1)
	go func() { recvErr <- sol.Recv() }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sol.Close())
	select {
	case err := <-recvErr:
		require.ErrorIs(t, err, protocol.ErrTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not unblock recv")
	}
}

func TestAbortReachesPeer(t *testing.T) {
	testlog.Start(t)
	ext, sol := pipeSessions(t, protocol.Config{Rigid: true, Rotation: protocol.RotMatrix})

	recvErr := make(chan error, 1)
	go func() { recvErr <- sol.Recv() }()
	require.NoError(t, ext.Abort())
	require.ErrorIs(t, <-recvErr, protocol.ErrPeerAborted)
	require.Equal(t, StateClosed, ext.State())
	require.Equal(t, StateClosed, sol.State())
}

func TestAbortOutOfTurn(t *testing.T) {
	testlog.Start(t)
	_, sol := pipeSessions(t, protocol.Config{Rigid: true, Rotation: protocol.RotMatrix})
	require.ErrorIs(t, sol.Abort(), protocol.ErrProtocolViolation)
}

func TestAbortAfterPeerLastIsProtocolViolation(t *testing.T) {
	testlog.Start(t)
	ext, sol := pipeSessions(t, protocol.Config{Rigid: true, Rotation: protocol.RotVector})

	var g errgroup.Group
	g.Go(func() error {
		if err := ext.Send(true); err != nil {
			return err
		}
		return ext.Recv()
	})
	require.NoError(t, sol.Recv())
	require.Equal(t, StateSendPending, sol.State())
	require.ErrorIs(t, sol.Abort(), protocol.ErrProtocolViolation)

	// The final reply is still owed and completes the exchange.
	require.NoError(t, sol.Send(false))
	require.NoError(t, g.Wait())
	require.Equal(t, StateClosed, ext.State())
	require.Equal(t, StateClosed, sol.State())
}

func TestSettersValidateShapeAndSide(t *testing.T) {
	testlog.Start(t)
	cfg := protocol.Config{Nodes: 2, Labels: true, Rotation: protocol.RotVector}
	ext, sol := pipeSessions(t, cfg)

	require.ErrorIs(t, ext.SetNodalLoad(make(protocol.NodalLoad, 3)), protocol.ErrFrameSize)
	require.ErrorIs(t, ext.SetRigidLoad(protocol.RigidBodyLoad{}), protocol.ErrFrameSize)
	require.ErrorIs(t, ext.SetNodalState(protocol.NewNodalState(cfg)), protocol.ErrProtocolViolation)
	require.ErrorIs(t, sol.SetNodalLoad(protocol.NewNodalLoad(cfg)), protocol.ErrProtocolViolation)

	bad := protocol.NewNodalState(cfg)
	bad[1].Orientation = make([]float64, 9)
	require.ErrorIs(t, sol.SetNodalState(bad), protocol.ErrFrameSize)

	loads := protocol.NewNodalLoad(cfg)
	loads[0].Force = protocol.Vec3{1, 2, 3}
	require.NoError(t, ext.SetNodalLoad(loads))
	loads[0].Force = protocol.Vec3{9, 9, 9}
	require.Equal(t, protocol.Vec3{1, 2, 3}, ext.NodalLoad()[0].Force)
}

func TestHistoryIsBounded(t *testing.T) {
	testlog.Start(t)
	h := newHistory(3)
	for i := 0; i < 5; i++ {
		h.add(StepRecord{Step: uint32(i)})
	}
	got := h.snapshot()
	require.Len(t, got, 3)
	require.Equal(t, uint32(2), got[0].Step)
	require.Equal(t, uint32(4), got[2].Step)

	off := newHistory(0)
	off.add(StepRecord{Step: 1})
	require.Empty(t, off.snapshot())
}

func TestListenDialOverUnixSocket(t *testing.T) {
	testlog.Start(t)
	cfg := protocol.Config{Rigid: true, Nodes: 1, Labels: true, Rotation: protocol.RotEuler123, Accels: true}
	ep := transport.Endpoint{Network: transport.NetworkUnix, Address: filepath.Join(t.TempDir(), "mbc.sock")}

	ln, err := transport.Listen(ep)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sol, err := Accept(gctx, ln, testOptions(SideSolver, cfg))
		if err != nil {
			return err
		}
		defer sol.Close()
		for sol.State() != StateClosed {
			if err := sol.Recv(); err != nil {
				return err
			}
			if err := sol.Send(false); err != nil {
				return err
			}
		}
		return nil
	})

	opts := testOptions(SideExternal, cfg)
	opts.Endpoint = ep
	ext, err := Dial(ctx, opts)
	require.NoError(t, err)
	defer ext.Close()
	for step := 0; step < 3; step++ {
		require.NoError(t, ext.Send(step == 2))
		require.NoError(t, ext.Recv())
	}
	require.NoError(t, g.Wait())
	require.Equal(t, StateClosed, ext.State())
	require.Equal(t, uint32(3), ext.Step())
}

func TestDialRetryGivesUp(t *testing.T) {
	testlog.Start(t)
	opts := testOptions(SideExternal, protocol.Config{Nodes: 1, Rotation: protocol.RotVector})
	opts.Endpoint = transport.Endpoint{Network: transport.NetworkUnix, Address: filepath.Join(t.TempDir(), "missing.sock")}
	opts.MaxAttempts = 3
	opts.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}

	_, err := DialRetry(context.Background(), opts)
	require.ErrorIs(t, err, protocol.ErrConnection)
	require.Contains(t, err.Error(), "3 attempts")
}

func TestDialRetryWaitsForListener(t *testing.T) {
	testlog.Start(t)
	cfg := protocol.Config{Nodes: 1, Rotation: protocol.RotVector}
	ep := transport.Endpoint{Network: transport.NetworkUnix, Address: filepath.Join(t.TempDir(), "late.sock")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var g errgroup.Group
	g.Go(func() error {
		time.Sleep(50 * time.Millisecond)
		opts := testOptions(SideSolver, cfg)
		opts.Endpoint = ep
		sol, err := Listen(ctx, opts)
		if err != nil {
			return err
		}
		return sol.Close()
	})

	opts := testOptions(SideExternal, cfg)
	opts.Endpoint = ep
	opts.Backoff = BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1.5, MaxDelay: 50 * time.Millisecond}
	ext, err := DialRetry(ctx, opts)
	require.NoError(t, err)
	_ = ext.Close()
	require.NoError(t, g.Wait())
}

func TestDialRetryStopsOnMismatch(t *testing.T) {
	testlog.Start(t)
	ep := transport.Endpoint{Network: transport.NetworkUnix, Address: filepath.Join(t.TempDir(), "mm.sock")}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		opts := testOptions(SideSolver, protocol.Config{Nodes: 2, Rotation: protocol.RotVector})
		opts.Endpoint = ep
		_, err := Listen(ctx, opts)
		return err
	})
	time.Sleep(50 * time.Millisecond)

	opts := testOptions(SideExternal, protocol.Config{Nodes: 3, Rotation: protocol.RotVector})
	opts.Endpoint = ep
	opts.MaxAttempts = 10
	_, err := DialRetry(ctx, opts)
	require.ErrorIs(t, err, protocol.ErrConfigMismatch)
	require.ErrorIs(t, g.Wait(), protocol.ErrConfigMismatch)
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{8, 300 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := NextBackoffDelay(cfg, tc.attempt, nil); got != tc.want {
			t.Fatalf("attempt %d: got=%s want=%s", tc.attempt, got, tc.want)
		}
	}
	cfg.Jitter = true
	if got := NextBackoffDelay(cfg, 1, nil); got != 50*time.Millisecond {
		t.Fatalf("jitter without rng: got=%s", got)
	}
}
