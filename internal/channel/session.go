package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/mbclink/internal/observability"
	"github.com/danmuck/mbclink/internal/protocol"
	"github.com/danmuck/mbclink/internal/protocol/codec"
	"github.com/danmuck/mbclink/internal/protocol/frame"
	"github.com/danmuck/mbclink/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the step protocol phase.
type State uint8

const (
	StateIdle State = iota
	StateConnected
	StateSendPending
	StateRecvPending
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateSendPending:
		return "send_pending"
	case StateRecvPending:
		return "recv_pending"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Session is one negotiated connection between the external code and the
// solver. Buffers are copied in by the setters and copied out by the
// accessors; the session never aliases caller slices.
type Session struct {
	mu sync.Mutex

	id     string
	role   Role
	side   Side
	cfg    protocol.Config
	limits frame.Limits
	conn   *transport.Conn
	log    zerolog.Logger

	verbose  bool
	state    State
	busy     bool
	step     uint32
	sentLast bool
	peerLast bool
	history  *history
	turnAt   time.Time

	rigidLoad  *protocol.RigidBodyLoad
	nodalLoad  protocol.NodalLoad
	rigidState *protocol.RigidBodyState
	nodalState protocol.NodalState
}

func newSession(conn *transport.Conn, role Role, opts Options) *Session {
	s := &Session{
		role:       role,
		side:       opts.Side,
		cfg:        opts.Config,
		limits:     opts.Limits,
		conn:       conn,
		verbose:    opts.Verbose,
		state:      StateIdle,
		history:    newHistory(opts.HistoryDepth),
		nodalLoad:  protocol.NewNodalLoad(opts.Config),
		nodalState: protocol.NewNodalState(opts.Config),
	}
	if opts.Config.Rigid {
		s.rigidLoad = &protocol.RigidBodyLoad{}
		k := protocol.NewKinematics(opts.Config, 0)
		s.rigidState = &k
	}
	return s
}

// start moves a negotiated session into its first turn.
func (s *Session) start(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.log = log.With().
		Str("session", id).
		Str("side", s.side.String()).
		Str("role", s.role.String()).
		Logger()
	s.state = StateConnected
	if s.side == SideExternal {
		s.state = StateSendPending
	} else {
		s.state = StateRecvPending
	}
	s.log.Info().Str("config", s.cfg.String()).Str("conn", s.conn.String()).Msg("session established")
}

// Send transmits the outbound buffer for the current step. last marks the
// final exchange. After the peer flagged the final exchange, Send always
// flags its reply as last and closes the session.
func (s *Session) Send(last bool) error {
	s.mu.Lock()
	if err := s.beginLocked(StateSendPending, "send"); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.peerLast {
		last = true
	}
	payload, kind, err := s.encodeLocked()
	if err != nil {
		s.busy = false
		s.mu.Unlock()
		return err
	}
	hdr := frame.Header{Kind: kind, ConfigID: s.cfg.ID(), Step: s.step}
	if last {
		hdr.Flags |= frame.FlagLast
	}
	s.mu.Unlock()

	err = frame.WriteFrame(s.conn, frame.Frame{Header: hdr, Payload: payload}, s.limits)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if err != nil {
		s.closeLocked(err)
		return err
	}
	s.recordLocked(DirectionSend, hdr, len(payload))
	if s.side == SideSolver {
		s.step++
	}
	switch {
	case s.state == StateClosed:
		return fmt.Errorf("%w: session closed during send", protocol.ErrTransportClosed)
	case s.peerLast:
		s.closeLocked(nil)
	default:
		s.sentLast = last
		s.state = StateRecvPending
	}
	return nil
}

// Recv blocks for the peer's frame of the current step and stores it in the
// inbound buffer.
func (s *Session) Recv() error {
	s.mu.Lock()
	if err := s.beginLocked(StateRecvPending, "recv"); err != nil {
		s.mu.Unlock()
		return err
	}
	want := s.inboundLocked()
	s.mu.Unlock()

	h, err := frame.ReadHeader(s.conn, s.limits)
	if err == nil {
		err = want.check(h)
	}
	var payload []byte
	if err == nil {
		payload, err = frame.ReadPayload(s.conn, h)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if err != nil {
		s.closeLocked(err)
		return err
	}
	if h.Kind == frame.KindAbort {
		s.recordLocked(DirectionRecv, h, 0)
		err := fmt.Errorf("%w: at step %d", protocol.ErrPeerAborted, h.Step)
		s.closeLocked(err)
		return err
	}
	if err := s.decodeLocked(payload); err != nil {
		s.closeLocked(err)
		return err
	}
	s.recordLocked(DirectionRecv, h, len(payload))
	if s.side == SideExternal {
		s.step++
	}
	switch {
	case s.state == StateClosed:
		return fmt.Errorf("%w: session closed during recv", protocol.ErrTransportClosed)
	case s.sentLast:
		s.closeLocked(nil)
	case h.Last():
		s.peerLast = true
		s.state = StateSendPending
	default:
		s.state = StateSendPending
	}
	return nil
}

// Abort tells the peer to stop immediately and closes the session. It is
// only allowed on the caller's turn to send, and not once the peer has
// flagged the final exchange: that turn owes the peer its final reply.
func (s *Session) Abort() error {
	s.mu.Lock()
	if s.peerLast && s.state == StateSendPending {
		s.mu.Unlock()
		return fmt.Errorf("%w: abort after the peer flagged the final exchange; send the final reply", protocol.ErrProtocolViolation)
	}
	if err := s.beginLocked(StateSendPending, "abort"); err != nil {
		s.mu.Unlock()
		return err
	}
	hdr := frame.Header{Kind: frame.KindAbort, ConfigID: s.cfg.ID(), Step: s.step, Flags: frame.FlagLast}
	s.mu.Unlock()

	err := frame.WriteFrame(s.conn, frame.Frame{Header: hdr}, s.limits)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.recordLocked(DirectionSend, hdr, 0)
	s.closeLocked(err)
	return err
}

// Close tears the session down. It is safe to call from any goroutine and
// unblocks a pending Send or Recv.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	s.closeLocked(nil)
	return nil
}

func (s *Session) beginLocked(want State, op string) error {
	switch {
	case s.busy:
		return fmt.Errorf("%w: %s while another call is in flight", protocol.ErrProtocolViolation, op)
	case s.state == StateClosed:
		return fmt.Errorf("%w: %s on closed session", protocol.ErrProtocolViolation, op)
	case s.state != want:
		return fmt.Errorf("%w: %s out of turn in state %s", protocol.ErrProtocolViolation, op, s.state)
	}
	s.busy = true
	return nil
}

func (s *Session) closeLocked(cause error) {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	_ = s.conn.Close()
	ev := s.log.Info()
	if cause != nil {
		ev = s.log.Warn().Err(cause)
	}
	ev.Uint32("step", s.step).Msg("session closed")
	observability.RecordClose(s.side.String(), closeReason(cause, s.sentLast || s.peerLast))
}

func closeReason(cause error, last bool) string {
	switch {
	case cause == nil && last:
		return "last"
	case cause == nil:
		return "local"
	case errors.Is(cause, protocol.ErrPeerAborted):
		return "peer_aborted"
	case errors.Is(cause, protocol.ErrTransportClosed):
		return "transport_closed"
	case errors.Is(cause, protocol.ErrFrameSize):
		return "frame_size"
	default:
		return "error"
	}
}

func (s *Session) encodeLocked() ([]byte, frame.Kind, error) {
	if s.side == SideExternal {
		b, err := codec.EncodeLoad(s.cfg, s.rigidLoad, s.nodalLoad)
		return b, frame.KindLoad, err
	}
	b, err := codec.EncodeState(s.cfg, s.rigidState, s.nodalState)
	return b, frame.KindState, err
}

func (s *Session) decodeLocked(payload []byte) error {
	if s.side == SideExternal {
		rb, nodes, err := codec.DecodeState(s.cfg, payload)
		if err != nil {
			return err
		}
		s.rigidState, s.nodalState = rb, nodes
		return nil
	}
	rb, nodes, err := codec.DecodeLoad(s.cfg, payload)
	if err != nil {
		return err
	}
	s.rigidLoad, s.nodalLoad = rb, nodes
	return nil
}

// inbound is the header the next received frame must carry.
type inbound struct {
	kind     frame.Kind
	configID uint32
	step     uint32
	size     int
}

func (s *Session) inboundLocked() inbound {
	want := inbound{kind: frame.KindState, configID: s.cfg.ID(), step: s.step, size: s.cfg.StateSize()}
	if s.side == SideSolver {
		want.kind = frame.KindLoad
		want.size = s.cfg.LoadSize()
	}
	return want
}

// check runs before the payload is read, so a desynced peer cannot make the
// session wait for or buffer bytes it never negotiated.
func (want inbound) check(h frame.Header) error {
	if h.Kind == frame.KindAbort {
		if h.PayloadLen != 0 {
			return fmt.Errorf("%w: abort frame carries %d payload bytes", protocol.ErrFrameSize, h.PayloadLen)
		}
		return nil
	}
	if h.Kind != want.kind {
		return fmt.Errorf("%w: expected %s frame, got %s", protocol.ErrFrameSize, want.kind, h.Kind)
	}
	if h.ConfigID != want.configID {
		return fmt.Errorf("%w: frame shaped for {%s}, negotiated {%s}",
			protocol.ErrFrameSize, protocol.ConfigFromID(h.ConfigID), protocol.ConfigFromID(want.configID))
	}
	if h.Step != want.step {
		return fmt.Errorf("%w: frame for step %d, expected step %d", protocol.ErrFrameSize, h.Step, want.step)
	}
	if uint64(h.PayloadLen) != uint64(want.size) {
		return fmt.Errorf("%w: %s frame declares %d bytes, negotiated %d", protocol.ErrFrameSize, h.Kind, h.PayloadLen, want.size)
	}
	return nil
}

func (s *Session) recordLocked(dir Direction, h frame.Header, n int) {
	rec := StepRecord{
		Step:      h.Step,
		Direction: dir,
		Kind:      h.Kind.String(),
		Last:      h.Last(),
		Bytes:     n,
		At:        time.Now(),
	}
	s.history.add(rec)
	observability.RecordFrame(s.side.String(), string(dir), rec.Kind, n)
	// A step spans send->recv on the external side and recv->send on the solver.
	opens := (s.side == SideExternal) == (dir == DirectionSend)
	if opens {
		s.turnAt = rec.At
	} else if !s.turnAt.IsZero() {
		observability.RecordStep(s.side.String(), rec.At.Sub(s.turnAt))
	}
	ev := s.log.Debug()
	if s.verbose {
		ev = s.log.Info()
	}
	ev.Uint32("step", rec.Step).
		Str("dir", string(dir)).
		Str("kind", rec.Kind).
		Bool("last", rec.Last).
		Int("bytes", n).
		Msg("session.step")
}
