package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/mbclink/internal/observability"
	"github.com/danmuck/mbclink/internal/protocol"
	"github.com/danmuck/mbclink/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Dial connects to opts.Endpoint and negotiates as the initiator. A failure
// is returned as is; use DialRetry to wait for a listener that is not up yet.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	conn, err := transport.Connect(cctx, opts.Endpoint)
	cancel()
	if err != nil {
		return nil, err
	}
	return Negotiate(ctx, conn, RoleInitiator, opts)
}

// DialRetry is Dial with backoff between connection failures. Only
// ErrConnection is retried; a rejected configuration stops immediately.
// MaxAttempts <= 0 retries until ctx is done.
func DialRetry(ctx context.Context, opts Options) (*Session, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		s, err := Dial(ctx, opts)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, protocol.ErrConnection) || errors.Is(err, protocol.ErrConfigMismatch) {
			return nil, err
		}
		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			return nil, fmt.Errorf("%w: giving up after %d attempts: %w", protocol.ErrConnection, attempt, err)
		}
		delay := NextBackoffDelay(opts.Backoff, attempt, rng)
		log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Str("endpoint", opts.Endpoint.String()).Msg("channel.DialRetry")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %w", protocol.ErrConnection, ctx.Err())
		case <-t.C:
		}
	}
}

// Listen binds opts.Endpoint, accepts exactly one peer and negotiates as the
// listener. The listening endpoint is released once the peer is accepted.
func Listen(ctx context.Context, opts Options) (*Session, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	ln, err := transport.Listen(opts.Endpoint)
	if err != nil {
		return nil, err
	}
	return Accept(ctx, ln, opts)
}

// Accept takes one peer from ln, closes ln and negotiates. Callers that need
// the bound address before the peer arrives use transport.Listen themselves.
func Accept(ctx context.Context, ln *transport.Listener, opts Options) (*Session, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		_ = ln.Close()
		return nil, err
	}
	conn, err := ln.Accept(ctx)
	_ = ln.Close()
	if err != nil {
		return nil, err
	}
	return Negotiate(ctx, conn, RoleListener, opts)
}

// Negotiate runs the handshake over an established conn. It owns conn: on
// failure conn is closed. The handshake is bounded by opts.HandshakeTimeout
// and by ctx; neither applies once the session is returned.
func Negotiate(ctx context.Context, conn *transport.Conn, role Role, opts Options) (*Session, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	hctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(hctx, func() {
		_ = conn.Close()
	})
	_ = conn.SetDeadline(time.Now().Add(opts.HandshakeTimeout))

	local := hello{
		Version: ProtocolVersion,
		Side:    opts.Side,
		Config:  opts.Config,
	}
	var (
		peer hello
		err  error
	)
	switch role {
	case RoleInitiator:
		local.SessionID = uuid.NewString()
		peer, err = handshakeInitiator(conn, local)
	case RoleListener:
		peer, err = handshakeListener(conn, local)
	default:
		err = fmt.Errorf("%w: unknown role %d", protocol.ErrInvalidConfig, uint8(role))
	}
	if !stop() {
		_ = conn.Close()
		if err == nil || !errors.Is(err, protocol.ErrConfigMismatch) {
			err = fmt.Errorf("%w: handshake: %w", protocol.ErrConnection, hctx.Err())
		}
		observability.RecordHandshake(opts.Side.String(), role.String(), handshakeResult(err))
		return nil, err
	}
	if err != nil {
		_ = conn.Close()
		observability.RecordHandshake(opts.Side.String(), role.String(), handshakeResult(err))
		log.Warn().Err(err).Str("conn", conn.String()).Str("role", role.String()).Msg("handshake failed")
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	observability.RecordHandshake(opts.Side.String(), role.String(), "accepted")

	s := newSession(conn, role, opts)
	s.start(peer.SessionID)
	return s, nil
}

func handshakeResult(err error) string {
	if errors.Is(err, protocol.ErrConfigMismatch) {
		return "mismatch"
	}
	return "error"
}
