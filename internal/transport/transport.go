package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/danmuck/mbclink/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Connect dials ep once. Failures wrap protocol.ErrConnection; retry policy
// belongs to the caller.
func Connect(ctx context.Context, ep Endpoint) (*Conn, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	switch ep.Network {
	case NetworkFIFO:
		return connectFIFO(ctx, ep.Address)
	default:
		var dialer net.Dialer
		nc, err := dialer.DialContext(ctx, string(ep.Network), ep.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %w", protocol.ErrConnection, ep, err)
		}
		log.Debug().Str("endpoint", ep.String()).Str("local", nc.LocalAddr().String()).Msg("transport.Connect")
		return New(nc, ep.String()), nil
	}
}

// Listener waits for peers on one endpoint.
type Listener struct {
	ep     Endpoint
	ln     net.Listener
	fifo   *fifoPair
	mu     sync.Mutex
	closed bool
}

// Listen binds ep. A stale unix socket file is removed first; fifo
// endpoints create their pipe pair here.
func Listen(ep Endpoint) (*Listener, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	l := &Listener{ep: ep}
	switch ep.Network {
	case NetworkFIFO:
		pair, err := createFIFOPair(ep.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: listen %s: %w", protocol.ErrConnection, ep, err)
		}
		l.fifo = pair
	case NetworkUnix:
		if err := removeStaleSocket(ep.Address); err != nil {
			return nil, fmt.Errorf("%w: listen %s: %w", protocol.ErrConnection, ep, err)
		}
		fallthrough
	default:
		ln, err := net.Listen(string(ep.Network), ep.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: listen %s: %w", protocol.ErrConnection, ep, err)
		}
		if ul, ok := ln.(*net.UnixListener); ok {
			ul.SetUnlinkOnClose(true)
		}
		l.ln = ln
	}
	log.Debug().Str("endpoint", l.Addr()).Msg("transport.Listen")
	return l, nil
}

// Accept waits for one peer. Cancelling ctx unblocks the wait.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: listener closed", protocol.ErrConnection)
	}
	if l.fifo != nil {
		return l.fifo.accept(ctx)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.Close()
	})
	nc, err := l.ln.Accept()
	if !stop() {
		if nc != nil {
			_ = nc.Close()
		}
		return nil, fmt.Errorf("%w: accept %s: %w", protocol.ErrConnection, l.ep, ctx.Err())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: accept %s: %w", protocol.ErrConnection, l.ep, err)
	}
	log.Debug().Str("endpoint", l.ep.String()).Str("remote", nc.RemoteAddr().String()).Msg("transport.Accept")
	return New(nc, l.ep.String()), nil
}

// Addr is the bound address; for tcp it resolves an ephemeral port.
func (l *Listener) Addr() string {
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.ep.Address
}

// Endpoint returns the bound endpoint, with any ephemeral port resolved.
func (l *Listener) Endpoint() Endpoint {
	return Endpoint{Network: l.ep.Network, Address: l.Addr()}
}

func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.fifo != nil {
		return l.fifo.remove()
	}
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("refusing to replace non-socket %s", path)
	}
	return os.Remove(path)
}
