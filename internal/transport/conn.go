package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/mbclink/internal/protocol"
)

// deadliner is implemented by net.Conn and pollable *os.File pairs.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Conn is one connected stream. ReadExact and WriteExact may be called from
// one goroutine each; Close may be called from any goroutine and unblocks
// both.
type Conn struct {
	rwc    io.ReadWriteCloser
	label  string
	closed atomic.Bool
	once   sync.Once
}

// New wraps an established stream.
func New(rwc io.ReadWriteCloser, label string) *Conn {
	return &Conn{rwc: rwc, label: label}
}

// ReadExact blocks until n bytes arrive. A stream that ends first yields
// protocol.ErrTransportClosed, never a short read.
func (c *Conn) ReadExact(n int) ([]byte, error) {
	if c.closed.Load() {
		return nil, protocol.ErrTransportClosed
	}
	buf := make([]byte, n)
	got, err := io.ReadFull(c.rwc, buf)
	if err != nil {
		return nil, c.mapReadErr(err, got, n)
	}
	return buf, nil
}

// WriteExact writes all of b or fails.
func (c *Conn) WriteExact(b []byte) error {
	if c.closed.Load() {
		return protocol.ErrTransportClosed
	}
	written := 0
	for written < len(b) {
		n, err := c.rwc.Write(b[written:])
		written += n
		if err != nil {
			return c.mapWriteErr(err, written, len(b))
		}
		if n == 0 {
			return fmt.Errorf("%w: zero-length write after %d of %d bytes", protocol.ErrTransportError, written, len(b))
		}
	}
	return nil
}

// SetDeadline bounds pending and future reads and writes; the zero time
// clears it.
func (c *Conn) SetDeadline(t time.Time) error {
	d, ok := c.rwc.(deadliner)
	if !ok {
		return nil
	}
	return d.SetDeadline(t)
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.rwc.Close()
	})
	return err
}

func (c *Conn) Closed() bool {
	return c.closed.Load()
}

func (c *Conn) String() string {
	return c.label
}

func (c *Conn) mapReadErr(err error, got, want int) error {
	switch {
	case c.closed.Load(),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%w: read %d of %d bytes: %v", protocol.ErrTransportClosed, got, want, err)
	default:
		return fmt.Errorf("%w: read %d of %d bytes: %w", protocol.ErrTransportError, got, want, err)
	}
}

func (c *Conn) mapWriteErr(err error, written, want int) error {
	if c.closed.Load() || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%w: wrote %d of %d bytes: %v", protocol.ErrTransportClosed, written, want, err)
	}
	return fmt.Errorf("%w: wrote %d of %d bytes: %w", protocol.ErrTransportError, written, want, err)
}
