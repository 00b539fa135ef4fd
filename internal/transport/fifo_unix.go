//go:build unix

package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/mbclink/internal/protocol"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	fifoUpSuffix   = ".up"   // initiator -> listener
	fifoDownSuffix = ".down" // listener -> initiator

	fifoPollInterval = 20 * time.Millisecond
)

type fifoPair struct {
	up   string
	down string
}

func fifoPaths(base string) *fifoPair {
	return &fifoPair{up: base + fifoUpSuffix, down: base + fifoDownSuffix}
}

func createFIFOPair(base string) (*fifoPair, error) {
	p := fifoPaths(base)
	for _, path := range []string{p.up, p.down} {
		if err := removeStaleFIFO(path); err != nil {
			return nil, err
		}
		if err := unix.Mkfifo(path, 0o600); err != nil {
			return nil, fmt.Errorf("mkfifo %s: %w", path, err)
		}
	}
	return p, nil
}

// accept opens the pipes in the same order as connectFIFO so neither side
// deadlocks on the blocking open.
func (p *fifoPair) accept(ctx context.Context) (*Conn, error) {
	r, err := openFIFO(ctx, p.up, os.O_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", protocol.ErrConnection, p.up, err)
	}
	w, err := openFIFO(ctx, p.down, os.O_WRONLY)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("%w: open %s: %w", protocol.ErrConnection, p.down, err)
	}
	log.Debug().Str("up", p.up).Str("down", p.down).Msg("transport.Accept fifo")
	return New(&fifoConn{r: r, w: w}, "fifo://"+p.up), nil
}

func (p *fifoPair) remove() error {
	var errs []error
	for _, path := range []string{p.up, p.down} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// connectFIFO opens the listener's pipe pair once. Missing pipes mean no
// listener is up and fail immediately; the blocking opens are bounded by ctx.
func connectFIFO(ctx context.Context, base string) (*Conn, error) {
	p := fifoPaths(base)
	for _, path := range []string{p.up, p.down} {
		if !isFIFO(path) {
			return nil, fmt.Errorf("%w: fifo %s: no listener pipe at %s", protocol.ErrConnection, base, path)
		}
	}
	w, err := openFIFO(ctx, p.up, os.O_WRONLY)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", protocol.ErrConnection, p.up, err)
	}
	r, err := openFIFO(ctx, p.down, os.O_RDONLY)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%w: open %s: %w", protocol.ErrConnection, p.down, err)
	}
	log.Debug().Str("up", p.up).Str("down", p.down).Msg("transport.Connect fifo")
	return New(&fifoConn{r: r, w: w}, "fifo://"+p.up), nil
}

type openResult struct {
	f   *os.File
	err error
}

// openFIFO performs the blocking open in a goroutine. On cancellation the
// opposite end is opened non-blocking to release it.
func openFIFO(ctx context.Context, path string, flag int) (*os.File, error) {
	ch := make(chan openResult, 1)
	go func() {
		f, err := os.OpenFile(path, flag, 0)
		ch <- openResult{f: f, err: err}
	}()
	select {
	case res := <-ch:
		return res.f, res.err
	case <-ctx.Done():
	}
	release := unix.O_RDONLY | unix.O_NONBLOCK
	if flag == os.O_RDONLY {
		release = unix.O_WRONLY | unix.O_NONBLOCK
	}
	for {
		if fd, err := unix.Open(path, release|unix.O_CLOEXEC, 0); err == nil {
			_ = unix.Close(fd)
		}
		select {
		case res := <-ch:
			if res.f != nil {
				_ = res.f.Close()
			}
			return nil, ctx.Err()
		case <-time.After(fifoPollInterval):
		}
	}
}

func isFIFO(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeNamedPipe != 0
}

func removeStaleFIFO(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		return fmt.Errorf("refusing to replace non-fifo %s", path)
	}
	return os.Remove(path)
}

// fifoConn joins the two one-way pipes into a stream.
type fifoConn struct {
	r *os.File
	w *os.File
}

func (c *fifoConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *fifoConn) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

func (c *fifoConn) SetDeadline(t time.Time) error {
	return errors.Join(c.r.SetDeadline(t), c.w.SetDeadline(t))
}

func (c *fifoConn) Close() error {
	return errors.Join(c.r.Close(), c.w.Close())
}
