//go:build !unix

package transport

import (
	"context"
	"fmt"
)

type fifoPair struct{}

func createFIFOPair(base string) (*fifoPair, error) {
	return nil, fmt.Errorf("%w: fifo on this platform", ErrUnsupportedNetwork)
}

func (p *fifoPair) accept(ctx context.Context) (*Conn, error) {
	return nil, fmt.Errorf("%w: fifo on this platform", ErrUnsupportedNetwork)
}

func (p *fifoPair) remove() error {
	return nil
}

func connectFIFO(ctx context.Context, base string) (*Conn, error) {
	return nil, fmt.Errorf("%w: fifo on this platform", ErrUnsupportedNetwork)
}
