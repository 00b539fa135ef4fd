package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/danmuck/mbclink/internal/protocol"
)

// Network selects the stream implementation.
type Network string

const (
	NetworkTCP  Network = "tcp"
	NetworkUnix Network = "unix"
	NetworkFIFO Network = "fifo"

	DefaultAddress = "127.0.0.1:5500"
)

var ErrUnsupportedNetwork = errors.New("transport: unsupported network")

// Endpoint names where the listener waits and the initiator connects.
// Address is host:port for tcp, a socket path for unix, and the base path
// of the pipe pair for fifo.
type Endpoint struct {
	Network Network
	Address string
}

func DefaultEndpoint() Endpoint {
	return Endpoint{Network: NetworkTCP, Address: DefaultAddress}
}

func ParseNetwork(raw string) (Network, error) {
	switch n := Network(strings.ToLower(strings.TrimSpace(raw))); n {
	case "", NetworkTCP:
		return NetworkTCP, nil
	case NetworkUnix, NetworkFIFO:
		return n, nil
	case "local", "path":
		return NetworkUnix, nil
	case "pipe", "named_pipe":
		return NetworkFIFO, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedNetwork, raw)
	}
}

func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Address) == "" {
		return fmt.Errorf("%w: endpoint missing address", protocol.ErrInvalidConfig)
	}
	switch e.Network {
	case NetworkTCP:
		if _, _, err := net.SplitHostPort(e.Address); err != nil {
			return fmt.Errorf("%w: tcp address %q: %v", protocol.ErrInvalidConfig, e.Address, err)
		}
	case NetworkUnix, NetworkFIFO:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedNetwork, e.Network)
	}
	return nil
}

func (e Endpoint) String() string {
	return string(e.Network) + "://" + e.Address
}
