package channel

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/mbclink/internal/protocol"
	"github.com/danmuck/mbclink/internal/protocol/frame"
	"github.com/danmuck/mbclink/internal/transport"
)

// ProtocolVersion is exchanged in the hello and must match exactly.
const ProtocolVersion uint16 = 1

// Role says who opens the stream.
type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleListener
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleListener:
		return "listener"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "initiator", "connect", "client":
		return RoleInitiator, nil
	case "listener", "listen", "server", "create":
		return RoleListener, nil
	default:
		return 0, fmt.Errorf("%w: unknown role %q", protocol.ErrInvalidConfig, raw)
	}
}

// Side says which payload a peer sends.
type Side uint8

const (
	// SideExternal sends loads and receives kinematics.
	SideExternal Side = iota + 1
	// SideSolver sends kinematics and receives loads.
	SideSolver
)

func (s Side) String() string {
	switch s {
	case SideExternal:
		return "external"
	case SideSolver:
		return "solver"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

func (s Side) Valid() bool {
	return s == SideExternal || s == SideSolver
}

// Peer returns the complementary side.
func (s Side) Peer() Side {
	if s == SideExternal {
		return SideSolver
	}
	return SideExternal
}

func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "external", "client", "ext":
		return SideExternal, nil
	case "solver", "structural", "mbdyn":
		return SideSolver, nil
	default:
		return 0, fmt.Errorf("%w: unknown side %q", protocol.ErrInvalidConfig, raw)
	}
}

// BackoffConfig defines retry backoff behavior for DialRetry.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Options configures one session.
type Options struct {
	Endpoint         transport.Endpoint
	Side             Side
	Config           protocol.Config
	Verbose          bool
	HandshakeTimeout time.Duration
	HistoryDepth     int
	MaxAttempts      int
	Backoff          BackoffConfig
	Limits           frame.Limits
}

// DefaultOptions describes the external side of a rigid-body session on the
// default tcp endpoint.
func DefaultOptions() Options {
	return Options{
		Endpoint: transport.DefaultEndpoint(),
		Side:     SideExternal,
		Config: protocol.Config{
			Rigid:    true,
			Rotation: protocol.RotMatrix,
		},
		HandshakeTimeout: 5 * time.Second,
		HistoryDepth:     32,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Limits: frame.DefaultLimits(),
	}
}

// WithDefaults fills zero-valued tunables from DefaultOptions.
func (o Options) WithDefaults() Options {
	def := DefaultOptions()
	if o.Endpoint.Network == "" {
		o.Endpoint.Network = def.Endpoint.Network
	}
	if strings.TrimSpace(o.Endpoint.Address) == "" && o.Endpoint.Network == transport.NetworkTCP {
		o.Endpoint.Address = def.Endpoint.Address
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.HistoryDepth < 0 {
		o.HistoryDepth = 0
	}
	if o.Backoff.InitialDelay <= 0 {
		o.Backoff = def.Backoff
	}
	if o.Limits.MaxPayloadBytes == 0 {
		o.Limits = def.Limits
	}
	return o
}

func (o Options) Validate() error {
	if !o.Side.Valid() {
		return fmt.Errorf("%w: unknown side %d", protocol.ErrInvalidConfig, uint8(o.Side))
	}
	if err := o.Config.Validate(); err != nil {
		return err
	}
	if n := o.Config.StateSize(); uint64(n) > uint64(o.Limits.MaxPayloadBytes) {
		return fmt.Errorf("%w: state payload %d bytes exceeds limit %d", protocol.ErrInvalidConfig, n, o.Limits.MaxPayloadBytes)
	}
	return nil
}
