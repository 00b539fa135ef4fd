package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/mbclink/internal/channel"
	"github.com/danmuck/mbclink/internal/peer"
	"github.com/danmuck/mbclink/internal/protocol"
	"github.com/danmuck/mbclink/internal/transport"
)

// PeerConfig is everything one mbcpeer process needs.
type PeerConfig struct {
	Role        channel.Role
	Options     channel.Options
	Steps       int
	Model       peer.Model
	MetricsAddr string
}

type fileConfig struct {
	Network            string     `toml:"network"`
	Address            string     `toml:"address"`
	Role               string     `toml:"role"`
	Side               string     `toml:"side"`
	Rigid              bool       `toml:"rigid"`
	Nodes              int64      `toml:"nodes"`
	Labels             bool       `toml:"labels"`
	Rotation           string     `toml:"rotation"`
	Accels             bool       `toml:"accels"`
	Verbose            bool       `toml:"verbose"`
	HandshakeTimeout   string     `toml:"handshake_timeout"`
	MaxConnectAttempts int        `toml:"max_connect_attempts"`
	HistoryDepth       int        `toml:"history_depth"`
	Steps              int        `toml:"steps"`
	MetricsAddr        string     `toml:"metrics_addr"`
	Model              modelTable `toml:"model"`
}

type modelTable struct {
	TimeStep  float64 `toml:"time_step"`
	Stiffness float64 `toml:"stiffness"`
	Damping   float64 `toml:"damping"`
	Amplitude float64 `toml:"amplitude"`
	Frequency float64 `toml:"frequency"`
}

// Default is the configuration used when no file is given: the external
// side dials, the solver side listens.
func Default(side channel.Side) PeerConfig {
	opts := channel.DefaultOptions()
	opts.Side = side
	role := channel.RoleInitiator
	if side == channel.SideSolver {
		role = channel.RoleListener
	}
	return PeerConfig{
		Role:    role,
		Options: opts,
		Model:   peer.DefaultModel(),
	}
}

// Load applies the keys defined in path on top of Default(side). A side
// key in the file must agree with side when side is set.
func Load(path string, side channel.Side) (PeerConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return PeerConfig{}, fmt.Errorf("load peer config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return PeerConfig{}, fmt.Errorf("%w: unknown key %q in %s", protocol.ErrInvalidConfig, undecoded[0].String(), path)
	}

	if meta.IsDefined("side") {
		fileSide, err := channel.ParseSide(raw.Side)
		if err != nil {
			return PeerConfig{}, err
		}
		if side != 0 && fileSide != side {
			return PeerConfig{}, fmt.Errorf("%w: %s declares side %s, running as %s", protocol.ErrInvalidConfig, path, fileSide, side)
		}
		side = fileSide
	}
	if side == 0 {
		side = channel.SideExternal
	}
	cfg := Default(side)
	opts := &cfg.Options

	if meta.IsDefined("role") {
		if cfg.Role, err = channel.ParseRole(raw.Role); err != nil {
			return PeerConfig{}, err
		}
	}
	if meta.IsDefined("network") {
		if opts.Endpoint.Network, err = transport.ParseNetwork(raw.Network); err != nil {
			return PeerConfig{}, err
		}
		if opts.Endpoint.Network != transport.NetworkTCP {
			opts.Endpoint.Address = ""
		}
	}
	if meta.IsDefined("address") {
		opts.Endpoint.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("rigid") {
		opts.Config.Rigid = raw.Rigid
	}
	if meta.IsDefined("nodes") {
		if raw.Nodes < 0 || raw.Nodes > protocol.MaxNodes {
			return PeerConfig{}, fmt.Errorf("%w: nodes %d out of range", protocol.ErrInvalidConfig, raw.Nodes)
		}
		opts.Config.Nodes = uint32(raw.Nodes)
	}
	if meta.IsDefined("labels") {
		opts.Config.Labels = raw.Labels
	}
	if meta.IsDefined("rotation") {
		if opts.Config.Rotation, err = protocol.ParseRotation(raw.Rotation); err != nil {
			return PeerConfig{}, err
		}
	}
	if meta.IsDefined("accels") {
		opts.Config.Accels = raw.Accels
	}
	if meta.IsDefined("verbose") {
		opts.Verbose = raw.Verbose
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return PeerConfig{}, fmt.Errorf("parse handshake_timeout: %w", err)
		}
		opts.HandshakeTimeout = d
	}
	if meta.IsDefined("max_connect_attempts") {
		opts.MaxAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("history_depth") {
		opts.HistoryDepth = raw.HistoryDepth
	}
	if meta.IsDefined("steps") {
		cfg.Steps = raw.Steps
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	applyModel(meta, raw.Model, &cfg.Model)

	if err := cfg.Validate(); err != nil {
		return PeerConfig{}, err
	}
	return cfg, nil
}

func applyModel(meta toml.MetaData, raw modelTable, m *peer.Model) {
	if meta.IsDefined("model", "time_step") {
		m.TimeStep = raw.TimeStep
	}
	if meta.IsDefined("model", "stiffness") {
		m.Stiffness = raw.Stiffness
	}
	if meta.IsDefined("model", "damping") {
		m.Damping = raw.Damping
	}
	if meta.IsDefined("model", "amplitude") {
		m.Amplitude = raw.Amplitude
	}
	if meta.IsDefined("model", "frequency") {
		m.Frequency = raw.Frequency
	}
}

func (c PeerConfig) Validate() error {
	if c.Role != channel.RoleInitiator && c.Role != channel.RoleListener {
		return fmt.Errorf("%w: unknown role %d", protocol.ErrInvalidConfig, uint8(c.Role))
	}
	if c.Steps < 0 {
		return fmt.Errorf("%w: steps must not be negative", protocol.ErrInvalidConfig)
	}
	opts := c.Options.WithDefaults()
	if err := opts.Endpoint.Validate(); err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	return c.Model.Validate()
}
