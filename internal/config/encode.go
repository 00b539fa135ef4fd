package config

import (
	"io"

	"github.com/BurntSushi/toml"
)

// Encode writes c in the file format accepted by Load.
func Encode(w io.Writer, c PeerConfig) error {
	opts := c.Options.WithDefaults()
	raw := fileConfig{
		Network:            string(opts.Endpoint.Network),
		Address:            opts.Endpoint.Address,
		Role:               c.Role.String(),
		Side:               opts.Side.String(),
		Rigid:              opts.Config.Rigid,
		Nodes:              int64(opts.Config.Nodes),
		Labels:             opts.Config.Labels,
		Rotation:           opts.Config.Rotation.String(),
		Accels:             opts.Config.Accels,
		Verbose:            opts.Verbose,
		HandshakeTimeout:   opts.HandshakeTimeout.String(),
		MaxConnectAttempts: opts.MaxAttempts,
		HistoryDepth:       opts.HistoryDepth,
		Steps:              c.Steps,
		MetricsAddr:        c.MetricsAddr,
		Model: modelTable{
			TimeStep:  c.Model.TimeStep,
			Stiffness: c.Model.Stiffness,
			Damping:   c.Model.Damping,
			Amplitude: c.Model.Amplitude,
			Frequency: c.Model.Frequency,
		},
	}
	return toml.NewEncoder(w).Encode(raw)
}
