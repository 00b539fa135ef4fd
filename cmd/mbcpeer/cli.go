package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/danmuck/mbclink/internal/channel"
	"github.com/danmuck/mbclink/internal/config"
	"github.com/danmuck/mbclink/internal/logging"
	"github.com/danmuck/mbclink/internal/protocol"
	"github.com/danmuck/mbclink/internal/transport"
	"github.com/spf13/cobra"
)

func newCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mbcpeer",
		Short: "Nodal kinematics and load exchange peer for coupled multibody simulation",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
			logging.ConfigureRuntime()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "TOML peer config file")
	flags.String("network", "", "transport: tcp, unix or fifo")
	flags.StringP("address", "a", "", "host:port, socket path or fifo base path")
	flags.String("role", "", "initiator or listener")
	flags.Uint32("nodes", 0, "number of exchanged nodes")
	flags.Bool("rigid", false, "exchange the reference rigid body")
	flags.Bool("labels", false, "exchange node labels")
	flags.String("rotation", "", "none, vector, matrix or euler123")
	flags.Bool("accels", false, "exchange accelerations")
	flags.Int("steps", 0, "coupling steps; 0 runs until the peer or an interrupt ends the run")
	flags.BoolP("verbose", "v", false, "log every exchanged frame")
	flags.Int("max-connect-attempts", 0, "dial attempts before giving up; 0 retries until interrupted")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		externalCmd(),
		solverCmd(),
		loopbackCmd(),
		configCmd(),
	)
	return rootCmd
}

// resolvePeer layers explicitly set flags over the config file, or over
// the defaults for side when no file is given.
func resolvePeer(cmd *cobra.Command, side channel.Side) (config.PeerConfig, error) {
	pc, err := mergePeer(cmd, side)
	if err != nil {
		return config.PeerConfig{}, err
	}
	if err := pc.Validate(); err != nil {
		return config.PeerConfig{}, err
	}
	return pc, nil
}

func mergePeer(cmd *cobra.Command, side channel.Side) (config.PeerConfig, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")

	pc := config.Default(side)
	if path != "" {
		var err error
		if pc, err = config.Load(path, side); err != nil {
			return config.PeerConfig{}, err
		}
	}
	opts := &pc.Options

	if flags.Changed("network") {
		raw, _ := flags.GetString("network")
		n, err := transport.ParseNetwork(raw)
		if err != nil {
			return config.PeerConfig{}, err
		}
		opts.Endpoint.Network = n
		if n != transport.NetworkTCP && !flags.Changed("address") {
			opts.Endpoint.Address = ""
		}
	}
	if flags.Changed("address") {
		opts.Endpoint.Address, _ = flags.GetString("address")
	}
	if flags.Changed("role") {
		raw, _ := flags.GetString("role")
		role, err := channel.ParseRole(raw)
		if err != nil {
			return config.PeerConfig{}, err
		}
		pc.Role = role
	}
	if flags.Changed("nodes") {
		opts.Config.Nodes, _ = flags.GetUint32("nodes")
	}
	if flags.Changed("rigid") {
		opts.Config.Rigid, _ = flags.GetBool("rigid")
	}
	if flags.Changed("labels") {
		opts.Config.Labels, _ = flags.GetBool("labels")
	}
	if flags.Changed("rotation") {
		raw, _ := flags.GetString("rotation")
		rot, err := protocol.ParseRotation(raw)
		if err != nil {
			return config.PeerConfig{}, err
		}
		opts.Config.Rotation = rot
	}
	if flags.Changed("accels") {
		opts.Config.Accels, _ = flags.GetBool("accels")
	}
	if flags.Changed("steps") {
		pc.Steps, _ = flags.GetInt("steps")
	}
	if flags.Changed("verbose") {
		opts.Verbose, _ = flags.GetBool("verbose")
	}
	if flags.Changed("max-connect-attempts") {
		opts.MaxAttempts, _ = flags.GetInt("max-connect-attempts")
	}
	if flags.Changed("metrics-addr") {
		pc.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	return pc, nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved peer configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("side")
			side, err := channel.ParseSide(raw)
			if err != nil {
				return err
			}
			pc, err := resolvePeer(cmd, side)
			if err != nil {
				return err
			}
			return config.Encode(cmd.OutOrStdout(), pc)
		},
	}
	cmd.Flags().String("side", "external", "external or solver")

	initCmd := &cobra.Command{
		Use:   "init PATH",
		Short: "Write an annotated config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			side, _ := cmd.Flags().GetString("side")
			force, _ := cmd.Flags().GetBool("force")
			path := filepath.Clean(args[0])
			if err := config.WriteTemplate(path, side, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", side, path)
			return nil
		},
	}
	initCmd.Flags().String("side", "external", "external or solver")
	initCmd.Flags().Bool("force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

// loopbackEndpoint picks a private endpoint when none was configured.
func loopbackEndpoint(cmd *cobra.Command, ep transport.Endpoint) (transport.Endpoint, func(), error) {
	noop := func() {}
	if cmd.Flags().Changed("address") {
		return ep, noop, nil
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return ep, noop, nil
	}
	if ep.Network == transport.NetworkTCP {
		return transport.Endpoint{Network: transport.NetworkTCP, Address: "127.0.0.1:0"}, noop, nil
	}
	dir, err := os.MkdirTemp("", "mbcpeer-")
	if err != nil {
		return ep, noop, err
	}
	ep.Address = filepath.Join(dir, "mbclink")
	return ep, func() { _ = os.RemoveAll(dir) }, nil
}
