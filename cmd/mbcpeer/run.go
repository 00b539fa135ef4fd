package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/danmuck/mbclink/internal/channel"
	"github.com/danmuck/mbclink/internal/config"
	"github.com/danmuck/mbclink/internal/observability"
	"github.com/danmuck/mbclink/internal/peer"
	"github.com/danmuck/mbclink/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const defaultLoopbackSteps = 100

func externalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "external",
		Short: "Run the external side: send spring-damper loads, receive kinematics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := resolvePeer(cmd, channel.SideExternal)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer serveMetrics(ctx, pc.MetricsAddr)()

			s, err := openSession(ctx, pc)
			if err != nil {
				return err
			}
			defer s.Close()
			cfg := s.Config()
			res, err := peer.RunExternal(ctx, s, pc.Steps, peer.SpringLoads(cfg, pc.Model))
			printResult(cmd.OutOrStdout(), s, res)
			return err
		},
	}
}

func solverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "solver",
		Short: "Run a reference solver: receive loads, send prescribed kinematics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := resolvePeer(cmd, channel.SideSolver)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer serveMetrics(ctx, pc.MetricsAddr)()

			s, err := openSession(ctx, pc)
			if err != nil {
				return err
			}
			defer s.Close()
			cfg := s.Config()
			res, err := peer.RunSolver(ctx, s, pc.Steps, peer.PrescribedMotion(cfg, pc.Model))
			printResult(cmd.OutOrStdout(), s, res)
			return err
		},
	}
}

func loopbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "loopback",
		Short: "Run both sides in one process over a private endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ext, err := mergePeer(cmd, channel.SideExternal)
			if err != nil {
				return err
			}
			ep, cleanup, err := loopbackEndpoint(cmd, ext.Options.Endpoint)
			if err != nil {
				return err
			}
			defer cleanup()
			ext.Options.Endpoint = ep
			ext.Role = channel.RoleInitiator
			if ext.Steps == 0 {
				ext.Steps = defaultLoopbackSteps
			}
			if err := ext.Validate(); err != nil {
				return err
			}
			sol := ext
			sol.Role = channel.RoleListener
			sol.Steps = 0
			sol.Options.Side = channel.SideSolver

			ctx := cmd.Context()
			defer serveMetrics(ctx, ext.MetricsAddr)()

			ln, err := transport.Listen(sol.Options.Endpoint)
			if err != nil {
				return err
			}
			ext.Options.Endpoint = ln.Endpoint()

			var extRes, solRes peer.Result
			var extSession, solSession *channel.Session
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				s, err := channel.Accept(gctx, ln, sol.Options)
				if err != nil {
					return err
				}
				solSession = s
				defer s.Close()
				solRes, err = peer.RunSolver(gctx, s, sol.Steps, peer.PrescribedMotion(s.Config(), sol.Model))
				return err
			})
			g.Go(func() error {
				s, err := channel.DialRetry(gctx, ext.Options)
				if err != nil {
					_ = ln.Close()
					return err
				}
				extSession = s
				defer s.Close()
				extRes, err = peer.RunExternal(gctx, s, ext.Steps, peer.SpringLoads(s.Config(), ext.Model))
				return err
			})
			if err := g.Wait(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printResult(out, extSession, extRes)
			printResult(out, solSession, solRes)
			return nil
		},
	}
}

func openSession(ctx context.Context, pc config.PeerConfig) (*channel.Session, error) {
	log.Info().
		Str("side", pc.Options.Side.String()).
		Str("role", pc.Role.String()).
		Str("endpoint", pc.Options.Endpoint.String()).
		Str("config", pc.Options.Config.String()).
		Msg("mbcpeer starting")
	if pc.Role == channel.RoleListener {
		return channel.Listen(ctx, pc.Options)
	}
	return channel.DialRetry(ctx, pc.Options)
}

// serveMetrics starts the metrics endpoint when addr is set and returns its
// shutdown.
func serveMetrics(ctx context.Context, addr string) func() {
	if addr == "" {
		return func() {}
	}
	srv := observability.NewMetricsServer(addr, log.Logger)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics server listening")
	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
}

func printResult(w io.Writer, s *channel.Session, res peer.Result) {
	if s == nil {
		return
	}
	fmt.Fprintf(w, "%s session=%s steps=%d elapsed=%s aborted=%t state=%s\n",
		s.Side(), s.ID(), res.Steps, res.Elapsed.Round(time.Microsecond), res.Aborted, s.State())
}
