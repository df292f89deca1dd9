package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/signaling"
)

func newServeCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling relay",
		Args:  cobra.NoArgs,
	}
	bindErr := config.RegisterFlags(cmd.Flags(), v)

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if bindErr != nil {
			return bindErr
		}
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		logger, err := config.NewLogger(cfg)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
		defer stop()

		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			return err
		}
		return serve(ctx, cfg, logger, ln)
	}
	return cmd
}

// serve runs the relay on ln until ctx is cancelled, then closes every peer
// with 1001 and drains the HTTP server within cfg.ShutdownTimeout.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, ln net.Listener) error {
	logger.Info("starting aero-webrtc-lobby-relay",
		"listen_addr", ln.Addr().String(),
		"mode", cfg.Mode,
		"tls", cfg.TLSEnabled(),
		"max_peers", cfg.MaxPeers,
		"max_connections_per_address", cfg.MaxConnectionsPerAddress,
		"max_lobbies", cfg.MaxLobbies,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"join_grace", cfg.JoinGrace,
		"seal_close_delay", cfg.SealCloseDelay,
		"reconnect_cooldown", cfg.ReconnectCooldown,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"ice_servers", len(cfg.ICEServers),
	)
	logStartupSecurityWarnings(logger, cfg)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("invalid ICE server configuration; /readyz will report not ready", "err", err)
	}

	m := metrics.New()

	sigCfg := signaling.ConfigFrom(cfg)
	sigCfg.Logger = logger
	sigCfg.Metrics = m
	sig, err := signaling.NewServer(sigCfg)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("configure signaling: %w", err)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, m)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("configure http server: %w", err)
	}
	sig.RegisterRoutes(srv.Mux())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sig.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		srv.SetReady(false)
		if err := sig.Shutdown(shutdownCtx); err != nil {
			logger.Warn("signaling shutdown timed out", "err", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
			_ = srv.Close()
		}
		return nil
	})

	err = g.Wait()
	logger.Info("stopped", "peers", sig.Peers(), "lobbies", sig.Lobbies())
	return err
}
