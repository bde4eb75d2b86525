package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/hearthchat/voicemesh/internal/config"
	"github.com/hearthchat/voicemesh/internal/httpserver"
	"github.com/hearthchat/voicemesh/internal/identity"
	"github.com/hearthchat/voicemesh/internal/metrics"
	"github.com/hearthchat/voicemesh/internal/presence"
	"github.com/hearthchat/voicemesh/internal/registry"
	"github.com/hearthchat/voicemesh/internal/signaling"
	"github.com/hearthchat/voicemesh/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting voicemesh-signaling",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"allowed_origins", len(cfg.AllowedOrigins),
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"restrict_relay", cfg.RestrictRelay,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	if err := cfg.ICEConfigError(); err != nil {
		// The process still boots so probes can report the failure; readiness
		// stays down until the ICE config is fixed.
		logger.Error("ice configuration invalid", "err", err)
	}

	verifier, err := newVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}
	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	reg := registry.New()
	pres := presence.NewSyncer(presence.NewMemoryStore(), logger, m, metrics.PersistenceFailure)

	gw := signaling.NewGateway(signaling.Config{
		Registry:                  reg,
		Presence:                  pres,
		Verifier:                  verifier,
		Metrics:                   m,
		Logger:                    logger,
		RestrictRelayToSharedRoom: cfg.RestrictRelay,
	})

	wsServer := signaling.NewWSServer(signaling.WSConfig{
		Gateway:           gw,
		Verifier:          verifier,
		Metrics:           m,
		Logger:            logger,
		RequireToken:      cfg.RequireToken(),
		AllowedOrigins:    cfg.AllowedOrigins,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: cfg.MaxMessagesPerSecond,
		AuthTimeout:       cfg.AuthTimeout,
		IdleTimeout:       cfg.WSIdleTimeout,
		PingInterval:      cfg.WSPingInterval,
	})

	var turnGen *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turnGen, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			os.Exit(2)
		}
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.Options{
		Build:    httpserver.BuildInfo{Commit: commit, BuildTime: builtAt},
		Registry: reg,
		Metrics:  m,
		TURNREST: turnGen,
	})
	srv.Mux().Handle("GET /signaling", wsServer)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		wsServer.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	wsServer.Close()
	pres.Wait()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func newVerifier(cfg config.Config) (identity.Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return identity.Open{}, nil
	case config.AuthModeAPIKey:
		return identity.SharedKey{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return identity.NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if cfg.Mode == config.ModeProd && cfg.AuthMode == config.AuthModeNone {
		logger.Warn("auth mode is none in prod mode; any client can join any room")
	}
	if cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("no allowed origins configured; browser clients are limited to same-host origins")
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			logger.Warn("allowed origins contains a wildcard; any site can open signaling connections")
		}
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
