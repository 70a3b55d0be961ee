package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Ward-Gate/wardgate/internal/adapter/inbound/gateway"
	"github.com/Ward-Gate/wardgate/internal/adapter/outbound/policyfile"
	"github.com/Ward-Gate/wardgate/internal/adapter/outbound/tlscert"
	"github.com/Ward-Gate/wardgate/internal/config"
	"github.com/Ward-Gate/wardgate/internal/domain/auth"
	"github.com/Ward-Gate/wardgate/internal/domain/egress"
	"github.com/Ward-Gate/wardgate/internal/domain/policy"
	"github.com/Ward-Gate/wardgate/internal/domain/ratelimit"
	"github.com/Ward-Gate/wardgate/internal/observe"
	"github.com/Ward-Gate/wardgate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway server",
	Long: `Start the WardGate gateway server.

The server listens for WebSocket clients on server.addr, authenticates every
connection, and exposes the tool, approval, and plugin operations to
authenticated clients.

Examples:
  # Start with config file settings
  wardgate start

  # Start with a specific config file
  wardgate --config /path/to/wardgate.yaml start`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	if configFile := viper.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	// Write PID file so "wardgate stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("wardgate stopped")
	return nil
}

// run wires all components together and serves until ctx is canceled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	metrics := observe.NewMetrics()

	telemetry, err := observe.NewTelemetry(ctx, cfg.Telemetry.Enabled, Version)
	if err != nil {
		return fmt.Errorf("telemetry setup failed: %w", err)
	}

	limiter := ratelimit.NewFailureLimiter(ratelimit.Config{
		MaxAttempts:   cfg.RateLimit.MaxAttempts,
		Window:        cfg.RateLimit.Window,
		Lockout:       cfg.RateLimit.Lockout,
		LimitLoopback: cfg.RateLimit.LimitLoopback,
		SweepInterval: cfg.RateLimit.SweepInterval,
	}, ratelimit.WithLogger(logger))

	verifier := auth.NewVerifier(auth.Config{
		Mode:           auth.Mode(cfg.Auth.Mode),
		Token:          cfg.Auth.Token,
		Password:       cfg.Auth.Password,
		TrustedProxies: cfg.Auth.TrustedProxies,
	}, limiter, logger)

	broker := policy.NewBroker(cfg.Policy.MaxPending)
	engine, err := policy.NewEngine(logger,
		policy.WithApprovalTimeout(cfg.Policy.ApprovalTimeout),
		policy.WithApprover(broker.Approver()),
	)
	if err != nil {
		return fmt.Errorf("policy engine setup failed: %w", err)
	}

	if cfg.Policy.File != "" {
		if err := policyfile.Watch(ctx, cfg.Policy.File, engine, logger); err != nil {
			return fmt.Errorf("policy file load failed: %w", err)
		}
		logger.Info("policy rules loaded", "file", cfg.Policy.File, "rules", engine.Size())
	} else {
		logger.Warn("no policy file configured, all tools allowed")
	}

	guard := egress.NewGuard(logger)

	srv := gateway.NewServer(verifier, limiter, metrics, logger)
	svc := service.New(engine, broker, guard, metrics, logger)
	svc.Register(srv)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.Server.TLSCert != ""
	if useTLS {
		manager := tlscert.NewManager(cfg.Server.TLSCert, cfg.Server.TLSKey, logger)
		if err := manager.Ensure(certHosts(cfg.Server.Addr)); err != nil {
			return fmt.Errorf("certificate setup failed: %w", err)
		}
		tlsConfig, err := manager.ServerTLSConfig()
		if err != nil {
			return err
		}
		httpServer.TLSConfig = tlsConfig
	}

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if useTLS {
			serveErr = httpServer.ListenAndServeTLS("", "")
		} else {
			serveErr = httpServer.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
		close(errCh)
	}()

	logger.Info("wardgate started",
		"version", Version,
		"addr", cfg.Server.Addr,
		"tls", useTLS,
		"auth_mode", cfg.Auth.Mode,
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	srv.Close()
	svc.Shutdown(shutdownCtx)
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
	return nil
}

// certHosts derives the SAN list for a self-signed pair from the listen
// address. The loopback name is always included so local clients can verify.
func certHosts(addr string) []string {
	hosts := []string{"localhost"}
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" || host == "localhost" {
		return hosts
	}
	return append(hosts, host)
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// pidFilePath returns the location of the WardGate PID file. The pid_file
// config key overrides the default of ~/.wardgate/server.pid.
func pidFilePath() string {
	if path := viper.GetString("pid_file"); path != "" {
		return path
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".wardgate", "server.pid")
	}
	return filepath.Join(os.TempDir(), "wardgate-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
