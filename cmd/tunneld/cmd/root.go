// Package cmd implements the tunneld CLI commands.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/plexsphere/tunneld/internal/config"
	"github.com/plexsphere/tunneld/internal/control"
	"github.com/plexsphere/tunneld/internal/httpapi"
	"github.com/plexsphere/tunneld/internal/keys"
	"github.com/plexsphere/tunneld/internal/proxy"
)

// drainTimeout is the maximum time to wait for in-flight tunnels to close
// on shutdown before the process exits anyway.
const drainTimeout = 30 * time.Second

var cfgFile string

// Build info set from main.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersionInfo sets the version info from build-time ldflags.
func SetVersionInfo(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
	rootCmd.Version = buildVersion
	rootCmd.SetVersionTemplate(fmt.Sprintf("tunneld version {{.Version}}\ncommit: %s\nbuilt: %s\n", buildCommit, buildDate))
}

var rootCmd = &cobra.Command{
	Use:   "tunneld [verifying-key-hex] [bind-addr]",
	Short: "tunneld is a dynamically reconfigurable TCP reverse-proxy controller",
	Long: "tunneld exposes a small signed control-plane API over HTTP that creates,\n" +
		"modifies, and deletes tunnels. Each tunnel binds a local listening port and\n" +
		"forwards every accepted TCP connection, byte-for-byte and bidirectionally,\n" +
		"to a destination address that may be changed at any time.",
	Args: cobra.MaximumNArgs(2),
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional YAML config file path")
	rootCmd.Version = buildVersion
	rootCmd.SetVersionTemplate(fmt.Sprintf("tunneld version {{.Version}}\ncommit: %s\nbuilt: %s\n", buildCommit, buildDate))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func runServe(cmd *cobra.Command, args []string) error {
	var cfg config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("tunneld: %w", err)
		}
		cfg = *loaded
	} else {
		cfg.ApplyDefaults()
	}

	// Positional arguments override the config file, per spec §6.4.
	if len(args) >= 1 && args[0] != "" {
		cfg.VerifyingKeyHex = args[0]
	}
	if len(args) >= 2 && args[1] != "" {
		cfg.BindAddr = args[1]
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting tunneld", "version", buildVersion, "bind_addr", cfg.BindAddr)

	var verifyingKey *control.VerifyingKey
	if cfg.VerifyingKeyHex != "" {
		pub, err := keys.ParseVerifyingKeyHex(cfg.VerifyingKeyHex)
		if err != nil {
			return fmt.Errorf("tunneld: verifying key: %w", err)
		}
		verifyingKey = &control.VerifyingKey{
			Key:           pub,
			MaxFutureSkew: cfg.MaxFutureSkew,
			MaxPastSkew:   cfg.MaxPastSkew,
		}
		logger.Info("signature verification enabled")
	} else {
		logger.Warn("no verifying key configured, signature verification disabled")
	}

	registry := proxy.NewRegistry(logger)

	for _, it := range cfg.InitialTunnels {
		id, err := uuid.Parse(it.ID)
		if err != nil {
			return fmt.Errorf("tunneld: initial_tunnels: invalid id %q: %w", it.ID, err)
		}
		// DestinationIP was already validated by config.Validate.
		dest := proxy.Destination{IP: net.ParseIP(it.DestinationIP), Port: it.DestinationPort}
		if err := registry.Create(id, it.IncomingPort, dest); err != nil {
			return fmt.Errorf("tunneld: initial_tunnels: create %s: %w", it.ID, err)
		}
		logger.Info("initial tunnel created", "tunnel_id", it.ID, "incoming_port", it.IncomingPort)
	}

	handler := httpapi.NewHandler(registry, verifyingKey, logger)
	httpSrv := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: handler.Mux(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", "reason", ctx.Err())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("registry shutdown error", "error", err)
	}

	wg.Wait()
	logger.Info("tunneld stopped")
	return nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
