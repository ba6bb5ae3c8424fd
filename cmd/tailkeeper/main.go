package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/tailkeeper/pkg/log"
	"github.com/cuemby/tailkeeper/pkg/manager"
	"github.com/cuemby/tailkeeper/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tailkeeper",
	Short: "Keep live log tails open for every Worker in an account",
	Long: `tailkeeper discovers the Workers in a Cloudflare account, keeps one
tail stream open per Worker, refreshes each tail before it expires and
writes every received event to a local store.`,
	Version:      Version,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tailkeeper %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tail manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfig(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"tailkeeper version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().String("config", "", "Path to a config file (default ./tailkeeper.yaml if present)")
	serveCmd.Flags().String("data-dir", "", "Directory for the record and state store")
	serveCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "Emit JSON logs")
	serveCmd.Flags().String("metrics-addr", "", "Listen address for /metrics and /health (empty disables)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func serve(cfg *Config) error {
	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	mgr, err := manager.NewManager(cfg.managerConfig())
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	errCh := make(chan error, 1)
	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metrics.NewMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics server listening")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Boot(ctx); err != nil {
		_ = mgr.Stop(context.Background())
		return fmt.Errorf("failed to boot: %w", err)
	}
	if err := mgr.Start(); err != nil {
		_ = mgr.Stop(context.Background())
		return fmt.Errorf("failed to start: %w", err)
	}

	logger.Info().Str("version", Version).Msg("tailkeeper is running")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Shutting down after error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := mgr.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	logger.Info().Msg("Shutdown complete")
	return runErr
}
