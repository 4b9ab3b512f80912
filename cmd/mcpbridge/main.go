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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcpbridge-go/internal/config"
	"mcpbridge-go/internal/httpapi"
	"mcpbridge-go/internal/jobs"
	"mcpbridge-go/internal/logs"
	"mcpbridge-go/internal/observability"
	"mcpbridge-go/internal/postman"
	"mcpbridge-go/internal/riskgate"
	"mcpbridge-go/internal/upstream"
)

var (
	configFile string
	listen     string
	logLevel   string
	logToFile  bool
	logDir     string

	version = "v0.1.0" // Injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcpbridge",
		Short:   "MCP Bridge - REST surface over Model Context Protocol backends",
		Version: version,
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path (default: ./mcp_config.json)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Listen address (default: :3000)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Enable logging to file in standard OS location")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path (overrides standard OS location)")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("listen", rootCmd.PersistentFlags().Lookup("listen"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	config.SetupViper()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(_ *cobra.Command, _ []string) error {
	path := configFile
	if path == "" {
		path = config.ResolveConfigPath()
	}

	bootstrap := zap.NewNop()
	cfg, err := config.Load(path, bootstrap)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.ConfigPath = path
	if listen != "" {
		cfg.Listen = listen
	}

	if cfg.Logging == nil {
		cfg.Logging = config.DefaultConfig().Logging
	}
	cfg.Logging.Level = logLevel
	if logToFile {
		cfg.Logging.EnableFile = true
	}
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	config.ApplyEnvOverrides(cfg, os.Environ(), logger)

	logger.Info("Starting mcpbridge",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("config", path),
		zap.Int("servers_count", len(cfg.Servers)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisor := upstream.NewSupervisor(logger, cfg.Logging)
	gate := riskgate.NewGate(logger)
	metrics := observability.NewMetricsManager(logger)
	jobsMgr := jobs.NewManager(logger, supervisor)
	jobsMgr.SetFinishedHook(func(status jobs.Status) {
		metrics.RecordJobFinished(string(status))
	})
	jobsMgr.Start(ctx)
	generator := postman.NewGenerator(logger, supervisor)

	startConfiguredBackends(ctx, cfg, supervisor, logger)

	api := httpapi.NewServer(logger, cfg, supervisor, gate, jobsMgr, generator, metrics)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Listen))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("HTTP server failed", zap.Error(err))
		cancel()
		supervisor.StopAll(context.Background())
		return err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	supervisor.StopAll(shutdownCtx)

	logger.Info("Shutdown complete")
	return nil
}

// startConfiguredBackends brings up every persisted backend in parallel.
// A backend that fails to start is logged and skipped; its spec stays in
// the config for a later retry via the REST surface.
func startConfiguredBackends(ctx context.Context, cfg *config.Config, supervisor *upstream.Supervisor, logger *zap.Logger) {
	done := make(chan struct{}, len(cfg.Servers))
	for id, spec := range cfg.Servers {
		go func(id string, spec *config.ServerConfig) {
			defer func() { done <- struct{}{} }()
			if err := spec.Validate(); err != nil {
				logger.Warn("Skipping invalid server spec", zap.String("server", id), zap.Error(err))
				return
			}
			if err := supervisor.Start(ctx, id, spec); err != nil {
				logger.Warn("Configured backend failed to start", zap.String("server", id), zap.Error(err))
			}
		}(id, spec)
	}
	for range cfg.Servers {
		<-done
	}
}
