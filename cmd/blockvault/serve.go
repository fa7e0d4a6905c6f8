package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blockvault/blockvault/internal/config"
	"github.com/blockvault/blockvault/internal/engine"
	"github.com/blockvault/blockvault/internal/logging/loki"
	"github.com/blockvault/blockvault/internal/metrics"
	"github.com/blockvault/blockvault/internal/svc"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the blockvault daemon",
		Long: `Run background replication, residual block combination, garbage
collection and access counter maintenance, and expose Prometheus metrics
on metrics.listen.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runServe(ctx, cfgFile)
		},
	}
	cmd.Flags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = cmd.Flags().MarkHidden("service-run")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyConfigLogLevel(cfg)

	if cfg.Loki.URL != "" {
		lw := startLokiWriter(cfg.Loki)
		defer lw.Stop()
	}

	e, err := engine.Open(ctx, engine.Options{Config: cfg, Version: Version, Logger: log.Logger})
	if err != nil {
		return err
	}
	defer func() { _ = e.Catalog.Close() }()

	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(e.Gatherer()))
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info().Str("listen", cfg.Metrics.Listen).Msg("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	log.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("Blockvault starting")
	runErr := e.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	log.Info().Msg("Blockvault stopped")
	return runErr
}

// startLokiWriter tees the global logger into a Loki writer.
func startLokiWriter(cfg config.LokiConfig) *loki.Writer {
	lw := loki.NewWriter(loki.Config{
		URL:           cfg.URL,
		Labels:        cfg.Labels,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	})
	labels := map[string]string{"version": Version}
	if _, ok := cfg.Labels["host"]; !ok {
		if host, err := os.Hostname(); err == nil {
			labels["host"] = host
		}
	}
	lw.SetLabels(labels)
	lw.Start()

	log.Logger = log.Output(zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, lw))
	log.Info().Str("url", cfg.URL).Msg("Shipping logs to Loki")
	return lw
}

func runAsService() {
	setupLogging()

	configPath := serviceConfigPath(os.Args)
	log.Info().Str("config", configPath).Msg("Starting as service")

	cfg := svc.DefaultConfig()
	cfg.ConfigPath = configPath
	prg := &svc.Program{ConfigPath: configPath, Run: runServe}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("Service error")
	}
}

// serviceConfigPath picks --config out of the arguments the service
// manager passes, falling back to the platform default.
func serviceConfigPath(args []string) string {
	for i, arg := range args {
		if (arg == "--config" || arg == "-c") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return svc.DefaultConfigPath()
}
