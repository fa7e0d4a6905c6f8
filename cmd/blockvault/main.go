// blockvault is the encrypted content-addressable blob store daemon and
// its operator tool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blockvault/blockvault/internal/config"
	"github.com/blockvault/blockvault/internal/engine"
	"github.com/blockvault/blockvault/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile     string
	logLevel    string
	logLevelSet bool

	// Hidden, set when the service manager starts the daemon.
	serviceRun bool
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blockvault",
		Short: "Blockvault - encrypted content-addressable blob store",
		Long: `Blockvault stores blobs as encrypted, deduplicated chunks packed into
fixed-size storage blocks that are replicated across tiered backends.

QUICK START:

  # Store a file and print its blob id
  blockvault put ./photo.jpg

  # Read it back
  blockvault get 1 -o photo.jpg

  # Run the daemon (replication, combination, garbage collection)
  blockvault serve

For more help on any command, use: blockvault <command> --help`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logLevelSet = cmd.Flags().Changed("log-level")
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(
		newServeCmd(),
		newPutCmd(),
		newGetCmd(),
		newStatCmd(),
		newGCCmd(),
		newCombineCmd(),
		newBackendCmd(),
		newAccessCmd(),
		newKeygenCmd(),
		newServiceCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "blockvault %s (commit %s, built %s, %s %s/%s)\n",
				Version, Commit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyConfigLogLevel(cfg)
	return cfg, nil
}

// applyConfigLogLevel uses log_level from the file unless --log-level was
// given.
func applyConfigLogLevel(cfg *config.Config) {
	if logLevelSet {
		return
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
}

// withEngine opens the engine for a one-shot command, runs fn, settles
// queued jobs and closes the engine.
func withEngine(ctx context.Context, fn func(ctx context.Context, e *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := engine.Open(ctx, engine.Options{Config: cfg, Version: Version, Logger: log.Logger})
	if err != nil {
		return err
	}
	runErr := fn(ctx, e)
	e.Settle(ctx)
	if err := e.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
