package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blockvault/blockvault/internal/access"
	"github.com/blockvault/blockvault/internal/config"
	"github.com/blockvault/blockvault/internal/engine"
	"github.com/blockvault/blockvault/internal/logging/audit"
	"github.com/blockvault/blockvault/pkg/bytesize"
)

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run one garbage collection pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				stats, err := e.CollectGarbage(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "files %d, blobs %d, chunks %d, storage blocks freed %d, free failures %d\n",
					stats.FilesDeleted, stats.BlobsDeleted, stats.BlobBlocksDeleted, stats.StorageBlocksFreed, stats.FreeFailures)
				return err
			})
		},
	}
}

func newCombineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "combine",
		Short: "Pack residual storage blocks into combined blocks now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				stats, err := e.CombineResidualBlocks(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "groups %d, blocks combined %d, blocks freed %d, moved %s\n",
					stats.Groups, stats.BlocksCombined, stats.BlocksFreed, bytesize.Format(stats.BytesMoved))
				return err
			})
		},
	}
}

func newAccessCmd() *cobra.Command {
	accessCmd := &cobra.Command{
		Use:   "access",
		Short: "Inspect and maintain access counters",
	}

	accessCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Fold aged access counts into month and year buckets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				stats, err := e.Access.Migrate(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "recent blocks folded %d, month buckets folded %d\n",
					stats.RecentBlocks, stats.MonthBuckets)
				return err
			})
		},
	})

	accessCmd.AddCommand(&cobra.Command{
		Use:       "dump <recent|month|year>",
		Short:     "Print the entries of one access stage as JSON lines",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(access.StageRecent), string(access.StageMonth), string(access.StageYear)},
		RunE: func(cmd *cobra.Command, args []string) error {
			stage := access.Stage(args[0])
			switch stage {
			case access.StageRecent, access.StageMonth, access.StageYear:
			default:
				return fmt.Errorf("unknown stage %q", args[0])
			}
			ctx, cancel := signalContext()
			defer cancel()
			return withEngine(ctx, func(_ context.Context, e *engine.Engine) error {
				return dumpEntries(cmd.OutOrStdout(), e.Access, stage)
			})
		},
	})
	return accessCmd
}

func dumpEntries(out io.Writer, c *access.Counter, stage access.Stage) error {
	enc := json.NewEncoder(out)
	for entry := range c.Entries(stage) {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen [path]",
		Short: "Create a master key file for wrapping data encryption keys",
		Long: `Create a random master key file (default <data_dir>/master.key) with
0600 permissions. Reference it with master_key_file in the configuration
before storing any data: keys persisted without it stay unwrapped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.DataDir, "master.key")
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			_, err = config.GenerateMasterKey(path)
			audit.NewLogger(log.Logger).LogMasterKey(path, err)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "master key written to %s\n", path)
			return nil
		},
	}
}
