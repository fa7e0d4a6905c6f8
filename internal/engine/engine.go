// Package engine assembles the blockvault components from a configuration
// and drives their background work.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/blockvault/blockvault/internal/access"
	"github.com/blockvault/blockvault/internal/backend"
	"github.com/blockvault/blockvault/internal/blob"
	"github.com/blockvault/blockvault/internal/blockcache"
	"github.com/blockvault/blockvault/internal/catalog"
	"github.com/blockvault/blockvault/internal/config"
	"github.com/blockvault/blockvault/internal/gc"
	"github.com/blockvault/blockvault/internal/jobs"
	"github.com/blockvault/blockvault/internal/keyring"
	"github.com/blockvault/blockvault/internal/logging/audit"
	"github.com/blockvault/blockvault/internal/metrics"
	"github.com/blockvault/blockvault/internal/storage"
)

const metricsInterval = 15 * time.Second

// Options configures Open. Only Config is required.
type Options struct {
	Config *config.Config
	// Registry receives every metric. Defaults to metrics.NewRegistry().
	Registry *prometheus.Registry
	// BackendFactory builds backends. Defaults to backend.New.
	BackendFactory func(backend.Config) (backend.Backend, error)
	// AccessFS holds the access counter files. Defaults to osfs rooted at
	// Config.Access.Dir.
	AccessFS  billy.Filesystem
	BlockSize int64 // defaults to storage.BlockSize
	Version   string
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Engine holds the wired components.
type Engine struct {
	Catalog  *catalog.Catalog
	Keyring  *keyring.Keyring
	Backends *backend.Registry
	Cache    *blockcache.Cache
	Jobs     *jobs.Dispatcher
	Storage  *storage.Manager
	Access   *access.Counter
	Blobs    *blob.Service
	GC       *gc.Collector
	Audit    *audit.Logger

	cfg       *config.Config
	registry  *prometheus.Registry
	collector *metrics.Collector
	logger    zerolog.Logger
}

// Open builds every component, restores the registered backends and
// registers configured backends that are not known yet.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("engine requires a configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Registry == nil {
		opts.Registry = metrics.NewRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.With().Str("component", "engine").Logger()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	cat, err := catalog.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	e := &Engine{
		Catalog:  cat,
		Audit:    audit.NewLogger(opts.Logger),
		cfg:      cfg,
		registry: opts.Registry,
		logger:   logger,
	}
	if err := e.build(ctx, opts); err != nil {
		_ = cat.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context, opts Options) error {
	cfg := e.cfg

	masterKey, err := cfg.ResolveMasterKey()
	if err != nil {
		return err
	}
	e.Keyring, err = keyring.New(keyring.Config{Store: e.Catalog, MasterKey: masterKey, Logger: opts.Logger})
	if err != nil {
		return fmt.Errorf("create keyring: %w", err)
	}

	e.Backends = backend.NewRegistry(backend.RegistryConfig{
		Store:   e.Catalog,
		Factory: opts.BackendFactory,
		Logger:  opts.Logger,
	})
	if err := e.Backends.Load(ctx); err != nil {
		return err
	}
	if err := e.registerConfiguredBackends(ctx); err != nil {
		return err
	}

	maxEntries, maxBytes := cfg.CacheLimits()
	e.Cache, err = blockcache.New(maxEntries, maxBytes)
	if err != nil {
		return err
	}

	e.Jobs = jobs.NewDispatcher(jobs.Config{
		Workers:      cfg.Jobs.Workers,
		MaxRetries:   cfg.Jobs.MaxRetries,
		RetryBackoff: cfg.Jobs.RetryBackoff,
		Logger:       opts.Logger,
	})

	e.Storage, err = storage.NewManager(storage.Options{
		Catalog:          e.Catalog,
		Keyring:          e.Keyring,
		Registry:         e.Backends,
		Cache:            e.Cache,
		Jobs:             e.Jobs,
		BlockSize:        opts.BlockSize,
		CombineThreshold: cfg.Residual.CombineThreshold,
		Registerer:       e.registry,
		Now:              opts.Now,
		Logger:           opts.Logger,
	})
	if err != nil {
		return err
	}

	accessFS := opts.AccessFS
	if accessFS == nil {
		if err := os.MkdirAll(cfg.Access.Dir, 0o750); err != nil {
			return fmt.Errorf("create access dir: %w", err)
		}
		accessFS = osfs.New(cfg.Access.Dir)
	}
	e.Access, err = access.Open(access.Config{
		FS:              accessFS,
		EntriesPerBlock: cfg.Access.EntriesPerBlock,
		Files:           e.Catalog,
		Now:             opts.Now,
		Logger:          opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("open access counter: %w", err)
	}

	e.Blobs, err = blob.NewService(blob.Config{
		Catalog:    e.Catalog,
		Storage:    e.Storage,
		Access:     e.Access,
		Registerer: e.registry,
		Now:        opts.Now,
		Logger:     opts.Logger,
	})
	if err != nil {
		return err
	}

	e.GC = gc.New(gc.Config{
		Catalog:     e.Catalog,
		Storage:     e.Storage,
		Retention:   cfg.GC.SoftDeleteRetention,
		GracePeriod: cfg.GC.GracePeriod,
		Pinned:      e.Blobs.PinnedBlobBlocks,
		Now:         opts.Now,
		Logger:      opts.Logger,
	})

	e.Jobs.Handle(jobs.TypeReplicate, e.Storage.HandleReplicate)
	e.Jobs.Handle(jobs.TypeCombineResidualBlocks, func(ctx context.Context, _ jobs.Job) error {
		_, err := e.CombineResidualBlocks(ctx)
		return err
	})
	e.Jobs.Handle(jobs.TypeCollectGarbage, func(ctx context.Context, _ jobs.Job) error {
		_, err := e.CollectGarbage(ctx)
		return err
	})

	e.collector = metrics.NewCollector(metrics.InitMetrics(e.registry, opts.Version), metrics.CollectorConfig{
		Blocks:   e.Storage,
		Backends: e.Backends,
		Cache:    e.Cache,
		Jobs:     e.Jobs,
		Logger:   opts.Logger,
	})
	return nil
}

// registerConfiguredBackends registers backends from the configuration
// whose names are not persisted yet. Persisted backends keep their stored
// settings.
func (e *Engine) registerConfiguredBackends(ctx context.Context) error {
	known := make(map[string]bool)
	for _, entry := range e.Backends.List() {
		known[entry.Name] = true
	}
	for _, b := range e.cfg.Backends {
		if known[b.Name] {
			e.logger.Debug().Str("backend", b.Name).Msg("Configured backend already registered")
			continue
		}
		if _, err := e.RegisterBackend(ctx, "config", b); err != nil {
			return fmt.Errorf("register configured backend: %w", err)
		}
	}
	return nil
}

// RegisterBackend registers b and records the outcome in the audit log.
// source names where the request came from.
func (e *Engine) RegisterBackend(ctx context.Context, source string, b config.BackendConfig) (*backend.Entry, error) {
	entry, err := e.Backends.Register(ctx, b.Name, b.Backend(), b.Tier)
	e.Audit.LogBackend("register", source, b.Name, b.Tier, b.Type, err)
	return entry, err
}

// StoreFile stores upload as the newest revision of its file.
func (e *Engine) StoreFile(ctx context.Context, upload blob.FileUpload) (fileID, blobID int64, isNew bool, err error) {
	fileID, blobID, isNew, err = e.Blobs.StoreFile(ctx, upload)
	if err == nil {
		e.Audit.LogFileRevision(upload.ContainerID, upload.Path, fileID, blobID, isNew)
	}
	return fileID, blobID, isNew, err
}

// CollectGarbage runs one garbage collection pass.
func (e *Engine) CollectGarbage(ctx context.Context) (gc.Stats, error) {
	stats, err := e.GC.Run(ctx)
	e.Audit.LogMaintenance(string(jobs.TypeCollectGarbage), map[string]int64{
		"files_deleted":        int64(stats.FilesDeleted),
		"blobs_deleted":        stats.BlobsDeleted,
		"blob_blocks_deleted":  stats.BlobBlocksDeleted,
		"storage_blocks_freed": int64(stats.StorageBlocksFreed),
		"free_failures":        int64(stats.FreeFailures),
	}, err)
	return stats, err
}

// CombineResidualBlocks packs residual blocks now.
func (e *Engine) CombineResidualBlocks(ctx context.Context) (storage.CombineStats, error) {
	stats, err := e.Storage.CombineResidualBlocks(ctx)
	e.Audit.LogMaintenance(string(jobs.TypeCombineResidualBlocks), map[string]int64{
		"groups":          int64(stats.Groups),
		"blocks_combined": int64(stats.BlocksCombined),
		"blocks_freed":    int64(stats.BlocksFreed),
		"bytes_moved":     stats.BytesMoved,
	}, err)
	return stats, err
}

// Gatherer exposes the metrics registry.
func (e *Engine) Gatherer() prometheus.Gatherer {
	return e.registry
}

// Run drives background jobs and the periodic garbage collection, access
// migration, access flush and metrics sampling until ctx is cancelled.
// Pending access counts are flushed on the way out.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Catch up on residual blocks and replicas left by a previous run.
	e.Jobs.Submit(jobs.Job{Type: jobs.TypeCombineResidualBlocks})
	if _, err := e.Storage.QueueUnderReplicated(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to queue under-replicated blocks")
	}

	g.Go(func() error {
		e.Jobs.Run(ctx)
		return nil
	})
	g.Go(func() error {
		e.collector.Run(ctx, metricsInterval)
		return nil
	})
	g.Go(func() error {
		e.every(ctx, e.cfg.GC.Interval, "garbage collection", func(ctx context.Context) error {
			e.Jobs.Submit(jobs.Job{Type: jobs.TypeCollectGarbage})
			_, err := e.Storage.QueueUnderReplicated(ctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		e.every(ctx, e.cfg.Access.MigrateInterval, "access migration", func(ctx context.Context) error {
			_, err := e.Access.Migrate(ctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		e.every(ctx, e.cfg.Access.FlushInterval, "access flush", e.Access.Flush)
		return nil
	})

	e.logger.Info().Int("backends", len(e.Backends.List())).Msg("Engine running")
	err := g.Wait()

	if flushErr := e.Access.Flush(context.Background()); flushErr != nil {
		e.logger.Error().Err(flushErr).Msg("Final access flush failed")
		err = errors.Join(err, flushErr)
	}
	return err
}

// every runs fn on each tick of interval until ctx is done. A zero
// interval disables the task.
func (e *Engine) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn().Err(err).Str("task", name).Msg("Periodic task failed")
			}
		}
	}
}

// Settle runs queued background jobs to completion. One-shot commands call
// it before exiting so replication is not left pending.
func (e *Engine) Settle(ctx context.Context) {
	e.Jobs.DrainAll(ctx)
}

// Close flushes the access counter and closes the catalog.
func (e *Engine) Close() error {
	return errors.Join(e.Access.Flush(context.Background()), e.Catalog.Close())
}
