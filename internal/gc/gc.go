// Package gc reclaims files, blobs, chunks and storage blocks that are no
// longer referenced.
package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockvault/blockvault/internal/catalog"
	"github.com/blockvault/blockvault/internal/storage"
)

const (
	// DefaultRetention is how long a soft-deleted file stays recoverable.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultGracePeriod protects rows created by an ingestion that has not
	// yet attached them to a blob or file.
	DefaultGracePeriod = time.Hour
)

// Freer frees storage blocks.
type Freer interface {
	Free(ctx context.Context, id int64) error
}

// Config holds collector configuration.
type Config struct {
	Catalog *catalog.Catalog
	Storage Freer
	// Pinned lists blob blocks in use by running ingestions. Optional.
	Pinned      func() []int64
	Retention   time.Duration
	GracePeriod time.Duration
	Now         func() time.Time
	Logger      zerolog.Logger
}

// Stats holds statistics from a garbage collection run.
type Stats struct {
	FilesDeleted       int   // soft-deleted files past retention
	BlobsDeleted       int64 // blobs without file or version references
	BlobBlocksDeleted  int64 // chunks without blob references
	StorageBlocksFreed int   // storage blocks returned to the free list
	FreeFailures       int   // storage blocks left allocated for the next run
}

// Collector runs garbage collection passes. Passes never overlap.
type Collector struct {
	catalog     *catalog.Catalog
	storage     Freer
	pinned      func() []int64
	retention   time.Duration
	gracePeriod time.Duration
	now         func() time.Time
	logger      zerolog.Logger

	mu sync.Mutex
}

// New creates a collector.
func New(cfg Config) *Collector {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Pinned == nil {
		cfg.Pinned = func() []int64 { return nil }
	}
	return &Collector{
		catalog:     cfg.Catalog,
		storage:     cfg.Storage,
		pinned:      cfg.Pinned,
		retention:   cfg.Retention,
		gracePeriod: cfg.GracePeriod,
		now:         cfg.Now,
		logger:      cfg.Logger.With().Str("component", "gc").Logger(),
	}
}

// Run performs a full garbage collection pass:
//   - Phase 1: hard-delete files soft-deleted longer than the retention
//   - Phase 2: delete blobs no file revision, file version or blob version references
//   - Phase 3: delete chunks no blob references and no ingestion has pinned
//   - Phase 4: free storage blocks no chunk references
//
// Each phase only sees the rows the previous phases released. Every deletion
// skips rows younger than the grace period, so a reference created during the
// pass at worst postpones collection to a later run. A storage block that
// gained a reference after it was listed is skipped the same way.
func (c *Collector) Run(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stats Stats
	now := c.now()
	cutoff := now.Add(-c.gracePeriod)

	fileIDs, err := c.catalog.ExpiredSoftDeletedFiles(ctx, now.Add(-c.retention))
	if err != nil {
		return stats, fmt.Errorf("find expired files: %w", err)
	}
	for _, id := range fileIDs {
		if err := c.catalog.DeleteFile(ctx, id); err != nil {
			return stats, fmt.Errorf("delete file %d: %w", id, err)
		}
		stats.FilesDeleted++
	}

	if stats.BlobsDeleted, err = c.catalog.DeleteUnreferencedBlobs(ctx, cutoff); err != nil {
		return stats, fmt.Errorf("delete unreferenced blobs: %w", err)
	}
	if stats.BlobBlocksDeleted, err = c.catalog.DeleteUnreferencedBlobBlocks(ctx, cutoff, c.pinned()); err != nil {
		return stats, fmt.Errorf("delete unreferenced blob blocks: %w", err)
	}

	storageIDs, err := c.catalog.UnreferencedStorageBlocks(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("find unreferenced storage blocks: %w", err)
	}
	var errs []error
	for _, id := range storageIDs {
		err := c.storage.Free(ctx, id)
		if errors.Is(err, storage.ErrBlockReferenced) {
			c.logger.Debug().Int64("storage_block", id).Msg("Storage block referenced again, keeping it")
			continue
		}
		if err != nil {
			c.logger.Warn().Err(err).Int64("storage_block", id).Msg("Failed to free storage block")
			stats.FreeFailures++
			errs = append(errs, err)
			continue
		}
		stats.StorageBlocksFreed++
	}

	c.logger.Info().
		Int("files", stats.FilesDeleted).
		Int64("blobs", stats.BlobsDeleted).
		Int64("blob_blocks", stats.BlobBlocksDeleted).
		Int("storage_blocks", stats.StorageBlocksFreed).
		Int("free_failures", stats.FreeFailures).
		Msg("Garbage collection complete")
	return stats, errors.Join(errs...)
}
