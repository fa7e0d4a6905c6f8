package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockvault/blockvault/internal/backend"
	"github.com/blockvault/blockvault/internal/catalog"
)

// BlockStats reports storage block occupancy.
type BlockStats interface {
	Stats(ctx context.Context) (catalog.StorageBlockStats, error)
}

// BackendLister lists registered backends.
type BackendLister interface {
	List() []*backend.Entry
}

// CacheStats reports block cache occupancy.
type CacheStats interface {
	Len() int
	Bytes() int64
}

// JobQueue reports queued background jobs.
type JobQueue interface {
	Pending() int
}

// CollectorConfig holds the sources sampled by a Collector. Nil sources
// are skipped.
type CollectorConfig struct {
	Blocks   BlockStats
	Backends BackendLister
	Cache    CacheStats
	Jobs     JobQueue
	Logger   zerolog.Logger
}

// Collector periodically copies live state into gauges.
type Collector struct {
	metrics *VaultMetrics
	config  CollectorConfig
	logger  zerolog.Logger
}

// NewCollector creates a new metrics collector.
func NewCollector(m *VaultMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics: m,
		config:  cfg,
		logger:  cfg.Logger.With().Str("component", "metrics").Logger(),
	}
}

// Run collects every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect updates all gauges from the current state.
func (c *Collector) Collect(ctx context.Context) {
	c.collectBlockStats(ctx)
	c.collectBackendStats()
	c.collectCacheStats()
	if c.config.Jobs != nil {
		c.metrics.JobsPending.Set(float64(c.config.Jobs.Pending()))
	}
}

func (c *Collector) collectBlockStats(ctx context.Context) {
	if c.config.Blocks == nil {
		return
	}
	stats, err := c.config.Blocks.Stats(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to read storage block stats")
		return
	}
	c.metrics.StorageBlocks.WithLabelValues("full").Set(float64(stats.Full))
	c.metrics.StorageBlocks.WithLabelValues("residual").Set(float64(stats.Residual))
	c.metrics.StorageBlocks.WithLabelValues("free").Set(float64(stats.Free))
	c.metrics.StoredBytes.Set(float64(stats.TotalBytes))
}

func (c *Collector) collectBackendStats() {
	if c.config.Backends == nil {
		return
	}
	perTier := make(map[int]int)
	for _, e := range c.config.Backends.List() {
		perTier[e.Tier]++
	}
	c.metrics.Backends.Reset()
	for tier, n := range perTier {
		c.metrics.Backends.WithLabelValues(strconv.Itoa(tier)).Set(float64(n))
	}
}

func (c *Collector) collectCacheStats() {
	if c.config.Cache == nil {
		return
	}
	c.metrics.CacheEntries.Set(float64(c.config.Cache.Len()))
	c.metrics.CacheBytes.Set(float64(c.config.Cache.Bytes()))
}
