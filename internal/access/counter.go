// Package access counts blob downloads in a three-stage cascade (recent raw
// events, current-year month buckets, closed-year buckets) and derives a
// storage tier recommendation from the counts.
package access

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"

	"github.com/blockvault/blockvault/internal/catalog"
)

// DefaultEntriesPerBlock is the capacity of one recent-stage block.
const DefaultEntriesPerBlock = 1000

const (
	recentDir = "recent"
	monthDir  = "current-year"
	yearDir   = "past-years"
)

// FileBlobSource lists the blobs belonging to a logical file.
type FileBlobSource interface {
	FileBlobs(ctx context.Context, fileID int64) ([]catalog.TitledBlob, error)
}

// Config holds access counter configuration.
type Config struct {
	// FS holds the stage directories, normally an osfs rooted at the access
	// directory.
	FS              billy.Filesystem
	EntriesPerBlock int
	Files           FileBlobSource // optional, required by FetchFileStatistics
	Now             func() time.Time
	Logger          zerolog.Logger
}

// Statistics describes the access history of one blob.
type Statistics struct {
	Counts
	LastAccess time.Time
	Tier       Tier
}

// FileStatistics aggregates the statistics of the blobs of one file: mean
// counts, the hottest tier and the latest access.
type FileStatistics struct {
	Recent     float64
	NearPast   float64
	Past       float64
	LastAccess time.Time
	Tier       Tier
}

// MigrateStats reports what a migration folded.
type MigrateStats struct {
	RecentBlocks int // recent blocks folded into month or year buckets
	MonthBuckets int // month buckets folded into year buckets
}

// Counter is the access-tier cache.
type Counter struct {
	fs     billy.Filesystem
	files  FileBlobSource
	now    func() time.Time
	logger zerolog.Logger

	mu     sync.Mutex
	recent *recentStage
	month  *monthStage
	year   *yearStage
	maxima maxima
}

// Open loads the persisted stages from cfg.FS.
func Open(cfg Config) (*Counter, error) {
	if cfg.FS == nil {
		return nil, errors.New("access counter requires a filesystem")
	}
	if cfg.EntriesPerBlock <= 0 {
		cfg.EntriesPerBlock = DefaultEntriesPerBlock
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Counter{
		fs:     cfg.FS,
		files:  cfg.Files,
		now:    cfg.Now,
		logger: cfg.Logger.With().Str("component", "access").Logger(),
		recent: newRecentStage(recentDir, cfg.EntriesPerBlock),
		month:  newMonthStage(monthDir),
		year:   newYearStage(yearDir),
		maxima: newMaxima(),
	}
	for _, dir := range []string{recentDir, monthDir, yearDir} {
		if err := c.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := c.recent.load(c.fs); err != nil {
		return nil, fmt.Errorf("load recent accesses: %w", err)
	}
	if err := c.month.load(c.fs); err != nil {
		return nil, fmt.Errorf("load month buckets: %w", err)
	}
	if err := c.year.load(c.fs); err != nil {
		return nil, fmt.Errorf("load year buckets: %w", err)
	}
	c.logger.Debug().Int("recent_blocks", len(c.recent.blocks)).Int("month_buckets", len(c.month.buckets)).
		Int("year_buckets", len(c.year.buckets)).Msg("Loaded access cache")
	return c, nil
}

// AddBlobAccess records a download of blobID by userID now.
func (c *Counter) AddBlobAccess(userID string, blobID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent.add(userID, blobID, c.now())
}

// FetchAccessCounts sums the accesses of blobID per stage.
func (c *Counter) FetchAccessCounts(blobID int64) Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts(blobID)
}

func (c *Counter) counts(blobID int64) Counts {
	return Counts{
		Recent:   c.recent.counts(blobID),
		NearPast: c.month.counts(blobID),
		Past:     c.year.counts(blobID),
	}
}

// FetchLastAccessTime returns the latest access of blobID across all stages,
// or the zero time when there is none. Folded accesses only keep the start
// of their month or year.
func (c *Counter) FetchLastAccessTime(blobID int64) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAccess(blobID)
}

func (c *Counter) lastAccess(blobID int64) time.Time {
	last := c.recent.lastAccess(blobID)
	for _, t := range []time.Time{c.month.lastAccess(blobID), c.year.lastAccess(blobID)} {
		if t.After(last) {
			last = t
		}
	}
	return last
}

// FetchBlobStatistics returns counts, last access and tier of blobID. The
// counts also raise the running maxima used to normalise later scores.
func (c *Counter) FetchBlobStatistics(blobID int64) Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := c.counts(blobID)
	return Statistics{
		Counts:     counts,
		LastAccess: c.lastAccess(blobID),
		Tier:       TierForScore(c.maxima.observe(counts)),
	}
}

// FetchFileStatistics aggregates the revisions and versions of fileID.
// Preview and thumbnail renditions are ignored. A file without blobs is
// Archive.
func (c *Counter) FetchFileStatistics(ctx context.Context, fileID int64) (FileStatistics, error) {
	if c.files == nil {
		return FileStatistics{}, errors.New("access counter has no file source")
	}
	blobs, err := c.files.FileBlobs(ctx, fileID)
	if err != nil {
		return FileStatistics{}, fmt.Errorf("list blobs of file %d: %w", fileID, err)
	}

	out := FileStatistics{Tier: Archive}
	var n int
	for _, b := range blobs {
		if b.Title == "preview" || strings.HasPrefix(b.Title, "thumb_") {
			continue
		}
		s := c.FetchBlobStatistics(b.BlobID)
		out.Recent += float64(s.Recent)
		out.NearPast += float64(s.NearPast)
		out.Past += float64(s.Past)
		if s.LastAccess.After(out.LastAccess) {
			out.LastAccess = s.LastAccess
		}
		out.Tier = min(out.Tier, s.Tier)
		n++
	}
	if n > 0 {
		out.Recent /= float64(n)
		out.NearPast /= float64(n)
		out.Past /= float64(n)
	}
	return out, nil
}

// Migrate folds aged data one stage down. Full recent blocks whose newest
// event is before the start of the current month move into month buckets,
// or straight into year buckets for events of earlier years. Month buckets
// of earlier years move into year buckets. Folded sources are removed from
// memory at once and from disk only after the targets were written.
func (c *Counter) Migrate(ctx context.Context) (MigrateStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stats MigrateStats
	now := c.now().UTC()
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	for _, key := range c.recent.migratable(startOfMonth) {
		for e := range c.recent.entriesOf(key) {
			for _, t := range e.Times {
				if t.Year() != now.Year() {
					c.year.add(e.BlobID, t.Year(), 1)
				} else {
					c.month.add(e.UserID, e.BlobID, t, 1)
				}
			}
		}
		c.recent.remove(key)
		stats.RecentBlocks++
	}

	for _, key := range c.month.migratable(now.Year()) {
		for e := range c.month.entriesOf(key) {
			c.year.add(e.BlobID, e.Bucket.Year(), e.Count)
		}
		c.month.remove(key)
		stats.MonthBuckets++
	}

	if err := c.flush(); err != nil {
		return stats, err
	}
	if stats.RecentBlocks > 0 || stats.MonthBuckets > 0 {
		c.logger.Info().Int("recent_blocks", stats.RecentBlocks).Int("month_buckets", stats.MonthBuckets).
			Msg("Migrated access counters")
	}
	return stats, nil
}

// Flush writes every changed bucket and deletes folded ones.
func (c *Counter) Flush(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flush()
}

// flush writes fold targets before any source file is deleted, so a crash
// never loses counts.
func (c *Counter) flush() error {
	if err := c.year.write(c.fs); err != nil {
		return fmt.Errorf("write year buckets: %w", err)
	}
	if err := c.month.write(c.fs); err != nil {
		return fmt.Errorf("write month buckets: %w", err)
	}
	if err := c.recent.write(c.fs); err != nil {
		return fmt.Errorf("write recent blocks: %w", err)
	}
	if err := c.month.deleteRemoved(c.fs); err != nil {
		return fmt.Errorf("delete folded month buckets: %w", err)
	}
	if err := c.recent.deleteRemoved(c.fs); err != nil {
		return fmt.Errorf("delete folded recent blocks: %w", err)
	}
	return nil
}

// Entries iterates the rows of one stage. Each iteration works on a
// snapshot taken when it starts, so the consumer may call back into the
// counter.
func (c *Counter) Entries(stage Stage) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		c.mu.Lock()
		var snapshot []Entry
		switch stage {
		case StageRecent:
			snapshot = slices.Collect(c.recent.entries())
		case StageMonth:
			snapshot = slices.Collect(c.month.entries())
		case StageYear:
			snapshot = slices.Collect(c.year.entries())
		}
		c.mu.Unlock()

		for _, e := range snapshot {
			if !yield(e) {
				return
			}
		}
	}
}
