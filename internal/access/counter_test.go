package access

import (
	"context"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/internal/catalog"
	"github.com/blockvault/blockvault/testutil"
)

type fileBlobs map[int64][]catalog.TitledBlob

func (f fileBlobs) FileBlobs(_ context.Context, fileID int64) ([]catalog.TitledBlob, error) {
	return f[fileID], nil
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 30, 0, 0, time.UTC)
}

func openCounter(t *testing.T, fs billy.Filesystem, clock *testutil.Clock, perBlock int) *Counter {
	t.Helper()
	c, err := Open(Config{FS: fs, EntriesPerBlock: perBlock, Now: clock.Now, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return c
}

func total(c Counts) int64 { return c.Recent + c.NearPast + c.Past }

func TestTierThresholds(t *testing.T) {
	assert.Equal(t, Hot, TierForScore(1))
	assert.Equal(t, Hot, TierForScore(0.75))
	assert.Equal(t, Cool, TierForScore(math.Nextafter(0.75, 0)))
	assert.Equal(t, Cool, TierForScore(0.40))
	assert.Equal(t, Archive, TierForScore(math.Nextafter(0.40, 0)))
	assert.Equal(t, Archive, TierForScore(0))

	assert.Equal(t, Hot, min(Cool, Hot, Archive))
	assert.Equal(t, "cool", Cool.String())
}

func TestScoreUsesRunningMaxima(t *testing.T) {
	m := newMaxima()

	// Every signal at its maximum.
	assert.InDelta(t, 1.0, m.observe(Counts{Recent: 1, NearPast: 1, Past: 1}), 1e-9)

	// nearPast alone at its new maximum.
	assert.InDelta(t, 0.45, m.observe(Counts{NearPast: 10}), 1e-9)
	assert.InDelta(t, 0.35, m.observe(Counts{Past: 4}), 1e-9)
	assert.InDelta(t, 0.20, m.observe(Counts{Recent: 3}), 1e-9)

	// Half of the nearPast and past maxima.
	assert.InDelta(t, 0.40, m.observe(Counts{NearPast: 5, Past: 2}), 1e-9)
	assert.Equal(t, maxima{recent: 3, nearPast: 10, past: 4}, m)
}

func TestAccessCascade(t *testing.T) {
	fs := memfs.New()
	clock := testutil.NewClock(date(2026, time.March, 15))
	c := openCounter(t, fs, clock, 1)

	c.AddBlobAccess("alice", 7)
	assert.Equal(t, Counts{Recent: 1}, c.FetchAccessCounts(7))
	assert.Equal(t, date(2026, time.March, 15), c.FetchLastAccessTime(7))

	// Same month: nothing to fold yet.
	clock.Set(date(2026, time.March, 31))
	stats, err := c.Migrate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.RecentBlocks)

	// One month later the event lands in its month bucket.
	clock.Set(date(2026, time.April, 20))
	stats, err = c.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MigrateStats{RecentBlocks: 1}, stats)
	assert.Equal(t, Counts{NearPast: 1}, c.FetchAccessCounts(7))
	assert.Equal(t, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC), c.FetchLastAccessTime(7))

	month := slices.Collect(c.Entries(StageMonth))
	require.Len(t, month, 1)
	assert.Equal(t, Entry{Stage: StageMonth, Key: "2026-3", Bucket: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		BlobID: 7, UserID: "alice", Count: 1}, month[0])

	// In the next year the closed month folds into its year, without users.
	clock.Set(date(2027, time.January, 10))
	stats, err = c.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MigrateStats{MonthBuckets: 1}, stats)
	assert.Equal(t, Counts{Past: 1}, c.FetchAccessCounts(7))
	assert.Equal(t, time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), c.FetchLastAccessTime(7))

	year := slices.Collect(c.Entries(StageYear))
	require.Len(t, year, 1)
	assert.Equal(t, "2026", year[0].Key)
	assert.Empty(t, year[0].UserID)
	assert.Empty(t, slices.Collect(c.Entries(StageMonth)))
	assert.Empty(t, slices.Collect(c.Entries(StageRecent)))

	// Folded source files are gone from disk.
	recentFiles, err := listKeys(fs, recentDir)
	require.NoError(t, err)
	assert.Empty(t, recentFiles)
	monthFiles, err := listKeys(fs, monthDir)
	require.NoError(t, err)
	assert.Empty(t, monthFiles)
	yearFiles, err := listKeys(fs, yearDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026"}, yearFiles)
}

func TestCascadeNeverDoubleCounts(t *testing.T) {
	clock := testutil.NewClock(date(2026, time.February, 3))
	c := openCounter(t, memfs.New(), clock, 2)

	days := []time.Time{
		date(2026, time.February, 3), date(2026, time.February, 9), date(2026, time.May, 2),
		date(2026, time.November, 30), date(2026, time.December, 24), date(2027, time.January, 2),
		date(2027, time.March, 8), date(2027, time.March, 9),
	}
	var recorded int64
	for _, d := range days {
		clock.Set(d)
		c.AddBlobAccess("alice", 1)
		c.AddBlobAccess("bob", 1)
		c.AddBlobAccess("carol", 2)
		recorded += 2
		_, err := c.Migrate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, recorded, total(c.FetchAccessCounts(1)), "after %s", d)
	}

	clock.Set(date(2029, time.June, 1))
	_, err := c.Migrate(context.Background())
	require.NoError(t, err)
	counts := c.FetchAccessCounts(1)
	assert.Equal(t, recorded, total(counts))
	assert.Greater(t, counts.Past, int64(0))
}

func TestPriorYearEventsSkipMonthStage(t *testing.T) {
	clock := testutil.NewClock(date(2026, time.December, 20))
	c := openCounter(t, memfs.New(), clock, 1)
	c.AddBlobAccess("alice", 3)

	clock.Set(date(2027, time.February, 5))
	_, err := c.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Past: 1}, c.FetchAccessCounts(3))
	assert.Empty(t, slices.Collect(c.Entries(StageMonth)))
}

func TestPartialBlocksStayRecent(t *testing.T) {
	clock := testutil.NewClock(date(2026, time.January, 5))
	c := openCounter(t, memfs.New(), clock, DefaultEntriesPerBlock)
	for range 10 {
		c.AddBlobAccess("alice", 9)
	}

	clock.Set(date(2026, time.June, 1))
	stats, err := c.Migrate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.RecentBlocks)
	assert.Equal(t, Counts{Recent: 10}, c.FetchAccessCounts(9))
}

func TestCounterPersistsAcrossRestarts(t *testing.T) {
	fs := memfs.New()
	clock := testutil.NewClock(date(2026, time.May, 1))

	c := openCounter(t, fs, clock, 3)
	c.AddBlobAccess("alice", 1)
	c.AddBlobAccess("bob", 1)
	require.NoError(t, c.Flush(context.Background()))

	reopened := openCounter(t, fs, clock, 3)
	assert.Equal(t, Counts{Recent: 2}, reopened.FetchAccessCounts(1))
	assert.Equal(t, date(2026, time.May, 1), reopened.FetchLastAccessTime(1))

	// The partial block keeps filling after a restart.
	reopened.AddBlobAccess("carol", 1)
	keys := map[string]struct{}{}
	for e := range reopened.Entries(StageRecent) {
		keys[e.Key] = struct{}{}
	}
	assert.Len(t, keys, 1)

	clock.Set(date(2026, time.July, 1))
	_, err := reopened.Migrate(context.Background())
	require.NoError(t, err)

	again := openCounter(t, fs, clock, 3)
	assert.Equal(t, Counts{NearPast: 3}, again.FetchAccessCounts(1))
}

func TestFileStatistics(t *testing.T) {
	clock := testutil.NewClock(date(2026, time.May, 1))
	c, err := Open(Config{
		FS:  memfs.New(),
		Now: clock.Now,
		Files: fileBlobs{
			1: {{BlobID: 10}, {BlobID: 11, Title: "720p"}, {BlobID: 12, Title: "preview"}, {BlobID: 13, Title: "thumb_128"}},
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	for range 4 {
		c.AddBlobAccess("alice", 10)
	}
	for range 100 {
		c.AddBlobAccess("alice", 12)
	}
	clock.Set(date(2026, time.May, 9))
	c.AddBlobAccess("bob", 11)
	c.AddBlobAccess("bob", 11)

	stats, err := c.FetchFileStatistics(context.Background(), 1)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, stats.Recent, 1e-9)
	assert.Zero(t, stats.NearPast)
	assert.Zero(t, stats.Past)
	assert.Equal(t, date(2026, time.May, 9), stats.LastAccess)
	assert.Equal(t, Archive, stats.Tier)

	empty, err := c.FetchFileStatistics(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, FileStatistics{Tier: Archive}, empty)
}

func TestBlobStatisticsTier(t *testing.T) {
	clock := testutil.NewClock(date(2026, time.May, 1))
	c := openCounter(t, memfs.New(), clock, 1)
	c.AddBlobAccess("alice", 1)

	// Only the recent signal carries weight.
	stats := c.FetchBlobStatistics(1)
	assert.Equal(t, Counts{Recent: 1}, stats.Counts)
	assert.Equal(t, Archive, stats.Tier)
	assert.Equal(t, date(2026, time.May, 1), stats.LastAccess)

	assert.Equal(t, Statistics{Tier: Archive}, c.FetchBlobStatistics(99))
}

func TestEntriesStopsEarly(t *testing.T) {
	clock := testutil.NewClock(date(2026, time.May, 1))
	c := openCounter(t, memfs.New(), clock, 10)
	for id := range int64(5) {
		c.AddBlobAccess("alice", id)
	}

	var seen []int64
	for e := range c.Entries(StageRecent) {
		seen = append(seen, e.BlobID)
		// Calling back into the counter must not deadlock.
		c.AddBlobAccess("bob", e.BlobID)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []int64{0, 1}, seen)
	assert.Equal(t, Counts{Recent: 2}, c.FetchAccessCounts(0))
}
