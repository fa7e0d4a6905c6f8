package gc

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/internal/backend"
	"github.com/blockvault/blockvault/internal/blob"
	"github.com/blockvault/blockvault/internal/blockcache"
	"github.com/blockvault/blockvault/internal/catalog"
	"github.com/blockvault/blockvault/internal/jobs"
	"github.com/blockvault/blockvault/internal/keyring"
	"github.com/blockvault/blockvault/internal/storage"
	"github.com/blockvault/blockvault/testutil"
)

const testBlockSize = 4096

type nopSubmitter struct{}

func (nopSubmitter) Submit(jobs.Job) {}

type env struct {
	ctx       context.Context
	clock     *testutil.Clock
	catalog   *catalog.Catalog
	manager   *storage.Manager
	blobs     *blob.Service
	collector *Collector
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	kr, err := keyring.New(keyring.Config{Store: cat, Logger: zerolog.Nop()})
	require.NoError(t, err)
	registry := backend.NewRegistry(backend.RegistryConfig{
		Store: cat,
		Factory: func(backend.Config) (backend.Backend, error) {
			return backend.NewLocked(backend.NewHostFilesystem(memfs.New())), nil
		},
		Logger: zerolog.Nop(),
	})
	_, err = registry.Register(ctx, "memory", backend.Config{
		Type:           backend.TypeHostFilesystem,
		HostFilesystem: &backend.HostFilesystemConfig{RootPath: "/"},
	}, 0)
	require.NoError(t, err)
	cache, err := blockcache.New(8, 0)
	require.NoError(t, err)

	manager, err := storage.NewManager(storage.Options{
		Catalog: cat, Keyring: kr, Registry: registry, Cache: cache, Jobs: nopSubmitter{},
		BlockSize: testBlockSize, Now: clock.Now, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	blobs, err := blob.NewService(blob.Config{Catalog: cat, Storage: manager, Now: clock.Now, Logger: zerolog.Nop()})
	require.NoError(t, err)

	return &env{
		ctx:       ctx,
		clock:     clock,
		catalog:   cat,
		manager:   manager,
		blobs:     blobs,
		collector: New(Config{Catalog: cat, Storage: manager, Pinned: blobs.PinnedBlobBlocks, Now: clock.Now, Logger: zerolog.Nop()}),
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func (e *env) storageBlocksOf(t *testing.T, blobID int64) []int64 {
	t.Helper()
	chunks, err := e.catalog.BlobChunks(e.ctx, blobID)
	require.NoError(t, err)
	var ids []int64
	for _, ch := range chunks {
		ids = append(ids, ch.StorageBlockID)
	}
	return ids
}

func TestSoftDeletedFileIsCollectedAfterRetention(t *testing.T) {
	e := newEnv(t)

	doomed := randomBytes(t, testBlockSize+500)
	fileID, blobID, _, err := e.blobs.StoreFile(e.ctx, blob.FileUpload{
		ContainerID: 1, Path: "/tmp/old.bin", MediaType: "application/octet-stream", Body: bytes.NewReader(doomed),
	})
	require.NoError(t, err)
	storageIDs := e.storageBlocksOf(t, blobID)
	require.Len(t, storageIDs, 2)

	// Full sized, so it does not share a residual block with the doomed tail.
	kept := randomBytes(t, testBlockSize)
	_, keptBlob, _, err := e.blobs.StoreFile(e.ctx, blob.FileUpload{
		ContainerID: 1, Path: "/keep.bin", MediaType: "application/octet-stream", Body: bytes.NewReader(kept),
	})
	require.NoError(t, err)

	require.NoError(t, e.catalog.SoftDeleteFile(e.ctx, fileID, e.clock.Now()))

	e.clock.Advance(29 * 24 * time.Hour)
	stats, err := e.collector.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	_, err = e.blobs.DownloadBlobRange(e.ctx, blobID, 0, 10)
	require.NoError(t, err)

	e.clock.Advance(2 * 24 * time.Hour)
	stats, err = e.collector.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{FilesDeleted: 1, BlobsDeleted: 1, BlobBlocksDeleted: 2, StorageBlocksFreed: 2}, stats)

	for _, id := range storageIDs {
		free, err := e.catalog.IsFreeStorageBlock(e.ctx, id)
		require.NoError(t, err)
		assert.True(t, free, "storage block %d", id)
	}
	_, err = e.blobs.BlobSize(e.ctx, blobID)
	assert.ErrorIs(t, err, blob.ErrBlobNotFound)

	rc, err := e.blobs.DownloadBlob(e.ctx, "u", keptBlob)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, kept, got)

	// Nothing left to do.
	stats, err = e.collector.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestRevisedFileIsNotCollected(t *testing.T) {
	e := newEnv(t)
	fileID, _, _, err := e.blobs.StoreFile(e.ctx, blob.FileUpload{ContainerID: 1, Path: "/f", Body: bytes.NewReader([]byte("one"))})
	require.NoError(t, err)
	require.NoError(t, e.catalog.SoftDeleteFile(e.ctx, fileID, e.clock.Now()))

	// A new revision restores the file.
	_, _, _, err = e.blobs.StoreFile(e.ctx, blob.FileUpload{ContainerID: 1, Path: "/f", Body: bytes.NewReader([]byte("two"))})
	require.NoError(t, err)

	e.clock.Advance(40 * 24 * time.Hour)
	stats, err := e.collector.Run(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.FilesDeleted)
	assert.Zero(t, stats.BlobsDeleted)
}

func TestOrphanedStorageBlockWaitsForGracePeriod(t *testing.T) {
	e := newEnv(t)
	p, err := e.manager.WriteBlock(e.ctx, []byte("lost an insert race"), nil)
	require.NoError(t, err)

	e.clock.Advance(30 * time.Minute)
	stats, err := e.collector.Run(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.StorageBlocksFreed)

	e.clock.Advance(time.Hour)
	stats, err = e.collector.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.StorageBlocksFreed)

	free, err := e.catalog.IsFreeStorageBlock(e.ctx, p.StorageBlockID)
	require.NoError(t, err)
	assert.True(t, free)
}

func TestUnattachedBlobIsCollected(t *testing.T) {
	e := newEnv(t)
	data := randomBytes(t, 100)
	_, _, _, err := e.blobs.StoreFile(e.ctx, blob.FileUpload{ContainerID: 1, Path: "/a", Body: bytes.NewReader(data)})
	require.NoError(t, err)

	// An unattached blob, e.g. from an upload whose file was never created.
	// Full sized, so its block is not shared with /a.
	_, isNew, err := e.blobs.Ingest(e.ctx, bytes.NewReader(randomBytes(t, testBlockSize)))
	require.NoError(t, err)
	require.True(t, isNew)

	e.clock.Advance(2 * time.Hour)
	stats, err := e.collector.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{BlobsDeleted: 1, BlobBlocksDeleted: 1, StorageBlocksFreed: 1}, stats)
}

type failingFreer struct{}

func (failingFreer) Free(context.Context, int64) error { return errors.New("backend offline") }

func TestFreeFailuresAreReported(t *testing.T) {
	e := newEnv(t)
	_, err := e.manager.WriteBlock(e.ctx, []byte("orphan"), nil)
	require.NoError(t, err)

	c := New(Config{Catalog: e.catalog, Storage: failingFreer{}, Now: e.clock.Now, Logger: zerolog.Nop()})
	e.clock.Advance(2 * time.Hour)
	stats, err := c.Run(e.ctx)
	require.Error(t, err)
	assert.Equal(t, 1, stats.FreeFailures)
	assert.Zero(t, stats.StorageBlocksFreed)

	// The real manager picks it up on the next run.
	stats, err = e.collector.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.StorageBlocksFreed)
}

func TestUnattachedChunkInSharedResidualBlockKeepsBlock(t *testing.T) {
	e := newEnv(t)
	live := randomBytes(t, 100)
	_, liveBlob, _, err := e.blobs.StoreFile(e.ctx, blob.FileUpload{ContainerID: 1, Path: "/a", Body: bytes.NewReader(live)})
	require.NoError(t, err)
	orphan, _, err := e.blobs.Ingest(e.ctx, bytes.NewReader(randomBytes(t, 50)))
	require.NoError(t, err)
	require.Equal(t, e.storageBlocksOf(t, liveBlob), e.storageBlocksOf(t, orphan))

	e.clock.Advance(2 * time.Hour)
	stats, err := e.collector.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{BlobsDeleted: 1, BlobBlocksDeleted: 1}, stats)

	got, err := e.blobs.DownloadBlobRange(e.ctx, liveBlob, 0, int64(len(live)))
	require.NoError(t, err)
	assert.Equal(t, live, got)
}

// gatedReader blocks its first read until gate is closed.
type gatedReader struct {
	gate <-chan struct{}
	r    io.Reader
}

func (g *gatedReader) Read(p []byte) (int, error) {
	<-g.gate
	return g.r.Read(p)
}

func TestChunksOfRunningIngestSurviveCollection(t *testing.T) {
	e := newEnv(t)
	first := randomBytes(t, testBlockSize)
	rest := randomBytes(t, 300)

	gate := make(chan struct{})
	type result struct {
		id  int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, _, err := e.blobs.Ingest(e.ctx, io.MultiReader(bytes.NewReader(first), &gatedReader{gate: gate, r: bytes.NewReader(rest)}))
		done <- result{id, err}
	}()
	require.Eventually(t, func() bool { return len(e.blobs.PinnedBlobBlocks()) == 1 }, 5*time.Second, time.Millisecond)

	// The ingestion outlives the grace period.
	e.clock.Advance(3 * time.Hour)
	stats, err := e.collector.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	close(gate)
	res := <-done
	require.NoError(t, res.err)
	assert.Empty(t, e.blobs.PinnedBlobBlocks())

	got, err := e.blobs.DownloadBlobRange(e.ctx, res.id, 0, int64(len(first)+len(rest)))
	require.NoError(t, err)
	assert.Equal(t, append(first, rest...), got)
}

type referencedFreer struct{}

func (referencedFreer) Free(_ context.Context, id int64) error {
	return fmt.Errorf("storage block %d: %w", id, storage.ErrBlockReferenced)
}

func TestReferencedStorageBlockIsSkipped(t *testing.T) {
	e := newEnv(t)
	_, err := e.manager.WriteBlock(e.ctx, []byte("orphan for now"), nil)
	require.NoError(t, err)

	c := New(Config{Catalog: e.catalog, Storage: referencedFreer{}, Now: e.clock.Now, Logger: zerolog.Nop()})
	e.clock.Advance(2 * time.Hour)
	stats, err := c.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}
