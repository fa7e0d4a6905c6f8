package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/internal/backend"
	"github.com/blockvault/blockvault/internal/blockcache"
	"github.com/blockvault/blockvault/internal/catalog"
	"github.com/blockvault/blockvault/internal/jobs"
	"github.com/blockvault/blockvault/internal/keyring"
)

const testBlockSize = 100

// countingBackend counts physical reads and can hold them at a gate.
type countingBackend struct {
	backend.Backend
	reads     atomic.Int32
	gate      chan struct{}
	failStore bool
	failRead  atomic.Bool
}

func (c *countingBackend) ReadFile(ctx context.Context, name string) ([]byte, error) {
	c.reads.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	if c.failRead.Load() {
		return nil, errors.New("connection reset")
	}
	return c.Backend.ReadFile(ctx, name)
}

func (c *countingBackend) StoreFile(ctx context.Context, name string, data []byte) error {
	if c.failStore {
		return errors.New("disk full")
	}
	return c.Backend.StoreFile(ctx, name, data)
}

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (r *recordingSubmitter) Submit(job jobs.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
}

func (r *recordingSubmitter) count(t jobs.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	ctx      context.Context
	catalog  *catalog.Catalog
	registry *backend.Registry
	manager  *Manager
	jobs     *recordingSubmitter
	backends map[string]*countingBackend
}

func newHarness(t *testing.T, backendNames ...string) *harness {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	kr, err := keyring.New(keyring.Config{Store: cat, Logger: zerolog.Nop()})
	require.NoError(t, err)

	h := &harness{ctx: ctx, catalog: cat, jobs: &recordingSubmitter{}, backends: make(map[string]*countingBackend)}
	h.registry = backend.NewRegistry(backend.RegistryConfig{
		Store: cat,
		Factory: func(cfg backend.Config) (backend.Backend, error) {
			root := cfg.HostFilesystem.RootPath
			if b, ok := h.backends[root]; ok {
				return b, nil
			}
			b := &countingBackend{Backend: backend.NewLocked(backend.NewHostFilesystem(memfs.New()))}
			h.backends[root] = b
			return b, nil
		},
		Logger: zerolog.Nop(),
	})
	for tier, name := range backendNames {
		_, err := h.registry.Register(ctx, name, backend.Config{
			Type:           backend.TypeHostFilesystem,
			HostFilesystem: &backend.HostFilesystemConfig{RootPath: name},
		}, tier)
		require.NoError(t, err)
	}

	cache, err := blockcache.New(16, 0)
	require.NoError(t, err)

	h.manager, err = NewManager(Options{
		Catalog:          cat,
		Keyring:          kr,
		Registry:         h.registry,
		Cache:            cache,
		Jobs:             h.jobs,
		BlockSize:        testBlockSize,
		CombineThreshold: 2,
		Logger:           zerolog.Nop(),
	})
	require.NoError(t, err)
	return h
}

// residual stores data in a residual block of its own, the way a write does
// when no existing residual block can take it.
func (h *harness) residual(t *testing.T, data []byte) Placement {
	t.Helper()
	p, err := h.manager.writeNew(h.ctx, data, kindResidual, nil)
	require.NoError(t, err)
	return p
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestWriteAndReadBlock(t *testing.T) {
	h := newHarness(t, "local")

	full := randomBytes(t, testBlockSize)
	residual := randomBytes(t, 37)

	p1, err := h.manager.WriteBlock(h.ctx, full, nil)
	require.NoError(t, err)
	p2, err := h.manager.WriteBlock(h.ctx, residual, nil)
	require.NoError(t, err)
	assert.NotEqual(t, p1.StorageBlockID, p2.StorageBlockID)
	assert.Zero(t, p2.Offset)

	got, err := h.manager.ReadBlock(h.ctx, p1.StorageBlockID)
	require.NoError(t, err)
	assert.Equal(t, full, got)
	got, err = h.manager.ReadBlock(h.ctx, p2.StorageBlockID)
	require.NoError(t, err)
	assert.Equal(t, residual, got)

	ciphertext, err := h.manager.ReadEncrypted(h.ctx, p2.StorageBlockID)
	require.NoError(t, err)
	assert.Len(t, ciphertext, len(residual))
	assert.NotEqual(t, residual, ciphertext)

	assert.Equal(t, 2, h.jobs.count(jobs.TypeReplicate))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.manager.Metrics().BlocksWritten.WithLabelValues(kindFull)))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.manager.Metrics().BlocksWritten.WithLabelValues(kindResidual)))

	stats, err := h.manager.Stats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Full)
	assert.Equal(t, 1, stats.Residual)
}

func TestWriteBlockRejectsBadSizes(t *testing.T) {
	h := newHarness(t, "local")
	_, err := h.manager.WriteBlock(h.ctx, nil, nil)
	assert.ErrorIs(t, err, ErrEmptyBlock)
	_, err = h.manager.WriteBlock(h.ctx, make([]byte, testBlockSize+1), nil)
	assert.ErrorIs(t, err, ErrBlockTooLarge)
}

func TestWriteWithoutBackendsFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.WriteBlock(h.ctx, []byte("data"), nil)
	assert.ErrorIs(t, err, backend.ErrNoBackends)
}

func TestResidualWriteSchedulesCombination(t *testing.T) {
	h := newHarness(t, "local")
	h.residual(t, randomBytes(t, 60))
	h.residual(t, randomBytes(t, 60))

	// Fits into an existing block, so the worklist does not grow.
	_, err := h.manager.WriteBlock(h.ctx, randomBytes(t, 30), nil)
	require.NoError(t, err)
	assert.Zero(t, h.jobs.count(jobs.TypeCombineResidualBlocks))

	// Fits nowhere: a third residual block exceeds the threshold of two.
	_, err = h.manager.WriteBlock(h.ctx, randomBytes(t, 50), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.jobs.count(jobs.TypeCombineResidualBlocks))
}

func TestReadsAreCoalesced(t *testing.T) {
	h := newHarness(t, "local")
	data := randomBytes(t, 64)
	p, err := h.manager.WriteBlock(h.ctx, data, nil)
	require.NoError(t, err)

	b := h.backends["local"]
	b.reads.Store(0)
	b.gate = make(chan struct{})

	const readers = 16
	var wg sync.WaitGroup
	results := make([][]byte, readers)
	for i := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := h.manager.ReadBlock(h.ctx, p.StorageBlockID)
			assert.NoError(t, err)
			results[i] = got
		}()
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.manager.Metrics().CacheMisses) == readers && b.reads.Load() == 1
	}, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(b.gate)
	wg.Wait()

	assert.Equal(t, int32(1), b.reads.Load())
	for _, got := range results {
		assert.Equal(t, data, got)
	}

	// Served from cache now.
	_, err = h.manager.ReadBlock(h.ctx, p.StorageBlockID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), b.reads.Load())
}

func TestCancelledReaderDoesNotCancelSharedFetch(t *testing.T) {
	h := newHarness(t, "local")
	data := randomBytes(t, 64)
	p, err := h.manager.WriteBlock(h.ctx, data, nil)
	require.NoError(t, err)

	b := h.backends["local"]
	b.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(h.ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.manager.ReadBlock(ctx, p.StorageBlockID)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return b.reads.Load() == 1 }, 5*time.Second, time.Millisecond)

	second := make(chan []byte, 1)
	go func() {
		got, err := h.manager.ReadBlock(h.ctx, p.StorageBlockID)
		assert.NoError(t, err)
		second <- got
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(b.gate)
	assert.Equal(t, data, <-second)
}

func TestCorruptedCiphertextFailsIntegrity(t *testing.T) {
	h := newHarness(t, "local")
	p, err := h.manager.WriteBlock(h.ctx, []byte("do not tamper with me"), nil)
	require.NoError(t, err)

	b := h.backends["local"]
	path := blockPath(p.StorageBlockID)
	stored, err := b.ReadFile(h.ctx, path)
	require.NoError(t, err)
	stored[0] ^= 0x01
	require.NoError(t, b.StoreFile(h.ctx, path, stored))

	got, err := h.manager.ReadBlock(h.ctx, p.StorageBlockID)
	assert.ErrorIs(t, err, keyring.ErrIntegrity)
	assert.Nil(t, got)
}

func TestReadFallsBackToHealthyReplica(t *testing.T) {
	h := newHarness(t, "fast", "slow")
	data := []byte("replicated payload")
	p, err := h.manager.WriteBlock(h.ctx, data, nil)
	require.NoError(t, err)
	require.NoError(t, h.manager.Replicate(h.ctx, p.StorageBlockID))

	fast := h.backends["fast"]
	require.NoError(t, fast.StoreFile(h.ctx, blockPath(p.StorageBlockID), []byte("garbage garbage ..")))

	got, err := h.manager.ReadBlock(h.ctx, p.StorageBlockID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReplicateFillsToReplicationFactor(t *testing.T) {
	h := newHarness(t, "a", "b", "c", "d")
	data := randomBytes(t, 50)
	p, err := h.manager.WriteBlock(h.ctx, data, nil)
	require.NoError(t, err)

	require.NoError(t, h.manager.Replicate(h.ctx, p.StorageBlockID))
	locs, err := h.catalog.BlockLocations(h.ctx, p.StorageBlockID)
	require.NoError(t, err)
	assert.Len(t, locs, ReplicationFactor)

	for _, name := range []string{"a", "b", "c"} {
		stored, err := h.backends[name].ReadFile(h.ctx, blockPath(p.StorageBlockID))
		require.NoError(t, err, name)
		assert.Len(t, stored, len(data))
	}
	_, err = h.backends["d"].ReadFile(h.ctx, blockPath(p.StorageBlockID))
	assert.ErrorIs(t, err, backend.ErrNotFound)

	// Idempotent once the factor is reached.
	require.NoError(t, h.manager.Replicate(h.ctx, p.StorageBlockID))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.manager.Metrics().ReplicaCopies))
}

func TestReplicatePartialFailureKeepsSuccessfulCopies(t *testing.T) {
	h := newHarness(t, "primary", "broken", "healthy")
	h.backends["broken"].failStore = true

	p, err := h.manager.WriteBlock(h.ctx, []byte("payload"), nil)
	require.NoError(t, err)

	err = h.manager.Replicate(h.ctx, p.StorageBlockID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	locs, err := h.catalog.BlockLocations(h.ctx, p.StorageBlockID)
	require.NoError(t, err)
	assert.Len(t, locs, 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.manager.Metrics().ReplicationFailures))
}

func TestReplicateWithoutHolders(t *testing.T) {
	h := newHarness(t, "local")

	id, err := h.manager.Allocate(h.ctx)
	require.NoError(t, err)
	err = h.manager.Replicate(h.ctx, id)
	assert.ErrorIs(t, err, ErrInvariantViolation)

	p, err := h.manager.WriteBlock(h.ctx, []byte("short lived"), nil)
	require.NoError(t, err)
	require.NoError(t, h.manager.Free(h.ctx, p.StorageBlockID))
	assert.NoError(t, h.manager.Replicate(h.ctx, p.StorageBlockID))
}

func TestFreeRemovesCopiesAndReusesID(t *testing.T) {
	h := newHarness(t, "a", "b")
	p, err := h.manager.WriteBlock(h.ctx, []byte("to be freed"), nil)
	require.NoError(t, err)
	require.NoError(t, h.manager.Replicate(h.ctx, p.StorageBlockID))
	_, err = h.manager.ReadBlock(h.ctx, p.StorageBlockID)
	require.NoError(t, err)

	require.NoError(t, h.manager.Free(h.ctx, p.StorageBlockID))
	for _, name := range []string{"a", "b"} {
		_, err := h.backends[name].ReadFile(h.ctx, blockPath(p.StorageBlockID))
		assert.ErrorIs(t, err, backend.ErrNotFound, name)
	}

	_, err = h.manager.ReadBlock(h.ctx, p.StorageBlockID)
	assert.ErrorIs(t, err, ErrBlockFreed)

	p2, err := h.manager.WriteBlock(h.ctx, []byte("new tenant"), nil)
	require.NoError(t, err)
	assert.Equal(t, p.StorageBlockID, p2.StorageBlockID)

	got, err := h.manager.ReadBlock(h.ctx, p2.StorageBlockID)
	require.NoError(t, err)
	assert.Equal(t, "new tenant", string(got))
}

func TestCombineResidualBlocks(t *testing.T) {
	h := newHarness(t, "local")
	now := time.Now()

	// 40/30/20 of a 100 byte block, mirroring 40/30/20 MiB of a 100 MiB block.
	contents := [][]byte{randomBytes(t, 40), randomBytes(t, 30), randomBytes(t, 20)}
	var oldIDs []int64
	var chunkIDs []int64
	for i, data := range contents {
		p := h.residual(t, data)
		oldIDs = append(oldIDs, p.StorageBlockID)
		chunkID, err := h.catalog.CreateBlobBlock(h.ctx, int64(len(data)), string(rune('a'+i)), p.StorageBlockID, 0, now)
		require.NoError(t, err)
		chunkIDs = append(chunkIDs, chunkID)
	}
	blobID, err := h.catalog.CreateBlob(h.ctx, "whole", []catalog.BlobPart{
		{Offset: 0, BlobBlockID: chunkIDs[0]},
		{Offset: 40, BlobBlockID: chunkIDs[1]},
		{Offset: 70, BlobBlockID: chunkIDs[2]},
	}, now)
	require.NoError(t, err)

	stats, err := h.manager.CombineResidualBlocks(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, CombineStats{Groups: 1, BlocksCombined: 3, BlocksFreed: 3, BytesMoved: 90}, stats)

	for _, id := range oldIDs {
		free, err := h.catalog.IsFreeStorageBlock(h.ctx, id)
		require.NoError(t, err)
		assert.True(t, free, "storage block %d", id)
	}

	chunks, err := h.catalog.BlobChunks(h.ctx, blobID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	combined := chunks[0].StorageBlockID
	assert.NotContains(t, oldIDs, combined)

	block, err := h.catalog.GetStorageBlock(h.ctx, combined)
	require.NoError(t, err)
	assert.Equal(t, int64(90), block.Size)

	data, err := h.manager.ReadBlock(h.ctx, combined)
	require.NoError(t, err)
	for i, ch := range chunks {
		assert.Equal(t, combined, ch.StorageBlockID)
		assert.True(t, bytes.Equal(contents[i], data[ch.StorageOffset:ch.StorageOffset+ch.Size]), "chunk %d", i)
	}

	// A second pass has nothing to pair with the single 90 byte block.
	stats, err = h.manager.CombineResidualBlocks(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Groups)
}

func TestCombineProducesFullBlock(t *testing.T) {
	h := newHarness(t, "local")
	for _, n := range []int{60, 40} {
		h.residual(t, randomBytes(t, n))
	}

	_, err := h.manager.CombineResidualBlocks(h.ctx)
	require.NoError(t, err)

	stats, err := h.manager.Stats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Full)
	assert.Zero(t, stats.Residual)
	assert.Equal(t, 2, stats.Free)
}

func TestPlanGroups(t *testing.T) {
	blocks := func(sizes ...int64) []catalog.StorageBlock {
		out := make([]catalog.StorageBlock, len(sizes))
		for i, s := range sizes {
			out[i] = catalog.StorageBlock{ID: int64(i + 1), Size: s}
		}
		return out
	}
	sizes := func(groups [][]catalog.StorageBlock) [][]int64 {
		var out [][]int64
		for _, g := range groups {
			var s []int64
			for _, b := range g {
				s = append(s, b.Size)
			}
			out = append(out, s)
		}
		return out
	}

	assert.Equal(t, [][]int64{{40, 30, 20}}, sizes(planGroups(blocks(40, 30, 20), 100)))
	assert.Equal(t, [][]int64{{70, 30}, {60, 20}}, sizes(planGroups(blocks(70, 60, 30, 20), 100)))
	assert.Equal(t, [][]int64{{50, 40}}, sizes(planGroups(blocks(90, 80, 50, 40), 100)))
	assert.Empty(t, planGroups(blocks(90, 80, 70), 100))
	assert.Empty(t, planGroups(blocks(10), 100))
}

func TestKeyedMutexSerialisesSameID(t *testing.T) {
	k := newKeyedMutex()
	var inside atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(42)
			defer unlock()
			assert.Equal(t, int32(1), inside.Add(1))
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.Empty(t, k.locks)
}

func TestFullSizeBlockRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("writes a 100 MiB block")
	}
	h := newHarness(t, "local")
	h.manager.blockSize = BlockSize

	data := randomBytes(t, BlockSize)
	p, err := h.manager.WriteBlock(h.ctx, data, nil)
	require.NoError(t, err)

	got, err := h.manager.ReadBlock(h.ctx, p.StorageBlockID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	block, err := h.catalog.GetStorageBlock(h.ctx, p.StorageBlockID)
	require.NoError(t, err)
	assert.Equal(t, int64(BlockSize), block.Size)
	assert.Len(t, block.AuthTag, keyring.AuthTagSize)
}

func TestResidualWritesAppendUntilFull(t *testing.T) {
	h := newHarness(t, "local")
	a, b, c := randomBytes(t, 40), randomBytes(t, 35), randomBytes(t, 25)

	pa, err := h.manager.WriteBlock(h.ctx, a, nil)
	require.NoError(t, err)
	pb, err := h.manager.WriteBlock(h.ctx, b, nil)
	require.NoError(t, err)
	assert.Equal(t, Placement{StorageBlockID: pa.StorageBlockID, Offset: 40}, pb)

	// Cached now; the next append must not serve this version.
	got, err := h.manager.ReadBlock(h.ctx, pa.StorageBlockID)
	require.NoError(t, err)
	assert.Equal(t, append(bytes.Clone(a), b...), got)

	pc, err := h.manager.WriteBlock(h.ctx, c, nil)
	require.NoError(t, err)
	assert.Equal(t, Placement{StorageBlockID: pa.StorageBlockID, Offset: 75}, pc)

	got, err = h.manager.ReadBlock(h.ctx, pa.StorageBlockID)
	require.NoError(t, err)
	assert.Len(t, got, testBlockSize)
	assert.Equal(t, c, got[75:])

	stats, err := h.manager.Stats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Full)
	assert.Zero(t, stats.Residual)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.manager.Metrics().ResidualAppends))

	// A full block takes no more appends.
	pd, err := h.manager.WriteBlock(h.ctx, []byte("next"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, pa.StorageBlockID, pd.StorageBlockID)
	assert.Zero(t, pd.Offset)
}

func TestConcurrentResidualWriters(t *testing.T) {
	h := newHarness(t, "local")

	const writers = 20
	chunks := make([][]byte, writers)
	for i := range chunks {
		chunks[i] = randomBytes(t, 10)
	}
	placements := make([]Placement, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := h.manager.WriteBlock(h.ctx, chunks[i], nil)
			assert.NoError(t, err)
			placements[i] = p
		}()
	}
	wg.Wait()

	stats, err := h.manager.Stats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Full)
	assert.Zero(t, stats.Residual)

	seen := make(map[Placement]bool)
	for i, p := range placements {
		assert.False(t, seen[p], "placement %+v handed out twice", p)
		seen[p] = true
		data, err := h.manager.ReadBlock(h.ctx, p.StorageBlockID)
		require.NoError(t, err)
		assert.Equal(t, chunks[i], data[p.Offset:p.Offset+10], "writer %d", i)
	}
}

func TestAppendDropsStaleReplicas(t *testing.T) {
	h := newHarness(t, "a", "b")
	first := []byte("first part")
	p, err := h.manager.WriteBlock(h.ctx, first, nil)
	require.NoError(t, err)
	require.NoError(t, h.manager.Replicate(h.ctx, p.StorageBlockID))

	second := []byte("second part")
	p2, err := h.manager.WriteBlock(h.ctx, second, nil)
	require.NoError(t, err)
	assert.Equal(t, p.StorageBlockID, p2.StorageBlockID)

	a, err := h.registry.FastestForWrite()
	require.NoError(t, err)
	locs, err := h.catalog.BlockLocations(h.ctx, p.StorageBlockID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, locs)
	_, err = h.backends["b"].ReadFile(h.ctx, blockPath(p.StorageBlockID))
	assert.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, h.manager.Replicate(h.ctx, p.StorageBlockID))
	h.backends["a"].failRead.Store(true)
	got, err := h.manager.ReadBlock(h.ctx, p.StorageBlockID)
	require.NoError(t, err)
	assert.Equal(t, "first partsecond part", string(got))
}

func TestUnreadableAppendTargetStartsNewBlock(t *testing.T) {
	h := newHarness(t, "local")
	p1, err := h.manager.WriteBlock(h.ctx, randomBytes(t, 30), nil)
	require.NoError(t, err)

	h.backends["local"].failRead.Store(true)
	p2, err := h.manager.WriteBlock(h.ctx, randomBytes(t, 30), nil)
	require.NoError(t, err)
	h.backends["local"].failRead.Store(false)

	assert.NotEqual(t, p1.StorageBlockID, p2.StorageBlockID)
	assert.Zero(t, p2.Offset)

	// Combination packs the leftovers.
	stats, err := h.manager.CombineResidualBlocks(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Groups)
	assert.Equal(t, 2, stats.BlocksFreed)
}

func TestCombinationWaitsForPendingCommit(t *testing.T) {
	h := newHarness(t, "local")
	now := time.Now()
	reference := func(p Placement, data []byte, sha string) {
		_, err := h.catalog.CreateBlobBlock(h.ctx, int64(len(data)), sha, p.StorageBlockID, p.Offset, now)
		require.NoError(t, err)
	}

	a := randomBytes(t, 40)
	pa := h.residual(t, a)
	reference(pa, a, "a")
	c := randomBytes(t, 30)
	reference(h.residual(t, c), c, "c")

	b := randomBytes(t, 20)
	combined := make(chan error, 1)
	pb, err := h.manager.WriteBlock(h.ctx, b, func(ctx context.Context, p Placement) error {
		go func() {
			_, err := h.manager.CombineResidualBlocks(h.ctx)
			combined <- err
		}()
		// Let the pass list the block this write just grew.
		time.Sleep(50 * time.Millisecond)
		_, err := h.catalog.CreateBlobBlock(ctx, int64(len(b)), "b", p.StorageBlockID, p.Offset, now)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, Placement{StorageBlockID: pa.StorageBlockID, Offset: 40}, pb)
	require.NoError(t, <-combined)

	for sha, want := range map[string][]byte{"a": a, "b": b, "c": c} {
		chunk, err := h.catalog.FindBlobBlock(h.ctx, int64(len(want)), sha)
		require.NoError(t, err)
		id, offset, err := h.catalog.ChunkPlacement(h.ctx, chunk.ID)
		require.NoError(t, err)
		free, err := h.catalog.IsFreeStorageBlock(h.ctx, id)
		require.NoError(t, err)
		require.False(t, free, "chunk %s points at freed storage block %d", sha, id)

		data, err := h.manager.ReadBlock(h.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, data[offset:offset+int64(len(want))], "chunk %s", sha)
	}
}

func TestFreeRefusesReferencedBlock(t *testing.T) {
	h := newHarness(t, "local")
	p, err := h.manager.WriteBlock(h.ctx, []byte("still needed"), func(ctx context.Context, p Placement) error {
		_, err := h.catalog.CreateBlobBlock(ctx, 12, "needed", p.StorageBlockID, p.Offset, time.Now())
		return err
	})
	require.NoError(t, err)

	err = h.manager.Free(h.ctx, p.StorageBlockID)
	assert.ErrorIs(t, err, ErrBlockReferenced)

	free, err := h.catalog.IsFreeStorageBlock(h.ctx, p.StorageBlockID)
	require.NoError(t, err)
	assert.False(t, free)
	got, err := h.manager.ReadBlock(h.ctx, p.StorageBlockID)
	require.NoError(t, err)
	assert.Equal(t, "still needed", string(got))
}

func TestCommitFailureIsReturned(t *testing.T) {
	h := newHarness(t, "local")
	_, err := h.manager.WriteBlock(h.ctx, []byte("x"), func(context.Context, Placement) error {
		return errors.New("catalog closed")
	})
	assert.EqualError(t, err, "catalog closed")
}

func TestReadUsesFastestHolderFirst(t *testing.T) {
	h := newHarness(t, "fast", "slow")
	p, err := h.manager.WriteBlock(h.ctx, randomBytes(t, testBlockSize), nil)
	require.NoError(t, err)
	require.NoError(t, h.manager.Replicate(h.ctx, p.StorageBlockID))
	h.backends["fast"].reads.Store(0)
	h.backends["slow"].reads.Store(0)

	_, err = h.manager.ReadBlock(h.ctx, p.StorageBlockID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.backends["fast"].reads.Load())
	assert.Zero(t, h.backends["slow"].reads.Load())
}

func TestQueueUnderReplicated(t *testing.T) {
	h := newHarness(t, "a", "b")
	var ids []int64
	for range 2 {
		p, err := h.manager.WriteBlock(h.ctx, randomBytes(t, testBlockSize), nil)
		require.NoError(t, err)
		ids = append(ids, p.StorageBlockID)
	}
	require.Equal(t, 2, h.jobs.count(jobs.TypeReplicate))

	n, err := h.manager.QueueUnderReplicated(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 4, h.jobs.count(jobs.TypeReplicate))

	for _, id := range ids {
		require.NoError(t, h.manager.Replicate(h.ctx, id))
	}
	n, err = h.manager.QueueUnderReplicated(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	single := newHarness(t, "only")
	_, err = single.manager.WriteBlock(single.ctx, []byte("lonely"), nil)
	require.NoError(t, err)
	n, err = single.manager.QueueUnderReplicated(single.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
