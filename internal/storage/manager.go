// Package storage manages encrypted storage blocks: allocation, placement on
// backends, replication, residual combination and freeing.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/blockvault/blockvault/internal/backend"
	"github.com/blockvault/blockvault/internal/blockcache"
	"github.com/blockvault/blockvault/internal/catalog"
	"github.com/blockvault/blockvault/internal/jobs"
	"github.com/blockvault/blockvault/internal/keyring"
)

const (
	// BlockSize is the plaintext size of a full storage block.
	BlockSize = 100 << 20
	// ReplicationFactor is the number of backends that should hold a block.
	ReplicationFactor = 3
	// DefaultCombineThreshold is the residual worklist length above which a
	// write schedules a combination pass.
	DefaultCombineThreshold = 10
)

const (
	kindFull     = "full"
	kindResidual = "residual"
	kindCombined = "combined"
)

// Placement locates written data inside a storage block.
type Placement struct {
	StorageBlockID int64
	Offset         int64
}

// Commit records the reference to data placed by WriteBlock. It runs while
// the storage block is still locked, so neither a combination pass nor a
// free can observe the block between the write and its reference.
type Commit func(ctx context.Context, p Placement) error

// Options configures a Manager.
type Options struct {
	Catalog  *catalog.Catalog
	Keyring  *keyring.Keyring
	Registry *backend.Registry
	Cache    *blockcache.Cache
	Jobs     jobs.Submitter

	BlockSize         int64 // default BlockSize
	CombineThreshold  int   // default DefaultCombineThreshold
	ReplicationFactor int   // default ReplicationFactor

	Registerer prometheus.Registerer
	Now        func() time.Time
	Logger     zerolog.Logger
}

// Manager is the encryption and placement authority for storage blocks.
type Manager struct {
	catalog  *catalog.Catalog
	keyring  *keyring.Keyring
	registry *backend.Registry
	cache    *blockcache.Cache
	jobs     jobs.Submitter

	blockSize         int64
	combineThreshold  int
	replicationFactor int

	metrics *Metrics
	now     func() time.Time
	logger  zerolog.Logger

	allocMu    sync.Mutex
	residualMu sync.Mutex
	combineMu  sync.Mutex
	locks      *keyedMutex
	flight     singleflight.Group

	genMu sync.Mutex
	gens  map[int64]uint64
}

// NewManager creates a storage block manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Catalog == nil || opts.Keyring == nil || opts.Registry == nil || opts.Cache == nil || opts.Jobs == nil {
		return nil, fmt.Errorf("storage manager requires catalog, keyring, registry, cache and job submitter")
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = BlockSize
	}
	if opts.CombineThreshold <= 0 {
		opts.CombineThreshold = DefaultCombineThreshold
	}
	if opts.ReplicationFactor <= 0 {
		opts.ReplicationFactor = ReplicationFactor
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		catalog:           opts.Catalog,
		keyring:           opts.Keyring,
		registry:          opts.Registry,
		cache:             opts.Cache,
		jobs:              opts.Jobs,
		blockSize:         opts.BlockSize,
		combineThreshold:  opts.CombineThreshold,
		replicationFactor: opts.ReplicationFactor,
		metrics:           NewMetrics(opts.Registerer),
		now:               opts.Now,
		logger:            opts.Logger.With().Str("component", "storage").Logger(),
		locks:             newKeyedMutex(),
		gens:              make(map[int64]uint64),
	}, nil
}

// BlockSize returns the configured full block size.
func (m *Manager) BlockSize() int64 { return m.blockSize }

// Metrics returns the manager's metrics.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// Allocate returns a storage block id for writing, reusing the lowest freed
// id when one exists.
func (m *Manager) Allocate(ctx context.Context) (int64, error) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	id, reused, err := m.catalog.AllocateStorageBlock(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("allocate storage block: %w", err)
	}
	m.logger.Trace().Int64("storage_block", id).Bool("reused", reused).Msg("Allocated storage block")
	return id, nil
}

// WriteBlock places data in a storage block and runs commit before the block
// is unlocked. Data of exactly the block size gets a block of its own.
// Shorter data is appended to the fullest residual block with room, which
// turns full once it reaches the block size; only when no residual block
// fits does it start a new one.
func (m *Manager) WriteBlock(ctx context.Context, data []byte, commit Commit) (Placement, error) {
	if len(data) == 0 {
		return Placement{}, ErrEmptyBlock
	}
	if int64(len(data)) > m.blockSize {
		return Placement{}, fmt.Errorf("%d bytes: %w", len(data), ErrBlockTooLarge)
	}
	if int64(len(data)) == m.blockSize {
		return m.writeNew(ctx, data, kindFull, commit)
	}

	p, err := m.writeResidual(ctx, data, commit)
	if err != nil {
		return Placement{}, err
	}
	n, err := m.catalog.CountResidualStorageBlocks(ctx, m.blockSize)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to count residual blocks")
	} else if n > m.combineThreshold {
		m.jobs.Submit(jobs.Job{Type: jobs.TypeCombineResidualBlocks})
	}
	return p, nil
}

// writeNew stores data in a freshly allocated block.
func (m *Manager) writeNew(ctx context.Context, data []byte, kind string, commit Commit) (Placement, error) {
	id, err := m.Allocate(ctx)
	if err != nil {
		return Placement{}, err
	}
	unlock := m.locks.Lock(id)
	defer unlock()

	if _, err := m.write(ctx, id, data, kind); err != nil {
		return Placement{}, err
	}
	p := Placement{StorageBlockID: id}
	if commit != nil {
		if err := commit(ctx, p); err != nil {
			return Placement{}, err
		}
	}
	return p, nil
}

// writeResidual appends data to a residual block. Residual writers are
// serialised so that concurrent small writes fill one block instead of each
// starting their own.
func (m *Manager) writeResidual(ctx context.Context, data []byte, commit Commit) (Placement, error) {
	m.residualMu.Lock()
	defer m.residualMu.Unlock()

	target, err := m.catalog.FindResidualStorageBlock(ctx, int64(len(data)), m.blockSize)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return Placement{}, fmt.Errorf("find residual block: %w", err)
	}
	if err == nil {
		p, ok, err := m.appendTo(ctx, target.ID, data, commit)
		if err != nil || ok {
			return p, err
		}
	}
	// The block lock of a failed append target is released by now.
	return m.writeNew(ctx, data, kindResidual, commit)
}

// appendTo re-encrypts the content of residual block id with data appended.
// ok is false when the block changed since it was picked or its current
// content cannot be read; the caller then starts a new block.
func (m *Manager) appendTo(ctx context.Context, id int64, data []byte, commit Commit) (p Placement, ok bool, err error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	block, err := m.catalog.GetStorageBlock(ctx, id)
	if err != nil {
		return Placement{}, false, err
	}
	free, err := m.catalog.IsFreeStorageBlock(ctx, id)
	if err != nil {
		return Placement{}, false, err
	}
	if free || block.Size == 0 || block.Size+int64(len(data)) > m.blockSize {
		return Placement{}, false, nil
	}

	current, err := m.readLocked(ctx, id)
	if err != nil {
		m.logger.Warn().Err(err).Int64("storage_block", id).Msg("Residual block unreadable, starting a new one")
		return Placement{}, false, nil
	}
	if int64(len(current)) != block.Size {
		return Placement{}, false, fmt.Errorf("residual block %d holds %d bytes, catalog records %d: %w",
			id, len(current), block.Size, ErrInvariantViolation)
	}
	previous, err := m.registry.Holders(ctx, id)
	if err != nil {
		return Placement{}, false, err
	}

	buf := make([]byte, 0, len(current)+len(data))
	buf = append(append(buf, current...), data...)
	kind := kindResidual
	if int64(len(buf)) == m.blockSize {
		kind = kindFull
	}
	target, err := m.write(ctx, id, buf, kind)
	if err != nil {
		return Placement{}, false, err
	}
	m.dropStaleCopies(ctx, id, previous, target)
	m.metrics.ResidualAppends.Inc()

	p = Placement{StorageBlockID: id, Offset: block.Size}
	if commit != nil {
		if err := commit(ctx, p); err != nil {
			return Placement{}, false, err
		}
	}
	return p, true, nil
}

// dropStaleCopies deletes the copies of id that an append left behind on
// backends other than target. They hold ciphertext the catalog no longer
// has parameters for.
func (m *Manager) dropStaleCopies(ctx context.Context, id int64, previous []*backend.Entry, target *backend.Entry) {
	for _, h := range previous {
		if h.ID == target.ID {
			continue
		}
		if err := h.Backend.DeleteFile(ctx, blockPath(id)); err != nil {
			m.logger.Warn().Err(err).Int64("storage_block", id).Str("backend", h.Name).Msg("Failed to delete stale replica")
		}
	}
}

// write encrypts data into id on the fastest write backend, records size,
// AEAD parameters and the single placement, then schedules replication.
// The caller holds the lock of id.
func (m *Manager) write(ctx context.Context, id int64, data []byte, kind string) (*backend.Entry, error) {
	partition := keyring.Partition(id)
	sealed, err := m.keyring.Encrypt(ctx, partition, data)
	if err != nil {
		return nil, fmt.Errorf("encrypt storage block %d: %w", id, err)
	}

	target, err := m.registry.FastestForWrite()
	if err != nil {
		return nil, err
	}
	if err := target.Backend.CreateDirectoryIfNotExisting(ctx, partitionDir(partition)); err != nil {
		return nil, fmt.Errorf("create partition dir on %s: %w", target.Name, err)
	}
	if err := target.Backend.StoreFile(ctx, blockPath(id), sealed.Ciphertext); err != nil {
		return nil, fmt.Errorf("store storage block %d on %s: %w", id, target.Name, err)
	}

	if err := m.catalog.UpdateStorageBlock(ctx, id, int64(len(data)), sealed.IV, sealed.AuthTag, m.now()); err != nil {
		return nil, fmt.Errorf("record storage block %d: %w", id, err)
	}
	if err := m.catalog.SetBlockLocation(ctx, id, target.ID); err != nil {
		return nil, fmt.Errorf("record placement of storage block %d: %w", id, err)
	}
	m.invalidate(id)

	m.metrics.BlocksWritten.WithLabelValues(kind).Inc()
	m.metrics.BytesWritten.Add(float64(len(data)))
	m.logger.Debug().Int64("storage_block", id).Str("kind", kind).Int("size", len(data)).Str("backend", target.Name).
		Msg("Wrote storage block")

	m.jobs.Submit(jobs.Job{Type: jobs.TypeReplicate, StorageBlockID: id})
	return target, nil
}

// ReadBlock returns the decrypted content of id. Cache hits return
// immediately; concurrent misses on the same id share one backend fetch,
// which keeps running when the first caller gives up.
func (m *Manager) ReadBlock(ctx context.Context, id int64) ([]byte, error) {
	if data, ok := m.cache.TryServe(id); ok {
		m.metrics.CacheHits.Inc()
		return data, nil
	}
	m.metrics.CacheMisses.Inc()

	fetchCtx := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(strconv.FormatInt(id, 10), func() (any, error) {
		unlock := m.locks.Lock(id)
		defer unlock()
		gen := m.generation(id)
		data, err := m.fetch(fetchCtx, id)
		if err != nil {
			return nil, err
		}
		m.cacheIfCurrent(id, gen, data)
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			m.metrics.CoalescedReads.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// readLocked returns the content of id for a caller holding its lock.
func (m *Manager) readLocked(ctx context.Context, id int64) ([]byte, error) {
	if data, ok := m.cache.TryServe(id); ok {
		m.metrics.CacheHits.Inc()
		return data, nil
	}
	m.metrics.CacheMisses.Inc()
	return m.fetch(ctx, id)
}

// fetch reads and decrypts id, falling back from the fastest holder to
// slower replicas on I/O or integrity failures.
func (m *Manager) fetch(ctx context.Context, id int64) ([]byte, error) {
	block, err := m.catalog.GetStorageBlock(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := keyring.Partition(id)
	return m.readCopy(ctx, id, func(h *backend.Entry, ciphertext []byte) ([]byte, error) {
		plaintext, err := m.keyring.Decrypt(ctx, partition, ciphertext, block.IV, block.AuthTag)
		if err != nil {
			m.logger.Error().Err(err).Int64("storage_block", id).Str("backend", h.Name).Msg("Storage block failed authentication")
			return nil, err
		}
		return plaintext, nil
	})
}

// ReadEncrypted returns the stored ciphertext of id from its fastest
// reachable holder.
func (m *Manager) ReadEncrypted(ctx context.Context, id int64) ([]byte, error) {
	return m.readCopy(ctx, id, nil)
}

// readCopy reads id from the fastest holder and, only when that fails,
// from the remaining holders in tier order. open, when set, turns the
// ciphertext into the result and may reject a copy.
func (m *Manager) readCopy(ctx context.Context, id int64, open func(*backend.Entry, []byte) ([]byte, error)) ([]byte, error) {
	primary, err := m.registry.FastestForRead(ctx, id)
	if errors.Is(err, backend.ErrNotFound) {
		free, ferr := m.catalog.IsFreeStorageBlock(ctx, id)
		if ferr != nil {
			return nil, ferr
		}
		if free {
			return nil, fmt.Errorf("storage block %d: %w", id, ErrBlockFreed)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	data, err := m.readFrom(ctx, primary, id, open)
	if err == nil {
		return data, nil
	}
	errs := []error{err}

	holders, err := m.registry.Holders(ctx, id)
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}
	for _, h := range holders {
		if h.ID == primary.ID {
			continue
		}
		data, err := m.readFrom(ctx, h, id, open)
		if err == nil {
			return data, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (m *Manager) readFrom(ctx context.Context, h *backend.Entry, id int64, open func(*backend.Entry, []byte) ([]byte, error)) ([]byte, error) {
	ciphertext, err := h.Backend.ReadFile(ctx, blockPath(id))
	if err != nil {
		return nil, fmt.Errorf("read storage block %d from %s: %w", id, h.Name, err)
	}
	m.metrics.BackendReads.Inc()
	if open == nil {
		return ciphertext, nil
	}
	data, err := open(h, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("storage block %d on %s: %w", id, h.Name, err)
	}
	return data, nil
}

// Replicate pushes verbatim ciphertext copies of id to additional backends
// until it has ReplicationFactor holders. Each failed candidate is logged
// and reported in the joined error; successful copies are kept.
func (m *Manager) Replicate(ctx context.Context, id int64) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	holders, err := m.registry.Holders(ctx, id)
	if err != nil {
		return err
	}
	if len(holders) == 0 {
		free, err := m.catalog.IsFreeStorageBlock(ctx, id)
		if err != nil {
			return err
		}
		if free {
			m.logger.Debug().Int64("storage_block", id).Msg("Skipping replication of freed storage block")
			return nil
		}
		return fmt.Errorf("storage block %d has no holders and is not free: %w", id, ErrInvariantViolation)
	}
	if len(holders) >= m.replicationFactor {
		return nil
	}

	exclude := make([]int64, 0, len(holders))
	for _, h := range holders {
		exclude = append(exclude, h.ID)
	}
	candidates := m.registry.ReplicationCandidates(exclude, m.replicationFactor-len(holders))
	if len(candidates) == 0 {
		return nil
	}

	ciphertext, err := m.ReadEncrypted(ctx, id)
	if err != nil {
		return fmt.Errorf("replicate storage block %d: %w", id, err)
	}

	partition := keyring.Partition(id)
	var errs []error
	for _, c := range candidates {
		if err := m.copyTo(ctx, c, partition, id, ciphertext); err != nil {
			m.metrics.ReplicationFailures.Inc()
			m.logger.Warn().Err(err).Int64("storage_block", id).Str("backend", c.Name).Msg("Replication to backend failed")
			errs = append(errs, err)
			continue
		}
		m.metrics.ReplicaCopies.Inc()
		m.logger.Debug().Int64("storage_block", id).Str("backend", c.Name).Msg("Replicated storage block")
	}
	return errors.Join(errs...)
}

func (m *Manager) copyTo(ctx context.Context, e *backend.Entry, partition, id int64, ciphertext []byte) error {
	if err := e.Backend.CreateDirectoryIfNotExisting(ctx, partitionDir(partition)); err != nil {
		return fmt.Errorf("create partition dir on %s: %w", e.Name, err)
	}
	if err := e.Backend.StoreFile(ctx, blockPath(id), ciphertext); err != nil {
		return fmt.Errorf("store storage block %d on %s: %w", id, e.Name, err)
	}
	if err := m.catalog.AddBlockLocation(ctx, id, e.ID); err != nil {
		return fmt.Errorf("record placement of storage block %d on %s: %w", id, e.Name, err)
	}
	return nil
}

// Free deletes every physical copy of id, then drops its placements, resets
// its size and returns the id to the free list. A block that still holds a
// blob block is left alone with ErrBlockReferenced. If any delete fails the
// block stays allocated so that a later pass can retry.
func (m *Manager) Free(ctx context.Context, id int64) error {
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.freeLocked(ctx, id)
}

func (m *Manager) freeLocked(ctx context.Context, id int64) error {
	refs, err := m.catalog.StorageBlockReferences(ctx, id)
	if err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("storage block %d holds %d blob blocks: %w", id, refs, ErrBlockReferenced)
	}

	holders, err := m.registry.Holders(ctx, id)
	if err != nil {
		return err
	}
	var errs []error
	for _, h := range holders {
		if err := h.Backend.DeleteFile(ctx, blockPath(id)); err != nil {
			errs = append(errs, fmt.Errorf("delete storage block %d from %s: %w", id, h.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if err := m.catalog.FreeStorageBlock(ctx, id, m.now()); err != nil {
		return fmt.Errorf("free storage block %d: %w", id, err)
	}
	m.invalidate(id)
	m.metrics.BlocksFreed.Inc()
	m.logger.Debug().Int64("storage_block", id).Int("holders", len(holders)).Msg("Freed storage block")
	return nil
}

// QueueUnderReplicated submits a replicate job for every written block with
// fewer copies than the replication factor allows with the registered
// backends. It returns the number of jobs submitted.
func (m *Manager) QueueUnderReplicated(ctx context.Context) (int, error) {
	target := min(m.replicationFactor, len(m.registry.List()))
	if target < 2 {
		return 0, nil
	}
	ids, err := m.catalog.UnderReplicatedStorageBlocks(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("list under-replicated blocks: %w", err)
	}
	for _, id := range ids {
		m.jobs.Submit(jobs.Job{Type: jobs.TypeReplicate, StorageBlockID: id})
	}
	if len(ids) > 0 {
		m.logger.Info().Int("blocks", len(ids)).Int("replicas", target).Msg("Queued under-replicated blocks")
	}
	return len(ids), nil
}

// Stats reports full, residual and free block counts.
func (m *Manager) Stats(ctx context.Context) (catalog.StorageBlockStats, error) {
	return m.catalog.StorageBlockStats(ctx, m.blockSize)
}

// HandleReplicate is the job handler for jobs.TypeReplicate.
func (m *Manager) HandleReplicate(ctx context.Context, job jobs.Job) error {
	return m.Replicate(ctx, job.StorageBlockID)
}

// invalidate drops the cached content of id and bumps its generation so an
// in-flight fetch that started earlier neither repopulates the cache nor
// serves later readers.
func (m *Manager) invalidate(id int64) {
	m.genMu.Lock()
	defer m.genMu.Unlock()
	m.gens[id]++
	m.cache.Invalidate(id)
	m.flight.Forget(strconv.FormatInt(id, 10))
}

func (m *Manager) generation(id int64) uint64 {
	m.genMu.Lock()
	defer m.genMu.Unlock()
	return m.gens[id]
}

func (m *Manager) cacheIfCurrent(id int64, gen uint64, data []byte) {
	m.genMu.Lock()
	defer m.genMu.Unlock()
	if m.gens[id] == gen {
		m.cache.Add(id, data)
	}
}

func partitionDir(partition int64) string {
	return "/" + strconv.FormatInt(partition, 10)
}

func blockPath(id int64) string {
	return partitionDir(keyring.Partition(id)) + "/" + strconv.FormatInt(id, 10)
}
