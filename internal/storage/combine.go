package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/blockvault/blockvault/internal/catalog"
)

// CombineStats summarises one combination pass.
type CombineStats struct {
	Groups         int
	BlocksCombined int
	BlocksFreed    int
	BytesMoved     int64
}

// CombineResidualBlocks packs residual blocks into as few blocks as possible.
// Residual blocks are taken largest first and grouped greedily while the
// running total fits in one block; every group of two or more is rewritten
// as one new block. References are moved in one committed transaction before
// any source block is freed, so a reader never resolves to a freed id
// without noticing. Residual writes append to existing blocks, so this pass
// mostly finds blocks started while an append target could not be read.
func (m *Manager) CombineResidualBlocks(ctx context.Context) (CombineStats, error) {
	m.combineMu.Lock()
	defer m.combineMu.Unlock()

	var stats CombineStats
	residual, err := m.catalog.ResidualStorageBlocks(ctx, m.blockSize)
	if err != nil {
		return stats, fmt.Errorf("list residual blocks: %w", err)
	}

	groups := planGroups(residual, m.blockSize)
	if len(groups) == 0 {
		return stats, nil
	}
	m.metrics.CombinePasses.Inc()

	var errs []error
	for _, group := range groups {
		freed, moved, err := m.combineGroup(ctx, group)
		if err != nil {
			errs = append(errs, err)
		}
		stats.BlocksFreed += freed
		if moved > 0 {
			stats.Groups++
			stats.BlocksCombined += len(group)
			stats.BytesMoved += moved
		}
	}

	m.logger.Info().
		Int("residual", len(residual)).
		Int("groups", stats.Groups).
		Int("combined", stats.BlocksCombined).
		Int("freed", stats.BlocksFreed).
		Int64("bytes", stats.BytesMoved).
		Msg("Combined residual blocks")
	return stats, errors.Join(errs...)
}

// planGroups runs greedy first-fit over blocks sorted by size descending.
// Each round fills one group starting from the largest remaining block; a
// block that cannot share a group with any other is dropped from the
// worklist.
func planGroups(blocks []catalog.StorageBlock, blockSize int64) [][]catalog.StorageBlock {
	var groups [][]catalog.StorageBlock
	remaining := blocks
	for len(remaining) >= 2 {
		var group, rest []catalog.StorageBlock
		var total int64
		for _, b := range remaining {
			if total+b.Size <= blockSize {
				group = append(group, b)
				total += b.Size
			} else {
				rest = append(rest, b)
			}
		}
		if len(group) < 2 {
			remaining = remaining[1:]
			continue
		}
		groups = append(groups, group)
		remaining = rest
	}
	return groups
}

// combineGroup concatenates the members of group into a new block, moves
// every reference and then frees the members. Members stay locked
// throughout, so no write can add a reference to a member after its content
// was read. A group whose members changed since planning is skipped. It
// returns how many members were freed and how many bytes were moved.
func (m *Manager) combineGroup(ctx context.Context, group []catalog.StorageBlock) (int, int64, error) {
	ids := make([]int64, len(group))
	for i, b := range group {
		ids[i] = b.ID
	}
	slices.Sort(ids)
	for _, id := range ids {
		unlock := m.locks.Lock(id)
		defer unlock()
	}

	var total int64
	for _, b := range group {
		cur, err := m.catalog.GetStorageBlock(ctx, b.ID)
		if err != nil {
			return 0, 0, fmt.Errorf("residual block %d: %w", b.ID, err)
		}
		free, err := m.catalog.IsFreeStorageBlock(ctx, b.ID)
		if err != nil {
			return 0, 0, err
		}
		if free || cur.Size != b.Size {
			m.logger.Debug().Int64("storage_block", b.ID).Msg("Residual block changed since planning, skipping group")
			return 0, 0, nil
		}
		total += b.Size
	}

	buf := make([]byte, 0, total)
	moves := make([]catalog.Relocation, 0, len(group))
	for _, b := range group {
		data, err := m.readLocked(ctx, b.ID)
		if err != nil {
			return 0, 0, fmt.Errorf("read residual block %d: %w", b.ID, err)
		}
		if int64(len(data)) != b.Size {
			return 0, 0, fmt.Errorf("residual block %d holds %d bytes, catalog records %d: %w",
				b.ID, len(data), b.Size, ErrInvariantViolation)
		}
		moves = append(moves, catalog.Relocation{From: b.ID, Delta: int64(len(buf))})
		buf = append(buf, data...)
	}

	id, err := m.Allocate(ctx)
	if err != nil {
		return 0, 0, err
	}
	unlock := m.locks.Lock(id)
	defer unlock()

	kind := kindCombined
	if total == m.blockSize {
		kind = kindFull
	}
	if _, err := m.write(ctx, id, buf, kind); err != nil {
		return 0, 0, err
	}
	for i := range moves {
		moves[i].To = id
	}
	refs, err := m.catalog.RelocateBlobBlocks(ctx, moves)
	if err != nil {
		// Nothing points at the new block; garbage collection reclaims it.
		return 0, 0, fmt.Errorf("relocate references into storage block %d: %w", id, err)
	}
	m.metrics.BlocksCombined.Add(float64(len(group)))
	m.logger.Debug().Int64("storage_block", id).Int("members", len(group)).Int64("references", refs).Int64("size", total).
		Msg("Combined residual group")

	freed := 0
	var errs []error
	for _, b := range group {
		if err := m.freeLocked(ctx, b.ID); err != nil {
			// Unreferenced now; garbage collection retries the free.
			m.logger.Warn().Err(err).Int64("storage_block", b.ID).Msg("Failed to free combined residual block")
			errs = append(errs, err)
			continue
		}
		freed++
	}
	return freed, total, errors.Join(errs...)
}
