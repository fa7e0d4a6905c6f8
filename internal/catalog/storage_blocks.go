package catalog

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// StorageBlock is the persisted state of one physical, encrypted block.
type StorageBlock struct {
	ID      int64
	Size    int64
	IV      []byte
	AuthTag []byte
}

// Relocation moves every blob-block reference that points into From so that
// it points into To, shifting the stored offset by Delta.
type Relocation struct {
	From  int64
	To    int64
	Delta int64
}

// StorageBlockStats summarises storage block occupancy.
type StorageBlockStats struct {
	Full       int
	Residual   int
	Free       int
	TotalBytes int64
}

// AllocateStorageBlock pops the lowest id off the free list or creates a new
// storage block row. reused reports which path was taken.
func (c *Catalog) AllocateStorageBlock(ctx context.Context, now time.Time) (id int64, reused bool, err error) {
	err = c.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT storage_block_id FROM storage_blocks_free ORDER BY storage_block_id LIMIT 1`)
		switch scanErr := row.Scan(&id); {
		case scanErr == nil:
			if _, err := tx.ExecContext(ctx, `DELETE FROM storage_blocks_free WHERE storage_block_id = ?`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE storage_blocks SET updated_at = ? WHERE id = ?`, unixTime(now), id); err != nil {
				return err
			}
			reused = true
			return nil
		case errors.Is(scanErr, sql.ErrNoRows):
		default:
			return scanErr
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO storage_blocks (size, updated_at) VALUES (0, ?)`, unixTime(now))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, reused, err
}

// GetStorageBlock returns one storage block or ErrNotFound.
func (c *Catalog) GetStorageBlock(ctx context.Context, id int64) (*StorageBlock, error) {
	var ivHex, tagHex string
	block := &StorageBlock{}
	err := c.db.QueryRowContext(ctx, `SELECT id, size, iv, auth_tag FROM storage_blocks WHERE id = ?`, id).
		Scan(&block.ID, &block.Size, &ivHex, &tagHex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage block %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if block.IV, err = hex.DecodeString(ivHex); err != nil {
		return nil, fmt.Errorf("decode iv of storage block %d: %w", id, err)
	}
	if block.AuthTag, err = hex.DecodeString(tagHex); err != nil {
		return nil, fmt.Errorf("decode auth tag of storage block %d: %w", id, err)
	}
	return block, nil
}

// UpdateStorageBlock records the plaintext size and the AEAD parameters of
// the ciphertext that was just written for id.
func (c *Catalog) UpdateStorageBlock(ctx context.Context, id, size int64, iv, authTag []byte, now time.Time) error {
	res, err := c.db.ExecContext(ctx, `UPDATE storage_blocks SET size = ?, iv = ?, auth_tag = ?, updated_at = ? WHERE id = ?`,
		size, hex.EncodeToString(iv), hex.EncodeToString(authTag), unixTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage block %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetBlockLocation replaces every placement of id with a single backend.
func (c *Catalog) SetBlockLocation(ctx context.Context, id, backendID int64) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM storage_block_locations WHERE storage_block_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO storage_block_locations (storage_block_id, storage_backend_id) VALUES (?, ?)`, id, backendID)
		return err
	})
}

// AddBlockLocation records an additional replica of id on backendID.
func (c *Catalog) AddBlockLocation(ctx context.Context, id, backendID int64) error {
	_, err := c.db.ExecContext(ctx, `INSERT OR IGNORE INTO storage_block_locations (storage_block_id, storage_backend_id) VALUES (?, ?)`, id, backendID)
	return err
}

// BlockLocations lists the backends currently holding id.
func (c *Catalog) BlockLocations(ctx context.Context, id int64) ([]int64, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT storage_backend_id FROM storage_block_locations WHERE storage_block_id = ? ORDER BY storage_backend_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var backendID int64
		if err := rows.Scan(&backendID); err != nil {
			return nil, err
		}
		ids = append(ids, backendID)
	}
	return ids, rows.Err()
}

// IsFreeStorageBlock reports whether id is on the free list.
func (c *Catalog) IsFreeStorageBlock(ctx context.Context, id int64) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `SELECT 1 FROM storage_blocks_free WHERE storage_block_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FreeStorageBlock drops all placements of id, resets its size and pushes it
// onto the free list. Physical copies must already be deleted.
func (c *Catalog) FreeStorageBlock(ctx context.Context, id int64, now time.Time) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM storage_block_locations WHERE storage_block_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE storage_blocks SET size = 0, iv = '', auth_tag = '', updated_at = ? WHERE id = ?`, unixTime(now), id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO storage_blocks_free (storage_block_id) VALUES (?)`, id)
		return err
	})
}

// ResidualStorageBlocks returns written blocks smaller than blockSize,
// largest first.
func (c *Catalog) ResidualStorageBlocks(ctx context.Context, blockSize int64) ([]StorageBlock, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT sb.id, sb.size
FROM storage_blocks sb
LEFT JOIN storage_blocks_free f ON f.storage_block_id = sb.id
WHERE sb.size > 0 AND sb.size < ? AND f.storage_block_id IS NULL
ORDER BY sb.size DESC, sb.id ASC`, blockSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []StorageBlock
	for rows.Next() {
		var b StorageBlock
		if err := rows.Scan(&b.ID, &b.Size); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// FindResidualStorageBlock returns the fullest residual block that still has
// room for need bytes, or ErrNotFound.
func (c *Catalog) FindResidualStorageBlock(ctx context.Context, need, blockSize int64) (*StorageBlock, error) {
	b := &StorageBlock{}
	err := c.db.QueryRowContext(ctx, `
SELECT sb.id, sb.size
FROM storage_blocks sb
LEFT JOIN storage_blocks_free f ON f.storage_block_id = sb.id
WHERE sb.size > 0 AND sb.size + ? <= ? AND f.storage_block_id IS NULL
ORDER BY sb.size DESC, sb.id ASC
LIMIT 1`, need, blockSize).Scan(&b.ID, &b.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("residual block with %d bytes free: %w", need, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// StorageBlockReferences counts the blob blocks placed in id.
func (c *Catalog) StorageBlockReferences(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blob_block_storage WHERE storage_block_id = ?`, id).Scan(&n)
	return n, err
}

// UnderReplicatedStorageBlocks lists written, non-free storage blocks with
// fewer than replicas placements.
func (c *Catalog) UnderReplicatedStorageBlocks(ctx context.Context, replicas int) ([]int64, error) {
	return c.queryIDs(ctx, `
SELECT sb.id
FROM storage_blocks sb
WHERE sb.size > 0
  AND NOT EXISTS (SELECT 1 FROM storage_blocks_free f WHERE f.storage_block_id = sb.id)
  AND (SELECT COUNT(*) FROM storage_block_locations l WHERE l.storage_block_id = sb.id) < ?
ORDER BY sb.id`, replicas)
}

// CountResidualStorageBlocks returns the length of the residual worklist.
func (c *Catalog) CountResidualStorageBlocks(ctx context.Context, blockSize int64) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM storage_blocks sb
LEFT JOIN storage_blocks_free f ON f.storage_block_id = sb.id
WHERE sb.size > 0 AND sb.size < ? AND f.storage_block_id IS NULL`, blockSize).Scan(&n)
	return n, err
}

// RelocateBlobBlocks rewrites blob-block references for every move in one
// transaction. Either all references move or none do.
func (c *Catalog) RelocateBlobBlocks(ctx context.Context, moves []Relocation) (int64, error) {
	var moved int64
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range moves {
			res, err := tx.ExecContext(ctx, `
UPDATE blob_block_storage
SET storage_block_id = ?, storage_block_offset = storage_block_offset + ?
WHERE storage_block_id = ?`, m.To, m.Delta, m.From)
			if err != nil {
				return fmt.Errorf("relocate storage block %d: %w", m.From, err)
			}
			n, _ := res.RowsAffected()
			moved += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// StorageBlockStats counts full, residual and free storage blocks.
func (c *Catalog) StorageBlockStats(ctx context.Context, blockSize int64) (StorageBlockStats, error) {
	var stats StorageBlockStats
	err := c.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN size = ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN size > 0 AND size < ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(size), 0)
FROM storage_blocks`, blockSize, blockSize).Scan(&stats.Full, &stats.Residual, &stats.TotalBytes)
	if err != nil {
		return stats, err
	}
	err = c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM storage_blocks_free`).Scan(&stats.Free)
	return stats, err
}

// LoadDEK returns the persisted data-encryption key of a partition.
func (c *Catalog) LoadDEK(ctx context.Context, partition int64) (string, bool, error) {
	var dek string
	err := c.db.QueryRowContext(ctx, `SELECT dek FROM data_encryption_keys WHERE partition_number = ?`, partition).Scan(&dek)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return dek, true, nil
}

// InsertDEK persists a key unless the partition already has one. Callers
// re-read with LoadDEK to adopt whichever key won.
func (c *Catalog) InsertDEK(ctx context.Context, partition int64, dek string) error {
	_, err := c.db.ExecContext(ctx, `INSERT OR IGNORE INTO data_encryption_keys (partition_number, dek) VALUES (?, ?)`, partition, dek)
	return err
}
