package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BlobBlock is a content-addressed chunk of a blob.
type BlobBlock struct {
	ID     int64
	Size   int64
	SHA256 string
}

// BlobPart places a blob block at an offset inside a blob.
type BlobPart struct {
	Offset      int64
	BlobBlockID int64
}

// Chunk is a blob part resolved all the way to its storage placement.
type Chunk struct {
	BlobOffset     int64
	BlobBlockID    int64
	Size           int64
	StorageBlockID int64
	StorageOffset  int64
}

// Blob is an immutable, whole-content addressed byte sequence.
type Blob struct {
	ID     int64
	SHA256 string
}

// FindBlobBlock looks a chunk up by its content identity.
func (c *Catalog) FindBlobBlock(ctx context.Context, size int64, sha256 string) (*BlobBlock, error) {
	b := &BlobBlock{}
	err := c.db.QueryRowContext(ctx, `SELECT id, size, sha256 FROM blob_blocks WHERE size = ? AND sha256 = ?`, size, sha256).
		Scan(&b.ID, &b.Size, &b.SHA256)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob block %s/%d: %w", sha256, size, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// CreateBlobBlock inserts a chunk together with its storage placement. The
// chunk bytes must already be durable in storageBlockID. A concurrent insert
// of the same content returns ErrDuplicate.
func (c *Catalog) CreateBlobBlock(ctx context.Context, size int64, sha256 string, storageBlockID, storageOffset int64, now time.Time) (int64, error) {
	var id int64
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO blob_blocks (size, sha256, created_at) VALUES (?, ?, ?)`, size, sha256, unixTime(now))
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO blob_block_storage (blob_block_id, storage_block_id, storage_block_offset) VALUES (?, ?, ?)`,
			id, storageBlockID, storageOffset)
		return err
	})
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("blob block %s/%d: %w", sha256, size, ErrDuplicate)
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// TouchBlobBlock resets the creation time of a chunk that an ingestion is
// about to reuse, restarting its garbage collection grace period. It reports
// false when the chunk no longer exists.
func (c *Catalog) TouchBlobBlock(ctx context.Context, id int64, now time.Time) (bool, error) {
	return c.touch(ctx, `UPDATE blob_blocks SET created_at = ? WHERE id = ?`, id, now)
}

// TouchBlob is TouchBlobBlock for whole blobs.
func (c *Catalog) TouchBlob(ctx context.Context, id int64, now time.Time) (bool, error) {
	return c.touch(ctx, `UPDATE blobs SET created_at = ? WHERE id = ?`, id, now)
}

func (c *Catalog) touch(ctx context.Context, query string, id int64, now time.Time) (bool, error) {
	res, err := c.db.ExecContext(ctx, query, unixTime(now), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ChunkPlacement returns the current storage block and offset of a chunk.
func (c *Catalog) ChunkPlacement(ctx context.Context, blobBlockID int64) (storageBlockID, offset int64, err error) {
	err = c.db.QueryRowContext(ctx, `SELECT storage_block_id, storage_block_offset FROM blob_block_storage WHERE blob_block_id = ?`, blobBlockID).
		Scan(&storageBlockID, &offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("blob block %d: %w", blobBlockID, ErrNotFound)
	}
	return storageBlockID, offset, err
}

// FindBlobByHash looks a blob up by its whole-content SHA-256.
func (c *Catalog) FindBlobByHash(ctx context.Context, sha256 string) (*Blob, error) {
	b := &Blob{}
	err := c.db.QueryRowContext(ctx, `SELECT id, sha256 FROM blobs WHERE sha256 = ?`, sha256).Scan(&b.ID, &b.SHA256)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", sha256, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// CreateBlob inserts a blob and its ordered parts atomically.
func (c *Catalog) CreateBlob(ctx context.Context, sha256 string, parts []BlobPart, now time.Time) (int64, error) {
	var id int64
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO blobs (sha256, created_at) VALUES (?, ?)`, sha256, unixTime(now))
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		for _, p := range parts {
			if _, err := tx.ExecContext(ctx, `INSERT INTO blob_parts (blob_id, blob_offset, blob_block_id) VALUES (?, ?, ?)`,
				id, p.Offset, p.BlobBlockID); err != nil {
				return fmt.Errorf("insert part at %d: %w", p.Offset, err)
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("blob %s: %w", sha256, ErrDuplicate)
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// BlobExists reports whether blobID is a known blob.
func (c *Catalog) BlobExists(ctx context.Context, blobID int64) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `SELECT 1 FROM blobs WHERE id = ?`, blobID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// BlobChunks resolves every part of blobID to its storage placement, ordered
// by blob offset. An unknown blob returns ErrNotFound.
func (c *Catalog) BlobChunks(ctx context.Context, blobID int64) ([]Chunk, error) {
	ok, err := c.BlobExists(ctx, blobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("blob %d: %w", blobID, ErrNotFound)
	}

	rows, err := c.db.QueryContext(ctx, `
SELECT bp.blob_offset, bb.id, bb.size, bbs.storage_block_id, bbs.storage_block_offset
FROM blob_parts bp
JOIN blob_blocks bb ON bb.id = bp.blob_block_id
JOIN blob_block_storage bbs ON bbs.blob_block_id = bb.id
WHERE bp.blob_id = ?
ORDER BY bp.blob_offset`, blobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var ch Chunk
		if err := rows.Scan(&ch.BlobOffset, &ch.BlobBlockID, &ch.Size, &ch.StorageBlockID, &ch.StorageOffset); err != nil {
			return nil, err
		}
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

// BlobSize returns the total plaintext length of blobID.
func (c *Catalog) BlobSize(ctx context.Context, blobID int64) (int64, error) {
	ok, err := c.BlobExists(ctx, blobID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("blob %d: %w", blobID, ErrNotFound)
	}
	var size int64
	err = c.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(bb.size), 0)
FROM blob_parts bp
JOIN blob_blocks bb ON bb.id = bp.blob_block_id
WHERE bp.blob_id = ?`, blobID).Scan(&size)
	return size, err
}

// ChunksInStorageBlock lists the blob blocks packed into storageBlockID,
// ordered by offset.
func (c *Catalog) ChunksInStorageBlock(ctx context.Context, storageBlockID int64) ([]Chunk, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT bb.id, bb.size, bbs.storage_block_id, bbs.storage_block_offset
FROM blob_block_storage bbs
JOIN blob_blocks bb ON bb.id = bbs.blob_block_id
WHERE bbs.storage_block_id = ?
ORDER BY bbs.storage_block_offset`, storageBlockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var ch Chunk
		if err := rows.Scan(&ch.BlobBlockID, &ch.Size, &ch.StorageBlockID, &ch.StorageOffset); err != nil {
			return nil, err
		}
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

// AddBlobVersion links a derived rendition (thumbnail, preview) to a blob.
func (c *Catalog) AddBlobVersion(ctx context.Context, blobID, versionBlobID int64, title string) error {
	_, err := c.db.ExecContext(ctx, `INSERT OR REPLACE INTO blob_versions (blob_id, version_blob_id, title) VALUES (?, ?, ?)`,
		blobID, versionBlobID, title)
	return err
}

// BlobVersions returns title → version blob id for blobID.
func (c *Catalog) BlobVersions(ctx context.Context, blobID int64) (map[string]int64, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT title, version_blob_id FROM blob_versions WHERE blob_id = ?`, blobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var title string
		var id int64
		if err := rows.Scan(&title, &id); err != nil {
			return nil, err
		}
		out[title] = id
	}
	return out, rows.Err()
}
