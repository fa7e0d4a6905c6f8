package catalog

import (
	"context"
	"encoding/json"
	"time"
)

// ExpiredSoftDeletedFiles returns files soft-deleted before cutoff.
func (c *Catalog) ExpiredSoftDeletedFiles(ctx context.Context, cutoff time.Time) ([]int64, error) {
	return c.queryIDs(ctx, `SELECT file_id FROM files_deleted WHERE deleted_at < ? ORDER BY file_id`, unixTime(cutoff))
}

// DeleteFile hard-deletes a file; revisions, versions, tags, location and the
// soft-delete marker cascade.
func (c *Catalog) DeleteFile(ctx context.Context, fileID int64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID)
	return err
}

// DeleteUnreferencedBlobs deletes blobs created before cutoff that no file
// revision, file version or blob version references. The check and the delete
// are one statement, so a reference created concurrently keeps the blob.
func (c *Catalog) DeleteUnreferencedBlobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
DELETE FROM blobs
WHERE created_at < ?
  AND NOT EXISTS (SELECT 1 FROM files_revisions fr WHERE fr.blob_id = blobs.id)
  AND NOT EXISTS (SELECT 1 FROM files_versions fv WHERE fv.blob_id = blobs.id)
  AND NOT EXISTS (SELECT 1 FROM blob_versions bv WHERE bv.version_blob_id = blobs.id)`, unixTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteUnreferencedBlobBlocks deletes chunks created before cutoff that no
// blob part references, except those listed in keep. Their storage placement
// rows cascade.
func (c *Catalog) DeleteUnreferencedBlobBlocks(ctx context.Context, cutoff time.Time, keep []int64) (int64, error) {
	if keep == nil {
		keep = []int64{}
	}
	keepJSON, err := json.Marshal(keep)
	if err != nil {
		return 0, err
	}
	res, err := c.db.ExecContext(ctx, `
DELETE FROM blob_blocks
WHERE created_at < ?
  AND id NOT IN (SELECT value FROM json_each(?))
  AND NOT EXISTS (SELECT 1 FROM blob_parts bp WHERE bp.blob_block_id = blob_blocks.id)`, unixTime(cutoff), string(keepJSON))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnreferencedStorageBlocks lists storage blocks last touched before cutoff
// that hold no blob block and are not already free.
func (c *Catalog) UnreferencedStorageBlocks(ctx context.Context, cutoff time.Time) ([]int64, error) {
	return c.queryIDs(ctx, `
SELECT sb.id
FROM storage_blocks sb
WHERE sb.updated_at < ?
  AND NOT EXISTS (SELECT 1 FROM blob_block_storage bbs WHERE bbs.storage_block_id = sb.id)
  AND NOT EXISTS (SELECT 1 FROM storage_blocks_free f WHERE f.storage_block_id = sb.id)
ORDER BY sb.id`, unixTime(cutoff))
}

func (c *Catalog) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
