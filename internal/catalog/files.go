package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// File is a logical file in a container. Its content is the blob of its
// newest revision.
type File struct {
	ID          int64
	ContainerID int64
	Path        string
	MediaType   string
	CreatedAt   time.Time
}

// FindFile looks a file up by container and path.
func (c *Catalog) FindFile(ctx context.Context, containerID int64, path string) (*File, error) {
	f := &File{}
	var created int64
	err := c.db.QueryRowContext(ctx, `SELECT id, container_id, path, media_type, created_at FROM files WHERE container_id = ? AND path = ?`,
		containerID, path).Scan(&f.ID, &f.ContainerID, &f.Path, &f.MediaType, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %d:%s: %w", containerID, path, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	f.CreatedAt = time.Unix(created, 0).UTC()
	return f, nil
}

// CreateFile inserts a logical file with its first revision.
func (c *Catalog) CreateFile(ctx context.Context, containerID int64, path, mediaType string, blobID int64, now time.Time) (int64, error) {
	var id int64
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO files (container_id, path, media_type, created_at) VALUES (?, ?, ?, ?)`,
			containerID, path, mediaType, unixTime(now))
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO files_revisions (file_id, blob_id, created_at) VALUES (?, ?, ?)`, id, blobID, unixTime(now))
		return err
	})
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("file %d:%s: %w", containerID, path, ErrDuplicate)
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AddRevision appends a new content revision to a file and clears any soft
// deletion.
func (c *Catalog) AddRevision(ctx context.Context, fileID, blobID int64, now time.Time) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO files_revisions (file_id, blob_id, created_at) VALUES (?, ?, ?)`,
			fileID, blobID, unixTime(now)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM files_deleted WHERE file_id = ?`, fileID)
		return err
	})
}

// LatestRevision returns the blob id of the newest revision of fileID.
func (c *Catalog) LatestRevision(ctx context.Context, fileID int64) (int64, error) {
	var blobID int64
	err := c.db.QueryRowContext(ctx, `SELECT blob_id FROM files_revisions WHERE file_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, fileID).
		Scan(&blobID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("revision of file %d: %w", fileID, ErrNotFound)
	}
	return blobID, err
}

// SoftDeleteFile marks fileID as deleted at the given time.
func (c *Catalog) SoftDeleteFile(ctx context.Context, fileID int64, at time.Time) error {
	_, err := c.db.ExecContext(ctx, `INSERT OR REPLACE INTO files_deleted (file_id, deleted_at) VALUES (?, ?)`, fileID, unixTime(at))
	return err
}

// AddFileVersion links a derived rendition blob to a file.
func (c *Catalog) AddFileVersion(ctx context.Context, fileID, blobID int64, title string) error {
	_, err := c.db.ExecContext(ctx, `INSERT OR REPLACE INTO files_versions (file_id, blob_id, title) VALUES (?, ?, ?)`, fileID, blobID, title)
	return err
}

// SetFileTags replaces the tag set of fileID.
func (c *Catalog) SetFileTags(ctx context.Context, fileID int64, tags []string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM files_tags WHERE file_id = ?`, fileID); err != nil {
			return err
		}
		for _, tag := range tags {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO files_tags (file_id, tag) VALUES (?, ?)`, fileID, tag); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetFileLocation records the capture location of fileID.
func (c *Catalog) SetFileLocation(ctx context.Context, fileID int64, latitude, longitude float64) error {
	_, err := c.db.ExecContext(ctx, `INSERT OR REPLACE INTO files_locations (file_id, latitude, longitude) VALUES (?, ?, ?)`,
		fileID, latitude, longitude)
	return err
}

// TitledBlob is a blob reachable from a file, titled with the version name
// it was attached under. Revisions carry an empty title.
type TitledBlob struct {
	BlobID int64
	Title  string
}

// FileBlobs lists every blob reachable from fileID: all revisions, the
// versions attached to the file and the versions attached to each revision
// blob.
func (c *Catalog) FileBlobs(ctx context.Context, fileID int64) ([]TitledBlob, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT blob_id, '' FROM files_revisions WHERE file_id = ?
UNION
SELECT blob_id, title FROM files_versions WHERE file_id = ?
UNION
SELECT bv.version_blob_id, bv.title
FROM blob_versions bv
JOIN files_revisions fr ON fr.blob_id = bv.blob_id
WHERE fr.file_id = ?`, fileID, fileID, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TitledBlob
	for rows.Next() {
		var tb TitledBlob
		if err := rows.Scan(&tb.BlobID, &tb.Title); err != nil {
			return nil, err
		}
		out = append(out, tb)
	}
	return out, rows.Err()
}
