package catalog

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration represents a schema migration step.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of all schema migrations.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema: backends, storage blocks, placements, keys",
		SQL: `
CREATE TABLE IF NOT EXISTS storage_backends (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL UNIQUE,
  tier INTEGER NOT NULL,
  config_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS storage_blocks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  size INTEGER NOT NULL DEFAULT 0,
  iv TEXT NOT NULL DEFAULT '',
  auth_tag TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS storage_blocks_free (
  storage_block_id INTEGER PRIMARY KEY,
  FOREIGN KEY (storage_block_id) REFERENCES storage_blocks(id)
);

CREATE TABLE IF NOT EXISTS storage_block_locations (
  storage_block_id INTEGER NOT NULL,
  storage_backend_id INTEGER NOT NULL,
  UNIQUE(storage_block_id, storage_backend_id),
  FOREIGN KEY (storage_block_id) REFERENCES storage_blocks(id),
  FOREIGN KEY (storage_backend_id) REFERENCES storage_backends(id)
);

CREATE TABLE IF NOT EXISTS data_encryption_keys (
  partition_number INTEGER PRIMARY KEY,
  dek TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_storage_blocks_size ON storage_blocks(size);
CREATE INDEX IF NOT EXISTS idx_storage_block_locations_backend ON storage_block_locations(storage_backend_id);
`,
	},
	{
		Version:     2,
		Description: "blobs and content-addressed blob blocks",
		SQL: `
CREATE TABLE IF NOT EXISTS blob_blocks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  size INTEGER NOT NULL,
  sha256 TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  UNIQUE(size, sha256)
);

CREATE TABLE IF NOT EXISTS blob_block_storage (
  blob_block_id INTEGER PRIMARY KEY,
  storage_block_id INTEGER NOT NULL,
  storage_block_offset INTEGER NOT NULL,
  FOREIGN KEY (blob_block_id) REFERENCES blob_blocks(id) ON DELETE CASCADE,
  FOREIGN KEY (storage_block_id) REFERENCES storage_blocks(id)
);

CREATE TABLE IF NOT EXISTS blobs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  sha256 TEXT NOT NULL UNIQUE,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blob_parts (
  blob_id INTEGER NOT NULL,
  blob_offset INTEGER NOT NULL,
  blob_block_id INTEGER NOT NULL,
  UNIQUE(blob_id, blob_offset),
  FOREIGN KEY (blob_id) REFERENCES blobs(id) ON DELETE CASCADE,
  FOREIGN KEY (blob_block_id) REFERENCES blob_blocks(id)
);

CREATE TABLE IF NOT EXISTS blob_versions (
  blob_id INTEGER NOT NULL,
  version_blob_id INTEGER NOT NULL,
  title TEXT NOT NULL,
  UNIQUE(blob_id, title),
  FOREIGN KEY (blob_id) REFERENCES blobs(id) ON DELETE CASCADE,
  FOREIGN KEY (version_blob_id) REFERENCES blobs(id)
);

CREATE INDEX IF NOT EXISTS idx_blob_block_storage_block ON blob_block_storage(storage_block_id);
CREATE INDEX IF NOT EXISTS idx_blob_parts_block ON blob_parts(blob_block_id);
CREATE INDEX IF NOT EXISTS idx_blob_versions_version ON blob_versions(version_blob_id);
`,
	},
	{
		Version:     3,
		Description: "logical files, revisions, soft deletion",
		SQL: `
CREATE TABLE IF NOT EXISTS files (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  container_id INTEGER NOT NULL,
  path TEXT NOT NULL,
  media_type TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  UNIQUE(container_id, path)
);

CREATE TABLE IF NOT EXISTS files_revisions (
  file_id INTEGER NOT NULL,
  blob_id INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE,
  FOREIGN KEY (blob_id) REFERENCES blobs(id)
);

CREATE TABLE IF NOT EXISTS files_versions (
  file_id INTEGER NOT NULL,
  blob_id INTEGER NOT NULL,
  title TEXT NOT NULL,
  UNIQUE(file_id, title),
  FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE,
  FOREIGN KEY (blob_id) REFERENCES blobs(id)
);

CREATE TABLE IF NOT EXISTS files_deleted (
  file_id INTEGER PRIMARY KEY,
  deleted_at INTEGER NOT NULL,
  FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS files_tags (
  file_id INTEGER NOT NULL,
  tag TEXT NOT NULL,
  UNIQUE(file_id, tag),
  FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS files_locations (
  file_id INTEGER PRIMARY KEY,
  latitude REAL NOT NULL,
  longitude REAL NOT NULL,
  FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_files_revisions_file ON files_revisions(file_id);
CREATE INDEX IF NOT EXISTS idx_files_revisions_blob ON files_revisions(blob_id);
CREATE INDEX IF NOT EXISTS idx_files_versions_blob ON files_versions(blob_id);
`,
	},
}

const migrationsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
);
`

// currentVersion returns the highest applied migration version, or 0 if none.
func currentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// runMigrations applies all pending migrations in order.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(migrationsTableSQL); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))", m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
