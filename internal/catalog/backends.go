package catalog

import (
	"context"
	"fmt"
)

// BackendRow is a persisted storage backend registration.
type BackendRow struct {
	ID         int64
	Name       string
	Tier       int
	ConfigJSON string
}

// InsertBackend persists a backend registration. A name collision returns
// ErrDuplicate.
func (c *Catalog) InsertBackend(ctx context.Context, name string, tier int, configJSON string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `INSERT INTO storage_backends (name, tier, config_json) VALUES (?, ?, ?)`, name, tier, configJSON)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("storage backend %q: %w", name, ErrDuplicate)
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListBackends returns every registered backend ordered by tier, then id.
func (c *Catalog) ListBackends(ctx context.Context) ([]BackendRow, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, name, tier, config_json FROM storage_backends ORDER BY tier, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BackendRow
	for rows.Next() {
		var r BackendRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Tier, &r.ConfigJSON); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
