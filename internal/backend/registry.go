package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blockvault/blockvault/internal/catalog"
)

// Store persists backend registrations and answers placement queries.
type Store interface {
	InsertBackend(ctx context.Context, name string, tier int, configJSON string) (int64, error)
	ListBackends(ctx context.Context) ([]catalog.BackendRow, error)
	BlockLocations(ctx context.Context, storageBlockID int64) ([]int64, error)
}

// Entry is a registered backend.
type Entry struct {
	ID      int64
	Name    string
	Tier    int
	Type    Type
	Backend Backend
}

// RegistryConfig holds registry configuration.
type RegistryConfig struct {
	Store Store
	// Factory builds a backend from its config. Defaults to New with
	// default Options.
	Factory func(Config) (Backend, error)
	Logger  zerolog.Logger
}

// Registry holds the configured backends ordered by tier (lower is faster),
// ties broken by id.
type Registry struct {
	store   Store
	factory func(Config) (Backend, error)
	logger  zerolog.Logger

	mu      sync.RWMutex
	entries []*Entry
}

// NewRegistry creates an empty registry. Call Load to restore persisted
// backends.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Factory == nil {
		cfg.Factory = func(c Config) (Backend, error) { return New(c, Options{}) }
	}
	return &Registry{
		store:   cfg.Store,
		factory: cfg.Factory,
		logger:  cfg.Logger.With().Str("component", "backend-registry").Logger(),
	}
}

// Register tests the connection of a new backend and, if it passes,
// persists and activates it. A failing test returns ErrConnectionTest and
// leaves the registry untouched.
func (r *Registry) Register(ctx context.Context, name string, cfg Config, tier int) (*Entry, error) {
	b, err := r.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("build backend %q: %w", name, err)
	}
	if err := b.ConnectionTest(ctx); err != nil {
		r.logger.Warn().Err(err).Str("backend", name).Msg("Backend connection test failed")
		return nil, fmt.Errorf("backend %q: %w: %w", name, ErrConnectionTest, err)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode backend config: %w", err)
	}
	id, err := r.store.InsertBackend(ctx, name, tier, string(raw))
	if err != nil {
		return nil, err
	}

	e := &Entry{ID: id, Name: name, Tier: tier, Type: cfg.Type, Backend: b}
	r.add(e)
	r.logger.Info().Int64("backend_id", id).Str("backend", name).Int("tier", tier).Str("type", string(cfg.Type)).
		Msg("Registered storage backend")
	return e, nil
}

// Load replaces the active set with every persisted backend. Backends are not
// connection-tested here; an unreachable backend surfaces as an I/O error on
// use.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.store.ListBackends(ctx)
	if err != nil {
		return fmt.Errorf("list backends: %w", err)
	}

	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		var cfg Config
		if err := json.Unmarshal([]byte(row.ConfigJSON), &cfg); err != nil {
			return fmt.Errorf("decode config of backend %q: %w", row.Name, err)
		}
		b, err := r.factory(cfg)
		if err != nil {
			return fmt.Errorf("build backend %q: %w", row.Name, err)
		}
		entries = append(entries, &Entry{ID: row.ID, Name: row.Name, Tier: row.Tier, Type: cfg.Type, Backend: b})
	}
	sortEntries(entries)

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	r.logger.Debug().Int("backends", len(entries)).Msg("Loaded storage backends")
	return nil
}

// Get returns the backend with the given id.
func (r *Registry) Get(id int64) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("backend %d: %w", id, ErrUnknownBackend)
}

// List returns all backends in tier order.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.entries)
}

// FastestForWrite returns the lowest-tier backend.
func (r *Registry) FastestForWrite() (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return nil, ErrNoBackends
	}
	return r.entries[0], nil
}

// Holders returns the backends currently holding a storage block, in tier
// order. Locations on backends that are not loaded are skipped.
func (r *Registry) Holders(ctx context.Context, storageBlockID int64) ([]*Entry, error) {
	ids, err := r.store.BlockLocations(ctx, storageBlockID)
	if err != nil {
		return nil, fmt.Errorf("locations of storage block %d: %w", storageBlockID, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var holders []*Entry
	for _, e := range r.entries {
		if slices.Contains(ids, e.ID) {
			holders = append(holders, e)
		}
	}
	if len(holders) < len(ids) {
		r.logger.Warn().Int64("storage_block", storageBlockID).Int("locations", len(ids)).Int("loaded", len(holders)).
			Msg("Storage block is placed on unknown backends")
	}
	return holders, nil
}

// FastestForRead returns the lowest-tier backend holding a storage block, or
// ErrNotFound when the block has no known location.
func (r *Registry) FastestForRead(ctx context.Context, storageBlockID int64) (*Entry, error) {
	holders, err := r.Holders(ctx, storageBlockID)
	if err != nil {
		return nil, err
	}
	if len(holders) == 0 {
		return nil, fmt.Errorf("storage block %d: %w", storageBlockID, ErrNotFound)
	}
	return holders[0], nil
}

// ReplicationCandidates returns up to maxCount backends whose ids are not in
// exclude, in tier order.
func (r *Registry) ReplicationCandidates(exclude []int64, maxCount int) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, e := range r.entries {
		if len(out) >= maxCount {
			break
		}
		if slices.Contains(exclude, e.ID) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (r *Registry) add(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	sortEntries(r.entries)
}

func sortEntries(entries []*Entry) {
	slices.SortFunc(entries, func(a, b *Entry) int {
		if a.Tier != b.Tier {
			return a.Tier - b.Tier
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
