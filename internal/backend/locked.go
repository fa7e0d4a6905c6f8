package backend

import (
	"context"
	"sync"
)

// Locked serialises every call to the wrapped backend.
type Locked struct {
	mu    sync.Mutex
	inner Backend
}

// NewLocked wraps inner.
func NewLocked(inner Backend) *Locked {
	return &Locked{inner: inner}
}

func (l *Locked) ConnectionTest(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.ConnectionTest(ctx)
}

func (l *Locked) CreateDirectoryIfNotExisting(ctx context.Context, dir string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.CreateDirectoryIfNotExisting(ctx, dir)
}

func (l *Locked) ReadFile(ctx context.Context, name string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.ReadFile(ctx, name)
}

func (l *Locked) StoreFile(ctx context.Context, name string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.StoreFile(ctx, name, data)
}

func (l *Locked) DeleteFile(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.DeleteFile(ctx, name)
}
