package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// HostFilesystem stores files in a billy filesystem, normally an osfs rooted
// at a local directory.
type HostFilesystem struct {
	fs billy.Filesystem
}

// NewHostFilesystem wraps fs.
func NewHostFilesystem(fs billy.Filesystem) *HostFilesystem {
	return &HostFilesystem{fs: fs}
}

// ConnectionTest checks that the root directory exists.
func (h *HostFilesystem) ConnectionTest(_ context.Context) error {
	fi, err := h.fs.Stat("/")
	if err != nil {
		return fmt.Errorf("stat root %s: %w", h.fs.Root(), err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("root %s is not a directory", h.fs.Root())
	}
	return nil
}

func (h *HostFilesystem) CreateDirectoryIfNotExisting(_ context.Context, dir string) error {
	return h.fs.MkdirAll(clean(dir), 0o755)
}

func (h *HostFilesystem) ReadFile(_ context.Context, name string) ([]byte, error) {
	data, err := util.ReadFile(h.fs, clean(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return data, err
}

// StoreFile writes data atomically: a temp file in the target directory is
// renamed over the final name once fully written.
func (h *HostFilesystem) StoreFile(_ context.Context, name string, data []byte) error {
	name = clean(name)
	dir := path.Dir(name)

	tmp, err := util.TempFile(h.fs, dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = h.fs.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = h.fs.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := h.fs.Rename(tmpName, name); err != nil {
		_ = h.fs.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (h *HostFilesystem) DeleteFile(_ context.Context, name string) error {
	err := h.fs.Remove(clean(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func clean(p string) string {
	return path.Clean("/" + p)
}
