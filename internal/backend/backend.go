// Package backend provides the physical storage targets that hold encrypted
// storage blocks, and the tier-ordered registry that picks between them.
package backend

import (
	"context"
	"fmt"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// Backend is a filesystem-style physical target. Paths are slash separated
// and relative to the backend root.
type Backend interface {
	ConnectionTest(ctx context.Context) error
	CreateDirectoryIfNotExisting(ctx context.Context, dir string) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	StoreFile(ctx context.Context, path string, data []byte) error
	DeleteFile(ctx context.Context, path string) error
}

// Type names a backend implementation.
type Type string

const (
	TypeHostFilesystem Type = "host-filesystem"
	TypeSMB            Type = "smb"
	TypeWebDAV         Type = "webdav"
)

// Config is a tagged union: Type selects which of the variant fields is set.
type Config struct {
	Type           Type                  `json:"type"`
	HostFilesystem *HostFilesystemConfig `json:"host_filesystem,omitempty"`
	SMB            *SMBConfig            `json:"smb,omitempty"`
	WebDAV         *WebDAVConfig         `json:"webdav,omitempty"`
}

// HostFilesystemConfig configures a directory on the local machine.
type HostFilesystemConfig struct {
	RootPath string `json:"root_path"`
}

// SMBConfig configures an SMB share reached through rclone.
type SMBConfig struct {
	Host     string `json:"host"`
	User     string `json:"user"`
	Password string `json:"password"`
	RootPath string `json:"root_path"`
}

// WebDAVConfig configures a WebDAV server reached through rclone.
type WebDAVConfig struct {
	URL      string `json:"url"`
	User     string `json:"user"`
	Password string `json:"password"`
	RootPath string `json:"root_path"`
}

// Validate checks that the variant selected by Type is present.
func (c Config) Validate() error {
	switch c.Type {
	case TypeHostFilesystem:
		if c.HostFilesystem == nil || c.HostFilesystem.RootPath == "" {
			return fmt.Errorf("host-filesystem backend requires root_path")
		}
	case TypeSMB:
		if c.SMB == nil || c.SMB.Host == "" {
			return fmt.Errorf("smb backend requires host")
		}
	case TypeWebDAV:
		if c.WebDAV == nil || c.WebDAV.URL == "" {
			return fmt.Errorf("webdav backend requires url")
		}
	default:
		return fmt.Errorf("backend type %q: %w", c.Type, ErrUnknownBackend)
	}
	return nil
}

// Options carries the collaborators New needs to build a backend.
type Options struct {
	// Runner executes rclone for remote backends. Defaults to ExecRunner.
	Runner CommandRunner
	// Filesystem opens the root of a host-filesystem backend. Defaults to
	// osfs rooted at the configured path.
	Filesystem func(rootPath string) billy.Filesystem
}

// New builds the backend described by cfg. Remote backends are wrapped in
// Locked so that one remote only runs one rclone call at a time.
func New(cfg Config, opts Options) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Filesystem == nil {
		opts.Filesystem = func(rootPath string) billy.Filesystem { return osfs.New(rootPath) }
	}

	switch cfg.Type {
	case TypeHostFilesystem:
		return NewHostFilesystem(opts.Filesystem(cfg.HostFilesystem.RootPath)), nil
	case TypeSMB:
		return NewLocked(&Remote{
			protocol: "smb",
			rootPath: cfg.SMB.RootPath,
			runner:   opts.Runner,
			args: func(ctx context.Context) ([]string, error) {
				pass, err := obscure(ctx, opts.Runner, cfg.SMB.Password)
				if err != nil {
					return nil, err
				}
				return []string{"--smb-host", cfg.SMB.Host, "--smb-user", cfg.SMB.User, "--smb-pass", pass}, nil
			},
		}), nil
	case TypeWebDAV:
		return NewLocked(&Remote{
			protocol: "webdav",
			rootPath: cfg.WebDAV.RootPath,
			runner:   opts.Runner,
			args: func(ctx context.Context) ([]string, error) {
				pass, err := obscure(ctx, opts.Runner, cfg.WebDAV.Password)
				if err != nil {
					return nil, err
				}
				return []string{"--webdav-url", cfg.WebDAV.URL, "--webdav-user", cfg.WebDAV.User, "--webdav-pass", pass}, nil
			},
		}), nil
	}
	return nil, fmt.Errorf("backend type %q: %w", cfg.Type, ErrUnknownBackend)
}
