// Package config handles configuration loading and validation for blockvault.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/blockvault/blockvault/internal/backend"
	"github.com/blockvault/blockvault/pkg/bytesize"
)

// Defaults.
const (
	DefaultDataDir          = "/var/lib/blockvault"
	DefaultMetricsListen    = "127.0.0.1:9464"
	DefaultCacheMaxBlocks   = 8
	DefaultCombineThreshold = 10
	DefaultGCInterval       = 24 * time.Hour
	DefaultRetention        = 30 * 24 * time.Hour
	DefaultGracePeriod      = time.Hour
	DefaultEntriesPerBlock  = 1000
	DefaultFlushInterval    = 3 * time.Minute
	DefaultMigrateInterval  = 24 * time.Hour
	DefaultJobWorkers       = 4
	DefaultJobMaxRetries    = 3
	DefaultJobRetryBackoff  = time.Second

	// maxCachedBlocks bounds the entry count when the cache is sized by
	// memory instead.
	maxCachedBlocks = 1 << 16
)

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

// LokiConfig configures log shipping to Grafana Loki.
type LokiConfig struct {
	URL           string            `yaml:"url"` // empty disables shipping
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
}

// CacheConfig bounds the decrypted block cache.
type CacheConfig struct {
	MaxBlocks int           `yaml:"max_blocks"`
	MaxMemory bytesize.Size `yaml:"max_memory"` // overrides MaxBlocks when set
}

// ResidualConfig controls combination of partially filled blocks.
type ResidualConfig struct {
	CombineThreshold int `yaml:"combine_threshold"`
}

// GCConfig controls garbage collection.
type GCConfig struct {
	Interval            time.Duration `yaml:"interval"`
	SoftDeleteRetention time.Duration `yaml:"soft_delete_retention"`
	GracePeriod         time.Duration `yaml:"grace_period"`
}

// AccessConfig controls the access counter.
type AccessConfig struct {
	Dir             string        `yaml:"dir"` // default <data_dir>/access
	EntriesPerBlock int           `yaml:"entries_per_block"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MigrateInterval time.Duration `yaml:"migrate_interval"`
}

// JobsConfig controls the background job dispatcher.
type JobsConfig struct {
	Workers      int           `yaml:"workers"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"` // delay before the first retry, doubled per retry
}

// BackendConfig declares a physical backend. Which connection fields are
// used depends on Type.
type BackendConfig struct {
	Name     string `yaml:"name"`
	Tier     int    `yaml:"tier"`
	Type     string `yaml:"type"`
	RootPath string `yaml:"root_path"`
	Host     string `yaml:"host"`
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Config is the blockvault configuration file.
type Config struct {
	DataDir       string          `yaml:"data_dir"`
	DBPath        string          `yaml:"db_path"` // default <data_dir>/catalog.db
	LogLevel      string          `yaml:"log_level"`
	MasterKey     string          `yaml:"master_key"`
	MasterKeyFile string          `yaml:"master_key_file"` // read when master_key is empty
	Metrics       MetricsConfig   `yaml:"metrics"`
	Loki          LokiConfig      `yaml:"loki"`
	Cache         CacheConfig     `yaml:"cache"`
	Residual      ResidualConfig  `yaml:"residual"`
	GC            GCConfig        `yaml:"gc"`
	Access        AccessConfig    `yaml:"access"`
	Jobs          JobsConfig      `yaml:"jobs"`
	Backends      []BackendConfig `yaml:"backends"`
}

// Load reads configuration from a YAML file and applies defaults. An empty
// path yields the defaults alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "catalog.db")
	}
	c.DBPath = expandHome(c.DBPath)
	c.MasterKeyFile = expandHome(c.MasterKeyFile)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Cache.MaxBlocks == 0 {
		c.Cache.MaxBlocks = DefaultCacheMaxBlocks
	}
	if c.Residual.CombineThreshold == 0 {
		c.Residual.CombineThreshold = DefaultCombineThreshold
	}
	if c.GC.Interval == 0 {
		c.GC.Interval = DefaultGCInterval
	}
	if c.GC.SoftDeleteRetention == 0 {
		c.GC.SoftDeleteRetention = DefaultRetention
	}
	if c.GC.GracePeriod == 0 {
		c.GC.GracePeriod = DefaultGracePeriod
	}
	if c.Access.Dir == "" {
		c.Access.Dir = filepath.Join(c.DataDir, "access")
	}
	c.Access.Dir = expandHome(c.Access.Dir)
	if c.Access.EntriesPerBlock == 0 {
		c.Access.EntriesPerBlock = DefaultEntriesPerBlock
	}
	if c.Access.FlushInterval == 0 {
		c.Access.FlushInterval = DefaultFlushInterval
	}
	if c.Access.MigrateInterval == 0 {
		c.Access.MigrateInterval = DefaultMigrateInterval
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = DefaultJobWorkers
	}
	if c.Jobs.MaxRetries == 0 {
		c.Jobs.MaxRetries = DefaultJobMaxRetries
	}
	if c.Jobs.RetryBackoff == 0 {
		c.Jobs.RetryBackoff = DefaultJobRetryBackoff
	}
	for i := range c.Backends {
		if c.Backends[i].Type == string(backend.TypeHostFilesystem) {
			c.Backends[i].RootPath = expandHome(c.Backends[i].RootPath)
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
	}
	if c.Loki.URL != "" {
		u, err := url.Parse(c.Loki.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid loki.url %q: must be an http(s) URL", c.Loki.URL)
		}
	}
	if c.Loki.BatchSize < 0 || c.Loki.FlushInterval < 0 {
		return fmt.Errorf("loki batch_size and flush_interval must not be negative")
	}
	if c.Cache.MaxBlocks < 0 || c.Cache.MaxMemory < 0 {
		return fmt.Errorf("cache limits must not be negative")
	}
	if c.Residual.CombineThreshold < 2 {
		return fmt.Errorf("residual.combine_threshold must be at least 2")
	}
	if c.GC.Interval < 0 || c.GC.SoftDeleteRetention < 0 || c.GC.GracePeriod < 0 {
		return fmt.Errorf("gc durations must not be negative")
	}
	if c.Access.EntriesPerBlock < 1 {
		return fmt.Errorf("access.entries_per_block must be positive")
	}
	if c.Access.FlushInterval < 0 || c.Access.MigrateInterval < 0 {
		return fmt.Errorf("access intervals must not be negative")
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be positive")
	}
	if c.Jobs.MaxRetries < 0 {
		return fmt.Errorf("jobs.max_retries must not be negative")
	}
	if c.Jobs.RetryBackoff < 0 {
		return fmt.Errorf("jobs.retry_backoff must not be negative")
	}

	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d].name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("backends[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = true
		if b.Tier < 0 {
			return fmt.Errorf("backend %q: tier must not be negative", b.Name)
		}
		if err := b.Backend().Validate(); err != nil {
			return fmt.Errorf("backend %q: %w", b.Name, err)
		}
	}
	return nil
}

// Backend converts the declaration to the backend package's tagged config.
func (b BackendConfig) Backend() backend.Config {
	cfg := backend.Config{Type: backend.Type(b.Type)}
	switch cfg.Type {
	case backend.TypeHostFilesystem:
		cfg.HostFilesystem = &backend.HostFilesystemConfig{RootPath: b.RootPath}
	case backend.TypeSMB:
		cfg.SMB = &backend.SMBConfig{Host: b.Host, User: b.User, Password: b.Password, RootPath: b.RootPath}
	case backend.TypeWebDAV:
		cfg.WebDAV = &backend.WebDAVConfig{URL: b.URL, User: b.User, Password: b.Password, RootPath: b.RootPath}
	}
	return cfg
}

// CacheLimits returns the entry and byte bounds for the block cache.
func (c *Config) CacheLimits() (maxEntries int, maxBytes int64) {
	if c.Cache.MaxMemory > 0 {
		return maxCachedBlocks, c.Cache.MaxMemory.Bytes()
	}
	return c.Cache.MaxBlocks, 0
}

// ResolveMasterKey returns the configured master key, reading
// MasterKeyFile when no inline key is set. Empty means DEKs are stored
// unwrapped.
func (c *Config) ResolveMasterKey() (string, error) {
	if c.MasterKey != "" || c.MasterKeyFile == "" {
		return c.MasterKey, nil
	}
	return LoadMasterKey(c.MasterKeyFile)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
