// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < env < flags
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all chemflow configuration.
type Config struct {
	Version int `yaml:"version"`

	Cache       CacheConfig       `yaml:"cache"`
	Fetch       FetchConfig       `yaml:"fetch"`
	Materialize MaterializeConfig `yaml:"materialize"`
	Validate    ValidateConfig    `yaml:"validate"`
}

// CacheConfig controls the on-disk dataset cache.
type CacheConfig struct {
	Root string `yaml:"root"` // empty = $CHEMFLOW_HOME or ~/.cache/chemflow

	S3    S3Config    `yaml:"s3"`
	Redis RedisConfig `yaml:"redis"`
}

// S3Config configures the optional object-store cache backend.
type S3Config struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // for MinIO and friends
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// RedisConfig configures the validator probe-result cache.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// FetchConfig controls download behavior.
type FetchConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"` // parallel part downloads in concat mode
	MaxPages    int           `yaml:"max_pages"`
	MaxRows     int           `yaml:"max_rows"`
	UserAgent   string        `yaml:"user_agent"`
}

// MaterializeConfig controls parquet output.
type MaterializeConfig struct {
	ChunkSize   int    `yaml:"chunk_size"` // rows per parquet part
	Compression string `yaml:"compression"`
}

// ValidateConfig controls source health checks.
type ValidateConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
	ProbeTTL    time.Duration `yaml:"probe_ttl"` // how long probe results stay cached
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Cache: CacheConfig{
			Root: "", // resolved lazily via CacheRoot
			Redis: RedisConfig{
				Addr: "localhost:6379",
				TTL:  15 * time.Minute,
			},
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Fetch: FetchConfig{
			Timeout:     60 * time.Second,
			Concurrency: 4,
			MaxPages:    100,
			MaxRows:     10000,
			UserAgent:   "chemflow/1.0",
		},
		Materialize: MaterializeConfig{
			ChunkSize:   50000,
			Compression: "snappy",
		},
		Validate: ValidateConfig{
			Timeout:     10 * time.Second,
			Concurrency: 8,
			ProbeTTL:    15 * time.Minute,
		},
	}
}

// CacheRoot resolves the effective cache root directory.
// Resolution order: explicit config value, CHEMFLOW_HOME, ~/.cache/chemflow.
func (c *Config) CacheRoot() string {
	if c.Cache.Root != "" {
		return c.Cache.Root
	}
	if v := os.Getenv("CHEMFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "chemflow")
	}
	return filepath.Join(home, ".cache", "chemflow")
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
	}
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Start with defaults
	m.config = Default()

	// Load from paths in order (later overrides earlier)
	paths := m.getConfigPaths()
	for _, path := range paths {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but surface errors for existing files
			if !os.IsNotExist(err) {
				return err
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	// Override with environment variables
	m.loadEnv()

	return nil
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/chemflow/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".chemflow", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".chemflow.yaml"))
	}

	return paths
}

// loadFile loads a single config file and merges it.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial Config
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return err
	}

	m.merge(&partial)
	return nil
}

// merge merges non-zero values from src into config.
func (m *Manager) merge(src *Config) {
	// Cache
	if src.Cache.Root != "" {
		m.config.Cache.Root = src.Cache.Root
	}
	if src.Cache.S3.Enabled {
		m.config.Cache.S3.Enabled = true
	}
	if src.Cache.S3.Bucket != "" {
		m.config.Cache.S3.Bucket = src.Cache.S3.Bucket
	}
	if src.Cache.S3.Prefix != "" {
		m.config.Cache.S3.Prefix = src.Cache.S3.Prefix
	}
	if src.Cache.S3.Region != "" {
		m.config.Cache.S3.Region = src.Cache.S3.Region
	}
	if src.Cache.S3.Endpoint != "" {
		m.config.Cache.S3.Endpoint = src.Cache.S3.Endpoint
	}
	if src.Cache.S3.AccessKey != "" {
		m.config.Cache.S3.AccessKey = src.Cache.S3.AccessKey
	}
	if src.Cache.S3.SecretKey != "" {
		m.config.Cache.S3.SecretKey = src.Cache.S3.SecretKey
	}
	if src.Cache.Redis.Enabled {
		m.config.Cache.Redis.Enabled = true
	}
	if src.Cache.Redis.Addr != "" {
		m.config.Cache.Redis.Addr = src.Cache.Redis.Addr
	}
	if src.Cache.Redis.Password != "" {
		m.config.Cache.Redis.Password = src.Cache.Redis.Password
	}
	if src.Cache.Redis.DB != 0 {
		m.config.Cache.Redis.DB = src.Cache.Redis.DB
	}
	if src.Cache.Redis.TTL != 0 {
		m.config.Cache.Redis.TTL = src.Cache.Redis.TTL
	}

	// Fetch
	if src.Fetch.Timeout != 0 {
		m.config.Fetch.Timeout = src.Fetch.Timeout
	}
	if src.Fetch.Concurrency != 0 {
		m.config.Fetch.Concurrency = src.Fetch.Concurrency
	}
	if src.Fetch.MaxPages != 0 {
		m.config.Fetch.MaxPages = src.Fetch.MaxPages
	}
	if src.Fetch.MaxRows != 0 {
		m.config.Fetch.MaxRows = src.Fetch.MaxRows
	}
	if src.Fetch.UserAgent != "" {
		m.config.Fetch.UserAgent = src.Fetch.UserAgent
	}

	// Materialize
	if src.Materialize.ChunkSize != 0 {
		m.config.Materialize.ChunkSize = src.Materialize.ChunkSize
	}
	if src.Materialize.Compression != "" {
		m.config.Materialize.Compression = src.Materialize.Compression
	}

	// Validate
	if src.Validate.Timeout != 0 {
		m.config.Validate.Timeout = src.Validate.Timeout
	}
	if src.Validate.Concurrency != 0 {
		m.config.Validate.Concurrency = src.Validate.Concurrency
	}
	if src.Validate.ProbeTTL != 0 {
		m.config.Validate.ProbeTTL = src.Validate.ProbeTTL
	}
}

// loadEnv loads configuration from environment variables.
func (m *Manager) loadEnv() {
	// CHEMFLOW_HOME
	if v := os.Getenv("CHEMFLOW_HOME"); v != "" {
		m.config.Cache.Root = v
	}

	// CHEMFLOW_COMPRESSION
	if v := os.Getenv("CHEMFLOW_COMPRESSION"); v != "" {
		m.config.Materialize.Compression = v
	}

	// CHEMFLOW_CHUNK_SIZE
	if v := os.Getenv("CHEMFLOW_CHUNK_SIZE"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			m.config.Materialize.ChunkSize = n
		}
	}

	// CHEMFLOW_FETCH_TIMEOUT
	if v := os.Getenv("CHEMFLOW_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			m.config.Fetch.Timeout = d
		}
	}

	// CHEMFLOW_REDIS_ADDR
	if v := os.Getenv("CHEMFLOW_REDIS_ADDR"); v != "" {
		m.config.Cache.Redis.Enabled = true
		m.config.Cache.Redis.Addr = v
	}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to the user config file.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configDir := filepath.Join(home, ".chemflow")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(configDir, "config.yaml"), data, 0644)
}

// Global instance
var (
	globalManager *Manager
	globalOnce    sync.Once
)

// Global returns the global configuration manager.
func Global() *Manager {
	globalOnce.Do(func() {
		globalManager = NewManager()
		globalManager.Load()
	})
	return globalManager
}
