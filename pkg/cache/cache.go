// Package cache provides the on-disk layout and persistence primitives for
// raw dataset files, parquet output, and their metadata records.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/chemflow/chemflow/pkg/catalog"
	"github.com/chemflow/chemflow/pkg/errors"
)

// Backend is the pluggable storage layer used by fetch and materialize.
type Backend interface {
	// Root returns the cache root directory.
	Root() string

	// Fs returns the filesystem the cache operates on.
	Fs() afero.Fs

	// Ensure creates the cache directory skeleton.
	Ensure() error

	// RawFile returns the raw file path for a dataset.
	RawFile(d *catalog.Dataset) string

	// RawMeta returns the raw metadata path for a dataset.
	RawMeta(d *catalog.Dataset) string

	// ParquetDir returns the parquet output directory for a dataset.
	ParquetDir(d *catalog.Dataset) string

	// ParquetManifest returns the parquet manifest path for a dataset.
	ParquetManifest(d *catalog.Dataset) string

	// ReadJSON decodes a JSON file into out. Returns false when the file
	// does not exist.
	ReadJSON(path string, out interface{}) (bool, error)

	// WriteJSON writes a JSON file atomically.
	WriteJSON(path string, payload interface{}) error

	// Exists reports whether a path exists in the cache filesystem.
	Exists(path string) bool
}

// DataCache is the filesystem-backed cache.
//
// Layout under the root:
//
//	raw/<dataset>/<version>/<file>
//	_meta/raw/<dataset>/<version>/<file>.json
//	parquet/<dataset>/<version>/part-*.parquet
//	_meta/parquet/<dataset>/<version>/manifest.json
type DataCache struct {
	root string
	fs   afero.Fs
}

// Option customizes a DataCache.
type Option func(*DataCache)

// WithFs overrides the filesystem, mainly for tests.
func WithFs(fs afero.Fs) Option {
	return func(c *DataCache) {
		c.fs = fs
	}
}

// New creates a filesystem cache rooted at root.
func New(root string, opts ...Option) *DataCache {
	c := &DataCache{
		root: root,
		fs:   afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Root returns the cache root directory.
func (c *DataCache) Root() string {
	return c.root
}

// Fs returns the underlying filesystem.
func (c *DataCache) Fs() afero.Fs {
	return c.fs
}

// Ensure creates the cache directory skeleton.
func (c *DataCache) Ensure() error {
	dirs := []string{
		c.root,
		filepath.Join(c.root, "raw"),
		filepath.Join(c.root, "parquet"),
		filepath.Join(c.root, "_meta", "raw"),
		filepath.Join(c.root, "_meta", "parquet"),
	}
	for _, dir := range dirs {
		if err := c.fs.MkdirAll(dir, 0o755); err != nil {
			return errors.CacheBackendFailure("ensure", err).WithContext("dir", dir)
		}
	}
	return nil
}

// RawFile returns the raw file path for a dataset.
func (c *DataCache) RawFile(d *catalog.Dataset) string {
	return filepath.Join(c.root, "raw", d.ID, d.EffectiveVersion(), d.PreferredFilename())
}

// RawMeta returns the raw metadata path for a dataset.
func (c *DataCache) RawMeta(d *catalog.Dataset) string {
	return filepath.Join(c.root, "_meta", "raw", d.ID, d.EffectiveVersion(), d.PreferredFilename()+".json")
}

// ParquetDir returns the parquet output directory for a dataset.
func (c *DataCache) ParquetDir(d *catalog.Dataset) string {
	return filepath.Join(c.root, "parquet", d.ID, d.EffectiveVersion())
}

// ParquetManifest returns the parquet manifest path for a dataset.
func (c *DataCache) ParquetManifest(d *catalog.Dataset) string {
	return filepath.Join(c.root, "_meta", "parquet", d.ID, d.EffectiveVersion(), "manifest.json")
}

// ReadJSON decodes a JSON file into out. Returns false when the file does
// not exist, and E502 when it exists but cannot be parsed.
func (c *DataCache) ReadJSON(path string, out interface{}) (bool, error) {
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.CacheBackendFailure("read_json", err).WithContext("path", path)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, errors.Wrap(err, errors.CodeCacheCorrupt, "corrupt metadata file").
			WithContext("path", path)
	}
	return true, nil
}

// WriteJSON writes payload as indented JSON via a temp file and rename, so
// readers never observe a partially written record.
func (c *DataCache) WriteJSON(path string, payload interface{}) error {
	if err := c.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.CacheBackendFailure("write_json", err).WithContext("path", path)
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return errors.CacheBackendFailure("write_json", err).WithContext("path", path)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, data, 0o644); err != nil {
		return errors.CacheBackendFailure("write_json", err).WithContext("path", tmp)
	}
	if err := c.fs.Rename(tmp, path); err != nil {
		c.fs.Remove(tmp)
		return errors.CacheBackendFailure("write_json", err).WithContext("path", path)
	}
	return nil
}

// Exists reports whether a path exists on the cache filesystem.
func (c *DataCache) Exists(path string) bool {
	ok, err := afero.Exists(c.fs, path)
	return err == nil && ok
}
