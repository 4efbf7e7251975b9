// Package materialize converts cached raw dataset files into chunked
// parquet output with a manifest describing the parts.
package materialize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/google/uuid"

	"github.com/chemflow/chemflow/pkg/cache"
	"github.com/chemflow/chemflow/pkg/catalog"
	"github.com/chemflow/chemflow/pkg/errors"
	"github.com/chemflow/chemflow/pkg/fetch"
)

const defaultChunkSize = 50000

// ManifestSource identifies the raw input a manifest was generated from.
type ManifestSource struct {
	URL     string `json:"url"`
	RawPath string `json:"raw_path"`
	SHA256  string `json:"sha256"`
}

// ManifestPart records one parquet part and its row count.
type ManifestPart struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// Manifest is the metadata record written after materialization.
type Manifest struct {
	DatasetID   string           `json:"dataset_id"`
	Version     string           `json:"version"`
	GeneratedAt string           `json:"generated_at"`
	Source      ManifestSource   `json:"source"`
	RowCount    int64            `json:"row_count"`
	Parts       []ManifestPart   `json:"parts"`
	Dataset     catalog.Snapshot `json:"dataset"`
}

// Result describes the outcome of a materialize call.
type Result struct {
	DatasetID    string           `json:"dataset_id"`
	Version      string           `json:"version"`
	ParquetDir   string           `json:"parquet_dir"`
	ManifestPath string           `json:"manifest_path"`
	Parts        []string         `json:"parts"`
	RowCount     int64            `json:"row_count"`
	CacheHit     bool             `json:"cache_hit"`
	SourceSHA256 string           `json:"source_sha256"`
	Dataset      catalog.Snapshot `json:"dataset"`
}

// Materializer writes chunked parquet parts from raw dataset files.
type Materializer struct {
	cache       cache.Backend
	alloc       memory.Allocator
	chunkSize   int
	compression compress.Compression
}

// Option customizes a Materializer.
type Option func(*Materializer)

// WithChunkSize sets the number of rows per parquet part.
func WithChunkSize(n int) Option {
	return func(m *Materializer) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// WithCompression selects the parquet codec by name.
// Unknown names fall back to snappy.
func WithCompression(name string) Option {
	return func(m *Materializer) {
		m.compression = codecByName(name)
	}
}

// New creates a Materializer on top of a cache backend.
func New(backend cache.Backend, opts ...Option) *Materializer {
	m := &Materializer{
		cache:       backend,
		alloc:       memory.DefaultAllocator,
		chunkSize:   defaultChunkSize,
		compression: compress.Codecs.Snappy,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func codecByName(name string) compress.Compression {
	switch name {
	case "snappy":
		return compress.Codecs.Snappy
	case "gzip":
		return compress.Codecs.Gzip
	case "zstd":
		return compress.Codecs.Zstd
	case "lz4":
		return compress.Codecs.Lz4
	case "none":
		return compress.Codecs.Uncompressed
	default:
		return compress.Codecs.Snappy
	}
}

// Materialize converts a fetched raw file into parquet parts plus manifest.
// When the manifest already matches the raw checksum and all parts exist,
// the cached output is reused.
func (m *Materializer) Materialize(ctx context.Context, d *catalog.Dataset, fetched *fetch.Result, force bool) (*Result, error) {
	parquetDir := m.cache.ParquetDir(d)
	manifestPath := m.cache.ParquetManifest(d)

	if !force {
		if cached := m.manifestCacheHit(d, fetched.SHA256, parquetDir, manifestPath); cached != nil {
			return cached, nil
		}
	}

	fs := m.cache.Fs()

	// Parts are staged next to the final directory and swapped in only
	// after every part was written, so an interrupted run never leaves a
	// half-materialized dataset behind.
	stageDir := fmt.Sprintf("%s.tmp-%s", parquetDir, uuid.NewString())
	if err := fs.MkdirAll(stageDir, 0o755); err != nil {
		return nil, errors.CacheBackendFailure("materialize", err).WithContext("dir", stageDir)
	}
	defer fs.RemoveAll(stageDir)

	manifestParts, rowCount, err := m.writeParts(ctx, d, fetched.RawPath, stageDir)
	if err != nil {
		return nil, errors.MaterializeFailed(d.ID, err)
	}
	if len(manifestParts) == 0 {
		return nil, errors.New(errors.CodeNoRows, "no tabular rows found").
			WithContext("dataset_id", d.ID)
	}

	if err := m.swapIn(stageDir, parquetDir, manifestPath, manifestParts); err != nil {
		return nil, errors.MaterializeFailed(d.ID, err)
	}

	manifest := &Manifest{
		DatasetID:   d.ID,
		Version:     d.EffectiveVersion(),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Source: ManifestSource{
			URL:     fetched.SourceURL,
			RawPath: fetched.RawPath,
			SHA256:  fetched.SHA256,
		},
		RowCount: rowCount,
		Parts:    manifestParts,
		Dataset:  d.MetadataSnapshot(),
	}
	if err := m.cache.WriteJSON(manifestPath, manifest); err != nil {
		return nil, err
	}

	parts := make([]string, len(manifestParts))
	for i, part := range manifestParts {
		parts[i] = filepath.Join(parquetDir, part.Name)
	}

	return &Result{
		DatasetID:    d.ID,
		Version:      d.EffectiveVersion(),
		ParquetDir:   parquetDir,
		ManifestPath: manifestPath,
		Parts:        parts,
		RowCount:     rowCount,
		SourceSHA256: fetched.SHA256,
		Dataset:      manifest.Dataset,
	}, nil
}

// manifestCacheHit returns a cached result when the manifest matches the
// raw checksum and every listed part is present.
func (m *Materializer) manifestCacheHit(d *catalog.Dataset, sourceSHA256 string, parquetDir, manifestPath string) *Result {
	var manifest Manifest
	found, err := m.cache.ReadJSON(manifestPath, &manifest)
	if err != nil || !found {
		return nil
	}
	if manifest.Source.SHA256 != sourceSHA256 || len(manifest.Parts) == 0 {
		return nil
	}

	parts := make([]string, len(manifest.Parts))
	for i, part := range manifest.Parts {
		path := filepath.Join(parquetDir, part.Name)
		if !m.cache.Exists(path) {
			return nil
		}
		parts[i] = path
	}

	return &Result{
		DatasetID:    d.ID,
		Version:      d.EffectiveVersion(),
		ParquetDir:   parquetDir,
		ManifestPath: manifestPath,
		Parts:        parts,
		RowCount:     manifest.RowCount,
		CacheHit:     true,
		SourceSHA256: sourceSHA256,
		Dataset:      d.MetadataSnapshot(),
	}
}

// writeParts decodes the raw file chunk by chunk, writing one parquet part
// per chunk into dir.
func (m *Materializer) writeParts(ctx context.Context, d *catalog.Dataset, rawPath, dir string) ([]ManifestPart, int64, error) {
	chunks, closer, err := m.openChunks(d, rawPath)
	if err != nil {
		return nil, 0, err
	}
	defer closer()

	var parts []ManifestPart
	var rowCount int64

	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		record, err := chunks.Next()
		if err != nil {
			return nil, 0, err
		}
		if record == nil {
			break
		}

		name := fmt.Sprintf("part-%05d.parquet", index)
		rows := record.NumRows()
		err = m.writePart(filepath.Join(dir, name), record)
		record.Release()
		if err != nil {
			return nil, 0, err
		}

		parts = append(parts, ManifestPart{Name: name, Rows: rows})
		rowCount += rows
	}

	return parts, rowCount, nil
}

// writePart writes a single record to a parquet file.
func (m *Materializer) writePart(path string, record arrow.Record) error {
	f, err := m.cache.Fs().Create(path)
	if err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "create part").
			WithContext("path", path)
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(m.compression),
		parquet.WithCreatedBy("chemflow"),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(record.Schema(), f, writerProps, arrowProps)
	if err != nil {
		f.Close()
		return errors.Wrap(err, errors.CodeWriteFailed, "create parquet writer").
			WithContext("path", path)
	}

	if err := writer.Write(record); err != nil {
		writer.Close()
		return errors.Wrap(err, errors.CodeWriteFailed, "write part").
			WithContext("path", path)
	}
	// Closing the writer also closes the underlying file.
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "close part").
			WithContext("path", path)
	}
	return nil
}

// swapIn replaces the final parquet directory with the staged parts. The
// old manifest goes first, so a manifest on disk always describes parts
// that were complete when it was written.
func (m *Materializer) swapIn(stageDir, parquetDir, manifestPath string, parts []ManifestPart) error {
	fs := m.cache.Fs()

	if err := fs.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
		return errors.CacheBackendFailure("materialize", err).WithContext("path", manifestPath)
	}
	if err := fs.RemoveAll(parquetDir); err != nil {
		return errors.CacheBackendFailure("materialize", err).WithContext("dir", parquetDir)
	}
	if err := fs.MkdirAll(parquetDir, 0o755); err != nil {
		return errors.CacheBackendFailure("materialize", err).WithContext("dir", parquetDir)
	}
	for _, part := range parts {
		if err := fs.Rename(filepath.Join(stageDir, part.Name), filepath.Join(parquetDir, part.Name)); err != nil {
			return errors.CacheBackendFailure("materialize", err).WithContext("part", part.Name)
		}
	}
	return nil
}
