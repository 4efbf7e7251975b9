// Package manager orchestrates the catalog, cache, fetcher,
// materializer and validator behind one façade.
package manager

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/chemflow/chemflow/pkg/cache"
	"github.com/chemflow/chemflow/pkg/catalog"
	"github.com/chemflow/chemflow/pkg/errors"
	"github.com/chemflow/chemflow/pkg/fetch"
	"github.com/chemflow/chemflow/pkg/materialize"
	"github.com/chemflow/chemflow/pkg/validate"
)

const defaultConcurrency = 4

// Stage identifies which phase of the pipeline an event refers to.
type Stage string

const (
	StageFetch       Stage = "fetch"
	StageMaterialize Stage = "materialize"
	StageValidate    Stage = "validate"
)

// Event is emitted as datasets move through the pipeline.
type Event struct {
	Stage     Stage
	DatasetID string
	Done      bool
	CacheHit  bool
	Rows      int64
	Bytes     int64
	Err       error
}

// Manager ties the pipeline components together.
type Manager struct {
	catalog      *catalog.Catalog
	cache        cache.Backend
	fetcher      *fetch.Fetcher
	materializer *materialize.Materializer
	validator    *validate.Validator
	concurrency  int

	mu      sync.RWMutex
	onEvent func(Event)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithFetcher overrides the default fetcher.
func WithFetcher(f *fetch.Fetcher) Option {
	return func(m *Manager) { m.fetcher = f }
}

// WithMaterializer overrides the default materializer.
func WithMaterializer(mat *materialize.Materializer) Option {
	return func(m *Manager) { m.materializer = mat }
}

// WithValidator overrides the default validator.
func WithValidator(v *validate.Validator) Option {
	return func(m *Manager) { m.validator = v }
}

// WithConcurrency bounds parallel dataset processing in the batch calls.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// New creates a Manager over a catalog and cache backend. Components not
// supplied via options are constructed with defaults.
func New(cat *catalog.Catalog, backend cache.Backend, opts ...Option) *Manager {
	m := &Manager{
		catalog:     cat,
		cache:       backend,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.fetcher == nil {
		m.fetcher = fetch.New(backend)
	}
	if m.materializer == nil {
		m.materializer = materialize.New(backend)
	}
	if m.validator == nil {
		m.validator = validate.New()
	}
	return m
}

// SetEventCallback sets the pipeline event callback.
func (m *Manager) SetEventCallback(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = fn
}

func (m *Manager) emit(ev Event) {
	m.mu.RLock()
	callback := m.onEvent
	m.mu.RUnlock()
	if callback != nil {
		callback(ev)
	}
}

// Catalog exposes the underlying catalog.
func (m *Manager) Catalog() *catalog.Catalog {
	return m.catalog
}

// List returns catalog entries, optionally filtered by tag and category.
func (m *Manager) List(tag, category string) []*catalog.Dataset {
	datasets := m.catalog.List()
	if tag != "" {
		datasets = m.catalog.FilterByTag(tag)
	}
	if category == "" {
		return datasets
	}
	var out []*catalog.Dataset
	for _, d := range datasets {
		if d.Category == category {
			out = append(out, d)
		}
	}
	return out
}

// Describe returns a single catalog entry.
func (m *Manager) Describe(id string) (*catalog.Dataset, error) {
	return m.catalog.Get(id)
}

// Fetch downloads one dataset into the raw cache.
func (m *Manager) Fetch(ctx context.Context, id string, opts fetch.Options) (*fetch.Result, error) {
	d, err := m.catalog.Get(id)
	if err != nil {
		return nil, err
	}

	m.emit(Event{Stage: StageFetch, DatasetID: id})
	res, err := m.fetcher.Fetch(ctx, d, opts)
	if err != nil {
		m.emit(Event{Stage: StageFetch, DatasetID: id, Done: true, Err: err})
		return nil, err
	}
	m.emit(Event{
		Stage:     StageFetch,
		DatasetID: id,
		Done:      true,
		CacheHit:  res.CacheHit,
		Bytes:     res.BytesDownloaded,
	})
	return res, nil
}

// FetchOutcome pairs a dataset ID with its fetch result or error.
type FetchOutcome struct {
	DatasetID string        `json:"dataset_id"`
	Result    *fetch.Result `json:"result,omitempty"`
	Err       error         `json:"-"`
}

// MarshalJSON renders the error as text so batch output stays readable.
func (o FetchOutcome) MarshalJSON() ([]byte, error) {
	type alias FetchOutcome
	payload := struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias: alias(o)}
	if o.Err != nil {
		payload.Error = o.Err.Error()
	}
	return json.Marshal(payload)
}

// FetchMany downloads datasets in parallel, preserving input order.
func (m *Manager) FetchMany(ctx context.Context, ids []string, opts fetch.Options) []FetchOutcome {
	outcomes := make([]FetchOutcome, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := m.Fetch(ctx, id, opts)
			outcomes[i] = FetchOutcome{DatasetID: id, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// MaterializeOptions control the fetch-then-convert pipeline.
type MaterializeOptions struct {
	// Force re-materializes even when the manifest matches the raw file.
	Force bool
	// ForceFetch re-downloads the raw file first.
	ForceFetch bool
	// Refresh revalidates the raw file against the source.
	Refresh bool
	// ChunkSize overrides the default rows per parquet part.
	ChunkSize int
	// Compression overrides the default parquet codec.
	Compression string
}

// Materialize fetches a dataset if needed and converts it to parquet.
func (m *Manager) Materialize(ctx context.Context, id string, opts MaterializeOptions) (*materialize.Result, error) {
	if opts.ChunkSize < 0 {
		return nil, errors.New(errors.CodeInvalidDataset, "chunk size must be at least 1").
			WithContext("chunk_size", opts.ChunkSize)
	}

	d, err := m.catalog.Get(id)
	if err != nil {
		return nil, err
	}

	fetched, err := m.Fetch(ctx, id, fetch.Options{Force: opts.ForceFetch, Refresh: opts.Refresh})
	if err != nil {
		return nil, err
	}

	mat := m.materializer
	if opts.ChunkSize > 0 || opts.Compression != "" {
		var matOpts []materialize.Option
		if opts.ChunkSize > 0 {
			matOpts = append(matOpts, materialize.WithChunkSize(opts.ChunkSize))
		}
		if opts.Compression != "" {
			matOpts = append(matOpts, materialize.WithCompression(opts.Compression))
		}
		mat = materialize.New(m.cache, matOpts...)
	}

	m.emit(Event{Stage: StageMaterialize, DatasetID: id})
	res, err := mat.Materialize(ctx, d, fetched, opts.Force)
	if err != nil {
		m.emit(Event{Stage: StageMaterialize, DatasetID: id, Done: true, Err: err})
		return nil, err
	}
	m.emit(Event{
		Stage:     StageMaterialize,
		DatasetID: id,
		Done:      true,
		CacheHit:  res.CacheHit,
		Rows:      res.RowCount,
	})
	return res, nil
}

// MaterializeOutcome pairs a dataset ID with its materialize result or
// error.
type MaterializeOutcome struct {
	DatasetID string              `json:"dataset_id"`
	Result    *materialize.Result `json:"result,omitempty"`
	Err       error               `json:"-"`
}

// MarshalJSON renders the error as text so batch output stays readable.
func (o MaterializeOutcome) MarshalJSON() ([]byte, error) {
	type alias MaterializeOutcome
	payload := struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias: alias(o)}
	if o.Err != nil {
		payload.Error = o.Err.Error()
	}
	return json.Marshal(payload)
}

// MaterializeMany runs the pipeline for several datasets in parallel,
// preserving input order.
func (m *Manager) MaterializeMany(ctx context.Context, ids []string, opts MaterializeOptions) []MaterializeOutcome {
	outcomes := make([]MaterializeOutcome, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := m.Materialize(ctx, id, opts)
			outcomes[i] = MaterializeOutcome{DatasetID: id, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// MaterializeAll runs the pipeline for every dataset, optionally
// restricted to a tag.
func (m *Manager) MaterializeAll(ctx context.Context, tag string, opts MaterializeOptions) []MaterializeOutcome {
	datasets := m.List(tag, "")
	ids := make([]string, len(datasets))
	for i, d := range datasets {
		ids[i] = d.ID
	}
	return m.MaterializeMany(ctx, ids, opts)
}

// ValidateSources probes dataset sources. With no IDs, the whole catalog
// (or the tag subset) is validated.
func (m *Manager) ValidateSources(ctx context.Context, ids []string, tag string) ([]*validate.Result, error) {
	var datasets []*catalog.Dataset
	if len(ids) > 0 {
		for _, id := range ids {
			d, err := m.catalog.Get(id)
			if err != nil {
				return nil, err
			}
			datasets = append(datasets, d)
		}
	} else {
		datasets = m.List(tag, "")
	}

	for _, d := range datasets {
		m.emit(Event{Stage: StageValidate, DatasetID: d.ID})
	}
	results := m.validator.ValidateMany(ctx, datasets)
	for _, res := range results {
		m.emit(Event{Stage: StageValidate, DatasetID: res.DatasetID, Done: true, CacheHit: res.Cached})
	}
	return results, nil
}
