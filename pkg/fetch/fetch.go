// Package fetch downloads dataset raw files into the cache, with
// conditional refresh and per-source fallback or concatenation.
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"time"

	"github.com/chemflow/chemflow/pkg/cache"
	"github.com/chemflow/chemflow/pkg/catalog"
	"github.com/chemflow/chemflow/pkg/errors"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultUserAgent   = "chemflow/1.0"
	defaultConcurrency = 4
	downloadChunkSize  = 4 * 1024 * 1024
)

// SourceDetail records one downloaded source in concat mode.
type SourceDetail struct {
	SourceURL       string `json:"source_url"`
	SourceType      string `json:"source_type"`
	StatusCode      int    `json:"status_code,omitempty"`
	ETag            string `json:"etag,omitempty"`
	LastModified    string `json:"last_modified,omitempty"`
	ContentLength   string `json:"content_length,omitempty"`
	SourceSize      int64  `json:"source_size,omitempty"`
	SourceMtimeNS   int64  `json:"source_mtime_ns,omitempty"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
}

// RawMeta is the metadata record written next to every cached raw file.
type RawMeta struct {
	DatasetID   string `json:"dataset_id,omitempty"`
	Version     string `json:"version,omitempty"`
	FetchID     string `json:"fetch_id,omitempty"`
	SourceType  string `json:"source_type,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
	FetchedAt   string `json:"fetched_at,omitempty"`
	RefreshedAt string `json:"refreshed_at,omitempty"`
	ObservedAt  string `json:"observed_at,omitempty"`
	Refreshed   bool   `json:"refreshed,omitempty"`
	SHA256      string `json:"sha256,omitempty"`

	// HTTP sources
	StatusCode    int    `json:"status_code,omitempty"`
	ETag          string `json:"etag,omitempty"`
	LastModified  string `json:"last_modified,omitempty"`
	ContentLength string `json:"content_length,omitempty"`

	// Local file sources
	SourceMtimeNS int64 `json:"source_mtime_ns,omitempty"`
	SourceSize    int64 `json:"source_size,omitempty"`

	// Concat sources
	SourceURLs  []string       `json:"source_urls,omitempty"`
	URLMode     string         `json:"url_mode,omitempty"`
	SourceCount int            `json:"source_count,omitempty"`
	Sources     []SourceDetail `json:"sources,omitempty"`

	// API sources
	APIRequestSignature   string `json:"api_request_signature,omitempty"`
	APIRows               int    `json:"api_rows,omitempty"`
	APIPages              int    `json:"api_pages,omitempty"`
	APIPagination         string `json:"api_pagination,omitempty"`
	FirstPageETag         string `json:"first_page_etag,omitempty"`
	FirstPageLastModified string `json:"first_page_last_modified,omitempty"`

	BytesDownloaded int64 `json:"bytes_downloaded,omitempty"`

	Dataset *catalog.Snapshot `json:"dataset,omitempty"`
}

// Result describes the outcome of a dataset fetch.
type Result struct {
	DatasetID       string           `json:"dataset_id"`
	Version         string           `json:"version"`
	RawPath         string           `json:"raw_path"`
	MetadataPath    string           `json:"metadata_path"`
	SourceURL       string           `json:"source_url"`
	CacheHit        bool             `json:"cache_hit"`
	Refreshed       bool             `json:"refreshed"`
	BytesDownloaded int64            `json:"bytes_downloaded"`
	SHA256          string           `json:"sha256"`
	Dataset         catalog.Snapshot `json:"dataset"`
}

// ProgressFunc returns a writer that observes download progress for one
// source. The total is -1 when the server does not report a length.
type ProgressFunc func(label string, total int64) io.Writer

// Options control one fetch call.
type Options struct {
	// Force re-downloads even when a valid cached copy exists.
	Force bool
	// Refresh revalidates cached HTTP/API content with conditional requests.
	Refresh bool
}

// Fetcher downloads dataset raw files into a cache backend.
type Fetcher struct {
	cache       cache.Backend
	client      *http.Client
	userAgent   string
	timeout     time.Duration
	concurrency int
	maxPages    int
	maxRows     int
	progress    ProgressFunc
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithConcurrency bounds parallel part downloads in concat mode.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithProgress reports download progress for HTTP sources through fn.
func WithProgress(fn ProgressFunc) Option {
	return func(f *Fetcher) { f.progress = fn }
}

// WithPageLimits overrides the default API paging caps.
func WithPageLimits(maxPages, maxRows int) Option {
	return func(f *Fetcher) {
		f.maxPages = maxPages
		f.maxRows = maxRows
	}
}

// New creates a Fetcher on top of a cache backend.
func New(backend cache.Backend, opts ...Option) *Fetcher {
	f := &Fetcher{
		cache:       backend,
		client:      &http.Client{},
		userAgent:   defaultUserAgent,
		timeout:     defaultTimeout,
		concurrency: defaultConcurrency,
		maxPages:    100,
		maxRows:     10000,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads a dataset raw file, honoring the cache.
func (f *Fetcher) Fetch(ctx context.Context, d *catalog.Dataset, opts Options) (*Result, error) {
	if err := f.cache.Ensure(); err != nil {
		return nil, err
	}

	rawPath := f.cache.RawFile(d)
	metaPath := f.cache.RawMeta(d)

	var existing RawMeta
	if _, err := f.cache.ReadJSON(metaPath, &existing); err != nil {
		// Corrupt metadata is recoverable; the fetch rewrites it.
		existing = RawMeta{}
	}

	// URL datasets hit the cache on file presence alone.
	if !d.IsAPI() && f.cache.Exists(rawPath) && !opts.Force && !opts.Refresh {
		checksum, err := f.ensureSHA256(d, rawPath, metaPath, &existing)
		if err != nil {
			return nil, err
		}
		return &Result{
			DatasetID:    d.ID,
			Version:      d.EffectiveVersion(),
			RawPath:      rawPath,
			MetadataPath: metaPath,
			SourceURL:    f.defaultSourceURL(d, &existing),
			CacheHit:     true,
			SHA256:       checksum,
			Dataset:      d.MetadataSnapshot(),
		}, nil
	}

	result, err := f.dispatch(ctx, d, rawPath, metaPath, &existing, opts)
	if err == nil {
		result.Dataset = d.MetadataSnapshot()
		return result, nil
	}

	// A stale copy beats a hard failure, but only when the caller did not
	// ask for fresh bytes.
	if f.cache.Exists(rawPath) && !opts.Force && !opts.Refresh {
		checksum, hashErr := f.ensureSHA256(d, rawPath, metaPath, &existing)
		if hashErr == nil {
			return &Result{
				DatasetID:    d.ID,
				Version:      d.EffectiveVersion(),
				RawPath:      rawPath,
				MetadataPath: metaPath,
				SourceURL:    f.defaultSourceURL(d, &existing),
				CacheHit:     true,
				SHA256:       checksum,
				Dataset:      d.MetadataSnapshot(),
			}, nil
		}
	}

	return nil, errors.FetchFailed(d.ID, f.defaultSourceURL(d, &existing), err)
}

func (f *Fetcher) dispatch(ctx context.Context, d *catalog.Dataset, rawPath, metaPath string, existing *RawMeta, opts Options) (*Result, error) {
	if d.IsAPI() {
		return f.fetchAPI(ctx, d, rawPath, metaPath, existing, opts)
	}

	if len(d.URLs) == 0 {
		return nil, errors.New(errors.CodeNoSources, "dataset has no configured URL sources").
			WithContext("dataset_id", d.ID)
	}

	if d.EffectiveURLMode() == catalog.URLModeConcat {
		return f.fetchConcat(ctx, d, rawPath, metaPath, opts)
	}

	var attempts errors.MultiError
	for _, source := range d.URLs {
		result, err := f.fetchOne(ctx, d, rawPath, metaPath, existing, source, opts)
		if err == nil {
			return result, nil
		}
		attempts.Add(errors.Wrapf(err, errors.CodeFetchFailed, "source %s", source))
	}
	return nil, attempts.Combined()
}

// fetchOne handles a single URL, routing on scheme.
func (f *Fetcher) fetchOne(ctx context.Context, d *catalog.Dataset, rawPath, metaPath string, existing *RawMeta, source string, opts Options) (*Result, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeFetchFailed, "invalid source URL").
			WithContext("source", source)
	}

	switch u.Scheme {
	case "", "file":
		return f.fetchFile(d, rawPath, metaPath, existing, source, u, opts)
	case "http", "https":
		return f.fetchHTTP(ctx, d, rawPath, metaPath, existing, source, opts)
	default:
		return nil, errors.New(errors.CodeFetchFailed, "unsupported URL scheme").
			WithContext("source", source).
			WithContext("scheme", u.Scheme)
	}
}

// ensureSHA256 returns the cached checksum, computing and persisting it when
// the metadata record is missing one or carries a stale dataset snapshot.
func (f *Fetcher) ensureSHA256(d *catalog.Dataset, rawPath, metaPath string, meta *RawMeta) (string, error) {
	snapshot := d.MetadataSnapshot()

	if meta.SHA256 != "" {
		if meta.Dataset == nil || !reflect.DeepEqual(*meta.Dataset, snapshot) {
			meta.Dataset = &snapshot
			meta.ObservedAt = nowISO()
			if err := f.cache.WriteJSON(metaPath, meta); err != nil {
				return "", err
			}
		}
		return meta.SHA256, nil
	}

	checksum, err := cache.SHA256File(f.cache.Fs(), rawPath)
	if err != nil {
		return "", err
	}
	meta.SHA256 = checksum
	meta.Dataset = &snapshot
	meta.ObservedAt = nowISO()
	if err := f.cache.WriteJSON(metaPath, meta); err != nil {
		return "", err
	}
	return checksum, nil
}

func (f *Fetcher) defaultSourceURL(d *catalog.Dataset, meta *RawMeta) string {
	if meta.SourceURL != "" {
		return meta.SourceURL
	}
	if d.IsAPI() {
		return d.API.Endpoint
	}
	if len(d.URLs) > 0 {
		return d.URLs[0]
	}
	return ""
}

// writeMeta stamps the dataset snapshot onto a metadata record and persists it.
func (f *Fetcher) writeMeta(d *catalog.Dataset, metaPath string, meta *RawMeta) error {
	snapshot := d.MetadataSnapshot()
	meta.Dataset = &snapshot
	return f.cache.WriteJSON(metaPath, meta)
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// conditionalHeaders derives If-None-Match / If-Modified-Since from cached
// metadata for revalidation requests.
func conditionalHeaders(meta *RawMeta) map[string]string {
	headers := make(map[string]string)
	etag := meta.ETag
	if etag == "" {
		etag = meta.FirstPageETag
	}
	if etag != "" {
		headers["If-None-Match"] = etag
	}
	lastModified := meta.LastModified
	if lastModified == "" {
		lastModified = meta.FirstPageLastModified
	}
	if lastModified != "" {
		headers["If-Modified-Since"] = lastModified
	}
	return headers
}
