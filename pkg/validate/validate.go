// Package validate probes dataset sources for reachability without
// downloading them.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chemflow/chemflow/pkg/catalog"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultConcurrency = 8
	defaultUserAgent   = "chemflow/1.0"
)

// Result is the outcome of probing one dataset's sources.
type Result struct {
	DatasetID  string                 `json:"dataset_id"`
	SourceType string                 `json:"source_type"`
	OK         bool                   `json:"ok"`
	CheckedURL string                 `json:"checked_url,omitempty"`
	StatusCode int                    `json:"status_code,omitempty"`
	LatencyMS  int64                  `json:"latency_ms"`
	Error      string                 `json:"error,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	Cached     bool                   `json:"cached,omitempty"`
	Dataset    catalog.Snapshot       `json:"dataset"`
}

// ProbeCache stores recent probe results so repeated validation runs do
// not hammer upstream servers.
type ProbeCache interface {
	Get(ctx context.Context, datasetID string) (*Result, bool)
	Put(ctx context.Context, datasetID string, res *Result)
}

// Validator checks that dataset sources are reachable.
type Validator struct {
	client      *http.Client
	userAgent   string
	timeout     time.Duration
	concurrency int
	cache       ProbeCache
}

// Option customizes a Validator.
type Option func(*Validator)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Validator) { v.client = c }
}

// WithTimeout sets the per-probe timeout.
func WithTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithConcurrency bounds parallel probes in ValidateMany.
func WithConcurrency(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.concurrency = n
		}
	}
}

// WithProbeCache attaches a probe result cache.
func WithProbeCache(c ProbeCache) Option {
	return func(v *Validator) { v.cache = c }
}

// WithUserAgent sets the User-Agent header for probes.
func WithUserAgent(ua string) Option {
	return func(v *Validator) {
		if ua != "" {
			v.userAgent = ua
		}
	}
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{
		client:      http.DefaultClient,
		userAgent:   defaultUserAgent,
		timeout:     defaultTimeout,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateDataset probes one dataset. Failures are reported in the
// result rather than returned as errors.
func (v *Validator) ValidateDataset(ctx context.Context, d *catalog.Dataset) *Result {
	if v.cache != nil {
		if cached, ok := v.cache.Get(ctx, d.ID); ok {
			cached.Cached = true
			return cached
		}
	}

	var res *Result
	switch {
	case d.IsAPI():
		res = v.probeAPI(ctx, d)
	case d.EffectiveURLMode() == catalog.URLModeConcat:
		res = v.probeConcat(ctx, d)
	default:
		res = v.probeFallback(ctx, d)
	}
	res.Dataset = d.MetadataSnapshot()

	if v.cache != nil {
		v.cache.Put(ctx, d.ID, res)
	}
	return res
}

// ValidateMany probes datasets in parallel, preserving input order.
func (v *Validator) ValidateMany(ctx context.Context, datasets []*catalog.Dataset) []*Result {
	results := make([]*Result, len(datasets))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, d := range datasets {
		i, d := i, d
		g.Go(func() error {
			results[i] = v.ValidateDataset(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// probeFallback tries each URL in order. The first reachable source
// wins; earlier failures are recorded in the detail map.
func (v *Validator) probeFallback(ctx context.Context, d *catalog.Dataset) *Result {
	var failures []map[string]interface{}
	var latency int64

	for _, source := range d.URLs {
		probe := v.probeOne(ctx, d, source)
		latency += probe.LatencyMS
		if probe.OK {
			probe.LatencyMS = latency
			if len(failures) > 0 {
				if probe.Detail == nil {
					probe.Detail = map[string]interface{}{}
				}
				probe.Detail["fallback_failures"] = failures
			}
			return probe
		}
		failures = append(failures, map[string]interface{}{
			"url":    source,
			"status": probe.StatusCode,
			"error":  probe.Error,
		})
	}

	return &Result{
		DatasetID:  d.ID,
		SourceType: sourceTypeOf(d),
		OK:         false,
		LatencyMS:  latency,
		Error:      fmt.Sprintf("all %d sources unreachable", len(d.URLs)),
		Detail:     map[string]interface{}{"fallback_failures": failures},
	}
}

// probeConcat requires every URL to be reachable.
func (v *Validator) probeConcat(ctx context.Context, d *catalog.Dataset) *Result {
	res := &Result{
		DatasetID:  d.ID,
		SourceType: "multi_url",
		OK:         true,
	}

	failed := 0
	var failures []map[string]interface{}
	for _, source := range d.URLs {
		probe := v.probeOne(ctx, d, source)
		res.LatencyMS += probe.LatencyMS
		if !probe.OK {
			failed++
			failures = append(failures, map[string]interface{}{
				"url":    source,
				"status": probe.StatusCode,
				"error":  probe.Error,
			})
		}
	}

	res.Detail = map[string]interface{}{
		"source_count": len(d.URLs),
		"failed_count": failed,
	}
	if failed > 0 {
		res.OK = false
		res.Error = fmt.Sprintf("%d of %d sources unreachable", failed, len(d.URLs))
		res.Detail["failures"] = failures
	}
	return res
}

// probeOne checks a single URL without downloading the body.
func (v *Validator) probeOne(ctx context.Context, d *catalog.Dataset, source string) *Result {
	res := &Result{
		DatasetID:  d.ID,
		SourceType: sourceTypeOf(d),
		CheckedURL: source,
	}

	u, err := url.Parse(source)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if u.Scheme == "" || u.Scheme == "file" {
		return v.probeFile(d, source, u)
	}

	start := time.Now()
	defer func() { res.LatencyMS = time.Since(start).Milliseconds() }()

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("User-Agent", v.userAgent)
	// A one-byte range request reaches the object without pulling it.
	req.Header.Set("Range", "bytes=0-0")

	resp, err := v.client.Do(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	res.StatusCode = resp.StatusCode
	if resp.StatusCode >= 400 {
		res.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return res
	}
	res.OK = true
	return res
}

func (v *Validator) probeFile(d *catalog.Dataset, source string, u *url.URL) *Result {
	res := &Result{
		DatasetID:  d.ID,
		SourceType: "file",
		CheckedURL: source,
	}
	path := u.Path
	if u.Scheme == "" {
		path = source
	}
	info, err := os.Stat(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	res.Detail = map[string]interface{}{"size": info.Size()}
	return res
}

// probeAPI requests a single-item sample page and checks that the items
// path resolves in the payload.
func (v *Validator) probeAPI(ctx context.Context, d *catalog.Dataset) *Result {
	res := &Result{
		DatasetID:  d.ID,
		SourceType: "api",
	}
	api := d.API

	u, err := url.Parse(api.Endpoint)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	q := u.Query()
	for k, val := range api.Params {
		q.Set(k, val)
	}
	switch {
	case api.PageSizeParam != "":
		q.Set(api.PageSizeParam, "1")
	case api.Pagination == catalog.PaginationChembl:
		q.Set("limit", "1")
	}
	u.RawQuery = q.Encode()
	res.CheckedURL = u.String()

	start := time.Now()
	defer func() { res.LatencyMS = time.Since(start).Milliseconds() }()

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("User-Agent", v.userAgent)
	req.Header.Set("Accept", "application/json")
	for k, val := range api.Headers {
		req.Header.Set(k, val)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	if resp.StatusCode >= 400 {
		res.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return res
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	var payload interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		res.Error = "invalid JSON payload: " + err.Error()
		return res
	}
	items, err := sampleItems(payload, api.ItemsPath)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.OK = true
	res.Detail = map[string]interface{}{"sample_items": len(items)}
	return res
}

// sampleItems resolves the items path in an API payload.
func sampleItems(payload interface{}, itemsPath string) ([]interface{}, error) {
	current := payload
	if itemsPath != "" {
		for _, segment := range strings.Split(itemsPath, ".") {
			obj, ok := current.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("items path %q not found in payload", itemsPath)
			}
			current = obj[segment]
		}
	}
	if current == nil {
		return nil, nil
	}
	items, ok := current.([]interface{})
	if !ok {
		return nil, fmt.Errorf("items path %q does not resolve to a list", itemsPath)
	}
	return items, nil
}

func sourceTypeOf(d *catalog.Dataset) string {
	if d.IsAPI() {
		return "api"
	}
	if d.EffectiveURLMode() == catalog.URLModeConcat {
		return "multi_url"
	}
	return "http"
}
