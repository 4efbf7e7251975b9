package fetch

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/chemflow/chemflow/pkg/cache"
	"github.com/chemflow/chemflow/pkg/catalog"
	"github.com/chemflow/chemflow/pkg/errors"
)

// fetchAPI accumulates paginated API responses into a JSONL raw file.
// Cached payloads are reused while the request fingerprint is unchanged.
func (f *Fetcher) fetchAPI(ctx context.Context, d *catalog.Dataset, rawPath, metaPath string, existing *RawMeta, opts Options) (*Result, error) {
	api := d.API
	fingerprint := api.Fingerprint()

	if f.cache.Exists(rawPath) && !opts.Force && !opts.Refresh &&
		existing.APIRequestSignature == fingerprint {
		checksum, err := f.ensureSHA256(d, rawPath, metaPath, existing)
		if err != nil {
			return nil, err
		}
		return &Result{
			DatasetID:    d.ID,
			Version:      d.EffectiveVersion(),
			RawPath:      rawPath,
			MetadataPath: metaPath,
			SourceURL:    api.Endpoint,
			CacheHit:     true,
			SHA256:       checksum,
		}, nil
	}

	fs := f.cache.Fs()
	if err := fs.MkdirAll(filepath.Dir(rawPath), 0o755); err != nil {
		return nil, errors.CacheBackendFailure("api_fetch", err).WithContext("path", rawPath)
	}

	tmpPath := rawPath + ".tmp"
	out, err := fs.Create(tmpPath)
	if err != nil {
		return nil, errors.CacheBackendFailure("api_fetch", err).WithContext("path", tmpPath)
	}
	writer := bufio.NewWriterSize(out, 256*1024)

	fail := func(err error) (*Result, error) {
		out.Close()
		fs.Remove(tmpPath)
		return nil, err
	}

	maxPages := api.MaxPages
	if maxPages <= 0 {
		maxPages = f.maxPages
	}
	maxRows := api.MaxRows
	if maxRows <= 0 {
		maxRows = f.maxRows
	}

	pageURL, err := f.firstPageURL(api)
	if err != nil {
		return fail(err)
	}

	var (
		firstPageETag         string
		firstPageLastModified string
		rowsWritten           int
		pagesFetched          int
		bytesDownloaded       int64
	)

	for {
		reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pageURL, nil)
		if err != nil {
			cancel()
			return fail(errors.Wrap(err, errors.CodeFetchFailed, "bad request").
				WithContext("source", pageURL))
		}
		req.Header.Set("User-Agent", f.userAgent)
		for k, v := range api.Headers {
			req.Header.Set(k, v)
		}
		if pagesFetched == 0 && opts.Refresh && !opts.Force {
			for k, v := range conditionalHeaders(existing) {
				req.Header.Set(k, v)
			}
		}

		resp, err := f.client.Do(req)
		if err != nil {
			cancel()
			return fail(errors.Wrap(err, errors.CodeFetchFailed, "request failed").
				WithContext("source", pageURL))
		}

		if resp.StatusCode == http.StatusNotModified && pagesFetched == 0 && f.cache.Exists(rawPath) {
			resp.Body.Close()
			cancel()
			out.Close()
			fs.Remove(tmpPath)

			checksum, err := f.ensureSHA256(d, rawPath, metaPath, existing)
			if err != nil {
				return nil, err
			}
			existing.SourceURL = api.Endpoint
			existing.RefreshedAt = nowISO()
			if err := f.writeMeta(d, metaPath, existing); err != nil {
				return nil, err
			}
			return &Result{
				DatasetID:    d.ID,
				Version:      d.EffectiveVersion(),
				RawPath:      rawPath,
				MetadataPath: metaPath,
				SourceURL:    api.Endpoint,
				CacheHit:     true,
				Refreshed:    true,
				SHA256:       checksum,
			}, nil
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			cancel()
			return fail(errors.BadResponse(pageURL, resp.StatusCode))
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		if err != nil {
			return fail(errors.Wrap(err, errors.CodeFetchFailed, "read page body").
				WithContext("source", pageURL))
		}
		bytesDownloaded += int64(len(body))

		if pagesFetched == 0 {
			firstPageETag = resp.Header.Get("ETag")
			firstPageLastModified = resp.Header.Get("Last-Modified")
		}

		var payload interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			return fail(errors.Wrap(err, errors.CodeAPIPayload, "page is not valid JSON").
				WithContext("source", pageURL))
		}

		items, err := extractItems(payload, api.ItemsPath)
		if err != nil {
			return fail(err)
		}

		for _, item := range items {
			if rowsWritten >= maxRows {
				break
			}
			// json.Marshal emits map keys in sorted order, keeping the
			// accumulated JSONL byte-stable across runs.
			line, err := json.Marshal(item)
			if err != nil {
				return fail(errors.Wrap(err, errors.CodeAPIPayload, "encode item"))
			}
			if _, err := writer.Write(line); err != nil {
				return fail(errors.Wrap(err, errors.CodeFetchFailed, "write item"))
			}
			if err := writer.WriteByte('\n'); err != nil {
				return fail(errors.Wrap(err, errors.CodeFetchFailed, "write item"))
			}
			rowsWritten++
		}
		pagesFetched++

		if rowsWritten >= maxRows || pagesFetched >= maxPages {
			break
		}

		nextURL, err := nextPageURL(api, payload, resp.Request.URL, resp.Header.Get("Link"))
		if err != nil {
			return fail(err)
		}
		if nextURL == "" {
			break
		}
		pageURL = nextURL
	}

	if err := writer.Flush(); err != nil {
		return fail(errors.Wrap(err, errors.CodeFetchFailed, "flush output"))
	}
	if err := out.Close(); err != nil {
		fs.Remove(tmpPath)
		return nil, errors.Wrap(err, errors.CodeFetchFailed, "close output")
	}
	if err := fs.Rename(tmpPath, rawPath); err != nil {
		fs.Remove(tmpPath)
		return nil, errors.CacheBackendFailure("api_fetch", err).WithContext("path", rawPath)
	}

	checksum, err := cache.SHA256File(fs, rawPath)
	if err != nil {
		return nil, err
	}

	meta := &RawMeta{
		DatasetID:             d.ID,
		Version:               d.EffectiveVersion(),
		FetchID:               uuid.NewString(),
		SourceType:            "api",
		SourceURL:             api.Endpoint,
		FetchedAt:             nowISO(),
		Refreshed:             opts.Refresh,
		APIRequestSignature:   fingerprint,
		APIRows:               rowsWritten,
		APIPages:              pagesFetched,
		APIPagination:         string(api.Pagination),
		FirstPageETag:         firstPageETag,
		FirstPageLastModified: firstPageLastModified,
		BytesDownloaded:       bytesDownloaded,
		SHA256:                checksum,
	}
	if err := f.writeMeta(d, metaPath, meta); err != nil {
		return nil, err
	}

	return &Result{
		DatasetID:       d.ID,
		Version:         d.EffectiveVersion(),
		RawPath:         rawPath,
		MetadataPath:    metaPath,
		SourceURL:       api.Endpoint,
		Refreshed:       opts.Refresh,
		BytesDownloaded: bytesDownloaded,
		SHA256:          checksum,
	}, nil
}

// firstPageURL builds the initial page URL with params and paging defaults.
func (f *Fetcher) firstPageURL(api *catalog.APIConfig) (string, error) {
	u, err := url.Parse(api.Endpoint)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeFetchFailed, "invalid API endpoint").
			WithContext("endpoint", api.Endpoint)
	}

	q := u.Query()
	for k, v := range api.Params {
		if q.Get(k) == "" {
			q.Set(k, v)
		}
	}
	if api.PageSizeParam != "" && api.PageSize > 0 && q.Get(api.PageSizeParam) == "" {
		q.Set(api.PageSizeParam, strconv.Itoa(api.PageSize))
	}
	if api.Pagination == catalog.PaginationChembl {
		if q.Get("limit") == "" {
			size := api.PageSize
			if size <= 0 {
				size = 1000
			}
			q.Set("limit", strconv.Itoa(size))
		}
		if q.Get("offset") == "" {
			q.Set("offset", "0")
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// extractItems resolves the items path inside a page payload.
func extractItems(payload interface{}, itemsPath string) ([]interface{}, error) {
	if itemsPath == "" {
		items, ok := payload.([]interface{})
		if !ok {
			return nil, errors.New(errors.CodeAPIPayload, "payload must be a list when items_path is empty")
		}
		return items, nil
	}

	value := payload
	for _, segment := range strings.Split(itemsPath, ".") {
		obj, ok := value.(map[string]interface{})
		if !ok {
			return nil, errors.New(errors.CodeAPIPayload, "cannot resolve items path").
				WithContext("items_path", itemsPath).
				WithContext("segment", segment)
		}
		value = obj[segment]
	}

	if value == nil {
		return nil, nil
	}
	items, ok := value.([]interface{})
	if !ok {
		return nil, errors.New(errors.CodeAPIPayload, "items path did not resolve to a list").
			WithContext("items_path", itemsPath)
	}
	return items, nil
}

// nextPageURL resolves the next page for the configured pagination mode.
// An empty return means the last page was reached.
func nextPageURL(api *catalog.APIConfig, payload interface{}, current *url.URL, linkHeader string) (string, error) {
	switch api.Pagination {
	case catalog.PaginationNone, "":
		return "", nil

	case catalog.PaginationChembl:
		next, _ := nestedGet(payload, "page_meta.next").(string)
		if next == "" {
			return "", nil
		}
		ref, err := url.Parse(next)
		if err != nil {
			return "", errors.Wrap(err, errors.CodeAPIPayload, "bad next page reference").
				WithContext("next", next)
		}
		return current.ResolveReference(ref).String(), nil

	case catalog.PaginationLinkHeader:
		return parseNextLink(linkHeader), nil

	default:
		return "", errors.New(errors.CodeAPIPayload, "unsupported pagination mode").
			WithContext("pagination", string(api.Pagination))
	}
}

func nestedGet(payload interface{}, path string) interface{} {
	current := payload
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = obj[segment]
	}
	return current
}

// parseNextLink extracts the rel="next" target from a Link header.
func parseNextLink(linkHeader string) string {
	if linkHeader == "" {
		return ""
	}
	for _, part := range strings.Split(linkHeader, ",") {
		section := strings.TrimSpace(part)
		if !strings.Contains(section, `rel="next"`) {
			continue
		}
		if !strings.HasPrefix(section, "<") {
			continue
		}
		end := strings.Index(section, ">")
		if end < 0 {
			continue
		}
		return section[1:end]
	}
	return ""
}
