package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/chemflow/chemflow/pkg/cache"
	"github.com/chemflow/chemflow/pkg/catalog"
	"github.com/chemflow/chemflow/pkg/errors"
)

// fetchHTTP downloads a single HTTP(S) source into the cache, honoring
// conditional revalidation when refresh is requested.
func (f *Fetcher) fetchHTTP(ctx context.Context, d *catalog.Dataset, rawPath, metaPath string, existing *RawMeta, source string, opts Options) (*Result, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, source, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeFetchFailed, "bad request").
			WithContext("source", source)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if opts.Refresh && !opts.Force {
		for k, v := range conditionalHeaders(existing) {
			req.Header.Set(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrap(err, errors.CodeTimeout, "request timed out").
				WithContext("source", source)
		}
		return nil, errors.Wrap(err, errors.CodeFetchFailed, "request failed").
			WithContext("source", source)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && f.cache.Exists(rawPath) {
		checksum, err := f.ensureSHA256(d, rawPath, metaPath, existing)
		if err != nil {
			return nil, err
		}
		existing.SourceURL = source
		existing.RefreshedAt = nowISO()
		if err := f.writeMeta(d, metaPath, existing); err != nil {
			return nil, err
		}
		return &Result{
			DatasetID:    d.ID,
			Version:      d.EffectiveVersion(),
			RawPath:      rawPath,
			MetadataPath: metaPath,
			SourceURL:    source,
			CacheHit:     true,
			Refreshed:    true,
			SHA256:       checksum,
		}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.BadResponse(source, resp.StatusCode)
	}

	bytesDownloaded, err := f.streamToRaw(f.observed(resp.Body, d.ID, resp.ContentLength), rawPath)
	if err != nil {
		return nil, err
	}

	checksum, err := cache.SHA256File(f.cache.Fs(), rawPath)
	if err != nil {
		return nil, err
	}

	meta := &RawMeta{
		DatasetID:       d.ID,
		Version:         d.EffectiveVersion(),
		FetchID:         uuid.NewString(),
		SourceType:      "http",
		SourceURL:       source,
		FetchedAt:       nowISO(),
		Refreshed:       opts.Refresh,
		StatusCode:      resp.StatusCode,
		ETag:            resp.Header.Get("ETag"),
		LastModified:    resp.Header.Get("Last-Modified"),
		ContentLength:   resp.Header.Get("Content-Length"),
		BytesDownloaded: bytesDownloaded,
		SHA256:          checksum,
	}
	if err := f.writeMeta(d, metaPath, meta); err != nil {
		return nil, err
	}

	return &Result{
		DatasetID:       d.ID,
		Version:         d.EffectiveVersion(),
		RawPath:         rawPath,
		MetadataPath:    metaPath,
		SourceURL:       source,
		Refreshed:       opts.Refresh,
		BytesDownloaded: bytesDownloaded,
		SHA256:          checksum,
	}, nil
}

// fetchFile copies a local file source into the cache. The cached copy is
// reused while the source mtime and size are unchanged.
func (f *Fetcher) fetchFile(d *catalog.Dataset, rawPath, metaPath string, existing *RawMeta, source string, u *url.URL, opts Options) (*Result, error) {
	sourcePath := localSourcePath(u)

	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeFetchFailed, "local source path does not exist").
			WithContext("source", source)
	}
	mtimeNS := info.ModTime().UnixNano()
	size := info.Size()

	if f.cache.Exists(rawPath) && !opts.Force &&
		existing.SourceMtimeNS == mtimeNS && existing.SourceSize == size {
		checksum, err := f.ensureSHA256(d, rawPath, metaPath, existing)
		if err != nil {
			return nil, err
		}
		return &Result{
			DatasetID:    d.ID,
			Version:      d.EffectiveVersion(),
			RawPath:      rawPath,
			MetadataPath: metaPath,
			SourceURL:    source,
			CacheHit:     true,
			Refreshed:    opts.Refresh,
			SHA256:       checksum,
		}, nil
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeFetchFailed, "open local source").
			WithContext("source", source)
	}
	defer src.Close()

	if _, err := f.streamToRaw(src, rawPath); err != nil {
		return nil, err
	}

	checksum, err := cache.SHA256File(f.cache.Fs(), rawPath)
	if err != nil {
		return nil, err
	}

	meta := &RawMeta{
		DatasetID:       d.ID,
		Version:         d.EffectiveVersion(),
		FetchID:         uuid.NewString(),
		SourceType:      "file",
		SourceURL:       source,
		FetchedAt:       nowISO(),
		Refreshed:       opts.Refresh,
		SHA256:          checksum,
		SourceMtimeNS:   mtimeNS,
		SourceSize:      size,
		BytesDownloaded: size,
	}
	if err := f.writeMeta(d, metaPath, meta); err != nil {
		return nil, err
	}

	return &Result{
		DatasetID:       d.ID,
		Version:         d.EffectiveVersion(),
		RawPath:         rawPath,
		MetadataPath:    metaPath,
		SourceURL:       source,
		Refreshed:       opts.Refresh,
		BytesDownloaded: size,
		SHA256:          checksum,
	}, nil
}

// observed tees r through the progress writer when one is configured.
func (f *Fetcher) observed(r io.Reader, label string, total int64) io.Reader {
	if f.progress == nil {
		return r
	}
	return io.TeeReader(r, f.progress(label, total))
}

// streamToRaw writes r to rawPath via a temp file and rename.
func (f *Fetcher) streamToRaw(r io.Reader, rawPath string) (int64, error) {
	fs := f.cache.Fs()
	if err := fs.MkdirAll(filepath.Dir(rawPath), 0o755); err != nil {
		return 0, errors.CacheBackendFailure("download", err).WithContext("path", rawPath)
	}

	tmp := rawPath + ".tmp"
	out, err := fs.Create(tmp)
	if err != nil {
		return 0, errors.CacheBackendFailure("download", err).WithContext("path", tmp)
	}

	buf := make([]byte, downloadChunkSize)
	written, err := io.CopyBuffer(out, r, buf)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fs.Remove(tmp)
		return 0, errors.Wrap(err, errors.CodeFetchFailed, "download interrupted").
			WithContext("path", rawPath)
	}

	if err := fs.Rename(tmp, rawPath); err != nil {
		fs.Remove(tmp)
		return 0, errors.CacheBackendFailure("download", err).WithContext("path", rawPath)
	}
	return written, nil
}

// downloadDetail fetches one URL into destPath and reports source metadata.
// Used for concat parts, where conditional logic does not apply.
func (f *Fetcher) downloadDetail(ctx context.Context, source, destPath string) (*SourceDetail, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeFetchFailed, "invalid source URL").
			WithContext("source", source)
	}

	fs := f.cache.Fs()
	if err := fs.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, errors.CacheBackendFailure("download", err).WithContext("path", destPath)
	}

	switch u.Scheme {
	case "", "file":
		sourcePath := localSourcePath(u)
		info, err := os.Stat(sourcePath)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeFetchFailed, "local source path does not exist").
				WithContext("source", source)
		}
		src, err := os.Open(sourcePath)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeFetchFailed, "open local source").
				WithContext("source", source)
		}
		defer src.Close()
		if err := afero.WriteReader(fs, destPath, src); err != nil {
			fs.Remove(destPath)
			return nil, errors.Wrap(err, errors.CodeFetchFailed, "copy local source").
				WithContext("source", source)
		}
		return &SourceDetail{
			SourceURL:       source,
			SourceType:      "file",
			StatusCode:      200,
			SourceSize:      info.Size(),
			SourceMtimeNS:   info.ModTime().UnixNano(),
			BytesDownloaded: info.Size(),
		}, nil

	case "http", "https":
		reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, source, nil)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeFetchFailed, "bad request").
				WithContext("source", source)
		}
		req.Header.Set("User-Agent", f.userAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeFetchFailed, "request failed").
				WithContext("source", source)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, errors.BadResponse(source, resp.StatusCode)
		}

		out, err := fs.Create(destPath)
		if err != nil {
			return nil, errors.CacheBackendFailure("download", err).WithContext("path", destPath)
		}
		buf := make([]byte, downloadChunkSize)
		body := f.observed(resp.Body, filepath.Base(u.Path), resp.ContentLength)
		written, err := io.CopyBuffer(out, body, buf)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			fs.Remove(destPath)
			return nil, errors.Wrap(err, errors.CodeFetchFailed, "download interrupted").
				WithContext("source", source)
		}
		return &SourceDetail{
			SourceURL:       source,
			SourceType:      "http",
			StatusCode:      resp.StatusCode,
			ETag:            resp.Header.Get("ETag"),
			LastModified:    resp.Header.Get("Last-Modified"),
			ContentLength:   resp.Header.Get("Content-Length"),
			BytesDownloaded: written,
		}, nil

	default:
		return nil, errors.New(errors.CodeFetchFailed, "unsupported URL scheme").
			WithContext("source", source).
			WithContext("scheme", u.Scheme)
	}
}

// localSourcePath resolves a file URL (or bare path) to a filesystem path.
func localSourcePath(u *url.URL) string {
	if u.Scheme == "" {
		return u.Path
	}
	path := u.Path
	if u.Host != "" && u.Host != "localhost" {
		path = filepath.Join(u.Host, path)
	}
	return path
}
