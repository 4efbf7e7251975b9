package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chemflow/chemflow/pkg/cache"
	"github.com/chemflow/chemflow/pkg/catalog"
	"github.com/chemflow/chemflow/pkg/errors"
)

// fetchConcat downloads every configured URL and merges the parts, in
// declaration order, into a single raw file. Parts download concurrently;
// the merge itself is sequential so ordering stays deterministic. For
// csv/tsv datasets, repeated header lines after the first part are dropped.
func (f *Fetcher) fetchConcat(ctx context.Context, d *catalog.Dataset, rawPath, metaPath string, opts Options) (*Result, error) {
	fs := f.cache.Fs()
	if err := fs.MkdirAll(filepath.Dir(rawPath), 0o755); err != nil {
		return nil, errors.CacheBackendFailure("concat", err).WithContext("path", rawPath)
	}

	partPaths := make([]string, len(d.URLs))
	details := make([]*SourceDetail, len(d.URLs))
	for i := range d.URLs {
		partPaths[i] = fmt.Sprintf("%s.part-%04d.tmp", rawPath, i)
	}

	cleanup := func() {
		for _, p := range partPaths {
			fs.Remove(p)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, source := range d.URLs {
		i, source := i, source
		g.Go(func() error {
			detail, err := f.downloadDetail(gctx, source, partPaths[i])
			if err != nil {
				return err
			}
			details[i] = detail
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cleanup()
		return nil, err
	}

	tmpPath := rawPath + ".tmp"
	bytesMerged, err := f.mergeParts(d, tmpPath, partPaths)
	cleanup()
	if err != nil {
		fs.Remove(tmpPath)
		return nil, err
	}

	if err := fs.Rename(tmpPath, rawPath); err != nil {
		fs.Remove(tmpPath)
		return nil, errors.CacheBackendFailure("concat", err).WithContext("path", rawPath)
	}

	checksum, err := cache.SHA256File(fs, rawPath)
	if err != nil {
		return nil, err
	}

	var bytesDownloaded int64
	sourceDetails := make([]SourceDetail, 0, len(details))
	for _, detail := range details {
		bytesDownloaded += detail.BytesDownloaded
		sourceDetails = append(sourceDetails, *detail)
	}

	meta := &RawMeta{
		DatasetID:       d.ID,
		Version:         d.EffectiveVersion(),
		FetchID:         uuid.NewString(),
		SourceType:      "multi_url",
		SourceURL:       d.URLs[0],
		SourceURLs:      d.URLs,
		URLMode:         string(d.EffectiveURLMode()),
		SourceCount:     len(d.URLs),
		FetchedAt:       nowISO(),
		Refreshed:       opts.Refresh,
		BytesDownloaded: bytesDownloaded,
		Sources:         sourceDetails,
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
		SourceURL:       d.URLs[0],
		Refreshed:       opts.Refresh,
		BytesDownloaded: bytesMerged,
		SHA256:          checksum,
	}, nil
}

// mergeParts concatenates downloaded parts into dest. Returns the merged size.
func (f *Fetcher) mergeParts(d *catalog.Dataset, dest string, partPaths []string) (int64, error) {
	fs := f.cache.Fs()

	out, err := fs.Create(dest)
	if err != nil {
		return 0, errors.CacheBackendFailure("concat", err).WithContext("path", dest)
	}
	defer out.Close()

	dedupeHeader := d.Format == catalog.FormatCSV || d.Format == catalog.FormatTSV
	var firstHeader []byte
	var written int64
	buf := make([]byte, downloadChunkSize)

	for index, partPath := range partPaths {
		part, err := fs.Open(partPath)
		if err != nil {
			return 0, errors.CacheBackendFailure("concat", err).WithContext("path", partPath)
		}

		reader := bufio.NewReaderSize(part, 64*1024)
		if dedupeHeader {
			header, err := readLine(reader)
			if err != nil && err != io.EOF {
				part.Close()
				return 0, errors.Wrap(err, errors.CodeFetchFailed, "read part header").
					WithContext("path", partPath)
			}

			writeHeader := false
			if index == 0 {
				firstHeader = header
				writeHeader = len(header) > 0
			} else if len(header) > 0 && string(header) != string(firstHeader) {
				// Not a duplicate header. Keep the line, it is data.
				writeHeader = true
			}
			if writeHeader {
				n, err := out.Write(header)
				if err != nil {
					part.Close()
					return 0, errors.Wrap(err, errors.CodeFetchFailed, "merge parts")
				}
				written += int64(n)
			}
		}

		n, err := io.CopyBuffer(out, reader, buf)
		part.Close()
		if err != nil {
			return 0, errors.Wrap(err, errors.CodeFetchFailed, "merge parts").
				WithContext("path", partPath)
		}
		written += n
	}

	return written, nil
}

// readLine reads one line including its terminator.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if len(line) > 0 {
		return line, nil
	}
	return line, err
}
