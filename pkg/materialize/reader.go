package materialize

import (
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/spf13/afero"

	"github.com/chemflow/chemflow/pkg/catalog"
	"github.com/chemflow/chemflow/pkg/errors"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte{0x50, 0x4b, 0x03, 0x04}
)

// chunkReader yields one arrow record per chunk, nil at end of input.
type chunkReader interface {
	Next() (arrow.Record, error)
}

// openChunks opens the raw file, unwraps gzip or zip archives, and returns
// a chunk reader matching the dataset format.
func (m *Materializer) openChunks(d *catalog.Dataset, rawPath string) (chunkReader, func(), error) {
	fs := m.cache.Fs()

	f, err := fs.Open(rawPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CodeMaterializeFailed, "open raw file").
			WithContext("path", rawPath)
	}
	closer := func() { f.Close() }

	reader, name, err := unwrapArchive(fs, f, rawPath, d.EffectiveCompression())
	if err != nil {
		closer()
		return nil, nil, err
	}

	format := d.Format
	if format != catalog.FormatJSONL && strings.HasSuffix(strings.ToLower(name), ".jsonl") {
		format = catalog.FormatJSONL
	}

	if format == catalog.FormatJSONL {
		return newJSONLChunker(m, reader), closer, nil
	}
	return newCSVChunker(m, reader, inferDelimiter(d, name)), closer, nil
}

// unwrapArchive peeks at the file header and transparently decompresses
// gzip streams or extracts the preferred member of a zip archive. The
// returned name is the effective file name used for format inference.
func unwrapArchive(fs afero.Fs, f afero.File, rawPath string, compression catalog.Compression) (io.Reader, string, error) {
	name := filepath.Base(rawPath)

	switch compression {
	case catalog.CompressionNone:
		return bufio.NewReaderSize(f, 256*1024), name, nil
	case catalog.CompressionGzip:
		return gzipReader(f, rawPath, name)
	case catalog.CompressionZip:
		return zipReader(fs, rawPath)
	}

	br := bufio.NewReaderSize(f, 256*1024)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, "", errors.Wrap(err, errors.CodeMaterializeFailed, "read raw file header").
			WithContext("path", rawPath)
	}
	if bytes.HasPrefix(head, gzipMagic) {
		return gzipReader(br, rawPath, name)
	}
	if bytes.HasPrefix(head, zipMagic) {
		return zipReader(fs, rawPath)
	}
	return br, name, nil
}

func gzipReader(r io.Reader, rawPath, name string) (io.Reader, string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, "", errors.Wrap(err, errors.CodeMaterializeFailed, "open gzip stream").
			WithContext("path", rawPath)
	}
	return gz, strings.TrimSuffix(name, ".gz"), nil
}

// zipReader extracts the most useful member of a zip archive. Tabular
// extensions win over anything else; ties go to declaration order.
func zipReader(fs afero.Fs, rawPath string) (io.Reader, string, error) {
	data, err := afero.ReadFile(fs, rawPath)
	if err != nil {
		return nil, "", errors.Wrap(err, errors.CodeMaterializeFailed, "read zip archive").
			WithContext("path", rawPath)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, "", errors.Wrap(err, errors.CodeMaterializeFailed, "open zip archive").
			WithContext("path", rawPath)
	}

	member := pickZipMember(zr.File)
	if member == nil {
		return nil, "", errors.New(errors.CodeMaterializeFailed, "zip archive has no files").
			WithContext("path", rawPath)
	}

	rc, err := member.Open()
	if err != nil {
		return nil, "", errors.Wrap(err, errors.CodeMaterializeFailed, "open zip member").
			WithContext("member", member.Name)
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", errors.Wrap(err, errors.CodeMaterializeFailed, "extract zip member").
			WithContext("member", member.Name)
	}
	return bytes.NewReader(content), filepath.Base(member.Name), nil
}

func pickZipMember(files []*zip.File) *zip.File {
	var fallback *zip.File
	for _, ext := range []string{".csv", ".tsv", ".txt", ".jsonl"} {
		for _, f := range files {
			if f.FileInfo().IsDir() {
				continue
			}
			if fallback == nil {
				fallback = f
			}
			if strings.HasSuffix(strings.ToLower(f.Name), ext) {
				return f
			}
		}
	}
	return fallback
}

// inferDelimiter resolves the field separator: explicit setting first,
// then the declared format, then the file extension, comma otherwise.
func inferDelimiter(d *catalog.Dataset, name string) byte {
	if d.Delimiter != "" {
		return d.Delimiter[0]
	}
	if d.Format == catalog.FormatTSV {
		return '\t'
	}
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".tsv") || strings.HasSuffix(lower, ".txt") {
		return '\t'
	}
	return ','
}

// csvChunker reads delimited text chunk by chunk. Quoted fields may
// contain the delimiter, doubled quotes, and embedded newlines.
type csvChunker struct {
	m         *Materializer
	r         *bufio.Reader
	delimiter byte
	headers   []string
	done      bool
}

func newCSVChunker(m *Materializer, r io.Reader, delimiter byte) *csvChunker {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 256*1024)
	}
	return &csvChunker{m: m, r: br, delimiter: delimiter}
}

func (c *csvChunker) Next() (arrow.Record, error) {
	if c.done {
		return nil, nil
	}

	if c.headers == nil {
		line, err := readQuotedLine(c.r)
		if err == io.EOF {
			c.done = true
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeMaterializeFailed, "read header row")
		}
		c.headers = parseDelimited(line, c.delimiter)
	}

	rows := make([][]string, 0, c.m.chunkSize)
	for len(rows) < c.m.chunkSize {
		line, err := readQuotedLine(c.r)
		if err == io.EOF {
			c.done = true
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeMaterializeFailed, "read data row")
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := parseDelimited(line, c.delimiter)
		for len(fields) < len(c.headers) {
			fields = append(fields, "")
		}
		rows = append(rows, fields[:len(c.headers)])
	}

	if len(rows) == 0 {
		return nil, nil
	}
	return c.m.buildTextRecord(c.headers, rows)
}

// readQuotedLine reads one logical line, keeping newlines that fall
// inside quoted fields.
func readQuotedLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	inQuotes := false
	readAny := false

	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			if !readAny {
				return "", io.EOF
			}
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
		readAny = true

		switch b {
		case '"':
			inQuotes = !inQuotes
			sb.WriteByte(b)
		case '\n':
			if inQuotes {
				sb.WriteByte(b)
				continue
			}
			return strings.TrimSuffix(sb.String(), "\r"), nil
		default:
			sb.WriteByte(b)
		}
	}
}

// parseDelimited splits a logical line into fields, honoring quotes and
// doubled-quote escapes.
func parseDelimited(line string, delimiter byte) []string {
	var fields []string
	var sb strings.Builder
	inQuotes := false

	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '"':
			if inQuotes && i+1 < len(line) && line[i+1] == '"' {
				sb.WriteByte('"')
				i++
				continue
			}
			inQuotes = !inQuotes
		case ch == delimiter && !inQuotes:
			fields = append(fields, sb.String())
			sb.Reset()
		default:
			sb.WriteByte(ch)
		}
	}
	fields = append(fields, sb.String())
	return fields
}

// jsonlChunker reads newline-delimited JSON objects chunk by chunk.
type jsonlChunker struct {
	m       *Materializer
	scanner *bufio.Scanner
	done    bool
}

func newJSONLChunker(m *Materializer, r io.Reader) *jsonlChunker {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &jsonlChunker{m: m, scanner: scanner}
}

func (c *jsonlChunker) Next() (arrow.Record, error) {
	if c.done {
		return nil, nil
	}

	objects := make([]map[string]interface{}, 0, c.m.chunkSize)
	for len(objects) < c.m.chunkSize {
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return nil, errors.Wrap(err, errors.CodeMaterializeFailed, "read jsonl line")
			}
			c.done = true
			break
		}
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(line, &obj); err != nil {
			return nil, errors.Wrap(err, errors.CodeMaterializeFailed, "parse jsonl line")
		}
		objects = append(objects, obj)
	}

	if len(objects) == 0 {
		return nil, nil
	}
	return c.m.buildObjectRecord(objects)
}
