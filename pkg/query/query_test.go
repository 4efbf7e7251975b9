package query

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"github.com/chemflow/chemflow/pkg/cache"
	"github.com/chemflow/chemflow/pkg/catalog"
	"github.com/chemflow/chemflow/pkg/errors"
	"github.com/chemflow/chemflow/pkg/fetch"
	"github.com/chemflow/chemflow/pkg/materialize"
)

// materializeFixture writes a real parquet dataset under a temp dir so
// DuckDB can read it from disk.
func materializeFixture(t *testing.T, content string) (cache.Backend, *catalog.Dataset) {
	t.Helper()
	backend := cache.New(t.TempDir())
	if err := backend.Ensure(); err != nil {
		t.Fatalf("ensure cache: %v", err)
	}

	d := &catalog.Dataset{
		ID:       "fixture",
		Name:     "fixture",
		Source:   "test",
		Category: "property_prediction",
		Format:   catalog.FormatCSV,
		URLs:     []string{"https://example.org/fixture.csv"},
	}

	rawPath := backend.RawFile(d)
	if err := backend.Fs().MkdirAll(filepath.Dir(rawPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(backend.Fs(), rawPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	sum, err := cache.SHA256File(backend.Fs(), rawPath)
	if err != nil {
		t.Fatal(err)
	}

	m := materialize.New(backend)
	_, err = m.Materialize(context.Background(), d, &fetch.Result{
		DatasetID: d.ID,
		Version:   d.EffectiveVersion(),
		RawPath:   rawPath,
		SourceURL: d.URLs[0],
		SHA256:    sum,
	}, false)
	if err != nil {
		t.Fatalf("materialize fixture: %v", err)
	}
	return backend, d
}

func TestQueryDataset(t *testing.T) {
	backend, d := materializeFixture(t, "smiles,logS\nCCO,-0.77\nCCC,-1.96\nCCCC,-2.89\n")

	e, err := New(backend)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	res, err := e.QueryDataset(ctx, d, Options{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	rows, err := res.ToMaps()
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}

	res, err = e.QueryDataset(ctx, d, Options{
		Columns: []string{"smiles"},
		Filter:  "logS < -1",
		Limit:   1,
	})
	if err != nil {
		t.Fatalf("filtered query: %v", err)
	}
	if len(res.Columns()) != 1 || res.Columns()[0] != "smiles" {
		t.Fatalf("columns = %v", res.Columns())
	}
	rows, err = res.ToMaps()
	if err != nil {
		t.Fatalf("read filtered rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("filtered rows = %d, want 1", len(rows))
	}
}

func TestCountRows(t *testing.T) {
	backend, d := materializeFixture(t, "a,b\n1,2\n3,4\n")

	e, err := New(backend)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	defer e.Close()

	count, err := e.CountRows(context.Background(), d)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestQueryUnmaterializedDataset(t *testing.T) {
	backend := cache.New("/cache", cache.WithFs(afero.NewMemMapFs()))
	d := &catalog.Dataset{
		ID:       "missing",
		Name:     "missing",
		Source:   "test",
		Category: "property_prediction",
		Format:   catalog.FormatCSV,
		URLs:     []string{"https://example.org/m.csv"},
	}

	e, err := New(backend)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	defer e.Close()

	_, err = e.QueryDataset(context.Background(), d, Options{})
	if !errors.IsCode(err, errors.CodeMaterializeFailed) {
		t.Fatalf("error = %v, want %s", err, errors.CodeMaterializeFailed)
	}
}

func TestDescribeDataset(t *testing.T) {
	backend, d := materializeFixture(t, "smiles,count\nCCO,3\n")

	e, err := New(backend)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	defer e.Close()

	cols, err := e.DescribeDataset(context.Background(), d)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if len(cols) != 2 {
		t.Fatalf("columns = %d, want 2", len(cols))
	}
	if cols[0].Name != "smiles" || cols[1].Name != "count" {
		t.Fatalf("column names = %s, %s", cols[0].Name, cols[1].Name)
	}
}
