package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/chemflow/chemflow/pkg/cache"
	"github.com/chemflow/chemflow/pkg/catalog"
	"github.com/chemflow/chemflow/pkg/errors"
	"github.com/chemflow/chemflow/pkg/fetch"
)

func newTestManager(t *testing.T, datasets ...*catalog.Dataset) (*Manager, cache.Backend) {
	t.Helper()
	cat, err := catalog.FromEntries(datasets)
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	backend := cache.New("/cache", cache.WithFs(afero.NewMemMapFs()))
	return New(cat, backend), backend
}

func csvServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func csvDataset(id, url string) *catalog.Dataset {
	return &catalog.Dataset{
		ID:       id,
		Name:     id,
		Source:   "test",
		Category: "property_prediction",
		Format:   catalog.FormatCSV,
		URLs:     []string{url},
		Tags:     []string{"test", id},
	}
}

func TestMaterializePipeline(t *testing.T) {
	srv := csvServer(t, "smiles,logS\nCCO,-0.77\nCCC,-1.96\n")
	m, backend := newTestManager(t, csvDataset("esol", srv.URL+"/esol.csv"))

	var mu sync.Mutex
	var events []Event
	m.SetEventCallback(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	ctx := context.Background()
	res, err := m.Materialize(ctx, "esol", MaterializeOptions{})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if res.RowCount != 2 {
		t.Fatalf("rows = %d, want 2", res.RowCount)
	}
	for _, part := range res.Parts {
		if !backend.Exists(part) {
			t.Fatalf("missing part %s", part)
		}
	}

	mu.Lock()
	stages := map[Stage]int{}
	for _, ev := range events {
		if ev.Done {
			stages[ev.Stage]++
		}
	}
	mu.Unlock()
	if stages[StageFetch] != 1 || stages[StageMaterialize] != 1 {
		t.Fatalf("completed events = %v", stages)
	}

	// Unchanged raw and manifest short-circuit both stages.
	res, err = m.Materialize(ctx, "esol", MaterializeOptions{})
	if err != nil {
		t.Fatalf("second materialize: %v", err)
	}
	if !res.CacheHit {
		t.Fatal("expected materialize cache hit")
	}
}

func TestMaterializeUnknownDataset(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Materialize(context.Background(), "nope", MaterializeOptions{})
	if !errors.IsCode(err, errors.CodeUnknownDataset) {
		t.Fatalf("error = %v, want %s", err, errors.CodeUnknownDataset)
	}
}

func TestMaterializeChunkSizeOverride(t *testing.T) {
	srv := csvServer(t, "smiles,v\nCCO,1\nCCC,2\nCCCC,3\n")
	m, _ := newTestManager(t, csvDataset("chunks", srv.URL+"/chunks.csv"))

	ctx := context.Background()
	res, err := m.Materialize(ctx, "chunks", MaterializeOptions{ChunkSize: 1})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(res.Parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(res.Parts))
	}

	_, err = m.Materialize(ctx, "chunks", MaterializeOptions{ChunkSize: -1})
	if !errors.IsCode(err, errors.CodeInvalidDataset) {
		t.Fatalf("error = %v, want %s", err, errors.CodeInvalidDataset)
	}
}

func TestFetchManyPreservesOrder(t *testing.T) {
	good := csvServer(t, "a,b\n1,2\n")
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(bad.Close)

	m, _ := newTestManager(t,
		csvDataset("ok1", good.URL+"/ok1.csv"),
		csvDataset("broken", bad.URL+"/broken.csv"),
		csvDataset("ok2", good.URL+"/ok2.csv"),
	)

	outcomes := m.FetchMany(context.Background(), []string{"ok1", "broken", "ok2"}, fetch.Options{})
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	for i, id := range []string{"ok1", "broken", "ok2"} {
		if outcomes[i].DatasetID != id {
			t.Fatalf("outcome %d = %s, want %s", i, outcomes[i].DatasetID, id)
		}
	}
	if outcomes[0].Err != nil || outcomes[2].Err != nil {
		t.Fatalf("unexpected errors: %v %v", outcomes[0].Err, outcomes[2].Err)
	}
	if !errors.IsCode(outcomes[1].Err, errors.CodeFetchFailed) {
		t.Fatalf("error = %v, want %s", outcomes[1].Err, errors.CodeFetchFailed)
	}
}

func TestMaterializeAllWithTag(t *testing.T) {
	srv := csvServer(t, "a,b\n1,2\n")
	d1 := csvDataset("one", srv.URL+"/one.csv")
	d2 := csvDataset("two", srv.URL+"/two.csv")
	d2.Tags = []string{"other"}

	m, _ := newTestManager(t, d1, d2)
	outcomes := m.MaterializeAll(context.Background(), "test", MaterializeOptions{})
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outcomes))
	}
	if outcomes[0].DatasetID != "one" {
		t.Fatalf("dataset = %s", outcomes[0].DatasetID)
	}
}

func TestListFilters(t *testing.T) {
	srv := csvServer(t, "a\n1\n")
	d1 := csvDataset("alpha", srv.URL+"/a.csv")
	d2 := csvDataset("beta", srv.URL+"/b.csv")
	d2.Category = "bioactivity"

	m, _ := newTestManager(t, d1, d2)
	if got := len(m.List("", "")); got != 2 {
		t.Fatalf("unfiltered = %d", got)
	}
	if got := m.List("", "bioactivity"); len(got) != 1 || got[0].ID != "beta" {
		t.Fatalf("category filter = %v", got)
	}
	if got := m.List("alpha", ""); len(got) != 1 || got[0].ID != "alpha" {
		t.Fatalf("tag filter = %v", got)
	}
}

func TestValidateSourcesByID(t *testing.T) {
	srv := csvServer(t, "a\n1\n")
	m, _ := newTestManager(t,
		csvDataset("v1", srv.URL+"/v1.csv"),
		csvDataset("v2", srv.URL+"/v2.csv"),
	)

	results, err := m.ValidateSources(context.Background(), []string{"v2"}, "")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(results) != 1 || results[0].DatasetID != "v2" {
		t.Fatalf("results = %v", results)
	}
	if !results[0].OK {
		t.Fatalf("probe failed: %s", results[0].Error)
	}

	_, err = m.ValidateSources(context.Background(), []string{"missing"}, "")
	if !errors.IsCode(err, errors.CodeUnknownDataset) {
		t.Fatalf("error = %v, want %s", err, errors.CodeUnknownDataset)
	}
}

func TestFetchOutcomeJSONCarriesSnapshotAndError(t *testing.T) {
	srv := csvServer(t, "smiles\nCCO\n")
	defer srv.Close()
	m, _ := newTestManager(t, csvDataset("esol", srv.URL))

	outcomes := m.FetchMany(context.Background(), []string{"esol", "missing"}, fetch.Options{})
	data, err := json.Marshal(outcomes)
	if err != nil {
		t.Fatalf("marshal outcomes: %v", err)
	}
	payload := string(data)
	if !strings.Contains(payload, `"dataset":{"dataset_id":"esol"`) {
		t.Errorf("fetch JSON missing dataset snapshot: %s", payload)
	}
	if !strings.Contains(payload, `"error":"`) {
		t.Errorf("failed outcome should carry an error message: %s", payload)
	}
	if strings.Contains(payload, `"Err"`) {
		t.Errorf("raw error field should not marshal: %s", payload)
	}
}
