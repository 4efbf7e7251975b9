package validate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chemflow/chemflow/pkg/catalog"
)

func urlDataset(id string, urls ...string) *catalog.Dataset {
	return &catalog.Dataset{
		ID:       id,
		Name:     id,
		Source:   "test",
		Category: "property_prediction",
		Format:   catalog.FormatCSV,
		URLs:     urls,
	}
}

func TestProbeSendsRangeRequest(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	v := New()
	res := v.ValidateDataset(context.Background(), urlDataset("ds", srv.URL+"/data.csv"))
	if !res.OK {
		t.Fatalf("probe failed: %s", res.Error)
	}
	if res.Dataset.DatasetID != "ds" {
		t.Error("result should embed the dataset snapshot")
	}
	if gotRange != "bytes=0-0" {
		t.Fatalf("Range header = %q", gotRange)
	}
	if res.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if res.SourceType != "http" {
		t.Fatalf("source type = %s", res.SourceType)
	}
}

func TestProbeFallbackFirstSuccessWins(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer good.Close()

	v := New()
	res := v.ValidateDataset(context.Background(), urlDataset("ds", bad.URL, good.URL))
	if !res.OK {
		t.Fatalf("probe failed: %s", res.Error)
	}
	if res.CheckedURL != good.URL {
		t.Fatalf("checked url = %s", res.CheckedURL)
	}
	failures, ok := res.Detail["fallback_failures"].([]map[string]interface{})
	if !ok || len(failures) != 1 {
		t.Fatalf("fallback_failures = %v", res.Detail["fallback_failures"])
	}
	if failures[0]["url"] != bad.URL {
		t.Fatalf("failure url = %v", failures[0]["url"])
	}
}

func TestProbeFallbackAllFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	v := New()
	res := v.ValidateDataset(context.Background(), urlDataset("ds", bad.URL+"/a", bad.URL+"/b"))
	if res.OK {
		t.Fatal("expected failure when every source is unreachable")
	}
	failures := res.Detail["fallback_failures"].([]map[string]interface{})
	if len(failures) != 2 {
		t.Fatalf("failures = %d, want 2", len(failures))
	}
}

func TestProbeConcatRequiresAllSources(t *testing.T) {
	var mu sync.Mutex
	status := map[string]int{"/a": 200, "/b": 404, "/c": 200}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		code := status[r.URL.Path]
		mu.Unlock()
		w.WriteHeader(code)
	}))
	defer srv.Close()

	d := urlDataset("tranches", srv.URL+"/a", srv.URL+"/b", srv.URL+"/c")
	d.URLMode = catalog.URLModeConcat

	v := New()
	res := v.ValidateDataset(context.Background(), d)
	if res.OK {
		t.Fatal("expected failure when one part is unreachable")
	}
	if res.SourceType != "multi_url" {
		t.Fatalf("source type = %s", res.SourceType)
	}
	if res.Detail["failed_count"] != 1 {
		t.Fatalf("failed_count = %v", res.Detail["failed_count"])
	}
	if res.Detail["source_count"] != 3 {
		t.Fatalf("source_count = %v", res.Detail["source_count"])
	}

	mu.Lock()
	status["/b"] = 200
	mu.Unlock()
	res = v.ValidateDataset(context.Background(), d)
	if !res.OK {
		t.Fatalf("expected success: %s", res.Error)
	}
	if res.Detail["failed_count"] != 0 {
		t.Fatalf("failed_count = %v", res.Detail["failed_count"])
	}
}

func TestProbeFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "local.csv")
	if err := os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	v := New()
	res := v.ValidateDataset(context.Background(), urlDataset("local", "file://"+path))
	if !res.OK {
		t.Fatalf("probe failed: %s", res.Error)
	}
	if res.SourceType != "file" {
		t.Fatalf("source type = %s", res.SourceType)
	}

	res = v.ValidateDataset(context.Background(), urlDataset("missing", "file://"+filepath.Join(dir, "nope.csv")))
	if res.OK {
		t.Fatal("expected failure for missing file")
	}
}

func TestProbeAPISamplesOneItem(t *testing.T) {
	var gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"page_meta":{"next":null},"activities":[{"id":1}]}`))
	}))
	defer srv.Close()

	d := &catalog.Dataset{
		ID:       "chembl_sample",
		Name:     "chembl_sample",
		Source:   "test",
		Category: "bioactivity",
		Format:   catalog.FormatJSONL,
		API: &catalog.APIConfig{
			Endpoint:   srv.URL + "/activity.json",
			Pagination: catalog.PaginationChembl,
			ItemsPath:  "activities",
		},
	}

	v := New()
	res := v.ValidateDataset(context.Background(), d)
	if !res.OK {
		t.Fatalf("probe failed: %s", res.Error)
	}
	if gotLimit != "1" {
		t.Fatalf("limit = %q, want 1", gotLimit)
	}
	if res.SourceType != "api" {
		t.Fatalf("source type = %s", res.SourceType)
	}
	if res.Detail["sample_items"] != 1 {
		t.Fatalf("sample_items = %v", res.Detail["sample_items"])
	}
}

func TestProbeAPIBadItemsPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"id":1}]}`))
	}))
	defer srv.Close()

	d := &catalog.Dataset{
		ID:       "api_bad",
		Name:     "api_bad",
		Source:   "test",
		Category: "bioactivity",
		Format:   catalog.FormatJSONL,
		API: &catalog.APIConfig{
			Endpoint:      srv.URL,
			Pagination:    catalog.PaginationLinkHeader,
			ItemsPath:     "activities",
			PageSizeParam: "size",
		},
	}

	v := New()
	res := v.ValidateDataset(context.Background(), d)
	if res.OK {
		t.Fatal("expected failure for unresolvable items path")
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestValidateManyPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	datasets := []*catalog.Dataset{
		urlDataset("a", srv.URL+"/ok"),
		urlDataset("b", srv.URL+"/bad"),
		urlDataset("c", srv.URL+"/ok"),
	}

	v := New(WithConcurrency(2))
	results := v.ValidateMany(context.Background(), datasets)
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	for i, id := range []string{"a", "b", "c"} {
		if results[i].DatasetID != id {
			t.Fatalf("result %d = %s, want %s", i, results[i].DatasetID, id)
		}
	}
	if !results[0].OK || results[1].OK || !results[2].OK {
		t.Fatalf("ok flags = %v %v %v", results[0].OK, results[1].OK, results[2].OK)
	}
}

type memProbeCache struct {
	mu      sync.Mutex
	entries map[string]*Result
}

func (c *memProbeCache) Get(_ context.Context, id string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.entries[id]
	return res, ok
}

func (c *memProbeCache) Put(_ context.Context, id string, res *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = res
}

func TestProbeCacheSkipsNetwork(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	v := New(WithProbeCache(&memProbeCache{entries: map[string]*Result{}}))
	d := urlDataset("cached", srv.URL)

	first := v.ValidateDataset(context.Background(), d)
	if !first.OK || first.Cached {
		t.Fatalf("first probe ok=%v cached=%v", first.OK, first.Cached)
	}
	second := v.ValidateDataset(context.Background(), d)
	if !second.Cached {
		t.Fatal("second probe did not come from cache")
	}
	if calls != 1 {
		t.Fatalf("network calls = %d, want 1", calls)
	}
}
