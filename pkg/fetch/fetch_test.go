package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"

	"github.com/chemflow/chemflow/pkg/cache"
	"github.com/chemflow/chemflow/pkg/catalog"
	"github.com/chemflow/chemflow/pkg/errors"
)

func newTestFetcher(t *testing.T) (*Fetcher, *cache.DataCache) {
	t.Helper()
	c := cache.New("/cache", cache.WithFs(afero.NewMemMapFs()))
	return New(c), c
}

func urlDataset(id string, urls ...string) *catalog.Dataset {
	return &catalog.Dataset{
		ID:     id,
		URLs:   urls,
		Format: catalog.FormatCSV,
	}
}

func readRaw(t *testing.T, c *cache.DataCache, path string) string {
	t.Helper()
	data, err := afero.ReadFile(c.Fs(), path)
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	return string(data)
}

func TestFetchDownloadsAndCaches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, "smiles,label\nCCO,1\n")
	}))
	defer srv.Close()

	f, c := newTestFetcher(t)
	d := urlDataset("esol", srv.URL+"/esol.csv")

	res, err := f.Fetch(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.CacheHit {
		t.Error("first fetch should not be a cache hit")
	}
	if res.SHA256 == "" {
		t.Error("fetch should record a checksum")
	}
	if res.Dataset.DatasetID != "esol" {
		t.Error("result should embed the dataset snapshot")
	}
	if got := readRaw(t, c, res.RawPath); got != "smiles,label\nCCO,1\n" {
		t.Errorf("unexpected raw content: %q", got)
	}

	var meta RawMeta
	found, err := c.ReadJSON(res.MetadataPath, &meta)
	if err != nil || !found {
		t.Fatalf("metadata: found=%v err=%v", found, err)
	}
	if meta.ETag != `"v1"` {
		t.Errorf("etag not captured: %q", meta.ETag)
	}
	if meta.FetchID == "" {
		t.Error("fetch id should be recorded")
	}
	if meta.Dataset == nil || meta.Dataset.DatasetID != "esol" {
		t.Error("dataset snapshot missing from metadata")
	}

	// Second fetch never touches the network.
	res2, err := f.Fetch(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !res2.CacheHit {
		t.Error("second fetch should be a cache hit")
	}
	if res2.Dataset.DatasetID != "esol" {
		t.Error("cache hit should embed the dataset snapshot")
	}
	if res2.SHA256 != res.SHA256 {
		t.Error("cache hit should report the same checksum")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected 1 request, got %d", hits)
	}
}

func TestRefreshNotModified(t *testing.T) {
	var conditional int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			atomic.AddInt32(&conditional, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, "smiles\nCCO\n")
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t)
	d := urlDataset("bbbp", srv.URL+"/bbbp.csv")

	first, err := f.Fetch(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("initial fetch: %v", err)
	}

	res, err := f.Fetch(context.Background(), d, Options{Refresh: true})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !res.CacheHit || !res.Refreshed {
		t.Errorf("304 should report cache_hit+refreshed, got %+v", res)
	}
	if res.SHA256 != first.SHA256 {
		t.Error("checksum should be unchanged after 304")
	}
	if atomic.LoadInt32(&conditional) != 1 {
		t.Error("refresh should send a conditional request")
	}
}

func TestRefreshFailureDoesNotFallBack(t *testing.T) {
	var served int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&served, 1) == 1 {
			fmt.Fprint(w, "smiles\nCCO\n")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, c := newTestFetcher(t)
	d := urlDataset("bace", srv.URL+"/bace.csv")

	first, err := f.Fetch(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("initial fetch: %v", err)
	}
	rawBefore := readRaw(t, c, first.RawPath)
	metaBefore := readRaw(t, c, first.MetadataPath)

	_, err = f.Fetch(context.Background(), d, Options{Refresh: true})
	if err == nil {
		t.Fatal("refresh against a failing source must surface the error")
	}
	if !errors.IsCode(err, errors.CodeFetchFailed) {
		t.Errorf("expected E201, got %s", errors.GetCode(err))
	}

	// The cached entry survives a failed refresh byte for byte.
	if got := readRaw(t, c, first.RawPath); got != rawBefore {
		t.Errorf("raw content changed across failed refresh: %q", got)
	}
	if got := readRaw(t, c, first.MetadataPath); got != metaBefore {
		t.Errorf("metadata changed across failed refresh: %q", got)
	}
}

func TestPlainFetchFallsBackToCacheOnFailure(t *testing.T) {
	var served int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&served, 1) == 1 {
			fmt.Fprint(w, "smiles\nCCO\n")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, c := newTestFetcher(t)
	d := urlDataset("sider", srv.URL+"/sider.csv")

	first, err := f.Fetch(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("initial fetch: %v", err)
	}

	// Drop the cached checksum so the hit path exercises rehashing too.
	var meta RawMeta
	if _, err := c.ReadJSON(first.MetadataPath, &meta); err != nil {
		t.Fatal(err)
	}

	res, err := f.Fetch(context.Background(), d, Options{Force: false})
	if err != nil {
		t.Fatalf("fetch with cached copy should not fail: %v", err)
	}
	if !res.CacheHit {
		t.Error("expected cache hit")
	}
}

func TestFallbackTriesURLsInOrder(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "smiles\nCCN\n")
	}))
	defer good.Close()

	f, c := newTestFetcher(t)
	d := urlDataset("lipophilicity", bad.URL+"/lipo.csv", good.URL+"/lipo.csv")

	res, err := f.Fetch(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.SourceURL != good.URL+"/lipo.csv" {
		t.Errorf("expected second source to win, got %s", res.SourceURL)
	}
	if got := readRaw(t, c, res.RawPath); got != "smiles\nCCN\n" {
		t.Errorf("unexpected raw content: %q", got)
	}
}

func TestAllSourcesFailing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t)
	d := urlDataset("muv", srv.URL+"/a.csv", srv.URL+"/b.csv")

	_, err := f.Fetch(context.Background(), d, Options{})
	if err == nil {
		t.Fatal("expected error when every source fails")
	}
	if !errors.IsCode(err, errors.CodeFetchFailed) {
		t.Errorf("expected E201, got %s", errors.GetCode(err))
	}
}

func TestConcatMergesInDeclarationOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/p0.csv", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "smiles,label\nAAA,0\n")
	})
	mux.HandleFunc("/p1.csv", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "smiles,label\nBBB,1\n")
	})
	mux.HandleFunc("/p2.csv", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "smiles,label\nCCC,2\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, c := newTestFetcher(t)
	d := urlDataset("tranche", srv.URL+"/p0.csv", srv.URL+"/p1.csv", srv.URL+"/p2.csv")
	d.URLMode = catalog.URLModeConcat

	res, err := f.Fetch(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("concat fetch: %v", err)
	}

	want := "smiles,label\nAAA,0\nBBB,1\nCCC,2\n"
	if got := readRaw(t, c, res.RawPath); got != want {
		t.Errorf("merged content:\n%q\nwant:\n%q", got, want)
	}

	var meta RawMeta
	if _, err := c.ReadJSON(res.MetadataPath, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.SourceType != "multi_url" || meta.SourceCount != 3 {
		t.Errorf("concat metadata wrong: %+v", meta)
	}
	if len(meta.Sources) != 3 {
		t.Errorf("expected 3 source details, got %d", len(meta.Sources))
	}
}

func TestConcatKeepsDistinctFirstLines(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/p0.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "smiles\tid\nAAA\t1\n")
	})
	mux.HandleFunc("/p1.txt", func(w http.ResponseWriter, r *http.Request) {
		// No header line; first line is data and must be kept.
		fmt.Fprint(w, "BBB\t2\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, c := newTestFetcher(t)
	d := urlDataset("tranche2", srv.URL+"/p0.txt", srv.URL+"/p1.txt")
	d.Format = catalog.FormatTSV
	d.URLMode = catalog.URLModeConcat

	res, err := f.Fetch(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("concat fetch: %v", err)
	}
	want := "smiles\tid\nAAA\t1\nBBB\t2\n"
	if got := readRaw(t, c, res.RawPath); got != want {
		t.Errorf("merged content %q, want %q", got, want)
	}
}

func TestConcatFailsWhenAnyPartFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok.csv", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "h\n1\n")
	})
	mux.HandleFunc("/bad.csv", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, c := newTestFetcher(t)
	d := urlDataset("tranche3", srv.URL+"/ok.csv", srv.URL+"/bad.csv")
	d.URLMode = catalog.URLModeConcat

	_, err := f.Fetch(context.Background(), d, Options{})
	if err == nil {
		t.Fatal("concat must fail when a required part fails")
	}
	if c.Exists(c.RawFile(d)) {
		t.Error("failed concat must not leave a raw file behind")
	}
}

func TestFileSourceCacheHitOnMtimeAndSize(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "local.csv")
	if err := os.WriteFile(src, []byte("smiles\nCCO\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, _ := newTestFetcher(t)
	d := urlDataset("local_ds", "file://"+src)

	res, err := f.Fetch(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("file fetch: %v", err)
	}
	if res.CacheHit {
		t.Error("first file fetch should copy")
	}

	// Force bypasses the raw-file presence shortcut and exercises the
	// mtime+size comparison.
	res2, err := f.Fetch(context.Background(), d, Options{Refresh: true})
	if err != nil {
		t.Fatalf("second file fetch: %v", err)
	}
	if !res2.CacheHit {
		t.Error("unchanged local source should be a cache hit")
	}

	// Rewriting the source invalidates the cached copy.
	if err := os.WriteFile(src, []byte("smiles\nCCO\nCCN\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res3, err := f.Fetch(context.Background(), d, Options{Refresh: true})
	if err != nil {
		t.Fatalf("third file fetch: %v", err)
	}
	if res3.CacheHit {
		t.Error("modified local source should be re-copied")
	}
	if res3.SHA256 == res.SHA256 {
		t.Error("checksum should change with new content")
	}
}

func TestChemblPagination(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	mux.HandleFunc("/api/activity.json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") == "2" {
			fmt.Fprint(w, `{"activities":[{"id":3}],"page_meta":{"next":null}}`)
			return
		}
		if got := r.URL.Query().Get("limit"); got != "2" {
			t.Errorf("expected limit=2 on first page, got %q", got)
		}
		fmt.Fprint(w, `{"activities":[{"id":1},{"id":2}],"page_meta":{"next":"/api/activity.json?limit=2&offset=2"}}`)
	})

	f, c := newTestFetcher(t)
	d := &catalog.Dataset{
		ID:     "chembl_test",
		Format: catalog.FormatJSONL,
		API: &catalog.APIConfig{
			Endpoint:      srv.URL + "/api/activity.json",
			Pagination:    catalog.PaginationChembl,
			ItemsPath:     "activities",
			PageSizeParam: "limit",
			PageSize:      2,
			MaxPages:      10,
			MaxRows:       100,
		},
	}

	res, err := f.Fetch(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("api fetch: %v", err)
	}

	got := readRaw(t, c, res.RawPath)
	want := "{\"id\":1}\n{\"id\":2}\n{\"id\":3}\n"
	if got != want {
		t.Errorf("jsonl content %q, want %q", got, want)
	}

	var meta RawMeta
	if _, err := c.ReadJSON(res.MetadataPath, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.APIPages != 2 || meta.APIRows != 3 {
		t.Errorf("expected 2 pages / 3 rows, got %d / %d", meta.APIPages, meta.APIRows)
	}
	if meta.APIRequestSignature != d.API.Fingerprint() {
		t.Error("request signature not recorded")
	}
}

func TestLinkHeaderPagination(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "abc" {
			fmt.Fprint(w, `{"results":[{"acc":"P2"}]}`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/search?cursor=abc>; rel="next"`, srv.URL))
		fmt.Fprint(w, `{"results":[{"acc":"P1"}]}`)
	})

	f, c := newTestFetcher(t)
	d := &catalog.Dataset{
		ID:     "uniprot_test",
		Format: catalog.FormatJSONL,
		API: &catalog.APIConfig{
			Endpoint:   srv.URL + "/search",
			Pagination: catalog.PaginationLinkHeader,
			ItemsPath:  "results",
			MaxPages:   10,
			MaxRows:    100,
		},
	}

	res, err := f.Fetch(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("api fetch: %v", err)
	}
	want := "{\"acc\":\"P1\"}\n{\"acc\":\"P2\"}\n"
	if got := readRaw(t, c, res.RawPath); got != want {
		t.Errorf("jsonl content %q, want %q", got, want)
	}
}

func TestAPIMaxRowsCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A page that always links to itself. Row cap has to stop the loop.
		w.Header().Set("Link", `<`+r.Host+`/loop>; rel="next"`)
		fmt.Fprint(w, `{"results":[{"n":1},{"n":2},{"n":3}]}`)
	}))
	defer srv.Close()

	f, c := newTestFetcher(t)
	d := &catalog.Dataset{
		ID:     "capped",
		Format: catalog.FormatJSONL,
		API: &catalog.APIConfig{
			Endpoint:   srv.URL + "/loop",
			Pagination: catalog.PaginationLinkHeader,
			ItemsPath:  "results",
			MaxPages:   100,
			MaxRows:    2,
		},
	}

	res, err := f.Fetch(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("api fetch: %v", err)
	}
	got := readRaw(t, c, res.RawPath)
	if strings.Count(got, "\n") != 2 {
		t.Errorf("expected 2 rows, got %q", got)
	}
}

func TestAPISignatureChangeInvalidatesCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, `{"results":[{"n":1}]}`)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t)
	d := &catalog.Dataset{
		ID:     "sig_test",
		Format: catalog.FormatJSONL,
		API: &catalog.APIConfig{
			Endpoint:  srv.URL + "/q",
			Params:    map[string]string{"organism": "human"},
			ItemsPath: "results",
			MaxPages:  1,
			MaxRows:   10,
		},
	}

	if _, err := f.Fetch(context.Background(), d, Options{}); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	res, err := f.Fetch(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !res.CacheHit {
		t.Error("unchanged signature should hit the cache")
	}

	d.API.Params["organism"] = "mouse"
	res, err = f.Fetch(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("third fetch: %v", err)
	}
	if res.CacheHit {
		t.Error("changed signature must force a refetch")
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("expected 2 requests, got %d", hits)
	}
}

func TestItemsPathErrors(t *testing.T) {
	if _, err := extractItems(map[string]interface{}{"results": "nope"}, "results"); err == nil {
		t.Error("non-list items should error")
	}
	if _, err := extractItems("scalar", "a.b"); err == nil {
		t.Error("non-object payload should error")
	}
	items, err := extractItems(map[string]interface{}{"a": map[string]interface{}{}}, "a.b")
	if err != nil || items != nil {
		t.Errorf("missing terminal key should yield empty items, got %v %v", items, err)
	}
}

func TestParseNextLink(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{`<https://x/next>; rel="next"`, "https://x/next"},
		{`<https://x/prev>; rel="prev", <https://x/next>; rel="next"`, "https://x/next"},
		{`<https://x/prev>; rel="prev"`, ""},
	}
	for _, tc := range cases {
		if got := parseNextLink(tc.header); got != tc.want {
			t.Errorf("parseNextLink(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

type progressRecorder struct {
	label string
	total int64
	bytes int64
}

func (p *progressRecorder) Write(b []byte) (int, error) {
	p.bytes += int64(len(b))
	return len(b), nil
}

func TestDownloadDrivesProgressWriter(t *testing.T) {
	body := "smiles,label\nCCO,1\nCCN,0\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	rec := &progressRecorder{}
	c := cache.New("/cache", cache.WithFs(afero.NewMemMapFs()))
	f := New(c, WithProgress(func(label string, total int64) io.Writer {
		rec.label = label
		rec.total = total
		return rec
	}))
	d := urlDataset("esol", srv.URL+"/esol.csv")

	res, err := f.Fetch(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if rec.label != "esol" {
		t.Errorf("progress label = %q, want esol", rec.label)
	}
	if rec.total != int64(len(body)) {
		t.Errorf("progress total = %d, want %d", rec.total, len(body))
	}
	if rec.bytes != res.BytesDownloaded {
		t.Errorf("progress saw %d bytes, download reported %d", rec.bytes, res.BytesDownloaded)
	}

	// Cache hits never touch the progress writer.
	rec.bytes = 0
	if _, err := f.Fetch(context.Background(), d, Options{}); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if rec.bytes != 0 {
		t.Errorf("cache hit wrote %d bytes of progress", rec.bytes)
	}
}
