package validate

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/chemflow/chemflow/pkg/cache"
)

func TestFileProbeCacheRoundTrip(t *testing.T) {
	backend := cache.New("/cache", cache.WithFs(afero.NewMemMapFs()))
	pc := NewFileProbeCache(backend, time.Minute)

	ctx := context.Background()
	if _, ok := pc.Get(ctx, "esol"); ok {
		t.Fatal("expected miss on empty cache")
	}

	pc.Put(ctx, "esol", &Result{DatasetID: "esol", SourceType: "url", OK: true})

	res, ok := pc.Get(ctx, "esol")
	if !ok || !res.OK || res.DatasetID != "esol" {
		t.Fatalf("cached result = %+v ok=%v", res, ok)
	}
}

func TestFileProbeCacheExpiresEntries(t *testing.T) {
	backend := cache.New("/cache", cache.WithFs(afero.NewMemMapFs()))
	pc := NewFileProbeCache(backend, time.Minute)

	ctx := context.Background()
	pc.Put(ctx, "esol", &Result{DatasetID: "esol", OK: true})

	pc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, ok := pc.Get(ctx, "esol"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if exists, _ := afero.Exists(backend.Fs(), pc.path("esol")); exists {
		t.Fatal("expected expired entry to be removed")
	}
}
