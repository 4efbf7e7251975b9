package validate

import (
	"context"
	"path/filepath"
	"time"

	"github.com/chemflow/chemflow/pkg/cache"
)

// FileProbeCache stores probe results as JSON under the cache's metadata
// tree, one file per dataset.
type FileProbeCache struct {
	backend cache.Backend
	ttl     time.Duration
	now     func() time.Time
}

type probeEntry struct {
	StoredAt time.Time `json:"stored_at"`
	Result   *Result   `json:"result"`
}

// NewFileProbeCache returns a probe cache backed by the data cache.
// A non-positive ttl falls back to 15 minutes.
func NewFileProbeCache(backend cache.Backend, ttl time.Duration) *FileProbeCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &FileProbeCache{backend: backend, ttl: ttl, now: time.Now}
}

func (c *FileProbeCache) path(datasetID string) string {
	return filepath.Join(c.backend.Root(), "_meta", "probes", datasetID+".json")
}

// Get returns the cached result for a dataset, or false when the entry
// is missing, unreadable, or older than the TTL.
func (c *FileProbeCache) Get(_ context.Context, datasetID string) (*Result, bool) {
	var entry probeEntry
	found, err := c.backend.ReadJSON(c.path(datasetID), &entry)
	if err != nil || !found || entry.Result == nil {
		return nil, false
	}
	if c.now().Sub(entry.StoredAt) > c.ttl {
		c.backend.Fs().Remove(c.path(datasetID))
		return nil, false
	}
	return entry.Result, true
}

// Put stores a probe result. Write failures are discarded.
func (c *FileProbeCache) Put(_ context.Context, datasetID string, res *Result) {
	_ = c.backend.WriteJSON(c.path(datasetID), &probeEntry{
		StoredAt: c.now().UTC(),
		Result:   res,
	})
}
