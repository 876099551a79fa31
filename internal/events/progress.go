package events

import (
	"sync"

	"cvrpnav/internal/opt"
)

// ProgressCache keeps the latest progress report of every running run so that
// polling clients see it without subscribing.
type ProgressCache struct {
	mu sync.Mutex
	// key: tenant|runId
	m map[string]opt.Progress
}

func NewProgressCache() *ProgressCache { return &ProgressCache{m: map[string]opt.Progress{}} }

func (c *ProgressCache) key(tenant, runID string) string { return tenant + "|" + runID }

// Upsert stores the latest progress for a run.
func (c *ProgressCache) Upsert(tenant, runID string, p opt.Progress) {
	if tenant == "" || runID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[c.key(tenant, runID)] = p
}

func (c *ProgressCache) Get(tenant, runID string) (opt.Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.m[c.key(tenant, runID)]
	return p, ok
}

// Delete drops a finished run.
func (c *ProgressCache) Delete(tenant, runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, c.key(tenant, runID))
}
