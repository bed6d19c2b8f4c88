package fieldsync

import "sync/atomic"

type cacheCounters struct {
	hits            atomic.Uint64
	staleHits       atomic.Uint64
	misses          atomic.Uint64
	joined          atomic.Uint64
	refreshes       atomic.Uint64
	refreshFailures atomic.Uint64
	refreshDropped  atomic.Uint64
}

// CacheStats is a point-in-time copy of the response cache counters.
type CacheStats struct {
	Keys            int    `json:"keys"`
	Hits            uint64 `json:"hits"`
	StaleHits       uint64 `json:"staleHits"`
	Misses          uint64 `json:"misses"`
	Joined          uint64 `json:"joined"`
	Refreshes       uint64 `json:"refreshes"`
	RefreshFailures uint64 `json:"refreshFailures"`
	RefreshDropped  uint64 `json:"refreshDropped"`
}

func (c *cacheCounters) snapshot(keys int) CacheStats {
	return CacheStats{
		Keys:            keys,
		Hits:            c.hits.Load(),
		StaleHits:       c.staleHits.Load(),
		Misses:          c.misses.Load(),
		Joined:          c.joined.Load(),
		Refreshes:       c.refreshes.Load(),
		RefreshFailures: c.refreshFailures.Load(),
		RefreshDropped:  c.refreshDropped.Load(),
	}
}

type syncCounters struct {
	drains       atomic.Uint64
	success      atomic.Uint64
	failed       atomic.Uint64
	deadLettered atomic.Uint64
	lastDrainAt  atomic.Int64 // unix millis
}

// SyncStats accumulates drain results since start.
type SyncStats struct {
	Drains       uint64 `json:"drains"`
	Success      uint64 `json:"success"`
	Failed       uint64 `json:"failed"`
	DeadLettered uint64 `json:"deadLettered"`
	LastDrainAt  int64  `json:"lastDrainAt,omitempty"`
}

func (c *syncCounters) observe(res DrainResult, at int64) {
	c.drains.Add(1)
	c.success.Add(uint64(res.Success))
	c.failed.Add(uint64(res.Failed))
	c.deadLettered.Add(uint64(res.DeadLettered))
	c.lastDrainAt.Store(at)
}

func (c *syncCounters) snapshot() SyncStats {
	return SyncStats{
		Drains:       c.drains.Load(),
		Success:      c.success.Load(),
		Failed:       c.failed.Load(),
		DeadLettered: c.deadLettered.Load(),
		LastDrainAt:  c.lastDrainAt.Load(),
	}
}
