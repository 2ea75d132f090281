// Package quote implements the price read path: the in-memory snapshot
// cache fed by the WS ingest worker, streaming payload normalization, and
// the WS-first gateway with REST fallback and per-symbol cooldown.
package quote

import (
	"sync"

	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

// Cache holds the latest snapshot per symbol. The ingest worker is the only
// writer; readers receive value copies, so a concurrent upsert can never
// tear a read. The symbol set is bounded by subscriptions, no eviction.
type Cache struct {
	mu   sync.RWMutex
	rows map[string]types.QuoteSnapshot
}

// NewCache creates an empty quote cache.
func NewCache() *Cache {
	return &Cache{rows: make(map[string]types.QuoteSnapshot)}
}

// Upsert stores the snapshot, replacing any previous row for the symbol.
// Late frames overwrite newer ones; ordering is the ingest worker's problem.
func (c *Cache) Upsert(snap types.QuoteSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[snap.Symbol] = snap
}

// Get returns a copy of the latest snapshot for symbol.
func (c *Cache) Get(symbol string) (types.QuoteSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.rows[symbol]
	return snap, ok
}

// ListMany returns snapshots for the given symbols, preserving input order
// and skipping symbols with no row.
func (c *Cache) ListMany(symbols []string) []types.QuoteSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.QuoteSnapshot, 0, len(symbols))
	for _, s := range symbols {
		if snap, ok := c.rows[s]; ok {
			out = append(out, snap)
		}
	}
	return out
}

// ListAll returns every cached snapshot in unspecified order.
func (c *Cache) ListAll() []types.QuoteSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.QuoteSnapshot, 0, len(c.rows))
	for _, snap := range c.rows {
		out = append(out, snap)
	}
	return out
}

// Len returns the number of cached symbols.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}

// RefreshFreshness recomputes freshness and state for every row against
// now and returns how many rows are stale. Rows are updated in place so
// later reads observe the recomputed values.
func (c *Cache) RefreshFreshness(now, staleAfterSec int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	stale := 0
	for symbol, snap := range c.rows {
		snap.FreshnessSec = snap.Age(now)
		if snap.FreshnessSec <= float64(staleAfterSec) {
			snap.State = types.QuoteHealthy
		} else {
			snap.State = types.QuoteStale
			stale++
		}
		c.rows[symbol] = snap
	}
	return stale
}

// SeedDemo inserts a synthetic demo row so the read path can serve the
// symbol before any live tick arrives.
func (c *Cache) SeedDemo(symbol string, now int64) {
	c.Upsert(types.QuoteSnapshot{
		Symbol:       symbol,
		Price:        70000.0,
		ChangePct:    0.0,
		Turnover:     0.0,
		Source:       types.SourceDemo,
		Ts:           now,
		FreshnessSec: 0,
		State:        types.QuoteHealthy,
	})
}
