package quote

import (
	"testing"

	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

func wsRow(symbol string, ts int64) types.QuoteSnapshot {
	return types.QuoteSnapshot{
		Symbol: symbol,
		Price:  71000,
		Source: types.SourceWS,
		Ts:     ts,
		State:  types.QuoteHealthy,
	}
}

func TestCacheUpsertAndGet(t *testing.T) {
	t.Parallel()

	c := NewCache()
	c.Upsert(wsRow("005930", 100))

	got, ok := c.Get("005930")
	if !ok {
		t.Fatal("expected cached row for 005930")
	}
	if got.Price != 71000 || got.Source != types.SourceWS {
		t.Errorf("unexpected row: %+v", got)
	}

	if _, ok := c.Get("000660"); ok {
		t.Error("expected miss for unknown symbol")
	}

	c.Upsert(types.QuoteSnapshot{Symbol: "005930", Price: 71500, Source: types.SourceWS, Ts: 101})
	got, _ = c.Get("005930")
	if got.Price != 71500 {
		t.Errorf("upsert should replace row, got price %v", got.Price)
	}
}

func TestCacheListManyPreservesRequestOrder(t *testing.T) {
	t.Parallel()

	c := NewCache()
	c.Upsert(wsRow("000660", 100))
	c.Upsert(wsRow("005930", 100))

	rows := c.ListMany([]string{"005930", "035420", "000660"})
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Symbol != "005930" || rows[1].Symbol != "000660" {
		t.Errorf("rows out of order: %v, %v", rows[0].Symbol, rows[1].Symbol)
	}
}

func TestCacheRefreshFreshness(t *testing.T) {
	t.Parallel()

	const now = int64(1000)
	c := NewCache()
	c.Upsert(wsRow("005930", now-2))
	c.Upsert(wsRow("000660", now-10))

	stale := c.RefreshFreshness(now, 5)
	if stale != 1 {
		t.Fatalf("expected 1 stale symbol, got %d", stale)
	}

	fresh, _ := c.Get("005930")
	if fresh.State != types.QuoteHealthy || fresh.FreshnessSec != 2 {
		t.Errorf("fresh row mis-marked: state=%s freshness=%v", fresh.State, fresh.FreshnessSec)
	}
	old, _ := c.Get("000660")
	if old.State != types.QuoteStale || old.FreshnessSec != 10 {
		t.Errorf("stale row mis-marked: state=%s freshness=%v", old.State, old.FreshnessSec)
	}
}

func TestCacheSeedDemo(t *testing.T) {
	t.Parallel()

	c := NewCache()
	c.SeedDemo("005930", 500)

	got, ok := c.Get("005930")
	if !ok {
		t.Fatal("expected seeded row")
	}
	if got.Price != 70000 || got.Source != types.SourceDemo || got.Ts != 500 {
		t.Errorf("unexpected demo row: %+v", got)
	}
}
