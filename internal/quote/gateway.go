package quote

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

// ErrCooldown is returned when a symbol is rate-limit suppressed and no
// cached row exists to serve instead. The code string is the public one.
var ErrCooldown = errors.New("REST_RATE_LIMIT_COOLDOWN")

// RestClient fetches a single quote from the upstream on demand.
type RestClient interface {
	GetQuote(ctx context.Context, symbol string) (types.RestQuote, error)
}

// httpStatusError is implemented by upstream errors that carry an HTTP
// status. Only the 429 branch cares.
type httpStatusError interface {
	HTTPStatus() int
}

func statusFromError(err error) int {
	var se httpStatusError
	if errors.As(err, &se) {
		return se.HTTPStatus()
	}
	return 0
}

// GatewayMetrics is the read-path counter snapshot. The batch_* fields
// describe the most recent batch only; the counters accumulate.
type GatewayMetrics struct {
	RestFallbacks     int  `json:"rest_fallbacks"`
	FallbackTriggered int  `json:"fallback_triggered"`
	RestFilledCount   int  `json:"rest_filled_count"`
	WSCount           int  `json:"ws_count"`
	BatchTargetCount  int  `json:"batch_target_count"`
	BatchFinalCount   int  `json:"batch_final_count"`
	BatchMarketOpen   bool `json:"batch_market_open"`
}

// GatewayConfig tunes the read path. Zero values fall back to defaults.
type GatewayConfig struct {
	StaleAfterSec     int64
	RestCooldownSec   int64
	RestRetryAttempts int
	RestBackoffBase   time.Duration
	SymbolDelayMin    time.Duration
	SymbolDelayMax    time.Duration
	MarketOpen        func() bool
	Now               func() int64
	Sleep             func(context.Context, time.Duration)
}

// Gateway is the WS-first quote source selector with REST fallback.
//
// Single reads prefer a fresh cached WS row while the market is open and
// fall back to REST otherwise. A symbol that trips the upstream rate limit
// enters a cooldown window during which the gateway serves whatever cached
// row exists instead of issuing further REST calls.
type Gateway struct {
	cache  *Cache
	rest   RestClient
	logger *slog.Logger

	staleAfterSec     int64
	restCooldownSec   int64
	restRetryAttempts int
	restBackoffBase   time.Duration
	symbolDelayMin    time.Duration
	symbolDelayMax    time.Duration
	marketOpen        func() bool
	now               func() int64
	sleep             func(context.Context, time.Duration)

	mu                sync.Mutex
	cooldownUntil     map[string]int64
	restFallbacks     int
	fallbackTriggered int
	restFilledCount   int
	wsCount           int
	lastBatchTarget   int
	lastBatchFinal    int
	lastBatchOpen     bool
}

// NewGateway creates the read-path gateway over cache and rest.
func NewGateway(cache *Cache, rest RestClient, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	if cfg.StaleAfterSec <= 0 {
		cfg.StaleAfterSec = 5
	}
	if cfg.RestCooldownSec <= 0 {
		cfg.RestCooldownSec = 3
	}
	if cfg.RestRetryAttempts < 1 {
		cfg.RestRetryAttempts = 1
	}
	if cfg.RestBackoffBase <= 0 {
		cfg.RestBackoffBase = 200 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = types.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Gateway{
		cache:             cache,
		rest:              rest,
		logger:            logger.With("component", "quote_gateway"),
		staleAfterSec:     cfg.StaleAfterSec,
		restCooldownSec:   cfg.RestCooldownSec,
		restRetryAttempts: cfg.RestRetryAttempts,
		restBackoffBase:   cfg.RestBackoffBase,
		symbolDelayMin:    cfg.SymbolDelayMin,
		symbolDelayMax:    cfg.SymbolDelayMax,
		marketOpen:        cfg.MarketOpen,
		now:               cfg.Now,
		sleep:             cfg.Sleep,
		lastBatchOpen:     true,
		cooldownUntil:     make(map[string]int64),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// refreshed returns the snapshot with freshness recomputed against now.
func (g *Gateway) refreshed(snap types.QuoteSnapshot, now int64) types.QuoteSnapshot {
	snap.FreshnessSec = snap.Age(now)
	if snap.FreshnessSec <= float64(g.staleAfterSec) {
		snap.State = types.QuoteHealthy
	} else {
		snap.State = types.QuoteStale
	}
	return snap
}

func (g *Gateway) pruneCooldownsLocked(now int64) {
	for symbol, until := range g.cooldownUntil {
		if until <= now {
			delete(g.cooldownUntil, symbol)
		}
	}
}

func (g *Gateway) inCooldown(symbol string, now int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return now < g.cooldownUntil[symbol]
}

func (g *Gateway) markCooldown(symbol string, now int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cooldownUntil[symbol] = now + g.restCooldownSec
}

func (g *Gateway) isMarketOpen() bool {
	if g.marketOpen == nil {
		return false
	}
	return g.marketOpen()
}

// GetQuote serves one symbol: cooldown-aware, cache-first while the market
// is open, REST otherwise.
func (g *Gateway) GetQuote(ctx context.Context, symbol string) (types.QuoteSnapshot, error) {
	now := g.now()
	g.mu.Lock()
	g.pruneCooldownsLocked(now)
	inCooldown := now < g.cooldownUntil[symbol]
	g.mu.Unlock()

	if inCooldown {
		if cached, ok := g.cache.Get(symbol); ok {
			return g.refreshed(cached, now), nil
		}
		return types.QuoteSnapshot{}, ErrCooldown
	}

	if g.isMarketOpen() {
		if cached, ok := g.cache.Get(symbol); ok {
			if snap := g.refreshed(cached, now); snap.State == types.QuoteHealthy {
				return snap, nil
			}
		}
	}
	return g.fetchRest(ctx, symbol, now)
}

// fetchRest performs one upstream call. A 429 marks the symbol cooldown
// and degrades to the cached row when one exists; any other error
// propagates to the caller.
func (g *Gateway) fetchRest(ctx context.Context, symbol string, now int64) (types.QuoteSnapshot, error) {
	g.mu.Lock()
	g.restFallbacks++
	g.mu.Unlock()

	payload, err := g.rest.GetQuote(ctx, symbol)
	if err != nil {
		if statusFromError(err) == http.StatusTooManyRequests {
			g.markCooldown(symbol, now)
			if cached, ok := g.cache.Get(symbol); ok {
				return g.refreshed(cached, now), nil
			}
			return types.QuoteSnapshot{}, ErrCooldown
		}
		return types.QuoteSnapshot{}, err
	}

	snap := types.QuoteSnapshot{
		Symbol:       payload.Symbol,
		Price:        payload.Price,
		ChangePct:    payload.ChangePct,
		Turnover:     payload.Turnover,
		Source:       payload.Source,
		Ts:           payload.Ts,
		FreshnessSec: 0,
		State:        types.QuoteHealthy,
	}
	if snap.Symbol == "" {
		snap.Symbol = symbol
	}
	if snap.Source == "" {
		snap.Source = types.SourceREST
	}
	if snap.Ts == 0 {
		snap.Ts = now
	}
	return snap, nil
}

// fetchRestRetry runs fetchRest with exponential backoff inside a batch.
// When every attempt fails the symbol enters cooldown so the next batch
// reuses the last good row instead of hammering the upstream again.
func (g *Gateway) fetchRestRetry(ctx context.Context, symbol string, now int64) (types.QuoteSnapshot, error) {
	var lastErr error
	for attempt := 1; attempt <= g.restRetryAttempts; attempt++ {
		snap, err := g.fetchRest(ctx, symbol, now)
		if err == nil {
			return snap, nil
		}
		if errors.Is(err, ErrCooldown) {
			// 429 already marked the cooldown, retrying is pointless
			return types.QuoteSnapshot{}, err
		}
		lastErr = err
		if attempt < g.restRetryAttempts {
			g.sleep(ctx, g.restBackoffBase<<(attempt-1))
		}
	}
	g.markCooldown(symbol, now)
	return types.QuoteSnapshot{}, lastErr
}

func (g *Gateway) jitter(ctx context.Context) {
	if g.symbolDelayMax <= 0 {
		return
	}
	span := g.symbolDelayMax - g.symbolDelayMin
	d := g.symbolDelayMin
	if span > 0 {
		d += time.Duration(rand.Int64N(int64(span)))
	}
	g.sleep(ctx, d)
}

// GetQuotes serves a batch: fresh cached rows first, REST fills for the
// rest with per-symbol retry, cooldown substitution, and partial-failure
// accounting. FailedSymbols in the returned meta preserves input order.
func (g *Gateway) GetQuotes(ctx context.Context, symbols []string) ([]types.QuoteSnapshot, types.BatchMeta) {
	now := g.now()
	g.mu.Lock()
	g.pruneCooldownsLocked(now)
	g.mu.Unlock()

	unique := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, raw := range symbols {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		unique = append(unique, s)
	}

	marketOpen := g.isMarketOpen()

	wsRows := make(map[string]types.QuoteSnapshot, len(unique))
	for _, s := range unique {
		if cached, ok := g.cache.Get(s); ok {
			if snap := g.refreshed(cached, now); marketOpen && snap.State == types.QuoteHealthy {
				wsRows[s] = snap
			}
		}
	}

	targetCount := len(unique)
	wsCount := len(wsRows)
	restFilled := 0
	fallbackTriggered := !marketOpen || wsCount < targetCount

	out := make([]types.QuoteSnapshot, 0, targetCount)
	failed := []string{}
	for _, s := range unique {
		if row, ok := wsRows[s]; ok {
			out = append(out, row)
			continue
		}

		if g.inCooldown(s, now) {
			if cached, ok := g.cache.Get(s); ok {
				out = append(out, g.refreshed(cached, now))
			} else {
				failed = append(failed, s)
			}
			continue
		}

		snap, err := g.fetchRestRetry(ctx, s, now)
		if err == nil {
			out = append(out, snap)
			restFilled++
			g.jitter(ctx)
			continue
		}
		if !errors.Is(err, ErrCooldown) {
			g.logger.Warn("rest fallback failed", "symbol", s, "error", err)
		}
		if cached, ok := g.cache.Get(s); ok {
			out = append(out, g.refreshed(cached, now))
		} else {
			failed = append(failed, s)
		}
	}

	g.mu.Lock()
	g.wsCount = wsCount
	g.restFilledCount = restFilled
	g.lastBatchTarget = targetCount
	g.lastBatchFinal = len(out)
	g.lastBatchOpen = marketOpen
	if fallbackTriggered {
		g.fallbackTriggered++
	}
	g.mu.Unlock()

	g.logger.Info("quote batch resolved",
		"market_open", marketOpen,
		"target_count", targetCount,
		"ws_count", wsCount,
		"rest_filled_count", restFilled,
		"final_count", len(out),
		"fallback_triggered", fallbackTriggered,
	)

	return out, types.BatchMeta{MissingCount: len(failed), FailedSymbols: failed}
}

// Metrics returns the read-path counters.
func (g *Gateway) Metrics() GatewayMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GatewayMetrics{
		RestFallbacks:     g.restFallbacks,
		FallbackTriggered: g.fallbackTriggered,
		RestFilledCount:   g.restFilledCount,
		WSCount:           g.wsCount,
		BatchTargetCount:  g.lastBatchTarget,
		BatchFinalCount:   g.lastBatchFinal,
		BatchMarketOpen:   g.lastBatchOpen,
	}
}
