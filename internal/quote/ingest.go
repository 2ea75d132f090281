package quote

import (
	"log/slog"
	"sync"

	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

// IngestMetrics is the operational snapshot of the streaming ingest path.
// Connection flag and heartbeat freshness are independent signals: a socket
// can be up while ticks stopped flowing, and vice versa during reconnects.
type IngestMetrics struct {
	CachedSymbols     int     `json:"cached_symbols"`
	WSMessages        int     `json:"ws_messages"`
	Upserts           int     `json:"upserts"`
	StaleSymbols      int     `json:"stale_symbols"`
	WSConnected       bool    `json:"ws_connected"`
	WSHeartbeatFresh  bool    `json:"ws_heartbeat_fresh"`
	LastWSMessageTs   *int64  `json:"last_ws_message_ts"`
	LastWSHeartbeatTs *int64  `json:"last_ws_heartbeat_ts"`
	WSLastError       *string `json:"ws_last_error"`
	WSReconnectCount  int     `json:"ws_reconnect_count"`
}

// IngestConfig tunes the ingest worker. Zero values fall back to defaults.
type IngestConfig struct {
	StaleAfterSec       int64
	HeartbeatTimeoutSec int64
	Now                 func() int64
}

// Ingest is the single writer of the quote cache. It normalizes raw
// streaming frames, upserts snapshots, and tracks WS connection health
// reported by the streaming client.
type Ingest struct {
	cache  *Cache
	logger *slog.Logger

	staleAfterSec       int64
	heartbeatTimeoutSec int64
	now                 func() int64

	mu                sync.Mutex
	wsMessages        int
	upserts           int
	wsConnected       bool
	lastWSMessageTs   int64 // 0 = never
	lastWSHeartbeatTs int64 // 0 = never
	wsLastError       string
	wsReconnectCount  int
}

// NewIngest creates the ingest worker writing into cache.
func NewIngest(cache *Cache, cfg IngestConfig, logger *slog.Logger) *Ingest {
	if cfg.StaleAfterSec <= 0 {
		cfg.StaleAfterSec = 5
	}
	if cfg.HeartbeatTimeoutSec <= 0 {
		cfg.HeartbeatTimeoutSec = 10
	}
	if cfg.Now == nil {
		cfg.Now = types.Now
	}
	return &Ingest{
		cache:               cache,
		logger:              logger.With("component", "quote_ingest"),
		staleAfterSec:       cfg.StaleAfterSec,
		heartbeatTimeoutSec: cfg.HeartbeatTimeoutSec,
		now:                 cfg.Now,
	}
}

// OnRawMessage parses and applies one raw streaming frame. Frames without
// quote fields (subscribe ACKs, heartbeats) are skipped with a debug log.
func (i *Ingest) OnRawMessage(raw []byte) {
	snap, err := ParseMessage(raw, i.now())
	if err != nil {
		i.logger.Debug("ws frame skipped", "reason", err)
		return
	}
	i.OnSnapshot(snap)
}

// OnSnapshot upserts a parsed tick and refreshes the WS liveness signals.
func (i *Ingest) OnSnapshot(snap types.QuoteSnapshot) {
	snap.FreshnessSec = 0
	snap.State = types.QuoteHealthy
	i.cache.Upsert(snap)

	now := i.now()
	i.mu.Lock()
	i.wsMessages++
	i.upserts++
	i.wsConnected = true
	i.lastWSMessageTs = snap.Ts
	i.lastWSHeartbeatTs = now
	i.mu.Unlock()
}

// SyncWSState receives connection-state transitions from the streaming
// client. A zero heartbeatTs leaves the previous heartbeat untouched; an
// empty lastErr clears the recorded error.
func (i *Ingest) SyncWSState(connected bool, reconnectCount int, lastErr string, heartbeatTs int64) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.wsConnected = connected
	i.wsReconnectCount = reconnectCount
	i.wsLastError = lastErr
	if heartbeatTs > 0 {
		i.lastWSHeartbeatTs = heartbeatTs
	}
}

// WSHealth returns the connection flag and last error for the readiness
// probe.
func (i *Ingest) WSHealth() (connected bool, lastErr string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.wsConnected, i.wsLastError
}

// HeartbeatFresh reports whether a heartbeat was seen within the timeout
// window ending at now.
func (i *Ingest) HeartbeatFresh(now int64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.heartbeatFreshLocked(now)
}

func (i *Ingest) heartbeatFreshLocked(now int64) bool {
	return i.lastWSHeartbeatTs > 0 && now-i.lastWSHeartbeatTs <= i.heartbeatTimeoutSec
}

// Metrics refreshes cache freshness against now (0 means the current
// clock) and returns the ingest metrics snapshot.
func (i *Ingest) Metrics(now int64) IngestMetrics {
	if now == 0 {
		now = i.now()
	}
	stale := i.cache.RefreshFreshness(now, i.staleAfterSec)
	cached := i.cache.Len()

	i.mu.Lock()
	defer i.mu.Unlock()

	m := IngestMetrics{
		CachedSymbols:    cached,
		WSMessages:       i.wsMessages,
		Upserts:          i.upserts,
		StaleSymbols:     stale,
		WSConnected:      i.wsConnected,
		WSHeartbeatFresh: i.heartbeatFreshLocked(now),
		WSReconnectCount: i.wsReconnectCount,
	}
	if i.lastWSMessageTs > 0 {
		ts := i.lastWSMessageTs
		m.LastWSMessageTs = &ts
	}
	if i.lastWSHeartbeatTs > 0 {
		ts := i.lastWSHeartbeatTs
		m.LastWSHeartbeatTs = &ts
	}
	if i.wsLastError != "" {
		e := i.wsLastError
		m.WSLastError = &e
	}
	return m
}
