package engine

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/rbitts/kis-trading-gateway-repo/internal/config"
	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func demoConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		KIS: config.KISConfig{
			Env:       "mock",
			WSSymbols: []string{"005930", "000660"},
		},
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Quote: config.QuoteConfig{
			StaleAfterSec:       5,
			RestCooldownSec:     3,
			RestRetryAttempts:   1,
			RestBackoffBase:     time.Millisecond,
			HeartbeatTimeoutSec: 10,
		},
		Risk: config.RiskConfig{
			LiveEnabled:     true,
			DailyOrderLimit: 50,
			MaxOrderQty:     100,
			BuyNotionalCap:  10_000_000,
			DefaultPrice:    70_000,
		},
		Order: config.OrderConfig{MaxAttempts: 3, DispatchTick: 10 * time.Millisecond},
		Reconcile: config.ReconcileConfig{
			Interval:    20 * time.Millisecond,
			JournalPath: filepath.Join(t.TempDir(), "journal.jsonl"),
		},
		Logging: config.LoggingConfig{Level: "info", Format: "text"},
	}
}

func TestNewDemoMode(t *testing.T) {
	t.Parallel()
	e, err := New(demoConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer e.journal.Close()

	if e.kisClient != nil || e.feed != nil {
		t.Fatal("demo mode must not build broker adapters")
	}
	if got := e.cache.Len(); got != 2 {
		t.Fatalf("seeded cache size = %d, want 2", got)
	}
	snap, ok := e.cache.Get("005930")
	if !ok || snap.Source != types.SourceDemo {
		t.Fatalf("seed row = %+v, want demo source", snap)
	}

	st := e.session.Status()
	if st.State != types.SessionActive || st.Mode != "mock" {
		t.Fatalf("session = %+v, want bootstrapped mock lease", st)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	e, err := New(demoConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not complete")
	}
}
