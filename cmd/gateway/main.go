// KIS Trading Gateway, a broker-side order and market-data gateway for the
// Korea Investment & Securities (KIS) OpenAPI.
//
// Architecture:
//
//	main.go                 - entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go        - supervisor: wires feed → quotes → orders → reconciliation
//	quote/ingest.go         - parses KIS WebSocket ticks into the in-memory quote cache
//	quote/gateway.go        - read path: serves cached rows, falls back to REST with 429 cooldown
//	order/queue.go          - idempotent order intake and in-memory state machine
//	order/worker.go         - dispatch loop: drains queued orders and places them upstream
//	risk/policy.go          - pre-trade checks: daily count, notional cap, position, trading window
//	reconcile/reconciler.go - periodic sweep of non-terminal orders against broker status
//	session/orchestrator.go - single-owner session lease with TTL takeover
//	kis/rest.go             - REST client for KIS quotes, orders, balances, positions
//	kis/ws.go               - KIS WebSocket feed with approval-key handshake and auto-reconnect
//	api/server.go           - versioned HTTP surface (/v1) plus /healthz and Prometheus /metrics
//	store/store.go          - append-only JSONL journal for reconciliation events
//
// Request flow:
//
//	A quote read is served from the WebSocket cache while the market is open
//	and the row is fresh; otherwise it falls back to KIS REST, entering a
//	per-symbol cooldown when the broker rate-limits. An order POST passes the
//	risk policy, is queued under its idempotency key, and is placed upstream
//	by the dispatch worker. The reconciler then compares local state against
//	broker truth and corrects drift, journaling every correction. Without
//	KIS credentials the gateway boots in demo mode: quotes come from seeded
//	data and no real broker calls are made.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rbitts/kis-trading-gateway-repo/internal/config"
	"github.com/rbitts/kis-trading-gateway-repo/internal/engine"
)

func main() {
	// Load config. The YAML file is optional: absent a file and KIS_CONFIG,
	// the gateway runs on defaults plus environment variables.
	cfgPath := "configs/gateway.yaml"
	if p := os.Getenv("KIS_CONFIG"); p != "" {
		cfgPath = p
	} else if _, err := os.Stat(cfgPath); err != nil {
		cfgPath = ""
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if !cfg.HasCredentials() {
		logger.Warn("DEMO MODE: no real broker calls will be made",
			"missing_env", config.MissingRequiredEnv())
	}

	logger.Info("kis trading gateway started",
		"listen_addr", cfg.Server.ListenAddr,
		"kis_env", cfg.KIS.Env,
		"ws_symbols", len(cfg.KIS.WSSymbols),
		"live_risk", cfg.Risk.LiveEnabled,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
