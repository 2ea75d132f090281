// Package engine is the central orchestrator of the trading gateway.
//
// It wires together all subsystems:
//
//  1. The KIS streaming feed pushes raw ticks into the quote ingest, the
//     single writer of the in-memory quote cache.
//  2. The quote gateway serves reads WS-first with REST fallback and
//     per-symbol rate-limit cooldowns.
//  3. The order queue accepts idempotent submissions; a dispatch worker
//     drains it against the broker with retry classification.
//  4. The reconciler sweeps local orders against broker truth and journals
//     every correction.
//  5. The HTTP server exposes the trading surface plus Prometheus metrics.
//
// Without broker credentials the engine boots in demo mode: seeded quote
// rows, a synthetic REST client, no placer, and no reconciliation
// provider.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbitts/kis-trading-gateway-repo/internal/api"
	"github.com/rbitts/kis-trading-gateway-repo/internal/config"
	"github.com/rbitts/kis-trading-gateway-repo/internal/kis"
	"github.com/rbitts/kis-trading-gateway-repo/internal/market"
	"github.com/rbitts/kis-trading-gateway-repo/internal/order"
	"github.com/rbitts/kis-trading-gateway-repo/internal/quote"
	"github.com/rbitts/kis-trading-gateway-repo/internal/readiness"
	"github.com/rbitts/kis-trading-gateway-repo/internal/reconcile"
	"github.com/rbitts/kis-trading-gateway-repo/internal/risk"
	"github.com/rbitts/kis-trading-gateway-repo/internal/session"
	"github.com/rbitts/kis-trading-gateway-repo/internal/store"
	"github.com/rbitts/kis-trading-gateway-repo/internal/telemetry"
	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

// streamMaxRetries bounds the initial streaming connect loop.
const streamMaxRetries = 5

// Engine owns the lifecycle of every gateway component and its goroutines.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	cache      *quote.Cache
	ingest     *quote.Ingest
	gateway    *quote.Gateway
	queue      *order.Queue
	worker     *order.Worker
	policy     *risk.Policy
	session    *session.Orchestrator
	probe      *readiness.Probe
	journal    *store.Journal
	reconciler *reconcile.Reconciler
	metrics    *telemetry.Metrics
	server     *api.Server

	// Broker-backed pieces, nil in demo mode.
	kisClient *kis.Client
	feed      *kis.Feed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all gateway components. Credentials decide between
// live broker adapters and the demo substitutes.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	cache := quote.NewCache()
	ingest := quote.NewIngest(cache, quote.IngestConfig{
		StaleAfterSec:       int64(cfg.Quote.StaleAfterSec),
		HeartbeatTimeoutSec: int64(cfg.Quote.HeartbeatTimeoutSec),
	}, logger)

	queue := order.NewQueue(cfg.Order.MaxAttempts, logger)
	policy := risk.NewPolicy(cfg.Risk, logger)

	mode := "mock"
	if strings.EqualFold(cfg.KIS.Env, "live") {
		mode = "live"
	}
	sess := session.New(mode, logger)
	sess.Bootstrap()

	var journal *store.Journal
	if cfg.Reconcile.JournalPath != "" {
		var err error
		journal, err = store.Open(cfg.Reconcile.JournalPath)
		if err != nil {
			return nil, err
		}
	}

	var (
		kisClient *kis.Client
		feed      *kis.Feed
		rest      quote.RestClient = kis.DemoQuoteClient{}
		placer    order.Placer
		portfolio api.PortfolioProvider
		provider  reconcile.StatusProvider
	)
	if cfg.HasCredentials() {
		kisClient = kis.NewClient(cfg.KIS, logger)
		feed = kis.NewFeed(cfg.KIS, kisClient, ingest.OnRawMessage, ingest.SyncWSState, logger)
		rest = kisClient
		placer = kisClient
		portfolio = &kisPortfolio{client: kisClient}
		provider = brokerStatusProvider(kisClient)
		policy.SetAvailableQtyFunc(availableQtyFromBroker(kisClient, logger))
	} else {
		logger.Info("no broker credentials, running in demo mode",
			"seeded_symbols", len(cfg.KIS.WSSymbols))
		now := types.Now()
		for _, symbol := range cfg.KIS.WSSymbols {
			cache.SeedDemo(symbol, now)
		}
	}

	gateway := quote.NewGateway(cache, rest, quote.GatewayConfig{
		StaleAfterSec:     int64(cfg.Quote.StaleAfterSec),
		RestCooldownSec:   int64(cfg.Quote.RestCooldownSec),
		RestRetryAttempts: cfg.Quote.RestRetryAttempts,
		RestBackoffBase:   cfg.Quote.RestBackoffBase,
		SymbolDelayMin:    cfg.Quote.SymbolDelayMin,
		SymbolDelayMax:    cfg.Quote.SymbolDelayMax,
		MarketOpen:        market.IsOpenNow,
	}, logger)

	worker := order.NewWorker(queue, placer, cfg.Order.DispatchTick, logger)
	reconciler := reconcile.New(queue, provider, journal, cfg.Reconcile.Interval, logger)
	probe := readiness.New(readiness.DefaultRequiredEnv, ingest, logger)

	metrics := telemetry.New()
	registerCollectors(metrics, queue, gateway, ingest, reconciler)

	handlers := api.NewHandlers(api.Deps{
		Gateway:    gateway,
		Ingest:     ingest,
		Queue:      queue,
		Risk:       policy,
		Session:    sess,
		Readiness:  probe,
		Reconciler: reconciler,
		Portfolio:  portfolio,
	}, logger)
	server := api.NewServer(cfg.Server, handlers, metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		cache:      cache,
		ingest:     ingest,
		gateway:    gateway,
		queue:      queue,
		worker:     worker,
		policy:     policy,
		session:    sess,
		probe:      probe,
		journal:    journal,
		reconciler: reconciler,
		metrics:    metrics,
		server:     server,
		kisClient:  kisClient,
		feed:       feed,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the background goroutines: streaming feed, dispatch
// worker, reconciler ticker, and the HTTP server.
func (e *Engine) Start() error {
	if e.feed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if ok := e.feed.RunWithReconnect(e.ctx, streamMaxRetries); !ok && e.ctx.Err() == nil {
				e.logger.Error("quote stream did not come up, serving REST only")
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.worker.Run(e.ctx)
	}()

	e.reconciler.Start(e.ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.server.Start(); err != nil {
			e.logger.Error("api server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down: stops the reconciler and feed, drains the
// HTTP server, cancels all goroutines, and closes the journal.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.reconciler.Stop()
	if e.feed != nil {
		e.feed.Stop()
	}
	if err := e.server.Stop(); err != nil {
		e.logger.Error("server shutdown error", "error", err)
	}

	e.cancel()
	e.wg.Wait()

	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			e.logger.Error("journal close error", "error", err)
		}
	}

	e.logger.Info("shutdown complete")
}

// registerCollectors exposes component counters to the Prometheus scraper.
func registerCollectors(m *telemetry.Metrics, queue *order.Queue, gateway *quote.Gateway, ingest *quote.Ingest, reconciler *reconcile.Reconciler) {
	m.RegisterDomainCollectors(telemetry.DomainCollectors{
		QueueDepth:         func() float64 { return float64(queue.Depth()) },
		OrdersAccepted:     func() float64 { return float64(queue.Metrics().Accepted) },
		OrdersSent:         func() float64 { return float64(queue.Metrics().Sent) },
		OrdersRejected:     func() float64 { return float64(queue.Metrics().Rejected) },
		QuoteRESTFallbacks: func() float64 { return float64(gateway.Metrics().RestFallbacks) },
		WSReconnects:       func() float64 { return float64(ingest.Metrics(0).WSReconnectCount) },
		ReconcileRuns:      func() float64 { return float64(reconciler.Metrics().Runs) },
		ReconcileCorrected: func() float64 { return float64(reconciler.Metrics().Corrected) },
	})
}

// kisPortfolio adapts the account-bound KIS client to the per-request
// provider interface. KIS serves only its configured account, so the
// requested account ID is not forwarded.
type kisPortfolio struct {
	client *kis.Client
}

func (p *kisPortfolio) GetBalances(ctx context.Context, _ string) ([]types.Balance, error) {
	return p.client.GetBalances(ctx)
}

func (p *kisPortfolio) GetPositions(ctx context.Context, _ string) ([]types.Position, error) {
	return p.client.GetPositions(ctx)
}

// brokerStatusProvider looks up broker truth for one job. Jobs that never
// reached the broker have no row to compare against.
func brokerStatusProvider(client *kis.Client) reconcile.StatusProvider {
	return func(ctx context.Context, job types.OrderJob) (string, error) {
		if job.BrokerOrderID == nil {
			return "", nil
		}
		st, err := client.GetOrderStatus(ctx, *job.BrokerOrderID)
		if err != nil {
			return "", err
		}
		return st.Status, nil
	}
}

// availableQtyFromBroker answers SELL risk checks from the live position
// book. Lookup failures read as an empty book.
func availableQtyFromBroker(client *kis.Client, logger *slog.Logger) risk.AvailableQtyFunc {
	return func(accountID, symbol string) int {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		positions, err := client.GetPositions(ctx)
		if err != nil {
			logger.Warn("position lookup for sell check failed", "error", err)
			return 0
		}
		for _, pos := range positions {
			if pos.Symbol == symbol {
				return pos.Qty
			}
		}
		return 0
	}
}
