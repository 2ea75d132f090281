// Package reconcile keeps local order state aligned with the broker.
//
// On every pass the reconciler asks the broker for its view of each known
// order and, when the two disagree, adopts the broker's status. Every
// correction is appended to the durable journal so operators can audit
// what drifted and when, across restarts.
package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rbitts/kis-trading-gateway-repo/internal/order"
	"github.com/rbitts/kis-trading-gateway-repo/internal/store"
	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

// StatusProvider returns the broker's status for one order, normalized to
// the local status vocabulary. An empty string means the broker has no
// row for this order yet, which is not an error.
type StatusProvider func(ctx context.Context, job types.OrderJob) (string, error)

// Metrics is the reconciliation counter snapshot.
type Metrics struct {
	Runs           int                         `json:"runs"`
	Checked        int                         `json:"checked"`
	Mismatched     int                         `json:"mismatched"`
	Corrected      int                         `json:"corrected"`
	PersistedCount int                         `json:"persisted_count"`
	RecentEvents   []types.ReconciliationEvent `json:"recent_events"`
}

// Reconciler runs the periodic broker-truth sweep.
type Reconciler struct {
	queue    *order.Queue
	provider StatusProvider
	journal  *store.Journal
	interval time.Duration
	logger   *slog.Logger
	now      func() int64

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	runs       int
	checked    int
	mismatched int
	corrected  int
}

// New creates a reconciler. A nil provider turns passes into no-ops, the
// demo-mode behavior. A nil journal keeps corrections in memory only.
func New(queue *order.Queue, provider StatusProvider, journal *store.Journal, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reconciler{
		queue:    queue,
		provider: provider,
		journal:  journal,
		interval: interval,
		logger:   logger.With("component", "reconcile"),
		now:      types.Now,
	}
}

// Start launches the periodic loop. Calling Start on a running
// reconciler does nothing.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	r.logger.Info("reconcile loop started", "interval", r.interval)
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.runScheduled(runCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits briefly for it to exit.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		r.logger.Warn("reconcile loop did not stop in time")
	}
}

// Trigger runs one synchronous pass outside the periodic schedule.
func (r *Reconciler) Trigger(ctx context.Context) types.ReconcileReport {
	return r.ReconcileOnce(ctx)
}

// runScheduled keeps the loop alive when a provider implementation panics.
// Synchronous triggers stay bare so their caller sees the failure.
func (r *Reconciler) runScheduled(ctx context.Context) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("reconcile pass panicked", "panic", v)
		}
	}()
	r.ReconcileOnce(ctx)
}

// ReconcileOnce sweeps every known order. Broker lookups that fail are
// skipped so one flaky call never aborts the pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) types.ReconcileReport {
	report := types.ReconcileReport{Events: []types.ReconciliationEvent{}}
	if r.provider == nil {
		r.finishPass(report)
		return report
	}

	ids := r.queue.OrderIDs()
	sort.Strings(ids)

	for _, id := range ids {
		job, ok := r.queue.Get(id)
		if !ok {
			continue
		}
		report.Checked++

		raw, err := r.provider(ctx, job)
		if err != nil {
			r.logger.Debug("broker status lookup failed", "order_id", id, "error", err)
			continue
		}
		broker := strings.ToUpper(strings.TrimSpace(raw))
		if broker == "" {
			continue
		}
		if broker == strings.ToUpper(string(job.Status)) {
			continue
		}

		report.Mismatched++
		corrected, err := r.queue.AdoptBrokerStatus(id, types.OrderStatus(broker))
		if err != nil {
			continue
		}
		report.Corrected++

		ev := types.ReconciliationEvent{
			OrderID:         id,
			InternalStatus:  string(job.Status),
			BrokerStatus:    broker,
			CorrectedStatus: string(corrected.Status),
			Ts:              r.now(),
		}
		report.Events = append(report.Events, ev)
		if r.journal != nil {
			if err := r.journal.Append(ev); err != nil {
				r.logger.Warn("journal append failed", "order_id", id, "error", err)
			}
		}
		r.logger.Info("order state corrected",
			"order_id", id, "from", ev.InternalStatus, "to", broker)
	}

	r.finishPass(report)
	return report
}

func (r *Reconciler) finishPass(report types.ReconcileReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	r.checked += report.Checked
	r.mismatched += report.Mismatched
	r.corrected += report.Corrected
}

// Metrics returns reconciliation counters plus the journal tail.
func (r *Reconciler) Metrics() Metrics {
	r.mu.Lock()
	m := Metrics{
		Runs:         r.runs,
		Checked:      r.checked,
		Mismatched:   r.mismatched,
		Corrected:    r.corrected,
		RecentEvents: []types.ReconciliationEvent{},
	}
	r.mu.Unlock()

	if r.journal != nil {
		m.PersistedCount = r.journal.PersistedCount()
		m.RecentEvents = r.journal.Recent()
	}
	return m
}
