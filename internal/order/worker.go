package order

import (
	"context"
	"log/slog"
	"time"
)

// Worker drains the queue through the broker adapter on a fixed tick.
type Worker struct {
	queue  *Queue
	placer Placer
	tick   time.Duration
	logger *slog.Logger
}

// NewWorker creates a dispatch worker. A nil placer makes the worker idle,
// which is the demo-mode behavior when no broker credentials are present.
func NewWorker(queue *Queue, placer Placer, tick time.Duration, logger *slog.Logger) *Worker {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	return &Worker{
		queue:  queue,
		placer: placer,
		tick:   tick,
		logger: logger.With("component", "order_worker"),
	}
}

// Run dispatches queued jobs until ctx is done. Each tick places at most
// one job, so a retry re-queued at the tail waits at least a tick before
// its next attempt.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("dispatch worker started", "tick", w.tick)
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("dispatch worker stopped")
			return
		case <-ticker.C:
			if w.placer == nil {
				continue
			}
			w.queue.ProcessNext(ctx, w.placer)
		}
	}
}
