// Package order implements the in-process order queue and dispatch worker.
//
// Lifecycle: enqueue creates a NEW job behind an idempotency key, the
// dispatch worker drains the FIFO through the broker adapter, and
// execution results land via mark/cancel/modify operations. FIFO order is
// preserved except for retries, which re-enter at the tail. The broker
// call itself runs outside the queue lock so a slow upstream never blocks
// enqueues or status reads.
package order

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

// Typed failures surfaced to the HTTP layer.
var (
	ErrIdemKeyBodyMismatch = errors.New("IDEMPOTENCY_KEY_BODY_MISMATCH")
	ErrOrderNotFound       = errors.New("ORDER_NOT_FOUND")
	ErrOrderTerminal       = errors.New("ORDER_ALREADY_TERMINAL")
	ErrInvalidFinalStatus  = errors.New("INVALID_FINAL_STATUS")
)

// Dispatch failure classifications.
const (
	FailRateLimit      = "RATE_LIMIT"
	FailAuth           = "AUTH"
	FailInvalidOrder   = "INVALID_ORDER"
	FailUnknown        = "UNKNOWN"
	FailRetryExhausted = "RETRY_EXHAUSTED"
	FailBrokerRejected = "BROKER_REJECTED"
)

// Placer submits one order to the broker.
type Placer interface {
	PlaceOrder(ctx context.Context, p types.PlaceOrderParams) (types.PlacedOrder, error)
}

// QueueMetrics is the order-path counter snapshot.
type QueueMetrics struct {
	QueueDepth     int `json:"queue_depth"`
	Accepted       int `json:"accepted"`
	Deduplicated   int `json:"deduplicated"`
	Processed      int `json:"processed"`
	Sent           int `json:"sent"`
	Rejected       int `json:"rejected"`
	Filled         int `json:"filled"`
	Retried        int `json:"retried"`
	RetryExhausted int `json:"retry_exhausted"`
	Terminal       int `json:"terminal"`
}

type idemRecord struct {
	bodyHash   string
	acceptance types.OrderAccepted
}

// Queue owns every order job and the dispatch FIFO.
type Queue struct {
	logger      *slog.Logger
	maxAttempts int
	now         func() int64
	newID       func(now int64) string

	mu   sync.Mutex
	jobs map[string]*types.OrderJob
	fifo []string
	idem map[string]idemRecord

	accepted       int
	deduplicated   int
	processed      int
	sent           int
	rejected       int
	filled         int
	retried        int
	retryExhausted int
	terminal       int
}

// NewQueue creates an order queue with the given per-job attempt budget.
func NewQueue(maxAttempts int, logger *slog.Logger) *Queue {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Queue{
		logger:      logger.With("component", "order_queue"),
		maxAttempts: maxAttempts,
		now:         types.Now,
		newID:       newOrderID,
		jobs:        make(map[string]*types.OrderJob),
		idem:        make(map[string]idemRecord),
	}
}

func newOrderID(now int64) string {
	id := uuid.New()
	return fmt.Sprintf("ord_%d_%s", now, hex.EncodeToString(id[:4]))
}

// canonicalHash fingerprints the request body with sorted keys and compact
// separators, so key order in the client's JSON never affects idempotency.
func canonicalHash(req types.OrderRequest) string {
	raw, _ := json.Marshal(req)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	canonical, _ := json.Marshal(m)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Enqueue stores a new job and queues it for dispatch. A repeated
// idempotency key with an identical body returns the original acceptance;
// the same key with a different body is a conflict.
func (q *Queue) Enqueue(req types.OrderRequest, idemKey string) (types.OrderAccepted, error) {
	bodyHash := canonicalHash(req)
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if idemKey != "" {
		if rec, ok := q.idem[idemKey]; ok {
			if rec.bodyHash != bodyHash {
				return types.OrderAccepted{}, ErrIdemKeyBodyMismatch
			}
			q.deduplicated++
			return rec.acceptance, nil
		}
	}

	orderID := q.newID(now)
	q.jobs[orderID] = &types.OrderJob{
		OrderID:     orderID,
		Request:     req,
		Status:      types.StatusNew,
		CreatedAt:   now,
		UpdatedAt:   now,
		MaxAttempts: q.maxAttempts,
	}
	q.fifo = append(q.fifo, orderID)

	acceptance := types.OrderAccepted{
		OrderID:        orderID,
		Status:         string(types.StatusAccepted),
		IdempotencyKey: idemKey,
	}
	if idemKey != "" {
		q.idem[idemKey] = idemRecord{bodyHash: bodyHash, acceptance: acceptance}
	}
	q.accepted++
	q.logger.Info("order accepted",
		"order_id", orderID, "symbol", req.Symbol, "side", req.Side, "qty", req.Qty)
	return acceptance, nil
}

// ProcessNext pops the next dispatchable job, places it through the
// adapter, and applies the outcome. Terminal jobs left in the FIFO by
// cancels or corrections are skipped. Returns false when nothing is
// queued.
func (q *Queue) ProcessNext(ctx context.Context, placer Placer) (types.OrderJob, bool) {
	q.mu.Lock()
	var job *types.OrderJob
	for len(q.fifo) > 0 {
		head := q.fifo[0]
		q.fifo = q.fifo[1:]
		if j, ok := q.jobs[head]; ok && !j.Terminal {
			job = j
			break
		}
	}
	if job == nil {
		q.mu.Unlock()
		return types.OrderJob{}, false
	}

	job.Status = types.StatusDispatching
	job.Attempts++
	job.UpdatedAt = q.now()
	orderID := job.OrderID
	params := types.PlaceOrderParams{
		AccountID: job.Request.AccountID,
		Symbol:    job.Request.Symbol,
		Side:      job.Request.Side,
		Qty:       job.Request.Qty,
		Price:     job.Request.Price,
		OrderType: job.Request.OrderType,
	}
	q.mu.Unlock()

	placed, err := placer.PlaceOrder(ctx, params)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.processed++
	if job.Terminal {
		// A reconciliation correction landed while the call was in
		// flight; the broker's verdict already stands.
		return *job, true
	}

	now := q.now()
	if err == nil {
		job.Status = types.StatusSent
		job.Error = nil
		brokerID := placed.BrokerOrderID
		job.BrokerOrderID = &brokerID
		job.UpdatedAt = now
		q.sent++
		q.logger.Info("order sent", "order_id", orderID, "broker_order_id", brokerID, "attempts", job.Attempts)
		return *job, true
	}

	code := classifyFailure(err)
	switch {
	case retryable(code) && job.Attempts < job.MaxAttempts:
		job.Status = types.StatusNew
		job.Error = strPtr(code)
		job.UpdatedAt = now
		q.fifo = append(q.fifo, orderID)
		q.retried++
	case retryable(code):
		job.Status = types.StatusRejected
		job.Error = strPtr(FailRetryExhausted)
		job.Terminal = true
		job.UpdatedAt = now
		q.retryExhausted++
		q.rejected++
		q.terminal++
	default:
		job.Status = types.StatusRejected
		job.Error = strPtr(code)
		job.Terminal = true
		job.UpdatedAt = now
		q.rejected++
		q.terminal++
	}
	q.logger.Warn("order dispatch failed",
		"order_id", orderID, "code", code, "attempts", job.Attempts, "error", err)
	return *job, true
}

// statusCoder is implemented by upstream errors carrying an HTTP status.
type statusCoder interface{ HTTPStatus() int }

// classifyFailure maps a placement error onto a dispatch code. Typed
// upstream statuses win; the substring match on the message is the
// fallback for brokers that only speak text.
func classifyFailure(err error) string {
	var sc statusCoder
	if errors.As(err, &sc) {
		switch sc.HTTPStatus() {
		case http.StatusTooManyRequests:
			return FailRateLimit
		case http.StatusUnauthorized, http.StatusForbidden:
			return FailAuth
		}
	}

	msg := strings.ToUpper(err.Error())
	switch {
	case strings.Contains(msg, "RATE_LIMIT") || strings.Contains(msg, "429"):
		return FailRateLimit
	case strings.Contains(msg, "AUTH") || strings.Contains(msg, "TOKEN"):
		return FailAuth
	case strings.Contains(msg, "INVALID_ORDER") || strings.Contains(msg, "INVALID"):
		return FailInvalidOrder
	default:
		return FailUnknown
	}
}

func retryable(code string) bool {
	return code == FailRateLimit || code == FailUnknown
}

func strPtr(s string) *string { return &s }

// MarkExecutionResult records the broker's final verdict. Terminal jobs
// are returned unchanged, so repeated marks are harmless.
func (q *Queue) MarkExecutionResult(orderID string, final types.OrderStatus, reason string) (types.OrderJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[orderID]
	if !ok {
		return types.OrderJob{}, ErrOrderNotFound
	}
	if final != types.StatusFilled && final != types.StatusRejected {
		return types.OrderJob{}, ErrInvalidFinalStatus
	}
	if job.Terminal {
		return *job, nil
	}

	job.Status = final
	job.Terminal = true
	job.UpdatedAt = q.now()
	if final == types.StatusFilled {
		job.Error = nil
		q.filled++
	} else {
		if reason == "" {
			reason = FailBrokerRejected
		}
		job.Error = &reason
		q.rejected++
	}
	q.terminal++
	return *job, nil
}

// RequestCancel moves a live job to CANCEL_PENDING.
func (q *Queue) RequestCancel(orderID string) (types.OrderJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[orderID]
	if !ok {
		return types.OrderJob{}, ErrOrderNotFound
	}
	if job.Terminal {
		return types.OrderJob{}, ErrOrderTerminal
	}
	job.Status = types.StatusCancelPending
	job.UpdatedAt = q.now()
	return *job, nil
}

// RequestModify moves a live job to MODIFY_PENDING and replaces the
// requested quantity and price. A nil price clears any previous one.
func (q *Queue) RequestModify(orderID string, qty int, price *float64) (types.OrderJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[orderID]
	if !ok {
		return types.OrderJob{}, ErrOrderNotFound
	}
	if job.Terminal {
		return types.OrderJob{}, ErrOrderTerminal
	}
	job.Status = types.StatusModifyPending
	job.Request.Qty = qty
	job.Request.Price = price
	job.UpdatedAt = q.now()
	return *job, nil
}

// AdoptBrokerStatus applies a reconciliation correction. Reconciliation is
// the one caller allowed to change a terminal job: the broker is the
// external authority on execution outcomes.
func (q *Queue) AdoptBrokerStatus(orderID string, broker types.OrderStatus) (types.OrderJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[orderID]
	if !ok {
		return types.OrderJob{}, ErrOrderNotFound
	}

	job.Status = broker
	job.UpdatedAt = q.now()
	switch broker {
	case types.StatusFilled, types.StatusCanceled:
		job.Terminal = true
		job.Error = nil
	case types.StatusRejected:
		job.Terminal = true
		if job.Error == nil {
			job.Error = strPtr(FailBrokerRejected)
		}
	}
	return *job, nil
}

// Get returns a copy of one job.
func (q *Queue) Get(orderID string) (types.OrderJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[orderID]
	if !ok {
		return types.OrderJob{}, false
	}
	return *job, true
}

// OrderIDs returns a snapshot of every known order ID. Reconciliation
// iterates this snapshot rather than holding the queue lock.
func (q *Queue) OrderIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.jobs))
	for id := range q.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Depth returns the number of jobs waiting for dispatch.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// Metrics returns the order-path counters.
func (q *Queue) Metrics() QueueMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueMetrics{
		QueueDepth:     len(q.fifo),
		Accepted:       q.accepted,
		Deduplicated:   q.deduplicated,
		Processed:      q.processed,
		Sent:           q.sent,
		Rejected:       q.rejected,
		Filled:         q.filled,
		Retried:        q.retried,
		RetryExhausted: q.retryExhausted,
		Terminal:       q.terminal,
	}
}
