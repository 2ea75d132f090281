// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the gateway — quote snapshots,
// order lifecycle records, session lease state, and reconciliation events.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Valid reports whether the side is one of the accepted values.
func (s Side) Valid() bool {
	return s == BUY || s == SELL
}

// OrderType enumerates the supported order pricing modes.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"  // price required
	OrderTypeMarket OrderType = "MARKET" // price must be absent
)

// Valid reports whether the order type is one of the accepted values.
func (o OrderType) Valid() bool {
	return o == OrderTypeLimit || o == OrderTypeMarket
}

// OrderStatus enumerates the order job lifecycle states.
//
//	NEW → DISPATCHING → SENT → FILLED        (terminal)
//	                  ↘      ↘ REJECTED      (terminal)
//	NEW → DISPATCHING → NEW                  (retry loopback)
//	non-terminal → CANCEL_PENDING → CANCELED (terminal)
//	             → MODIFY_PENDING → SENT
type OrderStatus string

const (
	StatusNew           OrderStatus = "NEW"
	StatusDispatching   OrderStatus = "DISPATCHING"
	StatusSent          OrderStatus = "SENT"
	StatusFilled        OrderStatus = "FILLED"
	StatusRejected      OrderStatus = "REJECTED"
	StatusCanceled      OrderStatus = "CANCELED"
	StatusCancelPending OrderStatus = "CANCEL_PENDING"
	StatusModifyPending OrderStatus = "MODIFY_PENDING"

	// StatusQueued is the public rendering of NEW on the order status API.
	StatusQueued OrderStatus = "QUEUED"
	// StatusAccepted is returned on enqueue and reported by some brokers.
	StatusAccepted OrderStatus = "ACCEPTED"
)

// Terminal reports whether the status belongs to the terminal set from
// which the queue API permits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCanceled
}

// QuoteState classifies snapshot freshness at read time.
type QuoteState string

const (
	QuoteHealthy QuoteState = "HEALTHY" // freshness within the staleness window
	QuoteStale   QuoteState = "STALE"   // older than stale_after_sec
)

// Quote sources. WS ticks and REST fallback reads are tagged so callers
// can tell which path served them; demo rows are seeded synthetic data.
const (
	SourceWS   = "kis-ws"
	SourceREST = "kis-rest"
	SourceDemo = "demo"
)

// Session lease states.
const (
	SessionIdle   = "IDLE"
	SessionActive = "ACTIVE"
)

// ————————————————————————————————————————————————————————————————————————
// Quotes
// ————————————————————————————————————————————————————————————————————————

// QuoteSnapshot is the unified per-symbol price record served by the read
// path. Ts is epoch seconds; FreshnessSec and State are recomputed against
// the caller's clock at read time, not at ingest time.
type QuoteSnapshot struct {
	Symbol       string     `json:"symbol"`
	Price        float64    `json:"price"`
	ChangePct    float64    `json:"change_pct"`
	Turnover     float64    `json:"turnover"`
	Source       string     `json:"source"` // "kis-ws", "kis-rest", or "demo"
	Ts           int64      `json:"ts"`     // epoch seconds of the underlying tick
	FreshnessSec float64    `json:"freshness_sec"`
	State        QuoteState `json:"state"`
}

// Age returns the snapshot age in whole seconds at the given instant,
// floored at zero so future-dated ticks never report negative freshness.
func (q QuoteSnapshot) Age(now int64) float64 {
	if age := now - q.Ts; age > 0 {
		return float64(age)
	}
	return 0
}

// RestQuote is the normalized payload a REST quote fetch returns before it
// becomes a cacheable QuoteSnapshot.
type RestQuote struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	ChangePct float64 `json:"change_pct"`
	Turnover  float64 `json:"turnover"`
	Source    string  `json:"source"`
	Ts        int64   `json:"ts"`
}

// BatchMeta reports partial-failure details for a batch quote read.
// FailedSymbols preserves the input order of the symbols that could not be
// served from cache or REST.
type BatchMeta struct {
	MissingCount  int      `json:"missing_count"`
	FailedSymbols []string `json:"failed_symbols"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the client-submitted order intent. Side and OrderType are
// upper-cased at the HTTP boundary; Price is nil for MARKET orders and
// required for explicit LIMIT orders.
type OrderRequest struct {
	AccountID  string    `json:"account_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Qty        int       `json:"qty"`
	OrderType  OrderType `json:"order_type"`
	Price      *float64  `json:"price"`
	StrategyID *string   `json:"strategy_id"`
}

// OrderAccepted is the enqueue acknowledgment returned to the client.
// Identical (key, body) resubmissions return the same acceptance.
type OrderAccepted struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"` // always "ACCEPTED"
	IdempotencyKey string `json:"idempotency_key"`
}

// OrderJob is the per-order lifecycle record owned by the queue. Once
// Terminal is set, Status is immutable through the queue API; only
// reconciliation may adopt a new terminal value from the broker.
type OrderJob struct {
	OrderID       string       `json:"order_id"`
	Request       OrderRequest `json:"request"`
	Status        OrderStatus  `json:"status"`
	CreatedAt     int64        `json:"created_at"`
	UpdatedAt     int64        `json:"updated_at"`
	Error         *string      `json:"error"`
	BrokerOrderID *string      `json:"broker_order_id"`
	Attempts      int          `json:"attempts"`
	MaxAttempts   int          `json:"max_attempts"`
	Terminal      bool         `json:"terminal"`
}

// PlaceOrderParams is the broker adapter input for one placement attempt.
type PlaceOrderParams struct {
	AccountID string
	Symbol    string
	Side      Side
	Qty       int
	Price     *float64
	OrderType OrderType
}

// PlacedOrder is the broker acknowledgment for a successful placement.
type PlacedOrder struct {
	BrokerOrderID string `json:"broker_order_id"`
	Status        string `json:"status"`
}

// BrokerOrderStatus is a broker-side status lookup result.
type BrokerOrderStatus struct {
	BrokerOrderID string `json:"broker_order_id"`
	Status        string `json:"status"`
}

// ————————————————————————————————————————————————————————————————————————
// Risk
// ————————————————————————————————————————————————————————————————————————

// RiskCheckRequest is the pre-trade evaluation input.
type RiskCheckRequest struct {
	AccountID string   `json:"account_id"`
	Symbol    string   `json:"symbol"`
	Side      Side     `json:"side"`
	Qty       int      `json:"qty"`
	Price     *float64 `json:"price"`
}

// RiskResult is a pass/fail verdict with a machine-readable reason code.
type RiskResult struct {
	OK     bool    `json:"ok"`
	Reason *string `json:"reason"`
}

// Pass returns the passing verdict.
func Pass() RiskResult {
	return RiskResult{OK: true}
}

// Fail returns a failing verdict carrying the given reason code.
func Fail(reason string) RiskResult {
	return RiskResult{OK: false, Reason: &reason}
}

// ————————————————————————————————————————————————————————————————————————
// Session
// ————————————————————————————————————————————————————————————————————————

// SessionState is the single-owner trading lease snapshot. Owner is nil
// exactly when State is IDLE. A nil LeaseExpiresAt means no active lease.
type SessionState struct {
	Mode           string  `json:"mode"` // "mock" or "live"
	Owner          *string `json:"owner"`
	State          string  `json:"state"` // IDLE or ACTIVE
	Source         string  `json:"source"`
	LeaseExpiresAt *int64  `json:"lease_expires_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Reconciliation
// ————————————————————————————————————————————————————————————————————————

// ReconciliationEvent records one broker-truth correction applied to a
// local job. Events are appended to the line-delimited journal.
type ReconciliationEvent struct {
	OrderID         string `json:"order_id"`
	InternalStatus  string `json:"internal_status"`
	BrokerStatus    string `json:"broker_status"`
	CorrectedStatus string `json:"corrected_status"`
	Ts              int64  `json:"ts"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked    int                   `json:"checked"`
	Mismatched int                   `json:"mismatched"`
	Corrected  int                   `json:"corrected"`
	Events     []ReconciliationEvent `json:"events"`
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio
// ————————————————————————————————————————————————————————————————————————

// Balance is one cash row from the portfolio provider.
type Balance struct {
	AccountID     string  `json:"account_id"`
	Currency      string  `json:"currency"`
	CashAvailable float64 `json:"cash_available"`
}

// Position is one holding row from the portfolio provider.
type Position struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
	Qty       int    `json:"qty"`
}

// ————————————————————————————————————————————————————————————————————————
// Readiness
// ————————————————————————————————————————————————————————————————————————

// LiveReadiness is the aggregated go/no-go gate for live trading.
// BlockerReasons carries one human-readable entry per failed condition.
type LiveReadiness struct {
	RequiredEnvMissing []string `json:"required_env_missing"`
	WSConnected        bool     `json:"ws_connected"`
	WSLastError        *string  `json:"ws_last_error"`
	CanTrade           bool     `json:"can_trade"`
	BlockerReasons     []string `json:"blocker_reasons"`
}

// Now is the epoch-second clock used across the gateway. Components accept
// an injectable clock for tests and default to this one.
func Now() int64 {
	return time.Now().Unix()
}
