// Package risk enforces pre-trade limits on every inbound order.
//
// Checks run in a fixed order and the first failure wins:
//
//  1. live-trading toggle            → LIVE_DISABLED
//  2. daily order budget             → DAILY_LIMIT_EXCEEDED
//  3. side policy: BUY notional cap  → NOTIONAL_LIMIT_EXCEEDED
//     SELL vs. held quantity         → INSUFFICIENT_POSITION_QTY
//     anything else                  → INVALID_SIDE
//  4. BUY quantity ceiling           → MAX_QTY_EXCEEDED
//
// EvaluateOrderRequest wraps the trade checks with structural validation
// (INVALID_QTY, INVALID_PRICE) and the KRX trading-window gate
// (OUT_OF_TRADING_WINDOW). The daily budget counts against the Seoul
// calendar day, so it resets at KST midnight regardless of server zone.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rbitts/kis-trading-gateway-repo/internal/config"
	"github.com/rbitts/kis-trading-gateway-repo/internal/market"
	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

// Rejection reason codes surfaced to callers and the HTTP layer.
const (
	ReasonLiveDisabled      = "LIVE_DISABLED"
	ReasonDailyLimit        = "DAILY_LIMIT_EXCEEDED"
	ReasonNotionalLimit     = "NOTIONAL_LIMIT_EXCEEDED"
	ReasonInsufficientQty   = "INSUFFICIENT_POSITION_QTY"
	ReasonInvalidSide       = "INVALID_SIDE"
	ReasonMaxQty            = "MAX_QTY_EXCEEDED"
	ReasonInvalidQty        = "INVALID_QTY"
	ReasonInvalidPrice      = "INVALID_PRICE"
	ReasonOutOfWindow       = "OUT_OF_TRADING_WINDOW"
	ReasonInvalidTransition = "INVALID_TRANSITION"
)

// AvailableQtyFunc reports the sellable quantity held for a symbol. The
// policy treats a nil func as an empty book.
type AvailableQtyFunc func(accountID, symbol string) int

// Policy evaluates orders against the configured limits and tracks the
// per-day order count.
type Policy struct {
	cfg       config.RiskConfig
	logger    *slog.Logger
	available AvailableQtyFunc
	now       func() time.Time

	mu       sync.Mutex
	dayKey   string
	dayCount int
}

// NewPolicy creates a risk policy with the current wall clock.
func NewPolicy(cfg config.RiskConfig, logger *slog.Logger) *Policy {
	return &Policy{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
		now:    time.Now,
	}
}

// SetAvailableQtyFunc binds the position lookup used for SELL checks.
func (p *Policy) SetAvailableQtyFunc(fn AvailableQtyFunc) {
	p.available = fn
}

// SetClock overrides the policy clock.
func (p *Policy) SetClock(now func() time.Time) {
	p.now = now
}

func (p *Policy) availableQty(accountID, symbol string) int {
	if p.available == nil {
		return 0
	}
	return p.available(accountID, symbol)
}

// rollDayLocked resets the counter when the Seoul calendar day changes.
func (p *Policy) rollDayLocked() {
	key := market.DayKey(p.now())
	if key != p.dayKey {
		p.dayKey = key
		p.dayCount = 0
	}
}

// RecordOrder counts one accepted order against today's budget.
func (p *Policy) RecordOrder() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDayLocked()
	p.dayCount++
}

// OrdersToday returns the number of orders accepted today (KST).
func (p *Policy) OrdersToday() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDayLocked()
	return p.dayCount
}

// EvaluateTradeRisk runs the limit checks in order and returns the first
// failure, or a pass.
func (p *Policy) EvaluateTradeRisk(req types.RiskCheckRequest) types.RiskResult {
	if !p.cfg.LiveEnabled {
		return types.Fail(ReasonLiveDisabled)
	}
	if p.OrdersToday() >= p.cfg.DailyOrderLimit {
		return types.Fail(ReasonDailyLimit)
	}

	switch req.Side {
	case types.BUY:
		price := p.cfg.DefaultPrice
		if req.Price != nil {
			price = *req.Price
		}
		notional := decimal.NewFromInt(int64(req.Qty)).Mul(decimal.NewFromFloat(price))
		if notional.GreaterThan(decimal.NewFromFloat(p.cfg.BuyNotionalCap)) {
			return types.Fail(ReasonNotionalLimit)
		}
	case types.SELL:
		if req.Qty > p.availableQty(req.AccountID, req.Symbol) {
			return types.Fail(ReasonInsufficientQty)
		}
	default:
		return types.Fail(ReasonInvalidSide)
	}

	if req.Side == types.BUY && req.Qty > p.cfg.MaxOrderQty {
		return types.Fail(ReasonMaxQty)
	}
	return types.Pass()
}

// EvaluateOrderRequest validates an inbound order end to end: structural
// checks, then trade limits, then the trading window.
func (p *Policy) EvaluateOrderRequest(req types.RiskCheckRequest) types.RiskResult {
	if req.Qty < 1 {
		return types.Fail(ReasonInvalidQty)
	}
	if req.Price != nil && *req.Price <= 0 {
		return types.Fail(ReasonInvalidPrice)
	}
	if res := p.EvaluateTradeRisk(req); !res.OK {
		p.logger.Info("order rejected by risk policy",
			"symbol", req.Symbol, "side", req.Side, "qty", req.Qty, "reason", *res.Reason)
		return res
	}
	if !market.InTradingWindow(p.now()) {
		return types.Fail(ReasonOutOfWindow)
	}
	return types.Pass()
}

// amendableStatuses are the states from which cancel and modify requests
// are accepted.
var amendableStatuses = map[types.OrderStatus]struct{}{
	types.StatusNew:         {},
	types.StatusDispatching: {},
	types.StatusSent:        {},
	types.StatusAccepted:    {},
	types.StatusQueued:      {},
}

// ValidateTransition reports whether a cancel or modify may be applied to
// an order currently in the given status.
func ValidateTransition(current types.OrderStatus) types.RiskResult {
	if _, ok := amendableStatuses[current]; ok {
		return types.Pass()
	}
	return types.Fail(ReasonInvalidTransition)
}
