package risk

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/rbitts/kis-trading-gateway-repo/internal/config"
	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func kstTime(day, hour, minute int) time.Time {
	return time.Date(2026, 1, day, hour, minute, 0, 0, time.FixedZone("KST", 9*60*60))
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		LiveEnabled:     true,
		DailyOrderLimit: 50,
		MaxOrderQty:     100,
		BuyNotionalCap:  10_000_000,
		DefaultPrice:    70_000,
	}
}

func newTestPolicy(t *testing.T, cfg config.RiskConfig) *Policy {
	t.Helper()
	p := NewPolicy(cfg, testLogger())
	p.SetClock(func() time.Time { return kstTime(2, 10, 0) })
	return p
}

func fptr(v float64) *float64 { return &v }

func wantReason(t *testing.T, res types.RiskResult, reason string) {
	t.Helper()
	if res.OK {
		t.Fatalf("expected %s rejection, got pass", reason)
	}
	if *res.Reason != reason {
		t.Errorf("reason = %s, want %s", *res.Reason, reason)
	}
}

func TestEvaluateTradeRiskBuy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		qty        int
		price      *float64
		wantReason string
	}{
		{"within limits", 10, fptr(70_000), ""},
		{"notional cap breached", 150, fptr(70_000), ReasonNotionalLimit},
		{"notional beats qty ceiling", 150, fptr(70_000), ReasonNotionalLimit},
		{"default price fills missing price", 143, nil, ReasonNotionalLimit},
		{"qty ceiling after notional passes", 142, fptr(1_000), ReasonMaxQty},
		{"notional cap is inclusive", 100, fptr(100_000), ""},
		{"one won over the cap", 100, fptr(100_001), ReasonNotionalLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := newTestPolicy(t, testRiskConfig())
			res := p.EvaluateTradeRisk(types.RiskCheckRequest{
				AccountID: "12345678-01", Symbol: "005930",
				Side: types.BUY, Qty: tt.qty, Price: tt.price,
			})
			if tt.wantReason == "" {
				if !res.OK {
					t.Fatalf("expected pass, got %s", *res.Reason)
				}
				return
			}
			wantReason(t, res, tt.wantReason)
		})
	}
}

func TestEvaluateTradeRiskSell(t *testing.T) {
	t.Parallel()

	newSellPolicy := func(t *testing.T) *Policy {
		p := newTestPolicy(t, testRiskConfig())
		p.SetAvailableQtyFunc(func(_, symbol string) int {
			if symbol == "005930" {
				return 10
			}
			if symbol == "000660" {
				return 200
			}
			return 0
		})
		return p
	}

	tests := []struct {
		name       string
		symbol     string
		qty        int
		wantReason string
	}{
		{"sell within holdings", "005930", 10, ""},
		{"sell exceeds holdings", "005930", 11, ReasonInsufficientQty},
		{"sell with no position", "035420", 1, ReasonInsufficientQty},
		{"sell is exempt from the buy qty ceiling", "000660", 150, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res := newSellPolicy(t).EvaluateTradeRisk(types.RiskCheckRequest{
				AccountID: "12345678-01", Symbol: tt.symbol,
				Side: types.SELL, Qty: tt.qty,
			})
			if tt.wantReason == "" {
				if !res.OK {
					t.Fatalf("expected pass, got %s", *res.Reason)
				}
				return
			}
			wantReason(t, res, tt.wantReason)
		})
	}
}

func TestEvaluateTradeRiskSellDefaultsToEmptyBook(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, testRiskConfig())
	res := p.EvaluateTradeRisk(types.RiskCheckRequest{Symbol: "005930", Side: types.SELL, Qty: 1})
	wantReason(t, res, ReasonInsufficientQty)
}

func TestEvaluateTradeRiskGates(t *testing.T) {
	t.Parallel()

	t.Run("live disabled blocks everything", func(t *testing.T) {
		t.Parallel()
		cfg := testRiskConfig()
		cfg.LiveEnabled = false
		res := newTestPolicy(t, cfg).EvaluateTradeRisk(types.RiskCheckRequest{
			Side: types.BUY, Qty: 1, Price: fptr(70_000),
		})
		wantReason(t, res, ReasonLiveDisabled)
	})

	t.Run("daily limit", func(t *testing.T) {
		t.Parallel()
		cfg := testRiskConfig()
		cfg.DailyOrderLimit = 2
		p := newTestPolicy(t, cfg)
		p.RecordOrder()
		p.RecordOrder()
		res := p.EvaluateTradeRisk(types.RiskCheckRequest{Side: types.BUY, Qty: 1, Price: fptr(70_000)})
		wantReason(t, res, ReasonDailyLimit)
	})

	t.Run("unknown side", func(t *testing.T) {
		t.Parallel()
		res := newTestPolicy(t, testRiskConfig()).EvaluateTradeRisk(types.RiskCheckRequest{
			Side: types.Side("HOLD"), Qty: 1,
		})
		wantReason(t, res, ReasonInvalidSide)
	})
}

func TestDailyBudgetResetsAtSeoulMidnight(t *testing.T) {
	t.Parallel()

	cfg := testRiskConfig()
	cfg.DailyOrderLimit = 2

	now := kstTime(2, 23, 50)
	p := NewPolicy(cfg, testLogger())
	p.SetClock(func() time.Time { return now })

	p.RecordOrder()
	p.RecordOrder()
	res := p.EvaluateTradeRisk(types.RiskCheckRequest{Side: types.BUY, Qty: 1, Price: fptr(70_000)})
	wantReason(t, res, ReasonDailyLimit)

	now = kstTime(3, 0, 10)
	if got := p.OrdersToday(); got != 0 {
		t.Fatalf("counter should reset on the new Seoul day, got %d", got)
	}
	res = p.EvaluateTradeRisk(types.RiskCheckRequest{Side: types.BUY, Qty: 1, Price: fptr(70_000)})
	if !res.OK {
		t.Errorf("expected pass after day rollover, got %s", *res.Reason)
	}
}

func TestEvaluateOrderRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		at         time.Time
		req        types.RiskCheckRequest
		disabled   bool
		wantReason string
	}{
		{
			name: "valid order mid-session",
			at:   kstTime(2, 10, 0),
			req:  types.RiskCheckRequest{Side: types.BUY, Qty: 1, Price: fptr(70_000)},
		},
		{
			name:       "zero qty",
			at:         kstTime(2, 10, 0),
			req:        types.RiskCheckRequest{Side: types.BUY, Qty: 0, Price: fptr(70_000)},
			wantReason: ReasonInvalidQty,
		},
		{
			name:       "negative price",
			at:         kstTime(2, 10, 0),
			req:        types.RiskCheckRequest{Side: types.BUY, Qty: 1, Price: fptr(-1)},
			wantReason: ReasonInvalidPrice,
		},
		{
			name:       "zero price",
			at:         kstTime(2, 10, 0),
			req:        types.RiskCheckRequest{Side: types.BUY, Qty: 1, Price: fptr(0)},
			wantReason: ReasonInvalidPrice,
		},
		{
			name:       "before the opening bell",
			at:         kstTime(2, 8, 59),
			req:        types.RiskCheckRequest{Side: types.BUY, Qty: 1, Price: fptr(70_000)},
			wantReason: ReasonOutOfWindow,
		},
		{
			name: "at the opening bell",
			at:   kstTime(2, 9, 0),
			req:  types.RiskCheckRequest{Side: types.BUY, Qty: 1, Price: fptr(70_000)},
		},
		{
			name: "at the closing bell",
			at:   kstTime(2, 15, 30),
			req:  types.RiskCheckRequest{Side: types.BUY, Qty: 1, Price: fptr(70_000)},
		},
		{
			name:       "after the closing bell",
			at:         kstTime(2, 15, 31),
			req:        types.RiskCheckRequest{Side: types.BUY, Qty: 1, Price: fptr(70_000)},
			wantReason: ReasonOutOfWindow,
		},
		{
			name:       "trade limits checked before the window",
			at:         kstTime(2, 8, 59),
			req:        types.RiskCheckRequest{Side: types.BUY, Qty: 1, Price: fptr(70_000)},
			disabled:   true,
			wantReason: ReasonLiveDisabled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testRiskConfig()
			if tt.disabled {
				cfg.LiveEnabled = false
			}
			p := NewPolicy(cfg, testLogger())
			p.SetClock(func() time.Time { return tt.at })

			res := p.EvaluateOrderRequest(tt.req)
			if tt.wantReason == "" {
				if !res.OK {
					t.Fatalf("expected pass, got %s", *res.Reason)
				}
				return
			}
			wantReason(t, res, tt.wantReason)
		})
	}
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	allowed := []types.OrderStatus{
		types.StatusNew, types.StatusDispatching, types.StatusSent,
		types.StatusAccepted, types.StatusQueued,
	}
	for _, status := range allowed {
		if res := ValidateTransition(status); !res.OK {
			t.Errorf("%s should accept amendments, got %s", status, *res.Reason)
		}
	}

	blocked := []types.OrderStatus{
		types.StatusFilled, types.StatusRejected, types.StatusCanceled,
		types.StatusCancelPending, types.StatusModifyPending,
	}
	for _, status := range blocked {
		res := ValidateTransition(status)
		wantReason(t, res, ReasonInvalidTransition)
	}
}
