package types

import "testing"

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{StatusFilled, true},
		{StatusRejected, true},
		{StatusCanceled, true},
		{StatusNew, false},
		{StatusDispatching, false},
		{StatusSent, false},
		{StatusCancelPending, false},
		{StatusModifyPending, false},
		{StatusQueued, false},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("OrderStatus(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSideValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		side Side
		want bool
	}{
		{BUY, true},
		{SELL, true},
		{Side("HOLD"), false},
		{Side(""), false},
	}

	for _, tt := range tests {
		if got := tt.side.Valid(); got != tt.want {
			t.Errorf("Side(%q).Valid() = %v, want %v", tt.side, got, tt.want)
		}
	}
}

func TestOrderTypeValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		orderType OrderType
		want      bool
	}{
		{OrderTypeLimit, true},
		{OrderTypeMarket, true},
		{OrderType("STOP"), false},
	}

	for _, tt := range tests {
		if got := tt.orderType.Valid(); got != tt.want {
			t.Errorf("OrderType(%q).Valid() = %v, want %v", tt.orderType, got, tt.want)
		}
	}
}

func TestQuoteSnapshotAge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ts   int64
		now  int64
		want float64
	}{
		{"past tick", 1_700_000_000, 1_700_000_010, 10},
		{"same instant", 1_700_000_000, 1_700_000_000, 0},
		{"future tick floors at zero", 1_700_000_010, 1_700_000_000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			snap := QuoteSnapshot{Symbol: "005930", Ts: tt.ts}
			if got := snap.Age(tt.now); got != tt.want {
				t.Errorf("Age(%d) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}
