package kis

import (
	"context"
	"time"

	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

// DemoQuoteClient serves a synthetic flat price when no broker credentials
// are configured. It matches the REST client's quote shape so the gateway
// wiring stays identical in demo mode.
type DemoQuoteClient struct{}

// GetQuote returns a constant-price snapshot for the symbol.
func (DemoQuoteClient) GetQuote(_ context.Context, symbol string) (types.RestQuote, error) {
	return types.RestQuote{
		Symbol: symbol,
		Price:  70000,
		Source: types.SourceREST,
		Ts:     time.Now().Unix(),
	}, nil
}
