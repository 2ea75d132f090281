package api

import (
	"github.com/rbitts/kis-trading-gateway-repo/internal/quote"
	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

// errorBody is the error envelope every non-2xx response carries.
type errorBody struct {
	Detail string `json:"detail"`
}

// orderView is the public order representation. Internal NEW renders as
// QUEUED so clients never see the dispatch-internal state name.
type orderView struct {
	OrderID   string  `json:"order_id"`
	Status    string  `json:"status"`
	Error     *string `json:"error"`
	UpdatedAt int64   `json:"updated_at"`
}

func publicView(job types.OrderJob) orderView {
	status := job.Status
	if status == types.StatusNew {
		status = types.StatusQueued
	}
	return orderView{
		OrderID:   job.OrderID,
		Status:    string(status),
		Error:     job.Error,
		UpdatedAt: job.UpdatedAt,
	}
}

// reconnectResponse reports the outcome of a lease acquisition attempt.
type reconnectResponse struct {
	Success bool    `json:"success"`
	Owner   *string `json:"owner"`
	State   string  `json:"state"`
	Source  string  `json:"source"`
}

// quoteBatchResponse is the batch read envelope.
type quoteBatchResponse struct {
	Quotes []types.QuoteSnapshot `json:"quotes"`
	Meta   types.BatchMeta       `json:"meta"`
}

// modifyRequest is the body of POST /orders/{id}/modify.
type modifyRequest struct {
	Qty   int      `json:"qty"`
	Price *float64 `json:"price"`
}

// markRequest is the body of POST /orders/{id}/execution-result.
type markRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// quoteMetricsView merges the ingest and gateway counters into one flat
// JSON object.
type quoteMetricsView struct {
	quote.IngestMetrics
	quote.GatewayMetrics
}

// balancesResponse and positionsResponse wrap portfolio rows.
type balancesResponse struct {
	AccountID string          `json:"account_id"`
	Balances  []types.Balance `json:"balances"`
}

type positionsResponse struct {
	AccountID string           `json:"account_id"`
	Positions []types.Position `json:"positions"`
}
