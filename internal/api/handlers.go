package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/rbitts/kis-trading-gateway-repo/internal/order"
	"github.com/rbitts/kis-trading-gateway-repo/internal/quote"
	"github.com/rbitts/kis-trading-gateway-repo/internal/readiness"
	"github.com/rbitts/kis-trading-gateway-repo/internal/reconcile"
	"github.com/rbitts/kis-trading-gateway-repo/internal/risk"
	"github.com/rbitts/kis-trading-gateway-repo/internal/session"
	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

// PortfolioProvider proxies account balances and positions from the
// broker. The gateway queries its own configured account regardless of
// the requested ID, so implementations may ignore accountID.
type PortfolioProvider interface {
	GetBalances(ctx context.Context, accountID string) ([]types.Balance, error)
	GetPositions(ctx context.Context, accountID string) ([]types.Position, error)
}

// Deps bundles the components the HTTP layer serves. Portfolio may be nil
// when the gateway runs without broker credentials.
type Deps struct {
	Gateway    *quote.Gateway
	Ingest     *quote.Ingest
	Queue      *order.Queue
	Risk       *risk.Policy
	Session    *session.Orchestrator
	Readiness  *readiness.Probe
	Reconciler *reconcile.Reconciler
	Portfolio  PortfolioProvider
	Now        func() int64
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandlers creates a handlers instance.
func NewHandlers(deps Deps, logger *slog.Logger) *Handlers {
	if deps.Now == nil {
		deps.Now = types.Now
	}
	return &Handlers{
		deps:   deps,
		logger: logger.With("component", "api-handlers"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorBody{Detail: code})
}

// HandleHealth returns a simple liveness response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSessionStatus returns the current lease snapshot.
func (h *Handlers) HandleSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Session.Status())
}

// HandleSessionReconnect attempts a short operator lease.
func (h *Handlers) HandleSessionReconnect(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(r.Header.Get("X-Operator-Token")) == "" {
		writeError(w, http.StatusBadRequest, "OPERATOR_TOKEN_REQUIRED")
		return
	}

	ok := h.deps.Session.Acquire(session.DefaultOwner, session.ReconnectTTLSec, "reconnect-api")
	st := h.deps.Session.Status()
	writeJSON(w, http.StatusOK, reconnectResponse{
		Success: ok,
		Owner:   st.Owner,
		State:   st.State,
		Source:  st.Source,
	})
}

// HandleLiveReadiness returns the live-trading gate decision.
func (h *Handlers) HandleLiveReadiness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Readiness.Evaluate())
}

// HandleQuote serves one symbol through the gateway read path.
func (h *Handlers) HandleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	snap, err := h.deps.Gateway.GetQuote(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, quote.ErrCooldown) {
			writeError(w, http.StatusServiceUnavailable, "REST_RATE_LIMIT_COOLDOWN")
			return
		}
		h.logger.Warn("quote read failed", "symbol", symbol, "error", err)
		writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleQuotesBatch serves a comma-separated symbol list. Symbols that
// cannot be served are reported in meta rather than failing the request.
func (h *Handlers) HandleQuotesBatch(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	if strings.TrimSpace(raw) == "" {
		writeError(w, http.StatusBadRequest, "SYMBOLS_REQUIRED")
		return
	}

	rows, meta := h.deps.Gateway.GetQuotes(r.Context(), strings.Split(raw, ","))
	writeJSON(w, http.StatusOK, quoteBatchResponse{Quotes: rows, Meta: meta})
}

// HandleRiskCheck runs the pre-trade checks without enqueueing anything.
func (h *Handlers) HandleRiskCheck(w http.ResponseWriter, r *http.Request) {
	var req types.RiskCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY")
		return
	}
	req.Side = types.Side(strings.ToUpper(strings.TrimSpace(string(req.Side))))
	writeJSON(w, http.StatusOK, h.deps.Risk.EvaluateOrderRequest(req))
}

// parseOrderRequest validates the order contract. The raw key set matters:
// price-required-for-limit applies only when the client named the order
// type itself, while an omitted order_type defaults to LIMIT untouched.
func parseOrderRequest(body []byte) (types.OrderRequest, string) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return types.OrderRequest{}, "INVALID_BODY"
	}
	var req types.OrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return types.OrderRequest{}, "INVALID_BODY"
	}

	req.Side = types.Side(strings.ToUpper(strings.TrimSpace(string(req.Side))))
	if !req.Side.Valid() {
		return req, "INVALID_SIDE"
	}

	_, typeGiven := keys["order_type"]
	if typeGiven {
		req.OrderType = types.OrderType(strings.ToUpper(strings.TrimSpace(string(req.OrderType))))
		if !req.OrderType.Valid() {
			return req, "INVALID_ORDER_TYPE"
		}
	} else {
		req.OrderType = types.OrderTypeLimit
	}

	if typeGiven && req.OrderType == types.OrderTypeLimit && req.Price == nil {
		return req, "PRICE_REQUIRED_FOR_LIMIT"
	}
	if req.OrderType == types.OrderTypeMarket && req.Price != nil {
		return req, "PRICE_NOT_ALLOWED_FOR_MARKET"
	}
	return req, ""
}

func toRiskCheck(req types.OrderRequest) types.RiskCheckRequest {
	return types.RiskCheckRequest{
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Qty:       req.Qty,
		Price:     req.Price,
	}
}

// HandleCreateOrder validates, risk-checks, and enqueues one order.
func (h *Handlers) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey == "" {
		writeError(w, http.StatusBadRequest, "IDEMPOTENCY_KEY_REQUIRED")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY")
		return
	}
	req, code := parseOrderRequest(body)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}

	if verdict := h.deps.Risk.EvaluateOrderRequest(toRiskCheck(req)); !verdict.OK {
		writeError(w, http.StatusBadRequest, *verdict.Reason)
		return
	}

	acc, err := h.deps.Queue.Enqueue(req, idemKey)
	if err != nil {
		if errors.Is(err, order.ErrIdemKeyBodyMismatch) {
			writeError(w, http.StatusConflict, "IDEMPOTENCY_KEY_BODY_MISMATCH")
			return
		}
		h.logger.Error("enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}

	h.deps.Risk.RecordOrder()
	writeJSON(w, http.StatusOK, acc)
}

// HandleGetOrder returns the public order view.
func (h *Handlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	job, ok := h.deps.Queue.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "ORDER_NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, publicView(job))
}

// HandleGetOrderState returns the raw job, attempts and terminality
// included.
func (h *Handlers) HandleGetOrderState(w http.ResponseWriter, r *http.Request) {
	job, ok := h.deps.Queue.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "ORDER_NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// amendGuard applies the shared not-found / terminal / transition checks
// for cancel and modify.
func (h *Handlers) amendGuard(w http.ResponseWriter, orderID string) bool {
	job, ok := h.deps.Queue.Get(orderID)
	if !ok {
		writeError(w, http.StatusNotFound, "ORDER_NOT_FOUND")
		return false
	}
	if job.Terminal {
		writeError(w, http.StatusConflict, "ORDER_ALREADY_TERMINAL")
		return false
	}
	if verdict := risk.ValidateTransition(job.Status); !verdict.OK {
		writeError(w, http.StatusBadRequest, *verdict.Reason)
		return false
	}
	return true
}

// HandleCancelOrder flags a live order for cancellation.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]
	if !h.amendGuard(w, orderID) {
		return
	}

	job, err := h.deps.Queue.RequestCancel(orderID)
	if err != nil {
		h.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicView(job))
}

// HandleModifyOrder flags a live order for modification and replaces the
// requested qty and price.
func (h *Handlers) HandleModifyOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	var req modifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY")
		return
	}
	if req.Qty < 1 {
		writeError(w, http.StatusBadRequest, "INVALID_QTY")
		return
	}
	if req.Price != nil && *req.Price <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_PRICE")
		return
	}

	if !h.amendGuard(w, orderID) {
		return
	}
	job, err := h.deps.Queue.RequestModify(orderID, req.Qty, req.Price)
	if err != nil {
		h.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicView(job))
}

// HandleMarkExecution records the broker's final verdict for one order.
func (h *Handlers) HandleMarkExecution(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	var req markRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY")
		return
	}

	status := types.OrderStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	job, err := h.deps.Queue.MarkExecutionResult(orderID, status, req.Reason)
	if err != nil {
		h.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicView(job))
}

func (h *Handlers) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "ORDER_NOT_FOUND")
	case errors.Is(err, order.ErrOrderTerminal):
		writeError(w, http.StatusConflict, "ORDER_ALREADY_TERMINAL")
	case errors.Is(err, order.ErrInvalidFinalStatus):
		writeError(w, http.StatusBadRequest, "INVALID_FINAL_STATUS")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL")
	}
}

// HandleReconcile runs one synchronous reconciliation pass.
func (h *Handlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Reconciler.Trigger(r.Context()))
}

// HandleBalances proxies cash rows from the portfolio provider.
func (h *Handlers) HandleBalances(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if strings.TrimSpace(accountID) == "" {
		writeError(w, http.StatusBadRequest, "ACCOUNT_ID_REQUIRED")
		return
	}
	if h.deps.Portfolio == nil {
		writeError(w, http.StatusServiceUnavailable, "PORTFOLIO_PROVIDER_NOT_CONFIGURED")
		return
	}

	balances, err := h.deps.Portfolio.GetBalances(r.Context(), accountID)
	if err != nil {
		h.logger.Warn("balance lookup failed", "account_id", accountID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "PORTFOLIO_PROVIDER_UNAVAILABLE")
		return
	}
	writeJSON(w, http.StatusOK, balancesResponse{AccountID: accountID, Balances: balances})
}

// HandlePositions proxies holding rows from the portfolio provider.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if strings.TrimSpace(accountID) == "" {
		writeError(w, http.StatusBadRequest, "ACCOUNT_ID_REQUIRED")
		return
	}
	if h.deps.Portfolio == nil {
		writeError(w, http.StatusServiceUnavailable, "PORTFOLIO_PROVIDER_NOT_CONFIGURED")
		return
	}

	positions, err := h.deps.Portfolio.GetPositions(r.Context(), accountID)
	if err != nil {
		h.logger.Warn("position lookup failed", "account_id", accountID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "PORTFOLIO_PROVIDER_UNAVAILABLE")
		return
	}
	writeJSON(w, http.StatusOK, positionsResponse{AccountID: accountID, Positions: positions})
}

// HandleQuoteMetrics merges the ingest and gateway counters.
func (h *Handlers) HandleQuoteMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, quoteMetricsView{
		IngestMetrics:  h.deps.Ingest.Metrics(h.deps.Now()),
		GatewayMetrics: h.deps.Gateway.Metrics(),
	})
}

// HandleOrderMetrics returns the order-path counters.
func (h *Handlers) HandleOrderMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Queue.Metrics())
}

// HandleReconcileMetrics returns reconciliation counters including the
// journal totals that survive restarts.
func (h *Handlers) HandleReconcileMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Reconciler.Metrics())
}
