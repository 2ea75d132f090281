// Package kis implements the Korea Investment & Securities OpenAPI REST and
// WebSocket clients.
//
// The REST client (Client) talks to the domestic-stock OpenAPI:
//   - AccessToken:      POST /oauth2/tokenP    — issue and cache the OAuth bearer token
//   - IssueApprovalKey: POST /oauth2/Approval  — issue the WebSocket approval key
//   - GetQuote:         GET  /uapi/domestic-stock/v1/quotations/inquire-price
//   - PlaceOrder:       POST /uapi/domestic-stock/v1/trading/order-cash
//   - GetOrderStatus:   GET  /uapi/domestic-stock/v1/trading/inquire-daily-ccld
//   - GetBalances, GetPositions: GET /uapi/domestic-stock/v1/trading/inquire-balance
//
// Every data request carries the appkey/appsecret header pair plus a tr_id
// transaction code. The tr_id selects mock (paper) or live behavior
// upstream, so the same endpoints serve both environments.
package kis

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rbitts/kis-trading-gateway-repo/internal/config"
	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

const (
	mockBaseURL = "https://openapivts.koreainvestment.com:29443"
	liveBaseURL = "https://openapi.koreainvestment.com:9443"

	trQuote = "FHKST01010100"

	trOrderBuyMock  = "VTTC0802U"
	trOrderSellMock = "VTTC0801U"
	trOrderBuyLive  = "TTTC0802U"
	trOrderSellLive = "TTTC0801U"

	trCcldMock = "VTTC8001R"
	trCcldLive = "TTTC8001R"

	trBalanceMock = "VTTC8434R"
	trBalanceLive = "TTTC8434R"
)

var seoul = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}()

// APIError is a non-2xx upstream response. It keeps the HTTP status so
// callers can classify rate limiting separately from other failures.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

// HTTPStatus returns the upstream HTTP status code.
func (e *APIError) HTTPStatus() int { return e.Status }

// Client is the KIS OpenAPI REST client. It wraps a resty HTTP client,
// caches the OAuth access token across calls, and paces data requests
// under the per-appkey rate limit.
type Client struct {
	http       *resty.Client
	limit      *TokenBucket // shared per-appkey request budget
	appKey     string
	appSecret  string
	accountNo  string // full configured value, e.g. "12345678-01"
	cano       string // account number before the dash
	acntPrdtCd string // product code after the dash, "01" when absent
	live       bool
	logger     *slog.Logger

	tokenMu      sync.Mutex
	accessToken  string
	tokenExpires time.Time
}

// NewClient creates a REST client for the configured environment. The base
// URL follows cfg.Env unless cfg.RestBaseURL overrides it.
func NewClient(cfg config.KISConfig, logger *slog.Logger) *Client {
	base := cfg.RestBaseURL
	if base == "" {
		if strings.EqualFold(cfg.Env, "live") {
			base = liveBaseURL
		} else {
			base = mockBaseURL
		}
	}

	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(5 * time.Second).
		SetHeader("Content-Type", "application/json")

	live := strings.EqualFold(cfg.Env, "live")
	cano, prdt := splitAccount(cfg.AccountNo)
	return &Client{
		http:       httpClient,
		limit:      newCallLimiter(live),
		appKey:     cfg.AppKey,
		appSecret:  cfg.AppSecret,
		accountNo:  cfg.AccountNo,
		cano:       cano,
		acntPrdtCd: prdt,
		live:       live,
		logger:     logger.With("component", "kis_rest"),
	}
}

// splitAccount splits "12345678-01" into account number and product code.
// Accounts without a dash get the default product code "01".
func splitAccount(account string) (cano, prdt string) {
	if i := strings.Index(account, "-"); i >= 0 {
		return account[:i], account[i+1:]
	}
	return account, "01"
}

// AccessToken returns the cached OAuth token, issuing a new one when the
// cache is empty or near expiry.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpires) {
		return c.accessToken, nil
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.appKey,
			"appsecret":  c.appSecret,
		}).
		SetResult(&result).
		Post("/oauth2/tokenP")
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", &APIError{Op: "issue token", Status: resp.StatusCode(), Body: resp.String()}
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("issue token: empty access_token in response")
	}

	// Renew slightly early so in-flight requests never carry a token that
	// expires mid-call. Very short lifetimes keep at least one second.
	ttl := result.ExpiresIn - 30
	if ttl < 1 {
		ttl = min(result.ExpiresIn, 1)
	}
	c.accessToken = result.AccessToken
	c.tokenExpires = time.Now().Add(time.Duration(ttl) * time.Second)
	c.logger.Info("access token issued", "expires_in", result.ExpiresIn)
	return c.accessToken, nil
}

// IssueApprovalKey requests the WebSocket approval key. KIS requires it in
// the subscribe frame header of every streaming session.
func (c *Client) IssueApprovalKey(ctx context.Context) (string, error) {
	var result struct {
		ApprovalKey string `json:"approval_key"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.appKey,
			"secretkey":  c.appSecret,
		}).
		SetResult(&result).
		Post("/oauth2/Approval")
	if err != nil {
		return "", fmt.Errorf("issue approval key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", &APIError{Op: "issue approval key", Status: resp.StatusCode(), Body: resp.String()}
	}
	if result.ApprovalKey == "" {
		return "", fmt.Errorf("issue approval key: empty approval_key in response")
	}
	return result.ApprovalKey, nil
}

func (c *Client) dataHeaders(ctx context.Context, trID string) (map[string]string, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"authorization": "Bearer " + token,
		"appkey":        c.appKey,
		"appsecret":     c.appSecret,
		"tr_id":         trID,
	}, nil
}

// GetQuote fetches the current price snapshot for one symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (types.RestQuote, error) {
	if err := c.limit.Wait(ctx); err != nil {
		return types.RestQuote{}, err
	}
	headers, err := c.dataHeaders(ctx, trQuote)
	if err != nil {
		return types.RestQuote{}, err
	}

	var result struct {
		RtCd   string `json:"rt_cd"`
		Msg1   string `json:"msg1"`
		Output struct {
			StckPrpr   string `json:"stck_prpr"`
			PrdyCtrt   string `json:"prdy_ctrt"`
			AcmlTrPbmn string `json:"acml_tr_pbmn"`
		} `json:"output"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"fid_cond_mrkt_div_code": "J",
			"fid_input_iscd":         symbol,
		}).
		SetResult(&result).
		Get("/uapi/domestic-stock/v1/quotations/inquire-price")
	if err != nil {
		return types.RestQuote{}, fmt.Errorf("get quote: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.RestQuote{}, &APIError{Op: "get quote", Status: resp.StatusCode(), Body: resp.String()}
	}
	if result.RtCd != "" && result.RtCd != "0" {
		return types.RestQuote{}, fmt.Errorf("get quote: rt_cd %s: %s", result.RtCd, result.Msg1)
	}

	price, ok := lenientFloat(result.Output.StckPrpr)
	if !ok {
		return types.RestQuote{}, fmt.Errorf("get quote: missing stck_prpr for %s", symbol)
	}
	changePct, _ := lenientFloat(result.Output.PrdyCtrt)
	turnover, _ := lenientFloat(result.Output.AcmlTrPbmn)

	return types.RestQuote{
		Symbol:    symbol,
		Price:     price,
		ChangePct: changePct,
		Turnover:  turnover,
		Source:    types.SourceREST,
		Ts:        time.Now().Unix(),
	}, nil
}

func (c *Client) orderTrID(side types.Side) string {
	if c.live {
		if side == types.BUY {
			return trOrderBuyLive
		}
		return trOrderSellLive
	}
	if side == types.BUY {
		return trOrderBuyMock
	}
	return trOrderSellMock
}

// PlaceOrder submits a cash order. LIMIT orders send the price as an
// integer KRW string; MARKET orders send "0" per the OpenAPI contract.
func (c *Client) PlaceOrder(ctx context.Context, p types.PlaceOrderParams) (types.PlacedOrder, error) {
	if err := c.limit.Wait(ctx); err != nil {
		return types.PlacedOrder{}, err
	}
	headers, err := c.dataHeaders(ctx, c.orderTrID(p.Side))
	if err != nil {
		return types.PlacedOrder{}, err
	}

	sideCode := "01" // SELL
	if p.Side == types.BUY {
		sideCode = "02"
	}
	ordDvsn, unpr := "00", "0"
	if p.OrderType == types.OrderTypeMarket {
		ordDvsn = "01"
	} else if p.Price != nil {
		unpr = strconv.Itoa(int(*p.Price))
	}

	var result struct {
		RtCd   string `json:"rt_cd"`
		MsgCd  string `json:"msg_cd"`
		Msg1   string `json:"msg1"`
		Output struct {
			Odno string `json:"ODNO"`
		} `json:"output"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(map[string]string{
			"CANO":            c.cano,
			"ACNT_PRDT_CD":    c.acntPrdtCd,
			"PDNO":            p.Symbol,
			"SLL_BUY_DVSN_CD": sideCode,
			"ORD_DVSN":        ordDvsn,
			"ORD_QTY":         strconv.Itoa(p.Qty),
			"ORD_UNPR":        unpr,
		}).
		SetResult(&result).
		Post("/uapi/domestic-stock/v1/trading/order-cash")
	if err != nil {
		return types.PlacedOrder{}, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.PlacedOrder{}, &APIError{Op: "place order", Status: resp.StatusCode(), Body: resp.String()}
	}
	if result.RtCd != "0" {
		return types.PlacedOrder{}, fmt.Errorf("place order: rt_cd %s: %s: %s", result.RtCd, result.MsgCd, result.Msg1)
	}

	c.logger.Info("order placed",
		"symbol", p.Symbol,
		"side", p.Side,
		"qty", p.Qty,
		"broker_order_id", result.Output.Odno,
	)
	return types.PlacedOrder{BrokerOrderID: result.Output.Odno, Status: string(types.StatusAccepted)}, nil
}

// GetOrderStatus looks up today's execution record for a broker order ID.
func (c *Client) GetOrderStatus(ctx context.Context, brokerOrderID string) (types.BrokerOrderStatus, error) {
	if err := c.limit.Wait(ctx); err != nil {
		return types.BrokerOrderStatus{}, err
	}
	trID := trCcldMock
	if c.live {
		trID = trCcldLive
	}
	headers, err := c.dataHeaders(ctx, trID)
	if err != nil {
		return types.BrokerOrderStatus{}, err
	}

	today := time.Now().In(seoul).Format("20060102")
	var result struct {
		RtCd    string `json:"rt_cd"`
		Msg1    string `json:"msg1"`
		Output1 []struct {
			Odno    string `json:"odno"`
			OrdStts string `json:"ord_stts"`
		} `json:"output1"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"CANO":            c.cano,
			"ACNT_PRDT_CD":    c.acntPrdtCd,
			"INQR_STRT_DT":    today,
			"INQR_END_DT":     today,
			"SLL_BUY_DVSN_CD": "00",
			"INQR_DVSN":       "00",
			"PDNO":            "",
			"CCLD_DVSN":       "00",
			"ORD_GNO_BRNO":    "",
			"ODNO":            brokerOrderID,
			"INQR_DVSN_3":     "00",
			"INQR_DVSN_1":     "",
			"CTX_AREA_FK100":  "",
			"CTX_AREA_NK100":  "",
		}).
		SetResult(&result).
		Get("/uapi/domestic-stock/v1/trading/inquire-daily-ccld")
	if err != nil {
		return types.BrokerOrderStatus{}, fmt.Errorf("order status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.BrokerOrderStatus{}, &APIError{Op: "order status", Status: resp.StatusCode(), Body: resp.String()}
	}
	if result.RtCd != "" && result.RtCd != "0" {
		return types.BrokerOrderStatus{}, fmt.Errorf("order status: rt_cd %s: %s", result.RtCd, result.Msg1)
	}
	if len(result.Output1) == 0 {
		return types.BrokerOrderStatus{}, fmt.Errorf("order status: no execution rows for %s", brokerOrderID)
	}

	row := result.Output1[0]
	for _, r := range result.Output1 {
		if r.Odno == brokerOrderID {
			row = r
			break
		}
	}
	return types.BrokerOrderStatus{BrokerOrderID: row.Odno, Status: row.OrdStts}, nil
}

type balanceSheet struct {
	RtCd    string `json:"rt_cd"`
	Msg1    string `json:"msg1"`
	Output1 []struct {
		Pdno    string `json:"pdno"`
		HldgQty string `json:"hldg_qty"`
	} `json:"output1"`
	Output2 []struct {
		DncaTotAmt string `json:"dnca_tot_amt"`
	} `json:"output2"`
}

func (c *Client) inquireBalance(ctx context.Context) (balanceSheet, error) {
	if err := c.limit.Wait(ctx); err != nil {
		return balanceSheet{}, err
	}
	trID := trBalanceMock
	if c.live {
		trID = trBalanceLive
	}
	headers, err := c.dataHeaders(ctx, trID)
	if err != nil {
		return balanceSheet{}, err
	}

	var result balanceSheet
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"CANO":                  c.cano,
			"ACNT_PRDT_CD":          c.acntPrdtCd,
			"AFHR_FLPR_YN":          "N",
			"OFL_YN":                "",
			"INQR_DVSN":             "02",
			"UNPR_DVSN":             "01",
			"FUND_STTL_ICLD_YN":     "N",
			"FNCG_AMT_AUTO_RDPT_YN": "N",
			"PRCS_DVSN":             "00",
			"CTX_AREA_FK100":        "",
			"CTX_AREA_NK100":        "",
		}).
		SetResult(&result).
		Get("/uapi/domestic-stock/v1/trading/inquire-balance")
	if err != nil {
		return balanceSheet{}, fmt.Errorf("inquire balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return balanceSheet{}, &APIError{Op: "inquire balance", Status: resp.StatusCode(), Body: resp.String()}
	}
	if result.RtCd != "" && result.RtCd != "0" {
		return balanceSheet{}, fmt.Errorf("inquire balance: rt_cd %s: %s", result.RtCd, result.Msg1)
	}
	return result, nil
}

// GetBalances returns the account's available cash as a single KRW row.
func (c *Client) GetBalances(ctx context.Context) ([]types.Balance, error) {
	sheet, err := c.inquireBalance(ctx)
	if err != nil {
		return nil, err
	}

	cash := 0.0
	if len(sheet.Output2) > 0 {
		cash, _ = lenientFloat(sheet.Output2[0].DncaTotAmt)
	}
	return []types.Balance{{
		AccountID:     c.accountNo,
		Currency:      "KRW",
		CashAvailable: cash,
	}}, nil
}

// GetPositions returns the account's non-zero holdings.
func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	sheet, err := c.inquireBalance(ctx)
	if err != nil {
		return nil, err
	}

	positions := make([]types.Position, 0, len(sheet.Output1))
	for _, row := range sheet.Output1 {
		qty, ok := lenientFloat(row.HldgQty)
		if !ok || qty <= 0 {
			continue
		}
		positions = append(positions, types.Position{
			AccountID: c.accountNo,
			Symbol:    row.Pdno,
			Qty:       int(qty),
		})
	}
	return positions, nil
}

// lenientFloat parses broker numeric strings, which arrive with surrounding
// whitespace and occasionally comma grouping.
func lenientFloat(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
