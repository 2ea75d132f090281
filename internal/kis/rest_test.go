package kis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rbitts/kis-trading-gateway-repo/internal/config"
	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c := NewClient(config.KISConfig{
		AppKey:      "app-key",
		AppSecret:   "app-secret",
		AccountNo:   "12345678-01",
		Env:         "mock",
		RestBaseURL: baseURL,
	}, testLogger())
	c.limit = NewTokenBucket(1000, 1000) // keep tests off the paper-trading pace
	return c
}

func serveToken(mux *http.ServeMux, issued *int32) {
	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		if issued != nil {
			atomic.AddInt32(issued, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"test-token","expires_in":86400}`)
	})
}

func TestSplitAccount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		account  string
		wantCano string
		wantPrdt string
	}{
		{"12345678-01", "12345678", "01"},
		{"12345678-22", "12345678", "22"},
		{"12345678", "12345678", "01"},
	}
	for _, tt := range tests {
		cano, prdt := splitAccount(tt.account)
		if cano != tt.wantCano || prdt != tt.wantPrdt {
			t.Errorf("splitAccount(%q) = %q, %q; want %q, %q",
				tt.account, cano, prdt, tt.wantCano, tt.wantPrdt)
		}
	}
}

func TestAccessTokenIsCached(t *testing.T) {
	t.Parallel()

	var issued int32
	mux := http.NewServeMux()
	serveToken(mux, &issued)
	mux.HandleFunc("/uapi/domestic-stock/v1/quotations/inquire-price", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rt_cd":"0","output":{"stck_prpr":"71500"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	for range 3 {
		if _, err := c.GetQuote(context.Background(), "005930"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := atomic.LoadInt32(&issued); n != 1 {
		t.Errorf("token should be issued once and cached, issued %d times", n)
	}
}

func TestGetQuoteSendsAuthHeadersAndParses(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	serveToken(mux, nil)
	mux.HandleFunc("/uapi/domestic-stock/v1/quotations/inquire-price", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("authorization"); got != "Bearer test-token" {
			t.Errorf("authorization = %q", got)
		}
		if r.Header.Get("appkey") != "app-key" || r.Header.Get("appsecret") != "app-secret" {
			t.Error("missing appkey/appsecret headers")
		}
		if got := r.Header.Get("tr_id"); got != "FHKST01010100" {
			t.Errorf("tr_id = %q", got)
		}
		q := r.URL.Query()
		if q.Get("fid_cond_mrkt_div_code") != "J" || q.Get("fid_input_iscd") != "005930" {
			t.Errorf("unexpected query: %v", q)
		}
		fmt.Fprint(w, `{"rt_cd":"0","output":{"stck_prpr":"71500","prdy_ctrt":"0.42","acml_tr_pbmn":"98,100,000"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	got, err := newTestClient(t, srv.URL).GetQuote(context.Background(), "005930")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Symbol != "005930" || got.Price != 71500 || got.ChangePct != 0.42 || got.Turnover != 98100000 {
		t.Errorf("unexpected quote: %+v", got)
	}
	if got.Source != types.SourceREST || got.Ts == 0 {
		t.Errorf("quote should be stamped as a REST read, got %+v", got)
	}
}

func TestGetQuoteRateLimitCarriesStatus(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	serveToken(mux, nil)
	mux.HandleFunc("/uapi/domestic-stock/v1/quotations/inquire-price", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"msg1":"too many requests"}`, http.StatusTooManyRequests)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).GetQuote(context.Background(), "005930")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", apiErr.HTTPStatus())
	}
}

func TestGetQuoteMissingPrice(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	serveToken(mux, nil)
	mux.HandleFunc("/uapi/domestic-stock/v1/quotations/inquire-price", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rt_cd":"0","output":{"prdy_ctrt":"0.42"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL).GetQuote(context.Background(), "005930"); err == nil {
		t.Fatal("expected error for payload without stck_prpr")
	}
}

func TestPlaceOrder(t *testing.T) {
	t.Parallel()

	price := 70000.0
	tests := []struct {
		name     string
		params   types.PlaceOrderParams
		wantTrID string
		wantBody map[string]string
	}{
		{
			name: "limit buy",
			params: types.PlaceOrderParams{
				Symbol: "005930", Side: types.BUY, Qty: 5,
				OrderType: types.OrderTypeLimit, Price: &price,
			},
			wantTrID: "VTTC0802U",
			wantBody: map[string]string{
				"CANO": "12345678", "ACNT_PRDT_CD": "01", "PDNO": "005930",
				"SLL_BUY_DVSN_CD": "02", "ORD_DVSN": "00", "ORD_QTY": "5", "ORD_UNPR": "70000",
			},
		},
		{
			name: "market sell",
			params: types.PlaceOrderParams{
				Symbol: "000660", Side: types.SELL, Qty: 2,
				OrderType: types.OrderTypeMarket,
			},
			wantTrID: "VTTC0801U",
			wantBody: map[string]string{
				"CANO": "12345678", "ACNT_PRDT_CD": "01", "PDNO": "000660",
				"SLL_BUY_DVSN_CD": "01", "ORD_DVSN": "01", "ORD_QTY": "2", "ORD_UNPR": "0",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mux := http.NewServeMux()
			serveToken(mux, nil)
			mux.HandleFunc("/uapi/domestic-stock/v1/trading/order-cash", func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("tr_id"); got != tt.wantTrID {
					t.Errorf("tr_id = %q, want %q", got, tt.wantTrID)
				}
				var body map[string]string
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					t.Fatalf("decode body: %v", err)
				}
				for k, want := range tt.wantBody {
					if body[k] != want {
						t.Errorf("body[%q] = %q, want %q", k, body[k], want)
					}
				}
				fmt.Fprint(w, `{"rt_cd":"0","msg_cd":"APBK0013","msg1":"ok","output":{"ODNO":"0000117057"}}`)
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()

			placed, err := newTestClient(t, srv.URL).PlaceOrder(context.Background(), tt.params)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if placed.BrokerOrderID != "0000117057" {
				t.Errorf("broker order id = %q", placed.BrokerOrderID)
			}
		})
	}
}

func TestPlaceOrderBrokerRejection(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	serveToken(mux, nil)
	mux.HandleFunc("/uapi/domestic-stock/v1/trading/order-cash", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rt_cd":"1","msg_cd":"APBK0919","msg1":"invalid order"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	price := 70000.0
	_, err := newTestClient(t, srv.URL).PlaceOrder(context.Background(), types.PlaceOrderParams{
		Symbol: "005930", Side: types.BUY, Qty: 1,
		OrderType: types.OrderTypeLimit, Price: &price,
	})
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if got := err.Error(); !strings.Contains(got, "APBK0919") || !strings.Contains(got, "invalid order") {
		t.Errorf("rejection should carry broker code and message, got %q", got)
	}
}

func TestGetOrderStatusMatchesRow(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	serveToken(mux, nil)
	mux.HandleFunc("/uapi/domestic-stock/v1/trading/inquire-daily-ccld", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ODNO"); got != "0000117058" {
			t.Errorf("ODNO query = %q", got)
		}
		fmt.Fprint(w, `{"rt_cd":"0","output1":[
			{"odno":"0000117057","ord_stts":"SENT"},
			{"odno":"0000117058","ord_stts":"FILLED"}
		]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	got, err := newTestClient(t, srv.URL).GetOrderStatus(context.Background(), "0000117058")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.BrokerOrderID != "0000117058" || got.Status != "FILLED" {
		t.Errorf("unexpected status: %+v", got)
	}
}

func TestGetBalancesAndPositions(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	serveToken(mux, nil)
	mux.HandleFunc("/uapi/domestic-stock/v1/trading/inquire-balance", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rt_cd":"0",
			"output1":[
				{"pdno":"005930","hldg_qty":"10"},
				{"pdno":"000660","hldg_qty":"0"}
			],
			"output2":[{"dnca_tot_amt":"1000000"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	balances, err := c.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("expected 1 balance row, got %d", len(balances))
	}
	b := balances[0]
	if b.AccountID != "12345678-01" || b.Currency != "KRW" || b.CashAvailable != 1000000 {
		t.Errorf("unexpected balance: %+v", b)
	}

	positions, err := c.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("zero-quantity rows should be dropped, got %d rows", len(positions))
	}
	if positions[0].Symbol != "005930" || positions[0].Qty != 10 {
		t.Errorf("unexpected position: %+v", positions[0])
	}
}

func TestDemoQuoteClient(t *testing.T) {
	t.Parallel()

	got, err := DemoQuoteClient{}.GetQuote(context.Background(), "005930")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Symbol != "005930" || got.Price != 70000 || got.Source != types.SourceREST {
		t.Errorf("unexpected demo quote: %+v", got)
	}
}
