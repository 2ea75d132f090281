// ws.go implements the KIS real-time execution feed.
//
// The feed speaks the H0STCNT0 (domestic stock execution tick) channel.
// Every streaming session needs a fresh approval key from the REST side,
// sent in the header of each subscribe frame. The server interleaves data
// frames with PINGPONG keepalives, which must be echoed back.
//
// Connection establishment retries with exponential backoff (1s doubling
// to 30s max). Once connected, a read pump forwards raw frames to the
// registered handler; the consumer owns parsing and caching.

package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rbitts/kis-trading-gateway-repo/internal/config"
	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

const (
	mockStreamURL = "ws://ops.koreainvestment.com:31000"
	liveStreamURL = "ws://ops.koreainvestment.com:21000"

	streamTrID = "H0STCNT0"

	wsWriteTimeout   = 10 * time.Second
	wsReadTimeout    = 90 * time.Second
	reconnectBase    = time.Second
	maxReconnectWait = 30 * time.Second
)

// StreamURL resolves the streaming endpoint for the environment, honoring
// the per-environment override fields.
func StreamURL(cfg config.KISConfig) string {
	if strings.EqualFold(cfg.Env, "live") {
		if cfg.WSURLLive != "" {
			return cfg.WSURLLive
		}
		return liveStreamURL
	}
	if cfg.WSURLMock != "" {
		return cfg.WSURLMock
	}
	return mockStreamURL
}

// ApprovalKeyIssuer provides the per-session key the subscribe frame needs.
// The REST client implements it.
type ApprovalKeyIssuer interface {
	IssueApprovalKey(ctx context.Context) (string, error)
}

// MessageHandler receives every raw data frame from the stream.
type MessageHandler func(raw []byte)

// StateSink receives connection-state transitions: the connected flag, the
// failed-attempt count, the last error text (empty = none), and a heartbeat
// timestamp (0 = no heartbeat with this update).
type StateSink func(connected bool, reconnectCount int, lastErr string, heartbeatTs int64)

// Feed manages one streaming connection and its subscriptions.
type Feed struct {
	url      string
	symbols  []string
	approval ApprovalKeyIssuer
	handler  MessageHandler
	state    StateSink
	logger   *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	running atomic.Bool

	// Injected for tests; wired to the real implementations by NewFeed.
	connect func(ctx context.Context) error
	sleep   func(ctx context.Context, d time.Duration)
	now     func() int64

	mu             sync.Mutex
	connected      bool
	reconnectCount int
	lastError      string
}

// NewFeed creates a streaming feed for the configured symbols. Frames go to
// handler; connection-state transitions go to state (both may be nil).
func NewFeed(cfg config.KISConfig, approval ApprovalKeyIssuer, handler MessageHandler, state StateSink, logger *slog.Logger) *Feed {
	f := &Feed{
		url:      StreamURL(cfg),
		symbols:  cfg.WSSymbols,
		approval: approval,
		handler:  handler,
		state:    state,
		logger:   logger.With("component", "kis_ws"),
		sleep:    sleepBackoff,
		now:      types.Now,
	}
	f.connect = f.connectOnce
	return f
}

func sleepBackoff(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

type subscribeFrame struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		Custtype    string `json:"custtype"`
		TrType      string `json:"tr_type"`
		ContentType string `json:"content-type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

// buildSubscribe encodes the registration frame for one symbol.
func buildSubscribe(approvalKey, symbol string) ([]byte, error) {
	var frame subscribeFrame
	frame.Header.ApprovalKey = approvalKey
	frame.Header.Custtype = "P"
	frame.Header.TrType = "1"
	frame.Header.ContentType = "utf-8"
	frame.Body.Input.TrID = streamTrID
	frame.Body.Input.TrKey = symbol
	return json.Marshal(frame)
}

// RunWithReconnect establishes the streaming session, retrying up to
// maxRetries times with exponential backoff. It returns true once the
// connection is up (the read pump then runs in the background) and false
// when every attempt failed or the feed was stopped.
func (f *Feed) RunWithReconnect(ctx context.Context, maxRetries int) bool {
	if maxRetries < 1 {
		return false
	}
	f.running.Store(true)

	f.mu.Lock()
	f.connected = false
	f.reconnectCount = 0
	f.lastError = ""
	f.mu.Unlock()
	f.emitState(0)

	backoff := reconnectBase
	for attempt := 0; attempt < maxRetries; attempt++ {
		if !f.running.Load() || ctx.Err() != nil {
			return false
		}

		err := f.connect(ctx)
		if err == nil {
			f.mu.Lock()
			f.connected = true
			f.mu.Unlock()
			f.emitState(f.now())
			f.logger.Info("stream connected", "url", f.url, "symbols", len(f.symbols))
			return true
		}

		f.mu.Lock()
		f.lastError = err.Error()
		f.reconnectCount++
		f.mu.Unlock()
		f.emitState(0)
		f.logger.Warn("stream connect failed", "error", err, "attempt", attempt+1, "max", maxRetries)

		if !f.running.Load() || ctx.Err() != nil {
			return false
		}
		if attempt == maxRetries-1 {
			break
		}

		f.sleep(ctx, backoff)
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
	return false
}

// connectOnce issues an approval key, dials, subscribes every configured
// symbol, and starts the read pump.
func (f *Feed) connectOnce(ctx context.Context) error {
	approvalKey, err := f.approval.IssueApprovalKey(ctx)
	if err != nil {
		return fmt.Errorf("approval key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	for _, symbol := range f.symbols {
		frame, err := buildSubscribe(approvalKey, symbol)
		if err != nil {
			conn.Close()
			return fmt.Errorf("build subscribe: %w", err)
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	go f.readPump(conn)
	return nil
}

// readPump forwards frames until the connection drops. Every frame counts
// as a heartbeat, keepalives included.
func (f *Feed) readPump(conn *websocket.Conn) {
	defer func() {
		f.connMu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.connMu.Unlock()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			f.connected = false
			f.lastError = err.Error()
			f.mu.Unlock()
			f.emitState(0)
			if f.running.Load() {
				f.logger.Warn("stream read failed", "error", err)
			}
			return
		}

		f.emitState(f.now())

		if strings.Contains(string(msg), "PINGPONG") {
			// Keepalive must be echoed or the server drops the session.
			f.writeMessage(websocket.TextMessage, msg)
			continue
		}
		if f.handler != nil {
			f.handler(msg)
		}
	}
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}

// emitState pushes the current connection state to the sink.
func (f *Feed) emitState(heartbeatTs int64) {
	if f.state == nil {
		return
	}
	f.mu.Lock()
	connected, count, lastErr := f.connected, f.reconnectCount, f.lastError
	f.mu.Unlock()
	f.state(connected, count, lastErr, heartbeatTs)
}

// Stop halts reconnect attempts and closes the current connection.
func (f *Feed) Stop() {
	f.running.Store(false)
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}
