// Package readiness aggregates the go/no-go gate for live trading.
//
// The gate is intentionally blunt: any missing credential, a down stream,
// or a stale heartbeat blocks trading, and every failed condition shows
// up as its own blocker string so operators see the full picture at once.
package readiness

import (
	"log/slog"
	"os"
	"strings"

	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

// DefaultRequiredEnv lists the configuration live trading needs.
var DefaultRequiredEnv = []string{"KIS_APP_KEY", "KIS_APP_SECRET", "KIS_ACCOUNT_NO", "KIS_ENV"}

// StreamHealth is the slice of ingest state the probe reads.
type StreamHealth interface {
	WSHealth() (connected bool, lastErr string)
	HeartbeatFresh(now int64) bool
}

// Probe evaluates live readiness on demand.
type Probe struct {
	requiredEnv []string
	stream      StreamHealth
	logger      *slog.Logger
	now         func() int64
	getenv      func(string) string
}

// New creates a probe checking the given env var names against the stream
// health source.
func New(requiredEnv []string, stream StreamHealth, logger *slog.Logger) *Probe {
	return &Probe{
		requiredEnv: requiredEnv,
		stream:      stream,
		logger:      logger.With("component", "readiness"),
		now:         types.Now,
		getenv:      os.Getenv,
	}
}

// Evaluate returns the current gate decision.
func (p *Probe) Evaluate() types.LiveReadiness {
	r := types.LiveReadiness{
		RequiredEnvMissing: []string{},
		BlockerReasons:     []string{},
	}

	for _, name := range p.requiredEnv {
		if strings.TrimSpace(p.getenv(name)) == "" {
			r.RequiredEnvMissing = append(r.RequiredEnvMissing, name)
			r.BlockerReasons = append(r.BlockerReasons, "required env missing: "+name)
		}
	}

	connected, lastErr := p.stream.WSHealth()
	r.WSConnected = connected
	if lastErr != "" {
		err := lastErr
		r.WSLastError = &err
	}
	if !connected {
		r.BlockerReasons = append(r.BlockerReasons, "ws not connected")
	}
	if !p.stream.HeartbeatFresh(p.now()) {
		r.BlockerReasons = append(r.BlockerReasons, "ws heartbeat stale")
	}

	r.CanTrade = len(r.BlockerReasons) == 0
	if !r.CanTrade {
		p.logger.Debug("live trading blocked", "reasons", r.BlockerReasons)
	}
	return r
}
