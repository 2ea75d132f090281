// Package session owns the single-owner trading lease.
//
// Exactly one owner may hold the lease at a time. Expiry is lazy: an
// expired lease is demoted to IDLE when the state is next read, not by a
// background timer. At startup the process grants itself a long bootstrap
// lease so read paths work before any operator reconnects.
package session

import (
	"log/slog"
	"sync"

	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

const (
	// DefaultOwner is the process's own lease identity.
	DefaultOwner = "gateway"

	// BootstrapTTLSec keeps the startup lease valid for a year.
	BootstrapTTLSec = int64(365 * 24 * 60 * 60)

	// ReconnectTTLSec is the short lease granted via the reconnect API.
	ReconnectTTLSec = int64(30)
)

// Orchestrator serializes lease mutations behind one mutex.
type Orchestrator struct {
	mode   string
	logger *slog.Logger
	now    func() int64

	mu      sync.Mutex
	owner   *string
	state   string
	source  string
	expires *int64
}

// New creates an idle orchestrator. Mode is "mock" or "live" and is
// reported verbatim in every snapshot.
func New(mode string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		mode:   mode,
		logger: logger.With("component", "session"),
		now:    types.Now,
		state:  types.SessionIdle,
		source: "init",
	}
}

// Bootstrap grants the process its own long-lived lease.
func (o *Orchestrator) Bootstrap() {
	o.Acquire(DefaultOwner, BootstrapTTLSec, "bootstrap")
}

// Acquire takes the lease for owner. It fails only when a different owner
// holds an unexpired lease. The same owner may re-acquire to extend.
func (o *Orchestrator) Acquire(owner string, ttlSec int64, source string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.owner != nil && *o.owner != owner && !o.expiredLocked() {
		o.logger.Info("session lease denied",
			"owner", owner, "holder", *o.owner, "source", source)
		return false
	}

	expires := o.now() + ttlSec
	o.owner = &owner
	o.state = types.SessionActive
	o.source = source
	o.expires = &expires
	o.logger.Info("session lease acquired",
		"owner", owner, "ttl_sec", ttlSec, "source", source)
	return true
}

// Release drops the lease. Only the current owner may release.
func (o *Orchestrator) Release(owner, source string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.owner == nil || *o.owner != owner {
		return false
	}
	o.owner = nil
	o.state = types.SessionIdle
	o.source = source
	o.expires = nil
	o.logger.Info("session lease released", "owner", owner, "source", source)
	return true
}

// Status demotes an expired lease to IDLE and returns a snapshot with
// copied pointers, so callers can never mutate the lease through it.
func (o *Orchestrator) Status() types.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.expiredLocked() {
		o.owner = nil
		o.state = types.SessionIdle
		o.source = "lease-expired"
		o.expires = nil
	}

	st := types.SessionState{
		Mode:   o.mode,
		State:  o.state,
		Source: o.source,
	}
	if o.owner != nil {
		owner := *o.owner
		st.Owner = &owner
	}
	if o.expires != nil {
		expires := *o.expires
		st.LeaseExpiresAt = &expires
	}
	return st
}

func (o *Orchestrator) expiredLocked() bool {
	return o.expires != nil && o.now() >= *o.expires
}
