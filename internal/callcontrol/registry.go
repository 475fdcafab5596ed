// Package callcontrol owns the active-call registry and admission control
// shared by the SIP backend: an atomic concurrency cap plus a lookup table
// keyed by Call-ID, supporting an arbitrary number of concurrent SIP calls,
// each bridged to its own speech session.
package callcontrol

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Call is anything the registry needs to track about a live call: enough
// to look it up by SIP Call-ID (for BYE/ACK/INFO routing) and to tear it
// down on shutdown.
type Call interface {
	CallID() string
	Hangup(reason string)
}

// Registry tracks active calls and enforces the configured concurrency
// cap, keyed by Call-ID so any number of concurrent calls can be admitted
// and looked up independently.
type Registry struct {
	maxActive int64
	active    atomic.Int64
	limiter   *rate.Limiter

	mu    sync.RWMutex
	calls map[string]Call
}

func NewRegistry(maxActive int64) *Registry {
	return &Registry{
		maxActive: maxActive,
		calls:     map[string]Call{},
	}
}

// NewRegistryWithRateLimit is NewRegistry plus a cap on the rate of new
// call admissions (setups per second, with the given burst), independent
// of the concurrency cap. A non-positive perSecond disables rate limiting.
func NewRegistryWithRateLimit(maxActive int64, perSecond float64, burst int) *Registry {
	r := NewRegistry(maxActive)
	if perSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return r
}

// TryAdmit reserves a call slot. Callers must call Release when the call
// ends, whether or not Add was subsequently called for it.
func (r *Registry) TryAdmit() bool {
	if r.limiter != nil && !r.limiter.Allow() {
		return false
	}
	if r.maxActive <= 0 {
		r.active.Add(1)
		return true
	}
	for {
		cur := r.active.Load()
		if cur >= r.maxActive {
			return false
		}
		if r.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release frees one admitted slot.
func (r *Registry) Release() {
	r.active.Add(-1)
}

// ActiveCount returns the current number of admitted calls.
func (r *Registry) ActiveCount() int64 { return r.active.Load() }

// Add registers a call for lookup by Call-ID.
func (r *Registry) Add(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[c.CallID()]; exists {
		return fmt.Errorf("callcontrol: call %s already registered", c.CallID())
	}
	r.calls[c.CallID()] = c
	return nil
}

// Remove unregisters a call by Call-ID.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, callID)
}

// Get looks up an active call by Call-ID.
func (r *Registry) Get(callID string) (Call, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[callID]
	return c, ok
}

// HangupAll terminates every active call, used on graceful shutdown.
func (r *Registry) HangupAll(reason string) {
	r.mu.RLock()
	calls := make([]Call, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	r.mu.RUnlock()
	for _, c := range calls {
		c.Hangup(reason)
	}
}
