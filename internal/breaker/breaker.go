// Package breaker implements the process-wide circuit breaker shared by the
// Record Pipeline (gate check, C5) and the Adaptive Controller (trip/clear
// decisions, C7). It trips on the controller's systemHealth/error-rate
// decision rather than a local failure counter — tripping is C7's call, not C5's.
package breaker

import (
	"sync"
	"time"
)

// Breaker mirrors its state to the durable store for cross-process
// visibility but is mutated only locally by the owning process.
type Breaker struct {
	mu           sync.RWMutex
	tripped      bool
	lastTripped  time.Time
	reason       string
	resetTimeout time.Duration
}

// New creates a closed breaker with the given reset timeout
// (CB_RESET_TIMEOUT, default 60s).
func New(resetTimeout time.Duration) *Breaker {
	return &Breaker{resetTimeout: resetTimeout}
}

// Trip opens the breaker. Called only by the Adaptive Controller.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = true
	b.lastTripped = time.Now()
	b.reason = reason
}

// Clear closes the breaker, ending the trip window.
func (b *Breaker) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = false
	b.reason = ""
}

// CanAttempt is the C5 gate check: false while now-lastTripped < resetTimeout.
func (b *Breaker) CanAttempt() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.tripped {
		return true
	}
	return time.Since(b.lastTripped) >= b.resetTimeout
}

// ReadyToExit reports whether the reset timeout has elapsed since trip,
// i.e. whether C7 should transition Tripped -> Recovery on its next tick.
func (b *Breaker) ReadyToExit() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tripped && time.Since(b.lastTripped) >= b.resetTimeout
}

// IsTripped reports the raw tripped flag, irrespective of timeout elapsed.
func (b *Breaker) IsTripped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tripped
}

// Reason returns the last trip reason, empty when closed.
func (b *Breaker) Reason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reason
}

// LastTripped returns the timestamp of the last trip.
func (b *Breaker) LastTripped() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastTripped
}

// ResetTimeout returns the configured reset timeout.
func (b *Breaker) ResetTimeout() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.resetTimeout
}
