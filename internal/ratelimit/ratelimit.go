// Package ratelimit implements the Rate Limiter (C1): a single process-wide
// token bucket plus an in-flight cap shared by every outbound HTTP call on
// the host, with auto-tune knobs (see AutoTune).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	reservoir       = 100
	refillInterval  = 60 * time.Second
	initialMax      = 5
	initialMinTime  = 100 * time.Millisecond
	maxMaxConcurrent = 20
	minMinTime      = 50 * time.Millisecond
	maxMinTime      = 500 * time.Millisecond
)

// Limiter gates outbound calls by (i) an in-flight semaphore and (ii) a
// token-bucket rate, shared process-wide rather than keyed per caller.
type Limiter struct {
	mu            sync.RWMutex
	tokens        *rate.Limiter
	inFlight      chan struct{}
	maxConcurrent int
	minTime       time.Duration
	highWater     int
}

// New creates the limiter with its initial settings: reservoir of
// 100 tokens refilling every 60s, maxConcurrent=5, minTime=100ms.
func New() *Limiter {
	l := &Limiter{
		maxConcurrent: initialMax,
		minTime:       initialMinTime,
		highWater:     reservoir,
	}
	l.tokens = rate.NewLimiter(rate.Every(refillInterval/reservoir), reservoir)
	l.inFlight = make(chan struct{}, initialMax)
	return l
}

// Schedule blocks FIFO until a slot and a token are available, then runs fn.
func (l *Limiter) Schedule(ctx context.Context, fn func() error) error {
	l.mu.RLock()
	sem := l.inFlight
	l.mu.RUnlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()

	if err := l.tokens.Wait(ctx); err != nil {
		return err
	}

	minTime := l.MinTime()
	if minTime > 0 {
		timer := time.NewTimer(minTime)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fn()
}

// IsLimited reports whether the number of calls holding an in-flight slot
// is at least 80% of the high-water mark (80 of 100). Callers blocked while
// waiting for a slot are not counted, and the in-flight cap never exceeds
// maxMaxConcurrent (20), so that threshold is not reached.
func (l *Limiter) IsLimited() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.inFlight) >= (l.highWater*80)/100
}

// MaxConcurrent returns the current in-flight cap.
func (l *Limiter) MaxConcurrent() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxConcurrent
}

// MinTime returns the current minimum spacing between dispatches.
func (l *Limiter) MinTime() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.minTime
}

// AutoTune applies C1's auto-tune rule once to the given error rate and
// average response time. Only tests call it: the Adaptive Controller holds
// no Limiter and does not run it on a schedule.
func (l *Limiter) AutoTune(errorRate float64, avgResponseTime time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case errorRate > 0.10:
		l.maxConcurrent = maxInt(1, int(float64(l.maxConcurrent)*0.8))
		l.minTime = minDuration(maxMinTime, time.Duration(float64(l.minTime)*1.2))
	case errorRate < 0.01 && avgResponseTime < 200*time.Millisecond:
		l.maxConcurrent = minInt(maxMaxConcurrent, maxInt(l.maxConcurrent+1, int(float64(l.maxConcurrent)*1.1)))
		l.minTime = maxDuration(minMinTime, time.Duration(float64(l.minTime)*0.9))
	default:
		return
	}

	l.resizeInFlight(l.maxConcurrent)
}

// resizeInFlight swaps in a differently-sized in-flight channel, draining
// any permits held by calls in progress into the new channel's capacity.
func (l *Limiter) resizeInFlight(newSize int) {
	old := l.inFlight
	inUse := len(old)
	next := make(chan struct{}, newSize)
	for i := 0; i < inUse && i < newSize; i++ {
		next <- struct{}{}
	}
	l.inFlight = next
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
