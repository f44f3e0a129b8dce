// Package metrics implements the Metrics Aggregator (C6): in-memory rolling
// windows over response time, status codes, calls-by-minute, endpoint
// patterns, and error timestamps, flushed to the durable store on every
// Adaptive Controller tick for cross-process observability.
package metrics

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/dandantas/dispatchengine/internal/store"
)

const (
	maxResponseTimes  = 20
	callsByMinuteSpan = 60 * time.Minute
	errorWindow       = 5 * time.Minute
	maxEndpointSlots  = 10
	durableTrim       = 100
)

var (
	numericSegment = regexp.MustCompile(`\d+`)
	hexUUIDSegment = regexp.MustCompile(`[0-9a-fA-F]{32}`)
)

// minuteBucket is the per-minute accumulator behind apiCallsByMinute.
type minuteBucket struct {
	minute        time.Time
	success       int
	errorCount    int
	totalDuration int64
}

// endpointSample is one observation in latestEndpointPatterns[pattern].
type endpointSample struct {
	at       time.Time
	duration float64
}

// Aggregator holds all rolling windows for one process.
type Aggregator struct {
	mu sync.Mutex

	responseTimes []float64
	statusCounts  map[int]int64
	minuteBuckets []minuteBucket
	endpoints     map[string][]endpointSample
	errorTimes    []time.Time

	store *store.Store
}

// New creates an empty Aggregator bound to the store it flushes to.
func New(st *store.Store) *Aggregator {
	return &Aggregator{
		statusCounts: make(map[int]int64),
		endpoints:    make(map[string][]endpointSample),
		store:        st,
	}
}

// Observe records one completed HTTP attempt.
func (a *Aggregator) Observe(url string, status int, durationMs int64, isError bool, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.responseTimes = append(a.responseTimes, float64(durationMs))
	if len(a.responseTimes) > maxResponseTimes {
		a.responseTimes = a.responseTimes[len(a.responseTimes)-maxResponseTimes:]
	}

	a.statusCounts[status]++

	a.bumpMinute(at, isError, durationMs)

	pattern := urlPattern(url)
	samples := append(a.endpoints[pattern], endpointSample{at: at, duration: float64(durationMs)})
	if len(samples) > maxEndpointSlots {
		samples = samples[len(samples)-maxEndpointSlots:]
	}
	a.endpoints[pattern] = samples

	if isError {
		a.errorTimes = append(a.errorTimes, at)
		a.pruneErrorTimes(at)
	}
}

func (a *Aggregator) bumpMinute(at time.Time, isError bool, durationMs int64) {
	minute := at.Truncate(time.Minute)
	if len(a.minuteBuckets) > 0 && a.minuteBuckets[len(a.minuteBuckets)-1].minute.Equal(minute) {
		b := &a.minuteBuckets[len(a.minuteBuckets)-1]
		if isError {
			b.errorCount++
		} else {
			b.success++
		}
		b.totalDuration += durationMs
	} else {
		b := minuteBucket{minute: minute, totalDuration: durationMs}
		if isError {
			b.errorCount = 1
		} else {
			b.success = 1
		}
		a.minuteBuckets = append(a.minuteBuckets, b)
	}

	cutoff := at.Add(-callsByMinuteSpan)
	kept := a.minuteBuckets[:0]
	for _, b := range a.minuteBuckets {
		if b.minute.After(cutoff) {
			kept = append(kept, b)
		}
	}
	a.minuteBuckets = kept
}

func (a *Aggregator) pruneErrorTimes(now time.Time) {
	cutoff := now.Add(-errorWindow)
	kept := a.errorTimes[:0]
	for _, t := range a.errorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.errorTimes = kept
}

// AvgResponseTime returns the mean of the response-time window, 0 if empty.
func (a *Aggregator) AvgResponseTime() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.responseTimes) == 0 {
		return 0
	}
	m, err := stats.Mean(stats.Float64Data(a.responseTimes))
	if err != nil {
		return 0
	}
	return m
}

// CallsLastMinute sums success+error across minute buckets within the last
// 60 minutes that fall in the current minute.
func (a *Aggregator) CallsLastMinute(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	minute := now.Truncate(time.Minute)
	for _, b := range a.minuteBuckets {
		if b.minute.Equal(minute) {
			return b.success + b.errorCount
		}
	}
	return 0
}

// ErrorRate returns the in-process error rate, combining the local 5-minute
// window with the durable cross-process list C9 maintains.
func (a *Aggregator) ErrorRate(ctx context.Context, now time.Time) float64 {
	a.mu.Lock()
	localErrors := len(a.errorTimes)
	localCalls := 0
	cutoff := now.Add(-errorWindow)
	for _, b := range a.minuteBuckets {
		if b.minute.After(cutoff) {
			localCalls += b.success + b.errorCount
		}
	}
	a.mu.Unlock()

	durableErrors := 0
	if a.store != nil {
		if ts, err := a.store.DurableErrorTimestamps(ctx); err == nil {
			cutoffMs := cutoff.UnixMilli()
			for _, t := range ts {
				if t >= cutoffMs {
					durableErrors++
				}
			}
		}
	}

	errors := unionErrorCount(localErrors, durableErrors)
	if localCalls == 0 {
		if errors == 0 {
			return 0
		}
		return 1
	}
	rate := float64(errors) / float64(localCalls)
	if rate > 1 {
		rate = 1
	}
	return rate
}

// unionErrorCount treats the durable count as a floor: cross-process
// errors the local window never observed still count.
func unionErrorCount(local, durable int) int {
	if durable > local {
		return durable
	}
	return local
}

// ErrorsPerMinute implements getApiErrorRate(): error count over the
// 5-minute window, expressed as a per-minute rate.
func (a *Aggregator) ErrorsPerMinute(now time.Time) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := now.Add(-errorWindow)
	count := 0
	for _, t := range a.errorTimes {
		if t.After(cutoff) {
			count++
		}
	}
	return float64(count) / errorWindow.Minutes()
}

// StatusCodeSnapshot returns a JSON-encodable copy of the status histogram.
func (a *Aggregator) StatusCodeSnapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := make(map[string]int64, len(a.statusCounts))
	for code, n := range a.statusCounts {
		snap[strconv.Itoa(code)] = n
	}
	b, _ := json.Marshal(snap)
	return string(b)
}

// Flush publishes the current windows to the durable store.
func (a *Aggregator) Flush(ctx context.Context, now time.Time) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.PublishAPIPerformance(ctx, a.AvgResponseTime(), a.CallsLastMinute(now), a.StatusCodeSnapshot()); err != nil {
		return err
	}

	a.mu.Lock()
	endpoints := make(map[string][]endpointSample, len(a.endpoints))
	for k, v := range a.endpoints {
		endpoints[k] = append([]endpointSample(nil), v...)
	}
	a.mu.Unlock()

	for pattern, samples := range endpoints {
		if len(samples) == 0 {
			continue
		}
		var total float64
		for _, s := range samples {
			total += s.duration
		}
		avg := total / float64(len(samples))
		if err := a.store.PublishEndpointPattern(ctx, pattern, avg, len(samples)); err != nil {
			return err
		}
	}
	return nil
}

// urlPattern normalizes a URL path by replacing numeric and hex-UUID
// segments so distinct records collapse onto a single endpoint bucket.
func urlPattern(url string) string {
	p := hexUUIDSegment.ReplaceAllString(url, ":uuid")
	p = numericSegment.ReplaceAllString(p, ":id")
	return p
}
