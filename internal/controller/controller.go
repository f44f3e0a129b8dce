// Package controller implements the Adaptive Controller (C7): a ticker
// loop that reads CPU/memory load, the Metrics Aggregator's error rate and
// response-time windows, and queue backlog, derives a system-health score,
// and mutates pool concurrency, the circuit breaker, and recovery state
// under a cooldown. It also learns a time-of-day concurrency bias.
package controller

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dandantas/dispatchengine/internal/breaker"
	"github.com/dandantas/dispatchengine/internal/config"
	"github.com/dandantas/dispatchengine/internal/metrics"
	"github.com/dandantas/dispatchengine/internal/model"
	"github.com/dandantas/dispatchengine/internal/queue"
	"github.com/dandantas/dispatchengine/internal/store"
)

const (
	concurrencyIncreaseRate        = 2
	concurrencyStabilityThreshold  = 5
	maxDecreaseStep                = 3
	maxRecoverySteps               = 5
)

// Resizer is implemented by whatever owns the worker pool's width — the
// controller recreates it at a new size on every concurrency change.
type Resizer interface {
	Resize(newSize int)
}

// sample is one (cpu, mem, error, backlog, responseTime) observation used
// to build the rolling trend windows.
type sample struct {
	cpu          float64
	mem          float64
	errorRate    float64
	backlog      float64
	responseTime float64
}

// Controller owns process-wide concurrency state and the shared breaker.
type Controller struct {
	cfg     *config.Config
	breaker *breaker.Breaker
	metrics *metrics.Aggregator
	queue   *queue.Queue
	store   *store.Store
	resizer Resizer

	mu                     sync.Mutex
	concurrency            int
	history                []sample
	cpuTrend               []float64
	errorTrend             []float64
	backlogTrend           []float64
	responseTrend          []float64
	lastAvgResponseTime    float64
	lastChange             time.Time
	stabilityCounter       int
	consecutiveDecreases    int
	recovering             bool
	recoveryTarget         int
	recoverySteps          int
	quietHours             cron.Schedule
	hourlyConcurrency      map[int][]float64

	ticker   *time.Ticker
	stopCh   chan struct{}
	predTick *time.Ticker
	wg       sync.WaitGroup
}

// New creates a Controller starting at MIN_CONCURRENCY.
func New(cfg *config.Config, cb *breaker.Breaker, agg *metrics.Aggregator, q *queue.Queue, st *store.Store, resizer Resizer) *Controller {
	c := &Controller{
		cfg:               cfg,
		breaker:           cb,
		metrics:           agg,
		queue:             q,
		store:             st,
		resizer:           resizer,
		concurrency:       cfg.MinConcurrency,
		stopCh:            make(chan struct{}),
		hourlyConcurrency: make(map[int][]float64),
	}
	if cfg.PredictiveQuietHoursCron != "" {
		if sched, err := cron.ParseStandard(cfg.PredictiveQuietHoursCron); err == nil {
			c.quietHours = sched
		} else {
			slog.Warn("invalid quiet hours cron expression, ignoring", "expr", cfg.PredictiveQuietHoursCron, "err", err)
		}
	}
	return c
}

// Concurrency returns the current width C.
func (c *Controller) Concurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.concurrency
}

// Start runs the tick loop until Stop is called.
func (c *Controller) Start(ctx context.Context) {
	c.ticker = time.NewTicker(c.cfg.CooldownMs)
	c.predTick = time.NewTicker(c.cfg.PredictionUpdateInterval)
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop halts the tick loop and waits for the in-flight tick to settle.
func (c *Controller) Stop() {
	close(c.stopCh)
	if c.ticker != nil {
		c.ticker.Stop()
	}
	if c.predTick != nil {
		c.predTick.Stop()
	}
	c.wg.Wait()
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ticker.C:
			c.tick(ctx)
		case <-c.predTick.C:
			c.updatePredictiveBias(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick is one controller cycle: collect signals, compute trends and
// systemHealth, evaluate the decision tree, apply at most one action.
func (c *Controller) tick(ctx context.Context) {
	s := c.collectSample(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, s)
	if len(c.history) > c.cfg.HistoryLength {
		c.history = c.history[len(c.history)-c.cfg.HistoryLength:]
	}

	avgCPU := avgOf(c.history, func(s sample) float64 { return s.cpu })
	avgMem := avgOf(c.history, func(s sample) float64 { return s.mem })
	avgError := avgOf(c.history, func(s sample) float64 { return s.errorRate })
	avgBacklog := avgOf(c.history, func(s sample) float64 { return s.backlog })
	avgResponseTime := avgOf(c.history, func(s sample) float64 { return s.responseTime })

	c.pushTrend(&c.cpuTrend, c.history, func(s sample) float64 { return s.cpu })
	c.pushTrend(&c.errorTrend, c.history, func(s sample) float64 { return s.errorRate })
	c.pushTrend(&c.backlogTrend, c.history, func(s sample) float64 { return s.backlog })
	c.pushTrend(&c.responseTrend, c.history, func(s sample) float64 { return s.responseTime })

	cpuTrend := meanOf(c.cpuTrend)
	errorTrend := meanOf(c.errorTrend)
	backlogTrend := meanOf(c.backlogTrend)
	responseTrend := meanOf(c.responseTrend)

	systemHealth := 0.3*(-cpuTrend) + 0.3*(-errorTrend) + 0.2*backlogTrend + 0.2*(-responseTrend)
	systemHealth = clampFloat(systemHealth, -1, 1)

	c.evaluate(ctx, systemHealth, avgCPU, avgMem, avgError, avgBacklog, avgResponseTime)

	c.publish(ctx, systemHealth, avgCPU, avgMem, avgError, avgBacklog)
}

// evaluate runs the trip/recovery/increase/decrease decision tree. At most
// one action is taken per tick.
func (c *Controller) evaluate(ctx context.Context, systemHealth, avgCPU, avgMem, avgError, avgBacklog, avgResponseTime float64) {
	now := time.Now()

	if avgError > c.cfg.CBErrorThreshold || systemHealth < -0.7 {
		if !c.breaker.IsTripped() {
			c.trip(ctx, avgError, systemHealth)
		}
		return
	}

	if c.breaker.ReadyToExit() {
		c.breaker.Clear()
		c.recovering = true
		c.recoveryTarget = int(math.Floor(1.5 * float64(c.cfg.MinConcurrency)))
		c.recoverySteps = 0
		c.setConcurrency(ctx, c.cfg.MinConcurrency)
		slog.Info("circuit breaker cleared, entering recovery", "target", c.recoveryTarget)
		return
	}

	if c.breaker.IsTripped() {
		return
	}

	if since := now.Sub(c.lastChange); since < c.cfg.CooldownMs {
		return
	}

	if c.recovering {
		c.recoveryStep(ctx)
		return
	}

	if systemHealth > 0.3 && avgCPU < 1.5 && avgMem > 0.4 && avgBacklog > 5 && avgError < 0.07 {
		c.stabilityCounter++
		step := 1
		if c.stabilityCounter > concurrencyStabilityThreshold && avgBacklog > 20 {
			step = minInt(concurrencyIncreaseRate, int(avgBacklog/10))
			if step < 1 {
				step = 1
			}
		}
		predicted := c.predictiveDelta()
		if predicted > 0 && predicted > step {
			step = predicted
		}
		c.setConcurrency(ctx, c.concurrency+step)
		return
	}

	if systemHealth < -0.3 || avgCPU > 2 || avgMem < 0.2 || avgError > 0.1 || avgResponseTime > c.lastAvgResponseTime*1.5 {
		c.stabilityCounter = 0
		c.consecutiveDecreases++
		multiplier := 1
		switch {
		case avgError > 0.2:
			multiplier = 3
		case systemHealth < -0.6:
			multiplier = 2
		}
		step := minInt(c.consecutiveDecreases, maxDecreaseStep) * multiplier
		c.setConcurrency(ctx, c.concurrency-step)
		c.lastAvgResponseTime = avgResponseTime
		return
	}

	c.consecutiveDecreases = 0
	c.lastAvgResponseTime = avgResponseTime
	if predicted := c.predictiveDelta(); abs(predicted) >= 2 && now.Sub(c.lastChange) > 2*c.cfg.CooldownMs {
		c.setConcurrency(ctx, c.concurrency+predicted)
	}
}

func (c *Controller) trip(ctx context.Context, avgError, systemHealth float64) {
	c.breaker.Trip("avgError or systemHealth threshold exceeded")
	c.setConcurrency(ctx, c.cfg.MinConcurrency)
	c.recovering = false
	slog.Warn("circuit breaker tripped", "avg_error", avgError, "system_health", systemHealth)
	if c.store != nil {
		_ = c.store.PublishCircuitBreaker(ctx, model.CircuitBreakerState{
			Tripped:      true,
			LastTripped:  c.breaker.LastTripped(),
			Reason:       c.breaker.Reason(),
			ResetTimeout: c.breaker.ResetTimeout(),
		})
	}
}

func (c *Controller) recoveryStep(ctx context.Context) {
	c.recoverySteps++
	stepSize := int(math.Ceil(float64(c.recoveryTarget-c.cfg.MinConcurrency) / float64(maxRecoverySteps)))
	if stepSize < 1 {
		stepSize = 1
	}
	next := c.concurrency + stepSize
	done := next >= c.recoveryTarget || c.recoverySteps >= maxRecoverySteps
	if done {
		next = c.recoveryTarget
		c.recovering = false
		c.stabilityCounter = 0
	}
	c.setConcurrency(ctx, next)
}

// setConcurrency clamps to [MIN, MAX], applies it, and recreates the pool
// at the new width via Resizer.
func (c *Controller) setConcurrency(ctx context.Context, next int) {
	next = clampInt(next, c.cfg.MinConcurrency, c.cfg.MaxConcurrency)
	if next == c.concurrency {
		return
	}
	c.concurrency = next
	c.lastChange = time.Now()
	if c.resizer != nil {
		c.resizer.Resize(next)
	}
	slog.Info("controller changed concurrency", "new_concurrency", next)
}

func (c *Controller) collectSample(ctx context.Context) sample {
	s := sample{}

	if loads, err := cpu.Percent(0, false); err == nil && len(loads) > 0 {
		s.cpu = loads[0] / 100
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		s.mem = float64(vm.Free) / float64(vm.Total)
	}
	if c.metrics != nil {
		now := time.Now().UTC()
		s.errorRate = c.metrics.ErrorRate(ctx, now)
		s.responseTime = c.metrics.AvgResponseTime()
	}
	if c.queue != nil {
		if backlog, err := c.queue.Backlog(ctx); err == nil {
			s.backlog = float64(backlog)
		}
	}
	return s
}

func (c *Controller) publish(ctx context.Context, systemHealth, avgCPU, avgMem, avgError, avgBacklog float64) {
	if c.store == nil {
		return
	}
	if err := c.store.PublishRateLimiterState(ctx, c.concurrency, 0, avgError, 0); err != nil {
		slog.Warn("failed to publish controller state", "err", err)
	}
	if c.metrics != nil {
		if err := c.metrics.Flush(ctx, time.Now().UTC()); err != nil {
			slog.Warn("failed to flush metrics windows", "err", err)
		}
	}
	if c.shouldRecordHourlyPattern(systemHealth) {
		hour := time.Now().UTC().Hour()
		c.hourlyConcurrency[hour] = append(c.hourlyConcurrency[hour], float64(c.concurrency))
		if len(c.hourlyConcurrency[hour]) > c.cfg.SystemHealthHistory {
			c.hourlyConcurrency[hour] = c.hourlyConcurrency[hour][1:]
		}
	}
}

// shouldRecordHourlyPattern only learns from hours where the system is
// healthy and concurrency is above the midpoint, so a degraded period
// never corrupts the predictive baseline.
func (c *Controller) shouldRecordHourlyPattern(systemHealth float64) bool {
	midpoint := (c.cfg.MinConcurrency + c.cfg.MaxConcurrency) / 2
	return systemHealth > 0 && c.concurrency > midpoint
}

// predictiveDelta computes the clamp(round(mean-C), -5, 5) bias for the
// next hour-of-day bucket, suppressed entirely during a configured quiet
// window.
func (c *Controller) predictiveDelta() int {
	if c.inQuietHours() {
		return 0
	}
	nextHour := time.Now().UTC().Add(time.Hour).Hour()
	samples := c.hourlyConcurrency[nextHour]
	if len(samples) == 0 {
		return 0
	}
	mean := meanOf(samples)
	delta := int(math.Round(mean - float64(c.concurrency)))
	return clampInt(delta, -5, 5)
}

func (c *Controller) inQuietHours() bool {
	if c.quietHours == nil {
		return false
	}
	now := time.Now()
	next := c.quietHours.Next(now.Add(-time.Minute))
	return next.Sub(now) < time.Minute
}

// updatePredictiveBias is the PREDICTION_UPDATE_INTERVAL tick; the actual
// bias application happens inline in evaluate via predictiveDelta, this
// just logs the learned baseline for observability.
func (c *Controller) updatePredictiveBias(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hour := time.Now().UTC().Hour()
	slog.Info("predictive pattern snapshot", "hour", hour, "samples", len(c.hourlyConcurrency[hour]))
}

func (c *Controller) pushTrend(trend *[]float64, hist []sample, pick func(sample) float64) {
	if len(hist) < 2 {
		return
	}
	latest := pick(hist[len(hist)-1])
	prev := pick(hist[len(hist)-2])
	var t float64
	switch {
	case latest > prev*1.1:
		t = 1
	case latest < prev*0.9:
		t = -1
	default:
		t = 0
	}
	*trend = append(*trend, t)
	if len(*trend) > 3 {
		*trend = (*trend)[len(*trend)-3:]
	}
}

func avgOf(hist []sample, pick func(sample) float64) float64 {
	if len(hist) == 0 {
		return 0
	}
	var total float64
	for _, s := range hist {
		total += pick(s)
	}
	return total / float64(len(hist))
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var total float64
	for _, x := range xs {
		total += x
	}
	return total / float64(len(xs))
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
