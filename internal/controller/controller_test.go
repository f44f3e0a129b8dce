package controller

import (
	"context"
	"testing"
	"time"

	"github.com/dandantas/dispatchengine/internal/breaker"
	"github.com/dandantas/dispatchengine/internal/config"
)

type fakeResizer struct {
	sizes []int
}

func (f *fakeResizer) Resize(newSize int) {
	f.sizes = append(f.sizes, newSize)
}

func testConfig() *config.Config {
	return &config.Config{
		MinConcurrency:      10,
		MaxConcurrency:      40,
		CooldownMs:          time.Minute,
		CBErrorThreshold:    0.30,
		HistoryLength:       5,
		SystemHealthHistory: 10,
	}
}

func TestNewStartsAtMinConcurrency(t *testing.T) {
	c := New(testConfig(), breaker.New(time.Minute), nil, nil, nil, nil)
	if c.Concurrency() != 10 {
		t.Errorf("Concurrency() = %d, want MinConcurrency 10", c.Concurrency())
	}
}

func TestSetConcurrencyClampsToRange(t *testing.T) {
	fr := &fakeResizer{}
	c := New(testConfig(), breaker.New(time.Minute), nil, nil, nil, fr)

	c.setConcurrency(context.Background(), 1000)
	if c.Concurrency() != 40 {
		t.Errorf("Concurrency() = %d, want clamped to MaxConcurrency 40", c.Concurrency())
	}

	c.setConcurrency(context.Background(), -5)
	if c.Concurrency() != 10 {
		t.Errorf("Concurrency() = %d, want clamped to MinConcurrency 10", c.Concurrency())
	}
}

func TestSetConcurrencyCallsResizerOnlyOnChange(t *testing.T) {
	fr := &fakeResizer{}
	c := New(testConfig(), breaker.New(time.Minute), nil, nil, nil, fr)

	c.setConcurrency(context.Background(), 10) // same as current, no-op
	if len(fr.sizes) != 0 {
		t.Errorf("Resize called %d times for a same-value set, want 0", len(fr.sizes))
	}

	c.setConcurrency(context.Background(), 15)
	if len(fr.sizes) != 1 || fr.sizes[0] != 15 {
		t.Errorf("Resize calls = %v, want [15]", fr.sizes)
	}
}

func TestTripOpensBreakerAndResetsToMin(t *testing.T) {
	fr := &fakeResizer{}
	cb := breaker.New(time.Minute)
	c := New(testConfig(), cb, nil, nil, nil, fr)
	c.concurrency = 30

	c.trip(context.Background(), 0.5, -0.8)

	if !cb.IsTripped() {
		t.Error("breaker should be tripped")
	}
	if c.Concurrency() != 10 {
		t.Errorf("Concurrency() = %d after trip, want MinConcurrency 10", c.Concurrency())
	}
	if c.recovering {
		t.Error("recovering should be false immediately after a trip")
	}
}

func TestRecoveryStepWalksTowardTargetAndStops(t *testing.T) {
	fr := &fakeResizer{}
	cfg := testConfig()
	c := New(cfg, breaker.New(time.Minute), nil, nil, nil, fr)
	c.recovering = true
	c.recoveryTarget = 25 // step size ceil((25-MinConcurrency)/maxRecoverySteps)

	for i := 0; i < maxRecoverySteps+2 && c.recovering; i++ {
		c.recoveryStep(context.Background())
	}

	if c.recovering {
		t.Error("recovering should end within maxRecoverySteps")
	}
	if c.Concurrency() != 25 {
		t.Errorf("Concurrency() = %d, want to land exactly on recoveryTarget 25", c.Concurrency())
	}
}

func TestPredictiveDeltaIsZeroWithNoHistory(t *testing.T) {
	c := New(testConfig(), breaker.New(time.Minute), nil, nil, nil, nil)
	if got := c.predictiveDelta(); got != 0 {
		t.Errorf("predictiveDelta() = %d, want 0 with no hourly history", got)
	}
}

func TestPredictiveDeltaClampsToFive(t *testing.T) {
	c := New(testConfig(), breaker.New(time.Minute), nil, nil, nil, nil)
	nextHour := (time.Now().UTC().Hour() + 1) % 24
	c.hourlyConcurrency[nextHour] = []float64{100, 100, 100}
	c.concurrency = 10

	if got := c.predictiveDelta(); got != 5 {
		t.Errorf("predictiveDelta() = %d, want clamped to 5", got)
	}
}

func TestShouldRecordHourlyPatternRequiresHealthyAboveMidpoint(t *testing.T) {
	c := New(testConfig(), breaker.New(time.Minute), nil, nil, nil, nil)
	c.concurrency = 30 // above midpoint (10+40)/2=25

	if !c.shouldRecordHourlyPattern(0.5) {
		t.Error("shouldRecordHourlyPattern(0.5) = false, want true when healthy and above midpoint")
	}
	if c.shouldRecordHourlyPattern(-0.1) {
		t.Error("shouldRecordHourlyPattern(-0.1) = true, want false when unhealthy")
	}

	c.concurrency = 15 // below midpoint
	if c.shouldRecordHourlyPattern(0.5) {
		t.Error("shouldRecordHourlyPattern = true below the midpoint, want false")
	}
}

func TestPushTrendClassifiesDirection(t *testing.T) {
	c := New(testConfig(), breaker.New(time.Minute), nil, nil, nil, nil)
	hist := []sample{{cpu: 0.5}, {cpu: 0.8}}

	var trend []float64
	c.pushTrend(&trend, hist, func(s sample) float64 { return s.cpu })

	if len(trend) != 1 || trend[0] != 1 {
		t.Errorf("trend = %v, want [1] for a rising value", trend)
	}
}

func TestClampHelpers(t *testing.T) {
	if clampInt(100, 0, 10) != 10 {
		t.Error("clampInt should cap at the high bound")
	}
	if clampInt(-5, 0, 10) != 0 {
		t.Error("clampInt should floor at the low bound")
	}
	if clampFloat(1.5, -1, 1) != 1 {
		t.Error("clampFloat should cap at the high bound")
	}
	if abs(-7) != 7 {
		t.Error("abs(-7) should be 7")
	}
}
