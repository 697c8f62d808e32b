package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveIterationIncrementsCounter(t *testing.T) {
	r := NewRecorder()
	r.ObserveIteration("SUCCESS", 1.5)
	r.ObserveIteration("SUCCESS", 2.0)
	r.ObserveIteration("ERROR", 0.5)

	assert.Equal(t, float64(2), testutil.ToFloat64(r.iterationsTotal.WithLabelValues("SUCCESS")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.iterationsTotal.WithLabelValues("ERROR")))
}

func TestObserveRetryIncrementsCounter(t *testing.T) {
	r := NewRecorder()
	r.ObserveRetry("rate_limit")
	r.ObserveRetry("rate_limit")
	r.ObserveRetry("timeout")

	assert.Equal(t, float64(2), testutil.ToFloat64(r.retriesTotal.WithLabelValues("rate_limit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.retriesTotal.WithLabelValues("timeout")))
}

func TestObserveCostAccumulatesAcrossCalls(t *testing.T) {
	r := NewRecorder()
	first := r.ObserveCost("sonnet", 1_000_000, 0)
	second := r.ObserveCost("sonnet", 0, 1_000_000)

	assert.InDelta(t, 3.0, first, 0.001)
	assert.InDelta(t, 15.0, second, 0.001)
	assert.InDelta(t, 18.0, r.CumulativeCostUSD(), 0.001)
	assert.InDelta(t, 18.0, testutil.ToFloat64(r.costUSDTotal), 0.001)
}

func TestObserveCostFallsBackToPrimaryRateForUnknownModel(t *testing.T) {
	r := NewRecorder()
	cost := r.ObserveCost("mystery-model", 1_000_000, 0)
	assert.InDelta(t, costPerMillionTokens[0].promptUSDPerM, cost, 0.001)
}

func TestEachRecorderHasIndependentRegistry(t *testing.T) {
	a := NewRecorder()
	b := NewRecorder()
	a.ObserveIteration("SUCCESS", 1.0)
	assert.Equal(t, float64(1), testutil.ToFloat64(a.iterationsTotal.WithLabelValues("SUCCESS")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.iterationsTotal.WithLabelValues("SUCCESS")))
}
