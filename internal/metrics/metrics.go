// Package metrics exposes the run loop's Prometheus metrics: iteration
// duration, retry counts, and outcome totals, grounded on the
// teacher's prometheus/client_golang recorder
// (pkg/agent/middleware/metrics/prometheus.go).
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// costPerMillionTokens gives a rough $/1M-token rate for cumulative
// cost reporting (spec.md §6.4's notification "cumulative cost"),
// keyed by the same model-identifier prefixes supervisor.backend uses
// to route a spawn. Unrecognized models fall back to the primary
// backend's rate, same as resolveBackend's fallback.
var costPerMillionTokens = []struct {
	prefix            string
	promptUSDPerM     float64
	completionUSDPerM float64
}{
	{"opus", 15, 75},
	{"sonnet", 3, 15},
	{"haiku", 0.8, 4},
	{"gpt-", 2.5, 10},
	{"o3", 10, 40},
	{"o4", 10, 40},
	{"gemini", 1.25, 5},
}

func ratesFor(model string) (promptUSDPerM, completionUSDPerM float64) {
	for _, r := range costPerMillionTokens {
		if strings.Contains(model, r.prefix) {
			return r.promptUSDPerM, r.completionUSDPerM
		}
	}
	return costPerMillionTokens[0].promptUSDPerM, costPerMillionTokens[0].completionUSDPerM
}

// Recorder records the run loop's observable counters and histograms.
type Recorder struct {
	Registry         *prometheus.Registry
	iterationsTotal  *prometheus.CounterVec
	iterationSeconds *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	costUSDTotal     prometheus.Counter

	mu             sync.Mutex
	cumulativeCost float64
}

// NewRecorder creates a Recorder backed by its own registry, so that
// multiple Recorders (e.g. one per test) never collide on Prometheus's
// global default registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		Registry: reg,
		iterationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_iterations_total",
				Help: "Total number of iterations by outcome",
			},
			[]string{"outcome"},
		),
		iterationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ralph_iteration_duration_seconds",
				Help:    "Duration of one iteration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_retries_total",
				Help: "Total number of retries by error class",
			},
			[]string{"error_class"},
		),
		costUSDTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ralph_cost_usd_total",
				Help: "Estimated cumulative cost in USD across all iterations",
			},
		),
	}
}

// ObserveCost estimates and records one iteration's cost in USD from
// its prompt and completion token counts, using a per-model $/1M-token
// rate table (no teacher cost-tracking exists to ground this on; the
// rates are an estimate documented in DESIGN.md). Returns the
// estimated cost so callers can log or report it alongside the
// iteration result.
func (r *Recorder) ObserveCost(model string, promptTokens, completionTokens int) float64 {
	promptRate, completionRate := ratesFor(model)
	cost := float64(promptTokens)*promptRate/1_000_000 + float64(completionTokens)*completionRate/1_000_000

	r.mu.Lock()
	r.cumulativeCost += cost
	r.mu.Unlock()

	r.costUSDTotal.Add(cost)
	return cost
}

// CumulativeCostUSD returns the running total of every ObserveCost
// call so far.
func (r *Recorder) CumulativeCostUSD() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cumulativeCost
}

// ObserveIteration records one iteration's outcome and duration.
func (r *Recorder) ObserveIteration(outcome string, durationSeconds float64) {
	r.iterationsTotal.WithLabelValues(outcome).Inc()
	r.iterationSeconds.WithLabelValues(outcome).Observe(durationSeconds)
}

// ObserveRetry records one retry attempt for the given error class.
func (r *Recorder) ObserveRetry(errorClass string) {
	r.retriesTotal.WithLabelValues(errorClass).Inc()
}
