// Package metrics instruments the authorization, token, CIBA, and
// device engines with Prometheus counters and histograms. This core
// library doesn't own an HTTP layer, so instrumentation attaches at
// the domain level instead: one counter per grant/flow outcome, one
// histogram per endpoint's decision latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Recorder records grant outcomes and endpoint latency. A nil
// *Recorder is valid and records nothing, so collaborators can embed
// one unconditionally without a host that never calls New needing a
// guard at every call site.
type Recorder struct {
	outcomes *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New registers a Recorder's collectors against reg and returns it.
// Call it once per process-wide registry; registering the same
// metric names twice against one registry panics, the usual
// client_golang contract.
func New(reg prometheus.Registerer) *Recorder {
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oidcore",
		Name:      "grant_outcomes_total",
		Help:      "Count of authorization/token/CIBA/device outcomes by flow, grant type, and result.",
	}, []string{"flow", "grant_type", "outcome"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "oidcore",
		Name:      "endpoint_duration_seconds",
		Help:      "Time taken to decide an endpoint request, by flow.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"flow"})

	reg.MustRegister(outcomes, latency)
	return &Recorder{outcomes: outcomes, latency: latency}
}

// Outcome increments the grant_outcomes_total counter for one
// decision. grantType may be empty for flows without one (e.g.
// authorization-endpoint redirects).
func (r *Recorder) Outcome(flow, grantType, outcome string) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(flow, grantType, outcome).Inc()
}

// ObserveLatency records how long an endpoint took to reach a
// decision, measured from a start time taken by the caller at the top
// of its handler.
func (r *Recorder) ObserveLatency(flow string, start time.Time) {
	if r == nil {
		return
	}
	r.latency.WithLabelValues(flow).Observe(time.Since(start).Seconds())
}

// OutcomeCount reads back the current value of the grant_outcomes_total
// counter for a label combination, for tests asserting Outcome was
// called as expected.
func (r *Recorder) OutcomeCount(flow, grantType, outcome string) float64 {
	return testutil.ToFloat64(r.outcomes.WithLabelValues(flow, grantType, outcome))
}
