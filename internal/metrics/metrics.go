package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cerberus_admission_decisions_total",
		Help: "Total number of admission decisions by outcome and guardrail",
	}, []string{"outcome", "guardrail"})
	shadowViolationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cerberus_admission_shadow_violations_total",
		Help: "Total number of requests a guardrail would have denied while in shadow mode",
	}, []string{"guardrail"})
	evidenceDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cerberus_evidence_dropped_total",
		Help: "Total number of evidence items dropped because the queue was full or shut down",
	})
	evidenceBundlesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cerberus_evidence_bundles_total",
		Help: "Total number of evidence bundle state transitions by status",
	}, []string{"status"})
	evidenceRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cerberus_evidence_retries_total",
		Help: "Total number of evidence submission retries",
	})
	transparencyTreeSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cerberus_transparency_tree_size",
		Help: "Number of leaves in the local transparency log",
	})
	rateStateKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cerberus_rate_state_keys",
		Help: "Number of client keys currently tracked by the rate state store",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry prometheus.Registerer) {
	registry.MustRegister(
		decisionsTotal,
		shadowViolationsTotal,
		evidenceDroppedTotal,
		evidenceBundlesTotal,
		evidenceRetriesTotal,
		transparencyTreeSize,
		rateStateKeys,
	)
}

// IncDecision increments the decision counter for an outcome/guardrail pair.
func IncDecision(outcome, guardrail string) {
	if guardrail == "" {
		guardrail = "none"
	}
	decisionsTotal.WithLabelValues(outcome, guardrail).Inc()
}

// IncShadowViolation increments the shadow violation counter.
func IncShadowViolation(guardrail string) { shadowViolationsTotal.WithLabelValues(guardrail).Inc() }

// AddEvidenceDropped adds n dropped evidence items.
func AddEvidenceDropped(n int) { evidenceDroppedTotal.Add(float64(n)) }

// IncEvidenceBundle records a bundle reaching status.
func IncEvidenceBundle(status string) { evidenceBundlesTotal.WithLabelValues(status).Inc() }

// IncEvidenceRetry increments the retry counter.
func IncEvidenceRetry() { evidenceRetriesTotal.Inc() }

// SetTreeSize publishes the current transparency log size.
func SetTreeSize(n uint64) { transparencyTreeSize.Set(float64(n)) }

// SetRateStateKeys publishes the tracked key count.
func SetRateStateKeys(n int) { rateStateKeys.Set(float64(n)) }
