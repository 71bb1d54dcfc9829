package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { Register(reg) })
	// second registration on the same registry must fail loudly
	assert.Panics(t, func() { Register(reg) })
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(decisionsTotal.WithLabelValues("denied", "burst_protection"))
	IncDecision("denied", "burst_protection")
	assert.Equal(t, before+1, testutil.ToFloat64(decisionsTotal.WithLabelValues("denied", "burst_protection")))

	beforeNone := testutil.ToFloat64(decisionsTotal.WithLabelValues("allowed", "none"))
	IncDecision("allowed", "")
	assert.Equal(t, beforeNone+1, testutil.ToFloat64(decisionsTotal.WithLabelValues("allowed", "none")))

	beforeDropped := testutil.ToFloat64(evidenceDroppedTotal)
	AddEvidenceDropped(3)
	assert.Equal(t, beforeDropped+3, testutil.ToFloat64(evidenceDroppedTotal))

	SetTreeSize(42)
	assert.Equal(t, float64(42), testutil.ToFloat64(transparencyTreeSize))
}
