package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatencyEstimatorDefault(t *testing.T) {
	e := NewLatencyEstimator()
	assert.Equal(t, 0.1, e.Estimate(), "estimate before any samples must be 100ms")
}

func TestLatencyEstimatorMean(t *testing.T) {
	e := NewLatencyEstimator()
	samples := []float64{0.02, 0.04, 0.06}
	for _, s := range samples {
		assert.True(t, e.Record(s))
	}
	assert.InDelta(t, 0.04, e.Estimate(), 1e-12)
}

func TestLatencyEstimatorRejectsOutliers(t *testing.T) {
	e := NewLatencyEstimator()
	assert.False(t, e.Record(-0.001), "negative delay is clock skew")
	assert.False(t, e.Record(5.0), "5s and up is clock skew")
	assert.Equal(t, 0.1, e.Estimate(), "rejected samples must not affect the estimate")

	assert.True(t, e.Record(4.999))
	assert.InDelta(t, 4.999, e.Estimate(), 1e-12)
}

func TestLatencyEstimatorWindowEviction(t *testing.T) {
	e := NewLatencyEstimator()
	for i := 0; i < latencyWindow; i++ {
		e.Record(1.0)
	}
	assert.InDelta(t, 1.0, e.Estimate(), 1e-12)

	// pushing a full window of zeros must fully evict the old samples
	for i := 0; i < latencyWindow; i++ {
		e.Record(0.0)
	}
	assert.InDelta(t, 0.0, e.Estimate(), 1e-12)
}
