package engine

import (
	"github.com/streamparty/watchsync/pkg/ringbuf"
)

const (
	latencyWindow     = 10
	defaultEstimate   = 0.1 // seconds, before any samples exist
	maxPlausibleDelay = 5.0 // seconds, clock-skew outlier gate
)

// LatencyEstimator keeps a bounded rolling window of one-way delay samples
// and produces a smoothed estimate used to project remote playback positions
// forward. It is not safe for concurrent use; the owning session serializes
// access.
type LatencyEstimator struct {
	samples *ringbuf.RingBuffer[float64]
}

func NewLatencyEstimator() *LatencyEstimator {
	return &LatencyEstimator{samples: ringbuf.New[float64](latencyWindow)}
}

// Record adds a one-way delay sample in seconds. Samples outside [0, 5s) are
// clock-skew artifacts and are discarded; the return reports whether the
// sample was kept.
func (e *LatencyEstimator) Record(delay float64) bool {
	if delay < 0 || delay >= maxPlausibleDelay {
		return false
	}

	e.samples.Push(delay)
	return true
}

// Estimate returns the arithmetic mean of the recorded window, or 100ms when
// no samples exist yet.
func (e *LatencyEstimator) Estimate() float64 {
	if e.samples.Len() == 0 {
		return defaultEstimate
	}

	var sum float64
	snapshot := e.samples.Snapshot()
	for _, s := range snapshot {
		sum += s
	}
	return sum / float64(len(snapshot))
}
