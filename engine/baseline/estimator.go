// Package baseline maintains the slow-moving notion of "normal" traffic
// that spikes are measured against.
package baseline

import (
	"sync"
	"time"
)

// Baseline is the exported snapshot of the current estimate.
type Baseline struct {
	AvgRequestsPerSecond  float64   `json:"avg_requests_per_second"`
	PeakRequestsPerSecond float64   `json:"peak_requests_per_second"`
	LastUpdated           time.Time `json:"last_updated"`
	SampleCount           int64     `json:"sample_count"`
}

// Options tunes the estimator. Zero values pick the defaults.
type Options struct {
	Alpha         float64 // EWMA smoothing factor; default 1/300 (~5 min memory at 1 Hz)
	PeakDecay     float64 // applied once per tick; default halves the peak in ~a week
	WarmupSamples int64   // ticks before the estimate is considered reliable; default 60
}

// Estimator consumes one sample per second and keeps an exponential moving
// average plus a slowly decaying peak, so historic spikes fade instead of
// permanently inflating the baseline.
type Estimator struct {
	mu          sync.RWMutex
	alpha       float64
	peakDecay   float64
	warmup      int64
	avg         float64
	peak        float64
	samples     int64
	lastUpdated time.Time
}

// New creates an estimator with the given options.
func New(opts Options) *Estimator {
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = 1.0 / 300.0
	}
	if opts.PeakDecay <= 0 || opts.PeakDecay >= 1 {
		// 0.5^(1/604800): one week of one-second ticks halves the peak.
		opts.PeakDecay = 0.99999885
	}
	if opts.WarmupSamples <= 0 {
		opts.WarmupSamples = 60
	}
	return &Estimator{
		alpha:     opts.Alpha,
		peakDecay: opts.PeakDecay,
		warmup:    opts.WarmupSamples,
	}
}

// Update feeds the just-closed second's request count and returns the new
// snapshot. The first sample seeds the average directly.
func (e *Estimator) Update(rps float64) Baseline {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.samples == 0 {
		e.avg = rps
	} else {
		e.avg = e.alpha*rps + (1-e.alpha)*e.avg
	}

	decayed := e.peak * e.peakDecay
	if rps > decayed {
		e.peak = rps
	} else {
		e.peak = decayed
	}

	e.samples++
	e.lastUpdated = time.Now()
	return e.snapshotLocked()
}

// Ready reports whether enough samples have been seen to feed the threat
// state machine. Avoids false attack classification right after boot.
func (e *Estimator) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samples >= e.warmup
}

// Snapshot returns the current estimate.
func (e *Estimator) Snapshot() Baseline {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

func (e *Estimator) snapshotLocked() Baseline {
	return Baseline{
		AvgRequestsPerSecond:  e.avg,
		PeakRequestsPerSecond: e.peak,
		LastUpdated:           e.lastUpdated,
		SampleCount:           e.samples,
	}
}
