package broadcaster

import "time"

// DefaultRateWindow is the minimum epoch length before a rate is emitted.
const DefaultRateWindow = 2 * time.Second

// RateDisabled is reported for the reference role while it is bound to the
// camera. It is distinct from a measured rate of zero.
const RateDisabled = -1.0

// RateEstimator measures update rate over irregular epochs. Each event
// increments a counter; the first event arriving after the window has
// elapsed closes the epoch, yielding the exact average rate over it, and
// starts a new one.
//
// RateEstimator is not safe for concurrent use.
type RateEstimator struct {
	window     time.Duration
	count      int
	epochStart time.Time
}

// NewRateEstimator returns an estimator with the given window. A
// non-positive window selects DefaultRateWindow.
func NewRateEstimator(window time.Duration) *RateEstimator {
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateEstimator{window: window}
}

// Reset discards the current count and starts a new epoch at now.
func (e *RateEstimator) Reset(now time.Time) {
	e.count = 0
	e.epochStart = now
}

// Record counts one event at now. When the event closes an epoch it
// returns the epoch's rate in events per second and true. On an estimator
// that was never Reset the first event only opens the epoch.
func (e *RateEstimator) Record(now time.Time) (float64, bool) {
	if e.epochStart.IsZero() {
		e.epochStart = now
		return 0, false
	}
	e.count++

	elapsed := now.Sub(e.epochStart)
	if elapsed <= e.window {
		return 0, false
	}
	rate := float64(e.count) / elapsed.Seconds()
	e.count = 0
	e.epochStart = now
	return rate, true
}

// Window returns the configured epoch threshold.
func (e *RateEstimator) Window() time.Duration {
	return e.window
}
