package metrics

import "time"

// RateWindow turns a cumulative counter into a windowed per-second rate,
// sampled once per scheduler tick (spec §4.4 step 10 "windowed" metrics
// alongside the cumulative Prometheus counters above).
type RateWindow struct {
	lastTotal int64
	lastTime  time.Time
}

// NewRateWindow creates a window seeded at now with zero accumulated count.
func NewRateWindow(now time.Time) *RateWindow {
	return &RateWindow{lastTime: now}
}

// Sample records that total has reached newTotal as of now and returns the
// per-second rate since the previous sample.
func (w *RateWindow) Sample(now time.Time, newTotal int64) float64 {
	dt := now.Sub(w.lastTime).Seconds()

	var rate float64
	if dt > 0 {
		rate = float64(newTotal-w.lastTotal) / dt
	}

	w.lastTotal = newTotal
	w.lastTime = now

	return rate
}
