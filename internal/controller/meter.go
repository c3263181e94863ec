package controller

import "time"

type sample struct {
	at    time.Time
	bytes int64
}

// rateMeter averages throughput over a sliding window. It is guarded by the controller's mutex.
type rateMeter struct {
	window  time.Duration
	samples []sample
}

func newRateMeter(window time.Duration) *rateMeter {
	return &rateMeter{window: window}
}

func (m *rateMeter) add(now time.Time, n int64) {
	if n <= 0 {
		return
	}
	m.samples = append(m.samples, sample{at: now, bytes: n})
	m.trim(now)
}

// rate returns bytes per second over the window ending at now.
func (m *rateMeter) rate(now time.Time) float64 {
	m.trim(now)
	var total int64
	for _, s := range m.samples {
		total += s.bytes
	}
	return float64(total) / m.window.Seconds()
}

func (m *rateMeter) trim(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}
