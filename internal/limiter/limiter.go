// Package limiter caps the aggregate throughput of all transfer workers.
package limiter

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by every active transfer. Acquire takes a
// large request in burst-sized pieces and reserves each piece in turn, so
// concurrent callers interleave piece by piece rather than waiting for whole
// requests to complete.
type Limiter struct {
	rl *rate.Limiter
}

// New returns a limiter for bytesPerSecond; 0 or less disables limiting.
func New(bytesPerSecond int64) *Limiter {
	l := &Limiter{rl: rate.NewLimiter(rate.Inf, 0)}
	l.SetRate(bytesPerSecond)
	return l
}

// SetRate changes the ceiling for all current and future waiters.
func (l *Limiter) SetRate(bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		l.rl.SetLimit(rate.Inf)
		l.rl.SetBurst(0)
		return
	}
	l.rl.SetBurst(burstFor(bytesPerSecond))
	l.rl.SetLimit(rate.Limit(bytesPerSecond))
}

// Rate returns the current ceiling in bytes per second, 0 when unlimited.
func (l *Limiter) Rate() int64 {
	lim := l.rl.Limit()
	if lim == rate.Inf {
		return 0
	}
	return int64(lim)
}

// Acquire blocks until n bytes may be written. Requests larger than the
// bucket are taken in bucket-sized pieces so no single caller can hold the
// bucket for longer than n/rate.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 || l.rl.Limit() == rate.Inf {
		return nil
	}

	for n > 0 {
		piece := n
		if b := l.rl.Burst(); piece > b {
			piece = b
		}
		if err := l.rl.WaitN(ctx, piece); err != nil {
			if l.rl.Limit() != rate.Inf && piece > l.rl.Burst() {
				continue // SetRate shrank the bucket underneath us
			}
			return err
		}
		n -= piece
	}
	return nil
}

// burstFor keeps roughly 100ms worth of tokens in the bucket so short
// windows never see much more than the configured rate.
func burstFor(bytesPerSecond int64) int {
	burst := bytesPerSecond / 10
	if burst < 1024 {
		burst = min(bytesPerSecond, 1024)
	}
	return int(burst)
}
