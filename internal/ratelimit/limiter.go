// Package ratelimit paces script calls across all dispatch paths.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter issues permits no faster than a fixed interval. A nil *Limiter
// never blocks.
type Limiter struct {
	mu             sync.Mutex
	nextPermitTime time.Time
	interval       time.Duration
	rate           float64
}

// New creates a Limiter for callsPerSecond. A non-positive rate means
// unlimited and returns nil.
func New(callsPerSecond float64) *Limiter {
	if callsPerSecond <= 0 {
		return nil
	}
	return &Limiter{
		nextPermitTime: time.Now(),
		interval:       time.Duration(float64(time.Second) / callsPerSecond),
		rate:           callsPerSecond,
	}
}

// Wait blocks until a permit is available or ctx is done. A cancelled
// wait returns its slot when no later permit has been handed out.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}

	l.mu.Lock()
	now := time.Now()
	if l.nextPermitTime.Before(now) {
		l.nextPermitTime = now
	}
	permit := l.nextPermitTime
	l.nextPermitTime = permit.Add(l.interval)
	l.mu.Unlock()

	wait := time.Until(permit)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if l.nextPermitTime.Equal(permit.Add(l.interval)) {
			l.nextPermitTime = permit
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Rate returns the configured calls per second, 0 for unlimited.
func (l *Limiter) Rate() float64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}
