// Package ratelimit implements the adaptive throttle shared by all fetch
// workers. The delay between outbound requests grows exponentially with the
// recent error rate and shrinks again after sustained success.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds limiter tuning.
type Config struct {
	// BaseDelay is the delay imposed when the error rate is zero.
	BaseDelay time.Duration
	// MaxDelay caps the computed delay under sustained failure.
	MaxDelay time.Duration
	// CeilingRPS is a hard token-bucket ceiling on dispatch regardless of
	// adaptive state. Zero or negative disables the ceiling.
	CeilingRPS float64
	// OnDelay, when set, observes each imposed (slept) delay.
	OnDelay func(time.Duration)
}

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 10 * time.Second

	// Every 5th cumulative success forgives one recorded error.
	successDecayEvery = 5

	growthBase   = 1.5
	growthFactor = 10
)

// Limiter is the process-wide adaptive throttle. One instance is shared by
// every worker in a harvest and across harvests in the same process so the
// adaptive history persists; tests construct fresh instances.
type Limiter struct {
	mu          sync.Mutex
	successes   int64
	errors      int64
	lastRequest time.Time

	cfg     Config
	ceiling *rate.Limiter

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New builds a Limiter.
func New(cfg Config) *Limiter {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	l := &Limiter{
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepContext,
	}
	if cfg.CeilingRPS > 0 {
		l.ceiling = rate.NewLimiter(rate.Limit(cfg.CeilingRPS), 1)
	}
	return l
}

// Wait blocks the calling worker until it may issue a request. Elapsed time
// since the previous dispatch is credited, so calls already spaced further
// apart than the computed delay incur no extra wait.
//
// The mutex is held across the sleep. That serializes all workers through the
// throttle, which is the contract here: the limiter exists to space requests
// out, not to maximize throughput. Counter updates use the same mutex, so a
// sleeping Wait briefly delays RecordSuccess/RecordError from other workers;
// with worker counts of 1-4 this is acceptable and keeps the elapsed-window
// arithmetic consistent.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ceiling != nil {
		if err := l.ceiling.Wait(ctx); err != nil {
			return fmt.Errorf("rate ceiling wait: %w", err)
		}
	}

	delay := l.currentDelayLocked()
	if !l.lastRequest.IsZero() {
		if elapsed := l.now().Sub(l.lastRequest); elapsed > 0 {
			delay -= elapsed
		}
	}
	if delay > 0 {
		if err := l.sleep(ctx, delay); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		if l.cfg.OnDelay != nil {
			l.cfg.OnDelay(delay)
		}
	}
	l.lastRequest = l.now()
	return nil
}

// RecordSuccess notes a successful request. Every 5th cumulative success
// forgives one recorded error, floored at zero, so the delay recovers after
// sustained healthy periods.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes++
	if l.successes%successDecayEvery == 0 && l.errors > 0 {
		l.errors--
	}
}

// RecordError notes a failed request. There is no cap; sustained failure
// saturates the exponential term at MaxDelay.
func (l *Limiter) RecordError() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors++
}

// Delay reports the delay the next Wait would impose before crediting
// elapsed time.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentDelayLocked()
}

// Counters reports the current success and error counts.
func (l *Limiter) Counters() (successes, errors int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.successes, l.errors
}

func (l *Limiter) currentDelayLocked() time.Duration {
	total := l.successes + l.errors
	if total < 1 {
		total = 1
	}
	errorRate := float64(l.errors) / float64(total)
	delay := time.Duration(float64(l.cfg.BaseDelay) * math.Pow(growthBase, errorRate*growthFactor))
	if delay > l.cfg.MaxDelay || delay < 0 {
		delay = l.cfg.MaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
