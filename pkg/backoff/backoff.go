// Package backoff holds the retry and pacing policies used by hunt workers.
//
// Policies are plain values so tests can swap them for zero delays, and every
// wait goes through a Sleeper so nothing in the hunt depends on wall-clock
// timing in tests.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy selects how retry delays grow
type Strategy string

const (
	Fixed       Strategy = "fixed"
	Exponential Strategy = "exponential"
)

// Policy computes the delay before retry n (1-based)
type Policy struct {
	Strategy   Strategy
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// MaxRetries bounds consecutive retries; 0 means unbounded
	MaxRetries int
}

// DefaultQuota backs off hard: quota errors clear on the provider's schedule, not ours
func DefaultQuota() Policy {
	return Policy{Strategy: Exponential, Initial: 5 * time.Second, Max: 5 * time.Minute, Multiplier: 2}
}

// DefaultTransient retries network hiccups quickly
func DefaultTransient() Policy {
	return Policy{Strategy: Exponential, Initial: time.Second, Max: 30 * time.Second, Multiplier: 2}
}

// Validate checks the policy for nonsensical values
func (p Policy) Validate() error {
	switch p.Strategy {
	case Fixed, Exponential:
	default:
		return fmt.Errorf("unknown backoff strategy %q", p.Strategy)
	}
	if p.Initial < 0 || p.Max < 0 {
		return fmt.Errorf("backoff delays must not be negative")
	}
	if p.Strategy == Exponential && p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %v", p.Multiplier)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	return nil
}

// Delay returns the wait before retry n. n < 1 is treated as 1.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Initial
	if p.Strategy == Exponential {
		mult := p.Multiplier
		if mult == 0 {
			mult = 2
		}
		f := float64(p.Initial) * math.Pow(mult, float64(n-1))
		if f >= math.MaxInt64 {
			d = time.Duration(math.MaxInt64)
		} else {
			d = time.Duration(f)
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Exhausted reports whether retry n goes past MaxRetries
func (p Policy) Exhausted(n int) bool {
	return p.MaxRetries > 0 && n > p.MaxRetries
}

// Distribution shapes pacing delays
type Distribution string

const (
	Uniform  Distribution = "uniform"
	Normal   Distribution = "normal"
	ExpDecay Distribution = "exponential"
	NoJitter Distribution = "none"
)

// Valid reports whether d names a known distribution. Empty means uniform.
func (d Distribution) Valid() bool {
	switch d {
	case "", Uniform, Normal, ExpDecay, NoJitter:
		return true
	}
	return false
}

// Pacer spaces attempts out with a randomized delay clamped to [Min, Max]
type Pacer struct {
	Min          time.Duration
	Max          time.Duration
	Distribution Distribution
}

// Next draws the next pacing delay. A zero pacer always returns 0.
func (p Pacer) Next() time.Duration {
	if p.Max <= 0 || p.Max < p.Min {
		return p.Min
	}
	lo, hi := float64(p.Min), float64(p.Max)
	var d float64
	switch p.Distribution {
	case Normal:
		// most delays near the middle, clamped tails
		d = rand.NormFloat64()*(hi-lo)/4 + (lo+hi)/2
	case ExpDecay:
		d = rand.ExpFloat64() * (lo + hi) / 2
	case NoJitter:
		d = lo
	default:
		d = lo + rand.Float64()*(hi-lo)
	}
	return time.Duration(min(hi, max(lo, d)))
}

// Sleeper blocks for d or until ctx is done
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// TimerSleeper sleeps on a real timer
type TimerSleeper struct{}

func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
