package pacing

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"
)

// Config tunes the delay distribution applied before each request.
type Config struct {
	// MinDelay/MaxDelay bound the baseline randomized delay. Both zero
	// disables pacing entirely.
	MinDelay time.Duration
	MaxDelay time.Duration

	// ReadingPauseChance is the probability (0.0 to 1.0) that a request
	// instead waits a much longer "reading" pause, mimicking a human who
	// stopped to look at a page.
	ReadingPauseChance float64
	ReadingPauseMin    time.Duration
	ReadingPauseMax    time.Duration

	// LongPauseEvery inserts an extended pause on every K-th request on top
	// of the baseline delay (0 = never).
	LongPauseEvery int
	LongPauseMin   time.Duration
	LongPauseMax   time.Duration
}

// Pacer spaces requests with randomized, human-like delays. It is safe for
// concurrent use by multiple goroutines; each caller serves its own delay.
type Pacer struct {
	cfg     Config
	counter atomic.Uint64
}

// New creates a Pacer. Reading pause bounds default to 10-30s when a chance
// is configured without them.
func New(cfg Config) *Pacer {
	if cfg.ReadingPauseChance > 0 {
		if cfg.ReadingPauseMin <= 0 {
			cfg.ReadingPauseMin = 10 * time.Second
		}
		if cfg.ReadingPauseMax < cfg.ReadingPauseMin {
			cfg.ReadingPauseMax = 30 * time.Second
		}
	}
	if cfg.LongPauseEvery > 0 {
		if cfg.LongPauseMin <= 0 {
			cfg.LongPauseMin = 10 * time.Second
		}
		if cfg.LongPauseMax < cfg.LongPauseMin {
			cfg.LongPauseMax = 3 * cfg.LongPauseMin
		}
	}
	return &Pacer{cfg: cfg}
}

// Wait blocks for this request's delay, or until the context is canceled.
func (p *Pacer) Wait(ctx context.Context) error {
	delay := p.next()
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Requests returns how many delays have been served.
func (p *Pacer) Requests() uint64 { return p.counter.Load() }

func (p *Pacer) next() time.Duration {
	n := p.counter.Add(1)

	if p.cfg.MinDelay <= 0 && p.cfg.MaxDelay <= 0 {
		return 0
	}

	delay := between(p.cfg.MinDelay, p.cfg.MaxDelay)

	if p.cfg.ReadingPauseChance > 0 && rand.Float64() < p.cfg.ReadingPauseChance {
		return between(p.cfg.ReadingPauseMin, p.cfg.ReadingPauseMax)
	}

	if p.cfg.LongPauseEvery > 0 && n%uint64(p.cfg.LongPauseEvery) == 0 {
		delay += between(p.cfg.LongPauseMin, p.cfg.LongPauseMax)
	}

	return delay
}

func between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
