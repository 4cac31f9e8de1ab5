package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/FranksOps/bazaar/internal/discovery"
	"github.com/FranksOps/bazaar/internal/metrics"
)

// State is the supervisor's visible phase.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateCooldown State = "cooldown"
	StateStopped  State = "stopped"
)

// TurnResult reports one supervised turn. CycleComplete signals that the
// strategy exhausted its range and the cursor should rewind for a fresh
// pass.
type TurnResult struct {
	Stats         discovery.Stats
	CycleComplete bool
}

// TurnFunc runs one bounded unit of work. It should return promptly when
// the context is canceled.
type TurnFunc func(ctx context.Context) (TurnResult, error)

// ResetFunc rewinds the strategy's cursor after a completed cycle.
type ResetFunc func(ctx context.Context) error

// Config tunes the supervision loop.
type Config struct {
	// Scope labels logs and metrics.
	Scope string
	// MaxConsecutiveErrors trips the breaker into a cooldown; defaults
	// to 10.
	MaxConsecutiveErrors int
	// ErrorBackoffBase seeds the per-error backoff; defaults to 5s.
	ErrorBackoffBase time.Duration
	// ErrorBackoffMax caps the per-error backoff; defaults to 5m.
	ErrorBackoffMax time.Duration
	// Cooldown is the breaker's rest period; defaults to 5m.
	Cooldown time.Duration
	// CyclePause separates completed cycles; defaults to 1m.
	CyclePause time.Duration
}

// Status is a point-in-time snapshot of the loop.
type Status struct {
	State             State
	Cycles            int64
	ConsecutiveErrors int
	LastError         string
	StartedAt         time.Time
	LastCycleAt       time.Time
}

// Supervisor runs a discovery strategy forever: turn after turn, rewinding
// on cycle completion, backing off on errors, and resting when errors come
// in an unbroken streak. One supervisor drives one strategy; stopping is the
// caller's context cancellation.
type Supervisor struct {
	cfg    Config
	turn   TurnFunc
	reset  ResetFunc
	logger *slog.Logger

	mu     sync.Mutex
	status Status
}

func New(cfg Config, turn TurnFunc, reset ResetFunc, logger *slog.Logger) *Supervisor {
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 10
	}
	if cfg.ErrorBackoffBase <= 0 {
		cfg.ErrorBackoffBase = 5 * time.Second
	}
	if cfg.ErrorBackoffMax <= 0 {
		cfg.ErrorBackoffMax = 2 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	// The breaker's rest must outlast any single retry backoff, or
	// tripping it would pause less than the backoff it replaces.
	if cfg.Cooldown <= cfg.ErrorBackoffMax {
		cfg.Cooldown = 2 * cfg.ErrorBackoffMax
	}
	if cfg.CyclePause <= 0 {
		cfg.CyclePause = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		turn:   turn,
		reset:  reset,
		logger: logger.With("scope", cfg.Scope),
		status: Status{State: StateIdle},
	}
}

// Status returns a snapshot of the loop's state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run loops until the context is canceled. It never returns a turn's error;
// errors feed the backoff and breaker instead.
func (s *Supervisor) Run(ctx context.Context) error {
	s.update(func(st *Status) {
		st.State = StateRunning
		st.StartedAt = time.Now()
	})
	defer s.update(func(st *Status) { st.State = StateStopped })

	s.logger.Info("supervisor started",
		"max_consecutive_errors", s.cfg.MaxConsecutiveErrors,
		"cooldown", s.cfg.Cooldown)

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("supervisor stopping", "cycles", s.Status().Cycles)
			return err
		}

		result, err := s.turn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if herr := s.handleError(ctx, err); herr != nil {
				continue
			}
			continue
		}

		s.update(func(st *Status) {
			st.ConsecutiveErrors = 0
			st.LastError = ""
		})

		if !result.CycleComplete {
			continue
		}

		s.completeCycle(ctx, result)
	}
}

// handleError backs off exponentially per consecutive error and trips into
// a full cooldown once the streak reaches the breaker threshold. After a
// cooldown the streak restarts from zero.
func (s *Supervisor) handleError(ctx context.Context, err error) error {
	var streak int
	s.update(func(st *Status) {
		st.ConsecutiveErrors++
		st.LastError = err.Error()
		streak = st.ConsecutiveErrors
	})

	if streak >= s.cfg.MaxConsecutiveErrors {
		metrics.BreakerTrips.WithLabelValues(s.cfg.Scope).Inc()
		s.logger.Error("error streak hit breaker threshold, cooling down",
			"streak", streak, "cooldown", s.cfg.Cooldown, "err", err)

		s.update(func(st *Status) { st.State = StateCooldown })
		werr := s.sleep(ctx, s.cfg.Cooldown)
		s.update(func(st *Status) {
			st.State = StateRunning
			st.ConsecutiveErrors = 0
		})
		return werr
	}

	delay := s.cfg.ErrorBackoffBase << (streak - 1)
	if delay > s.cfg.ErrorBackoffMax || delay <= 0 {
		delay = s.cfg.ErrorBackoffMax
	}
	s.logger.Warn("turn failed, backing off", "streak", streak, "delay", delay, "err", err)
	return s.sleep(ctx, delay)
}

func (s *Supervisor) completeCycle(ctx context.Context, result TurnResult) {
	var cycles int64
	s.update(func(st *Status) {
		st.Cycles++
		st.LastCycleAt = time.Now()
		cycles = st.Cycles
	})
	metrics.CyclesCompleted.WithLabelValues(s.cfg.Scope).Inc()

	s.logger.Info("cycle complete",
		"cycle", cycles,
		"processed", result.Stats.Processed,
		"found", result.Stats.Found,
		"errors", result.Stats.Errors,
		"elapsed", result.Stats.Elapsed)

	if s.reset != nil {
		if err := s.reset(ctx); err != nil {
			s.logger.Error("cycle reset failed", "err", err)
		}
	}

	_ = s.sleep(ctx, s.cfg.CyclePause)
}

func (s *Supervisor) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
