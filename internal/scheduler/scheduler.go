package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrFatal marks tick errors that must stop the loop instead of waiting for the next heartbeat.
var ErrFatal = errors.New("fatal heartbeat error")

// TickFunc is invoked once per heartbeat.
type TickFunc func(ctx context.Context, beat uint64) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// Scheduler drives the heartbeat: a tick, then a fixed delay, forever.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick immediately and then Interval after each tick
// returns, until ctx is cancelled or tick returns an error wrapping ErrFatal.
// Ticks never overlap.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	for beat := uint64(1); ; beat++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		err := tick(ctx, beat)
		elapsed := time.Since(started)

		switch {
		case errors.Is(err, ErrFatal):
			s.logger.Error().Err(err).Uint64("beat", beat).Msg("heartbeat stopped")
			return err
		case err != nil && ctx.Err() == nil:
			s.logger.Error().Err(err).Uint64("beat", beat).Dur("elapsed", elapsed).Msg("heartbeat failed")
		default:
			s.logger.Debug().Uint64("beat", beat).Dur("elapsed", elapsed).Msg("heartbeat done")
		}

		s.logger.Debug().Time("next", time.Now().Add(s.opts.Interval)).Msg("waiting for next heartbeat")
		if err := sleep(ctx, s.opts.Interval); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
