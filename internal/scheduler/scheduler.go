// Package scheduler fires the nightly lifecycle sweep. One timer, rearmed
// after every run; the engine's own single-runner guard handles overlap with
// manually triggered sweeps.
package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cortexmem/cortex/internal/clock"
	"github.com/cortexmem/cortex/internal/engine"
)

// Sweeper runs one maintenance sweep. Satisfied by engine.LifecycleEngine.
type Sweeper interface {
	Run(ctx context.Context, dryRun bool) (*engine.LifecycleReport, error)
}

type Scheduler struct {
	sweeper Sweeper
	clk     clock.Clock
	hour    int
	done    chan struct{}
}

// New builds a scheduler firing daily at the given local hour (0-23).
func New(sweeper Sweeper, clk clock.Clock, hour int) *Scheduler {
	if hour < 0 || hour > 23 {
		hour = 3
	}
	return &Scheduler{sweeper: sweeper, clk: clk, hour: hour, done: make(chan struct{})}
}

// Start launches the timer loop. It returns immediately; the loop stops when
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Done closes after the loop has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		now := s.clk.Now()
		wait := nextRun(now, s.hour).Sub(now)
		log.Printf("scheduler: next lifecycle sweep in %s", wait.Round(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.sweep(ctx)
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	report, err := s.sweeper.Run(runCtx, false)
	switch {
	case errors.Is(err, engine.ErrLifecycleRunning):
		log.Printf("scheduler: sweep skipped, another run in progress")
	case err != nil:
		log.Printf("scheduler: sweep failed: %v", err)
	default:
		log.Printf("scheduler: sweep done: promoted=%d archived=%d expired=%d deduped=%d",
			report.Promoted, report.Archived, report.Expired, report.Deduped)
	}
}

// nextRun returns the next occurrence of hour strictly after now, in now's
// location.
func nextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
