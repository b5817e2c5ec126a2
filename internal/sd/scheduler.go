package sd

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler drives every timed SD action — offer repetition, cyclic
// offers, find repetition — off of a single
// heap-ordered event queue, the same single-event-loop shape as the
// teacher's liveness.Scheduler, generalized from fixed TX/Detect event
// kinds to arbitrary callbacks so one loop can serve the whole SD engine.
// clockwork.Clock replaces direct time.Now/time.NewTimer calls so phase
// timing (spec.md §8 scenario 4) is deterministically testable with
// clockwork.NewFakeClock.
type Scheduler struct {
	log   *slog.Logger
	clock clockwork.Clock
	eq    *eventQueue
}

// NewScheduler constructs a Scheduler. Pass clockwork.NewRealClock() in
// production and a clockwork.NewFakeClock() in tests.
func NewScheduler(log *slog.Logger, clock clockwork.Clock) *Scheduler {
	return &Scheduler{log: log, clock: clock, eq: newEventQueue()}
}

// At schedules fire to run at when (clock time).
func (s *Scheduler) At(when time.Time, fire func(now time.Time)) {
	s.eq.push(when, fire)
}

// After schedules fire to run after d elapses from the scheduler's clock.
func (s *Scheduler) After(d time.Duration, fire func(now time.Time)) {
	s.At(s.clock.Now().Add(d), fire)
}

// Now returns the scheduler's current clock time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Pending returns the number of events not yet fired.
func (s *Scheduler) Pending() int { return s.eq.len() }

// Run drives the event loop until ctx is cancelled. It blocks.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Debug("sd.scheduler: started")
	timer := s.clock.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("sd.scheduler: stopped", "reason", ctx.Err())
			return nil
		default:
		}

		now := s.clock.Now()
		ev, wait := s.eq.popIfDue(now)
		if ev == nil {
			if wait <= 0 {
				wait = time.Millisecond
			}
			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				s.log.Debug("sd.scheduler: stopped", "reason", ctx.Err())
				return nil
			case <-timer.Chan():
				continue
			}
		}
		ev.fire(now)
	}
}
