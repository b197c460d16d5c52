// Package scheduler captures the day, week and month odometer baselines at local midnight.
package scheduler

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/tripsync/internal/engine"
	"github.com/autopeer-io/tripsync/internal/pkg/errdefs"
	"github.com/autopeer-io/tripsync/internal/pkg/wallclock"
	"github.com/autopeer-io/tripsync/pkg/log"
)

// Target is the state the scheduler reads odometers from and writes baselines to.
type Target interface {
	TrackerIDs() []string
	CorrectedKm(id string) (float64, bool)
	Baseline(id string, p wallclock.Period) (engine.Baseline, bool)
	CaptureBaseline(ctx context.Context, id string, p wallclock.Period, at time.Time) error
}

type Option func(*Scheduler)

func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) { s.clock = clk }
}

// Scheduler sleeps until the next local midnight and captures the baselines whose boundary it is.
// On start and on every Poke it catches up baselines older than their most recent boundary.
type Scheduler struct {
	target Target
	clock  clock.Clock

	mu       sync.Mutex
	monthDay int

	poke chan struct{}
}

// New returns a scheduler resetting the monthly counter on monthDay.
func New(target Target, monthDay int, opt ...Option) (*Scheduler, error) {
	if !wallclock.ValidMonthDay(monthDay) {
		return nil, errdefs.ConfigInvalid("month reset day %d not in [%d, %d]", monthDay, wallclock.MinMonthDay, wallclock.MaxMonthDay)
	}
	s := &Scheduler{
		target:   target,
		clock:    clock.RealClock{},
		monthDay: monthDay,
		poke:     make(chan struct{}, 1),
	}
	for _, o := range opt {
		o(s)
	}
	return s, nil
}

// SetMonthDay changes the monthly reset day. It applies from the next capture.
func (s *Scheduler) SetMonthDay(d int) error {
	if !wallclock.ValidMonthDay(d) {
		return errdefs.ConfigInvalid("month reset day %d not in [%d, %d]", d, wallclock.MinMonthDay, wallclock.MaxMonthDay)
	}
	s.mu.Lock()
	s.monthDay = d
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) MonthDay() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monthDay
}

// Poke asks for a catch-up pass, typically after a lifetime refresh made an odometer known.
func (s *Scheduler) Poke() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info("Starting snapshot scheduler", "monthResetDay", s.MonthDay())
	s.catchUp(ctx, s.clock.Now())

	for {
		now := s.clock.Now()
		midnight := wallclock.NextMidnight(now)
		timer := s.clock.NewTimer(midnight.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("Snapshot scheduler stopped")
			return nil
		case <-timer.C():
			at := s.clock.Now()
			if at.Before(midnight) {
				at = midnight
			}
			log.Debug("Midnight reached, capturing baselines", "midnight", midnight)
			s.catchUp(ctx, at)
		case <-s.poke:
			timer.Stop()
			s.catchUp(ctx, s.clock.Now())
		}
	}
}

// catchUp captures every baseline whose last capture predates the most recent boundary of its period.
// Trackers without a corrected odometer are skipped and picked up by a later pass.
func (s *Scheduler) catchUp(ctx context.Context, now time.Time) {
	monthDay := s.MonthDay()

	for _, id := range s.target.TrackerIDs() {
		if _, ok := s.target.CorrectedKm(id); !ok {
			log.Debug("Tracker has no odometer yet, deferring baselines", "trackerID", id)
			continue
		}
		for _, p := range wallclock.Periods {
			boundary := wallclock.MostRecentBoundary(p, now, monthDay)
			if b, ok := s.target.Baseline(id, p); ok && !b.At.Before(boundary) {
				continue
			}
			if err := s.target.CaptureBaseline(ctx, id, p, now); err != nil {
				log.Error(err, "Failed to capture baseline", "trackerID", id, "period", p)
			}
		}
	}
}
