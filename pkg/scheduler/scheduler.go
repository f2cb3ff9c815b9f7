// Package scheduler drives background scans from a single persisted wake
// time. Each wake optionally sweeps completed tasks near midnight, runs one
// scan and then always computes and stores the next wake.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/dottask/pkg/eventlog"
	"github.com/dotsetgreg/dottask/pkg/kv"
	"github.com/dotsetgreg/dottask/pkg/logger"
)

const (
	keyNextWake  = "scan:next_wake"
	midnightExpr = "0 0 * * *"

	DefaultMidnightTolerance = 5 * time.Minute
	defaultActiveInterval    = 15 * time.Minute
	defaultInactiveInterval  = 60 * time.Minute
)

// NextMidnight returns the first midnight strictly after now, in now's location.
func NextMidnight(now time.Time) time.Time {
	next, err := gronx.NextTickAfter(midnightExpr, now, false)
	if err != nil || !next.After(now) {
		return StartOfDay(now).AddDate(0, 0, 1)
	}
	return next
}

// StartOfDay returns the midnight that began now's day.
func StartOfDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// NextWake is min(next midnight, now+interval).
func NextWake(now time.Time, interval time.Duration) time.Time {
	candidate := now.Add(interval)
	if midnight := NextMidnight(now); midnight.Before(candidate) {
		return midnight
	}
	return candidate
}

// NearMidnight reports whether now is within tolerance of a midnight on
// either side.
func NearMidnight(now time.Time, tolerance time.Duration) bool {
	return now.Sub(StartOfDay(now)) <= tolerance || NextMidnight(now).Sub(now) <= tolerance
}

type Deps struct {
	// Store holds the persisted wake time.
	Store kv.Store
	// Scan runs one quota-gated scan cycle.
	Scan func(ctx context.Context) error
	// Sweep archives completed tasks finished before cutoff.
	Sweep func(ctx context.Context, cutoff time.Time) (int, error)
	// Intervals returns the active and inactive cadence.
	Intervals func(ctx context.Context) (active, inactive time.Duration, err error)
	// ActiveClients counts live connected clients.
	ActiveClients func() int
	Events        *eventlog.Log
}

type Options struct {
	MidnightTolerance time.Duration
	Location          *time.Location
}

type Scheduler struct {
	deps Deps
	opts Options
	now  func() time.Time
	kick chan struct{}
}

func New(deps Deps, opts Options) *Scheduler {
	if opts.MidnightTolerance <= 0 {
		opts.MidnightTolerance = DefaultMidnightTolerance
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Scheduler{deps: deps, opts: opts, now: time.Now, kick: make(chan struct{}, 1)}
}

// WithClock overrides the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) localNow() time.Time {
	return s.now().In(s.opts.Location)
}

// Kick asks a running loop to re-evaluate its wake time, for example after
// the number of live clients changed.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// NextWakeAt returns the persisted wake time.
func (s *Scheduler) NextWakeAt(ctx context.Context) (time.Time, bool, error) {
	var t time.Time
	ok, err := kv.GetJSON(ctx, s.deps.Store, keyNextWake, &t)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load next wake: %w", err)
	}
	return t, ok && !t.IsZero(), nil
}

func (s *Scheduler) storeNextWake(ctx context.Context, t time.Time) error {
	return kv.PutJSON(ctx, s.deps.Store, keyNextWake, t.UTC())
}

func (s *Scheduler) interval(ctx context.Context) time.Duration {
	active, inactive := defaultActiveInterval, defaultInactiveInterval
	if s.deps.Intervals != nil {
		a, i, err := s.deps.Intervals(ctx)
		if err != nil {
			logger.WarnCF("scheduler", "Using default scan intervals", map[string]any{"error": err.Error()})
		} else {
			if a > 0 {
				active = a
			}
			if i > 0 {
				inactive = i
			}
		}
	}
	if s.deps.ActiveClients != nil && s.deps.ActiveClients() > 0 {
		return active
	}
	return inactive
}

// ScheduleNext computes and persists the next wake. Persistence failures are
// logged; the computed time is returned regardless.
func (s *Scheduler) ScheduleNext(ctx context.Context) time.Time {
	next := NextWake(s.localNow(), s.interval(ctx))
	if err := s.storeNextWake(ctx, next); err != nil {
		s.reportError(ctx, "persist next wake", err)
	}
	return next
}

// Wake performs one scheduled cycle and returns the next wake time. It never
// fails: sweep and scan errors or panics are logged and the next wake is
// always stored.
func (s *Scheduler) Wake(ctx context.Context) time.Time {
	now := s.localNow()
	if NearMidnight(now, s.opts.MidnightTolerance) && s.deps.Sweep != nil {
		cutoff := StartOfDay(now)
		s.safely(ctx, "sweep", func() error {
			n, err := s.deps.Sweep(ctx, cutoff)
			if err == nil && n > 0 {
				logger.InfoCF("scheduler", "Swept completed tasks", map[string]any{"count": n})
			}
			return err
		})
	}
	if s.deps.Scan != nil {
		s.safely(ctx, "scan", func() error { return s.deps.Scan(ctx) })
	}
	return s.ScheduleNext(ctx)
}

func (s *Scheduler) safely(ctx context.Context, step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.reportError(ctx, step, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		s.reportError(ctx, step, err)
	}
}

func (s *Scheduler) reportError(ctx context.Context, step string, err error) {
	logger.ErrorCF("scheduler", "Scheduled step failed", map[string]any{
		"step":  step,
		"error": err.Error(),
	})
	if s.deps.Events != nil {
		_, _ = s.deps.Events.Append(ctx, eventlog.TypeSchedulerError, step+": "+err.Error(), nil)
	}
}

// Run drives the wake loop until ctx is done. A wake time already in the
// past fires immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	next, ok, err := s.NextWakeAt(ctx)
	if err != nil || !ok {
		next = s.ScheduleNext(ctx)
	}
	logger.InfoCF("scheduler", "Scheduler started", map[string]any{"next_wake": next.Format(time.RFC3339)})

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.InfoC("scheduler", "Scheduler stopped")
			return nil
		case <-s.kick:
			candidate := NextWake(s.localNow(), s.interval(ctx))
			if !candidate.Before(next) {
				continue
			}
			next = candidate
			if err := s.storeNextWake(ctx, next); err != nil {
				s.reportError(ctx, "persist next wake", err)
			}
		case <-timer.C:
			next = s.Wake(ctx)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Until(next))
	}
}
