package core

import (
	"slices"
	"time"
)

// GateDecision is the Schedule Gate verdict for one tick.
type GateDecision struct {
	// InWindow is false when the day-of-week filter or a TIME_RANGE excludes now.
	InWindow bool `json:"in_window"`
	// Due is true when the schedule allows firing on this tick.
	Due bool `json:"due"`
	// Slot is the matched SPECIFIC_TIMES slot.
	Slot *time.Time `json:"slot,omitempty"`
}

// Gate decides whether an automation is inside its active window.
type Gate struct {
	// Tolerance is the dispatcher's polling granularity. SPECIFIC_TIMES slots
	// match within [slot, slot+Tolerance).
	Tolerance time.Duration
}

// Check evaluates the automation's schedule at now. now must already be in
// the engine's location. Automations without a schedule are always due.
func (g Gate) Check(a *Automation, now time.Time) GateDecision {
	if a.Schedule == nil || a.Schedule.Window == nil {
		return GateDecision{InWindow: true, Due: true}
	}
	sched := a.Schedule
	if !dayAllowed(sched.DaysOfWeek, now) {
		return GateDecision{}
	}

	switch w := sched.Window.(type) {
	case TimeRange:
		in := inClockWindow(ClockOf(now), w.Start, w.End)
		if !in {
			return GateDecision{}
		}
		due := true
		if a.Trigger == TriggerScheduled {
			// Without conditions a time range fires once when the window opens.
			start := windowStart(w, now)
			due = a.LastEvaluatedAt == nil || a.LastEvaluatedAt.Before(start)
		}
		return GateDecision{InWindow: true, Due: due}

	case Interval:
		ref := a.CreatedAt
		if a.LastEvaluatedAt != nil {
			ref = *a.LastEvaluatedAt
		}
		// Ticks land on ref+period exactly, so no early slack is needed.
		period := time.Duration(w.Minutes) * time.Minute
		return GateDecision{InWindow: true, Due: now.Sub(ref) >= period}

	case SpecificTimes:
		tolerance := g.Tolerance
		if tolerance <= 0 {
			tolerance = time.Minute
		}
		for _, slot := range w.Times {
			for _, day := range []time.Time{now, now.AddDate(0, 0, -1)} {
				at := slot.On(day)
				if now.Before(at) || !now.Before(at.Add(tolerance)) {
					continue
				}
				if a.LastEvaluatedAt != nil && !a.LastEvaluatedAt.Before(at) {
					continue
				}
				matched := at
				return GateDecision{InWindow: true, Due: true, Slot: &matched}
			}
		}
		return GateDecision{InWindow: true}
	}
	return GateDecision{}
}

// NextDue returns when the dispatcher should next evaluate the automation.
func (g Gate) NextDue(a *Automation, now time.Time) time.Time {
	poll := g.Tolerance
	if poll <= 0 {
		poll = time.Minute
	}
	condEvery := time.Duration(a.IntervalMinutes) * time.Minute
	if condEvery <= 0 {
		condEvery = poll
	}
	if a.Schedule == nil || a.Schedule.Window == nil {
		return now.Add(condEvery)
	}

	switch w := a.Schedule.Window.(type) {
	case TimeRange:
		if a.Trigger == TriggerHybrid {
			return now.Add(condEvery)
		}
		return now.Add(poll)
	case Interval:
		return now.Add(time.Duration(w.Minutes) * time.Minute)
	case SpecificTimes:
		sched, err := SlotSchedule(w.Times, a.Schedule.DaysOfWeek)
		if err != nil {
			return now.Add(poll)
		}
		if next := sched.Next(now); !next.IsZero() {
			return next
		}
		return now.Add(poll)
	}
	return now.Add(poll)
}

// FirstDue returns the initial evaluation time when an automation enters the loop.
func (g Gate) FirstDue(a *Automation, now time.Time) time.Time {
	if a.Schedule == nil || a.Schedule.Window == nil {
		return now
	}
	switch w := a.Schedule.Window.(type) {
	case Interval:
		ref := a.CreatedAt
		if a.LastEvaluatedAt != nil {
			ref = *a.LastEvaluatedAt
		}
		due := ref.Add(time.Duration(w.Minutes) * time.Minute)
		if due.Before(now) {
			return now
		}
		return due
	case SpecificTimes:
		return g.NextDue(a, now)
	}
	return now
}

func dayAllowed(days []int, now time.Time) bool {
	if len(days) == 0 {
		return true
	}
	return slices.Contains(days, int(now.Weekday()))
}

// windowStart returns the start of the TIME_RANGE occurrence containing now.
func windowStart(w TimeRange, now time.Time) time.Time {
	start := w.Start.On(now)
	if w.End < w.Start && ClockOf(now) < w.Start {
		start = w.Start.On(now.AddDate(0, 0, -1))
	}
	return start
}

// Upcoming lists the next n instants after base at which the schedule
// opens: window starts for TIME_RANGE, slots for SPECIFIC_TIMES and period
// multiples for INTERVAL. The day-of-week filter applies to all three.
func Upcoming(s *Schedule, base time.Time, n int) []time.Time {
	if s == nil || s.Window == nil || n <= 0 {
		return nil
	}
	const maxSteps = 10000
	out := make([]time.Time, 0, n)
	switch w := s.Window.(type) {
	case SpecificTimes:
		sched, err := SlotSchedule(w.Times, s.DaysOfWeek)
		if err != nil {
			return nil
		}
		return NextOccurrences(sched, base, n)
	case TimeRange:
		for d := 0; d < maxSteps && len(out) < n; d++ {
			at := w.Start.On(base.AddDate(0, 0, d))
			if at.After(base) && dayAllowed(s.DaysOfWeek, at) {
				out = append(out, at)
			}
		}
	case Interval:
		period := time.Duration(w.Minutes) * time.Minute
		if period <= 0 {
			return nil
		}
		at := base
		for i := 0; i < maxSteps && len(out) < n; i++ {
			at = at.Add(period)
			if dayAllowed(s.DaysOfWeek, at) {
				out = append(out, at)
			}
		}
	}
	return out
}
