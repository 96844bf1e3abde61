package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduled(w Window, days ...int) *Automation {
	return &Automation{
		Trigger:   TriggerScheduled,
		Schedule:  &Schedule{Window: w, DaysOfWeek: days},
		CreatedAt: day(0, 0).AddDate(0, 0, -7),
	}
}

func TestGateTimeRangeWrapsMidnight(t *testing.T) {
	g := Gate{Tolerance: time.Minute}
	a := scheduled(TimeRange{Start: MustParseClock("22:00"), End: MustParseClock("06:00")})
	a.Trigger = TriggerHybrid

	assert.True(t, g.Check(a, day(23, 30)).InWindow)
	assert.True(t, g.Check(a, day(2, 0)).InWindow)
	assert.False(t, g.Check(a, day(12, 0)).InWindow)
	assert.True(t, g.Check(a, day(2, 0)).Due, "hybrid ranges are due on every in-window tick")
}

func TestGateDayFilterFirst(t *testing.T) {
	g := Gate{Tolerance: time.Minute}
	// Monday only; day() is a Monday.
	a := scheduled(TimeRange{Start: MustParseClock("08:00"), End: MustParseClock("20:00")}, 1)
	assert.True(t, g.Check(a, day(9, 0)).Due)
	assert.Equal(t, GateDecision{}, g.Check(a, day(9, 0).AddDate(0, 0, 1)))
}

func TestGateScheduledTimeRangeFiresOncePerWindow(t *testing.T) {
	g := Gate{Tolerance: time.Minute}
	a := scheduled(TimeRange{Start: MustParseClock("22:00"), End: MustParseClock("06:00")})

	a.LastEvaluatedAt = ptr(day(21, 59))
	assert.True(t, g.Check(a, day(22, 0)).Due)

	a.LastEvaluatedAt = ptr(day(22, 0))
	assert.False(t, g.Check(a, day(22, 1)).Due)
	assert.True(t, g.Check(a, day(22, 1)).InWindow)

	// Past midnight the window opened the previous day.
	a.LastEvaluatedAt = ptr(day(23, 0))
	assert.False(t, g.Check(a, day(23, 0).Add(3*time.Hour)).Due)
}

func TestGateInterval(t *testing.T) {
	g := Gate{Tolerance: time.Minute}
	a := scheduled(Interval{Minutes: 30})
	a.LastEvaluatedAt = ptr(day(9, 0))

	assert.False(t, g.Check(a, day(9, 20)).Due)
	assert.True(t, g.Check(a, day(9, 30)).Due)
	assert.False(t, g.Check(a, day(9, 29).Add(50*time.Second)).Due, "never early, even within one poll")
	assert.True(t, g.Check(a, day(9, 30).Add(time.Second)).Due)

	// A short period is not halved by the poll tolerance.
	short := scheduled(Interval{Minutes: 1})
	short.LastEvaluatedAt = ptr(day(9, 0))
	assert.False(t, Gate{Tolerance: 5 * time.Minute}.Check(short, day(9, 0).Add(40*time.Second)).Due)
	assert.True(t, Gate{Tolerance: 5 * time.Minute}.Check(short, day(9, 1)).Due)

	a.LastEvaluatedAt = nil
	a.CreatedAt = day(9, 0)
	assert.False(t, g.Check(a, day(9, 10)).Due)
	assert.True(t, g.Check(a, day(9, 31)).Due)
}

func TestGateSpecificTimes(t *testing.T) {
	g := Gate{Tolerance: time.Minute}
	a := scheduled(SpecificTimes{Times: []ClockTime{MustParseClock("08:00"), MustParseClock("23:59")}})

	d := g.Check(a, day(8, 0).Add(30*time.Second))
	require.True(t, d.Due)
	require.NotNil(t, d.Slot)
	assert.Equal(t, day(8, 0), *d.Slot)

	assert.False(t, g.Check(a, day(8, 1)).Due, "outside the tolerance window")
	assert.False(t, g.Check(a, day(7, 59)).Due)

	a.LastEvaluatedAt = ptr(day(8, 0).Add(30 * time.Second))
	assert.False(t, g.Check(a, day(8, 0).Add(40*time.Second)).Due, "at most once per slot")

	// A late-night slot is still matched after midnight within tolerance.
	wide := Gate{Tolerance: 5 * time.Minute}
	a.LastEvaluatedAt = ptr(day(23, 0))
	assert.True(t, wide.Check(a, day(23, 59).Add(2*time.Minute)).Due)
}

func TestGateWithoutSchedule(t *testing.T) {
	a := &Automation{Trigger: TriggerCondition}
	assert.Equal(t, GateDecision{InWindow: true, Due: true}, Gate{}.Check(a, day(3, 0)))
}

func TestNextDue(t *testing.T) {
	g := Gate{Tolerance: time.Minute}
	now := day(9, 0)

	cond := &Automation{Trigger: TriggerCondition, IntervalMinutes: 5}
	assert.Equal(t, now.Add(5*time.Minute), g.NextDue(cond, now))

	rng := scheduled(TimeRange{Start: MustParseClock("08:00"), End: MustParseClock("20:00")})
	assert.Equal(t, now.Add(time.Minute), g.NextDue(rng, now))

	iv := scheduled(Interval{Minutes: 90})
	assert.Equal(t, now.Add(90*time.Minute), g.NextDue(iv, now))

	// Monday 09:00; slots on Tuesday and Thursday only.
	st := scheduled(SpecificTimes{Times: []ClockTime{MustParseClock("18:30"), MustParseClock("07:15")}}, 2, 4)
	assert.Equal(t, day(7, 15).AddDate(0, 0, 1), g.NextDue(st, now))
	assert.Equal(t, day(18, 30).AddDate(0, 0, 1), g.NextDue(st, day(7, 15).AddDate(0, 0, 1)))
}

func TestFirstDueInterval(t *testing.T) {
	g := Gate{Tolerance: time.Minute}
	a := scheduled(Interval{Minutes: 60})
	a.CreatedAt = day(9, 0)
	assert.Equal(t, day(10, 0), g.FirstDue(a, day(9, 10)))

	a.LastEvaluatedAt = ptr(day(6, 0))
	assert.Equal(t, day(9, 10), g.FirstDue(a, day(9, 10)), "overdue intervals run now")
}

func TestSlotScheduleAndNextOccurrences(t *testing.T) {
	sched, err := SlotSchedule([]ClockTime{MustParseClock("06:00"), MustParseClock("18:00")}, nil)
	require.NoError(t, err)
	got := NextOccurrences(sched, day(12, 0), 3)
	assert.Equal(t, []time.Time{day(18, 0), day(6, 0).AddDate(0, 0, 1), day(18, 0).AddDate(0, 0, 1)}, got)

	_, err = SlotSchedule(nil, nil)
	assert.Error(t, err)
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("07:05")
	require.NoError(t, err)
	assert.Equal(t, ClockTime(7*60+5), c)
	assert.Equal(t, "07:05", c.String())

	for _, bad := range []string{"24:00", "7", "07:5", "ab:cd", "12:60"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestUpcoming(t *testing.T) {
	night := &Schedule{Window: TimeRange{Start: MustParseClock("22:00"), End: MustParseClock("06:00")}, DaysOfWeek: []int{1, 3}}
	assert.Equal(t, []time.Time{day(22, 0), day(22, 0).AddDate(0, 0, 2)}, Upcoming(night, day(12, 0), 2))

	every := &Schedule{Window: Interval{Minutes: 90}}
	assert.Equal(t, []time.Time{day(10, 30), day(12, 0), day(13, 30)}, Upcoming(every, day(9, 0), 3))

	slots := &Schedule{Window: SpecificTimes{Times: []ClockTime{MustParseClock("07:00")}}, DaysOfWeek: []int{2}}
	assert.Equal(t, []time.Time{day(7, 0).AddDate(0, 0, 1)}, Upcoming(slots, day(9, 0), 1))

	assert.Nil(t, Upcoming(nil, day(9, 0), 3))
	assert.Empty(t, Upcoming(night, day(9, 0), 0))
}
