package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// slotSchedule fires at the earliest of several daily slots.
type slotSchedule []cron.Schedule

func (s slotSchedule) Next(t time.Time) time.Time {
	var next time.Time
	for _, sched := range s {
		candidate := sched.Next(t)
		if candidate.IsZero() {
			continue
		}
		if next.IsZero() || candidate.Before(next) {
			next = candidate
		}
	}
	return next
}

// SlotSchedule compiles SPECIFIC_TIMES slots and a day-of-week filter into a
// cron schedule. Each slot becomes its own 5-field spec since minute and
// hour fields of one spec would cross-multiply.
func SlotSchedule(times []ClockTime, days []int) (cron.Schedule, error) {
	if len(times) == 0 {
		return nil, fmt.Errorf("no slots")
	}
	dow := "*"
	if len(days) > 0 {
		sorted := append([]int(nil), days...)
		sort.Ints(sorted)
		parts := make([]string, 0, len(sorted))
		for _, d := range sorted {
			parts = append(parts, strconv.Itoa(d))
		}
		dow = strings.Join(parts, ",")
	}
	scheds := make(slotSchedule, 0, len(times))
	for _, t := range times {
		spec := fmt.Sprintf("%d %d * * %s", t.Minute(), t.Hour(), dow)
		sched, err := cronParser.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid slot %s: %w", t, err)
		}
		scheds = append(scheds, sched)
	}
	return scheds, nil
}

// NextOccurrences returns the next n activation times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}
