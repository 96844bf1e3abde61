// Package wire holds the JSON shapes shared by the REST API and the MCP
// tools, and their conversion to and from the core model.
package wire

import (
	"fmt"
	"strings"
	"time"

	"growrules/internal/core"
)

// Schedule is the "when" component. Fields that do not belong to Type
// are rejected.
type Schedule struct {
	Type                  string   `json:"type"`
	StartTime             string   `json:"start_time,omitempty"`
	EndTime               string   `json:"end_time,omitempty"`
	IntervalMinutes       int      `json:"interval_minutes,omitempty"`
	SpecificTimes         []string `json:"specific_times,omitempty"`
	DaysOfWeek            []int    `json:"days_of_week,omitempty"`
	ActionDurationMinutes int      `json:"action_duration_minutes,omitempty"`
}

type Condition struct {
	ID            string   `json:"id,omitempty"`
	DeviceID      *string  `json:"device_id,omitempty"`
	Property      string   `json:"property"`
	Operator      string   `json:"operator"`
	Value         float64  `json:"value"`
	ValueMax      *float64 `json:"value_max,omitempty"`
	TimeValue     *string  `json:"time_value,omitempty"`
	TimeValueMax  *string  `json:"time_value_max,omitempty"`
	LogicOperator string   `json:"logic_operator,omitempty"`
	Order         int      `json:"order"`
}

type Action struct {
	ID              string `json:"id,omitempty"`
	DeviceID        string `json:"device_id"`
	ActionType      string `json:"action_type"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	DelayMinutes    int    `json:"delay_minutes,omitempty"`
	Order           int    `json:"order"`
}

// AutomationInput is the definition accepted by create, update and propose.
type AutomationInput struct {
	SectionID       string      `json:"section_id"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	Status          string      `json:"status,omitempty"`
	TriggerType     string      `json:"trigger_type"`
	Schedule        *Schedule   `json:"schedule,omitempty"`
	IntervalMinutes int         `json:"interval_minutes,omitempty"`
	Priority        int         `json:"priority,omitempty"`
	Notifications   bool        `json:"notifications"`
	Conditions      []Condition `json:"conditions,omitempty"`
	Actions         []Action    `json:"actions"`
}

// ToAutomation converts the input. Malformed times and unknown schedule
// types are reported as a *core.ValidationError; everything else is left
// to core.Validate.
func (in *AutomationInput) ToAutomation() (*core.Automation, error) {
	v := &core.ValidationError{}
	a := &core.Automation{
		SectionID:       strings.TrimSpace(in.SectionID),
		Name:            in.Name,
		Description:     in.Description,
		Status:          core.AutomationStatus(upper(in.Status)),
		Trigger:         core.TriggerType(upper(in.TriggerType)),
		IntervalMinutes: in.IntervalMinutes,
		Priority:        in.Priority,
		Notifications:   in.Notifications,
	}
	if in.Schedule != nil {
		a.Schedule = in.Schedule.toCore(v)
	}
	for i, c := range in.Conditions {
		cond := core.Condition{
			DeviceID: trimmedPtr(c.DeviceID),
			Property: c.Property,
			Operator: core.Operator(upper(c.Operator)),
			Value:    c.Value,
			ValueMax: c.ValueMax,
			Logic:    core.LogicOperator(upper(c.LogicOperator)),
			Order:    c.Order,
		}
		cond.TimeValue = parseClockPtr(v, fmt.Sprintf("condition %d time_value", i), c.TimeValue)
		cond.TimeValueMax = parseClockPtr(v, fmt.Sprintf("condition %d time_value_max", i), c.TimeValueMax)
		a.Conditions = append(a.Conditions, cond)
	}
	for _, act := range in.Actions {
		a.Actions = append(a.Actions, core.Action{
			DeviceID:        strings.TrimSpace(act.DeviceID),
			Type:            core.ActionType(upper(act.ActionType)),
			DurationMinutes: act.DurationMinutes,
			DelayMinutes:    act.DelayMinutes,
			Order:           act.Order,
		})
	}
	if len(v.Problems) > 0 {
		return nil, v
	}
	return a, nil
}

func (s *Schedule) toCore(v *core.ValidationError) *core.Schedule {
	out := &core.Schedule{
		DaysOfWeek:            s.DaysOfWeek,
		ActionDurationMinutes: s.ActionDurationMinutes,
	}
	typ := core.ScheduleType(upper(s.Type))
	if typ != core.ScheduleTimeRange && (s.StartTime != "" || s.EndTime != "") {
		v.Problems = append(v.Problems, "start_time and end_time only apply to TIME_RANGE schedules")
	}
	if typ != core.ScheduleInterval && s.IntervalMinutes != 0 {
		v.Problems = append(v.Problems, "interval_minutes only applies to INTERVAL schedules")
	}
	if typ != core.ScheduleSpecificTimes && len(s.SpecificTimes) > 0 {
		v.Problems = append(v.Problems, "specific_times only applies to SPECIFIC_TIMES schedules")
	}
	switch typ {
	case core.ScheduleTimeRange:
		start := parseClock(v, "start_time", s.StartTime)
		end := parseClock(v, "end_time", s.EndTime)
		out.Window = core.TimeRange{Start: start, End: end}
	case core.ScheduleInterval:
		out.Window = core.Interval{Minutes: s.IntervalMinutes}
	case core.ScheduleSpecificTimes:
		times := make([]core.ClockTime, 0, len(s.SpecificTimes))
		for i, raw := range s.SpecificTimes {
			times = append(times, parseClock(v, fmt.Sprintf("specific_times[%d]", i), raw))
		}
		out.Window = core.SpecificTimes{Times: times}
	default:
		v.Problems = append(v.Problems, fmt.Sprintf("unknown schedule type %q", s.Type))
	}
	return out
}

func parseClock(v *core.ValidationError, field, raw string) core.ClockTime {
	if strings.TrimSpace(raw) == "" {
		v.Problems = append(v.Problems, field+" is required")
		return 0
	}
	c, err := core.ParseClock(raw)
	if err != nil {
		v.Problems = append(v.Problems, fmt.Sprintf("%s: %v", field, err))
	}
	return c
}

func parseClockPtr(v *core.ValidationError, field string, raw *string) *core.ClockTime {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil
	}
	c := parseClock(v, field, *raw)
	return &c
}

func trimmedPtr(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
