package core

import (
	"strings"
)

// DefaultIntervalMinutes is the condition polling period used when none is given.
const DefaultIntervalMinutes = 5

// Normalize trims text fields and fills defaults before validation.
func Normalize(a *Automation) {
	a.Name = strings.TrimSpace(a.Name)
	a.Description = strings.TrimSpace(a.Description)
	if a.Trigger.HasConditions() && a.IntervalMinutes == 0 {
		a.IntervalMinutes = DefaultIntervalMinutes
	}
	for i := range a.Conditions {
		a.Conditions[i].Property = strings.ToLower(strings.TrimSpace(a.Conditions[i].Property))
		if a.Conditions[i].Logic == "" {
			a.Conditions[i].Logic = LogicAnd
		}
	}
}

// Validate checks an automation definition and returns a *ValidationError
// listing every problem, or nil.
func Validate(a *Automation) error {
	v := &ValidationError{}
	if a.Name == "" {
		v.addf("name is required")
	}
	if a.SectionID == "" {
		v.addf("section_id is required")
	}
	if !a.Status.Valid() {
		v.addf("unknown status %q", a.Status)
	}

	switch a.Trigger {
	case TriggerScheduled, TriggerCondition, TriggerHybrid:
	default:
		v.addf("unknown trigger type %q", a.Trigger)
	}
	if a.Trigger.HasSchedule() {
		if a.Schedule == nil || a.Schedule.Window == nil {
			v.addf("%s automations require a schedule", a.Trigger)
		} else {
			validateSchedule(v, a.Schedule)
		}
	} else if a.Schedule != nil {
		v.addf("%s automations cannot have a schedule", a.Trigger)
	}

	if a.Trigger.HasConditions() {
		if len(a.Conditions) == 0 {
			v.addf("%s automations require at least one condition", a.Trigger)
		}
		if a.IntervalMinutes < 1 {
			v.addf("interval must be at least 1 minute")
		}
	} else if len(a.Conditions) > 0 {
		v.addf("SCHEDULED automations cannot have conditions")
	}
	if a.IntervalMinutes < 0 {
		v.addf("interval cannot be negative")
	}

	orders := make([]int, 0, len(a.Conditions))
	for i := range a.Conditions {
		validateCondition(v, i, &a.Conditions[i])
		orders = append(orders, a.Conditions[i].Order)
	}
	if !contiguous(orders) {
		v.addf("condition orders must be unique and contiguous from 0")
	}

	if len(a.Actions) == 0 {
		v.addf("at least one action is required")
	}
	orders = orders[:0]
	for i := range a.Actions {
		validateAction(v, i, &a.Actions[i])
		orders = append(orders, a.Actions[i].Order)
	}
	if !contiguous(orders) {
		v.addf("action orders must be unique and contiguous from 0")
	}

	if p := a.Proposal; p != nil {
		if p.Confidence < 0 || p.Confidence > 1 {
			v.addf("ai confidence must be between 0 and 1")
		}
		if strings.TrimSpace(p.Reason) == "" {
			v.addf("ai reason is required for proposals")
		}
	}
	return v.orNil()
}

func validateSchedule(v *ValidationError, s *Schedule) {
	for _, d := range s.DaysOfWeek {
		if d < 0 || d > 6 {
			v.addf("day of week %d out of range 0-6", d)
		}
	}
	if s.ActionDurationMinutes < 0 {
		v.addf("action duration cannot be negative")
	}
	switch w := s.Window.(type) {
	case TimeRange:
		if w.Start == w.End {
			v.addf("time range start and end must differ")
		}
		if !validClock(w.Start) || !validClock(w.End) {
			v.addf("time range bounds must be valid times of day")
		}
	case Interval:
		if w.Minutes < 1 {
			v.addf("interval schedule requires interval_minutes >= 1")
		}
	case SpecificTimes:
		if len(w.Times) == 0 {
			v.addf("specific times schedule requires at least one time")
		}
		seen := make(map[ClockTime]bool, len(w.Times))
		for _, t := range w.Times {
			if !validClock(t) {
				v.addf("specific time %d is not a valid time of day", int(t))
			}
			if seen[t] {
				v.addf("specific time %s listed twice", t)
			}
			seen[t] = true
		}
	default:
		v.addf("unknown schedule type")
	}
}

func validateCondition(v *ValidationError, i int, c *Condition) {
	if c.Property == "" {
		v.addf("condition %d: property is required", i)
	}
	switch c.Operator {
	case OpGreaterThan, OpLessThan, OpEquals, OpNotEquals, OpBetween, OpOutside:
	default:
		v.addf("condition %d: unknown operator %q", i, c.Operator)
	}
	if c.Logic != LogicAnd && c.Logic != LogicOr {
		v.addf("condition %d: unknown logic operator %q", i, c.Logic)
	}

	if c.TimeBased() {
		if c.DeviceID != nil {
			v.addf("condition %d: time conditions cannot reference a device", i)
		}
		if c.TimeValue == nil {
			v.addf("condition %d: time conditions require time_value", i)
		}
		if c.Operator.Ranged() != (c.TimeValueMax != nil) {
			v.addf("condition %d: time_value_max is required for BETWEEN/OUTSIDE and only for them", i)
		}
		return
	}

	if c.DeviceID == nil || *c.DeviceID == "" {
		v.addf("condition %d: device_id is required", i)
	}
	if c.TimeValue != nil || c.TimeValueMax != nil {
		v.addf("condition %d: time values only apply to time conditions", i)
	}
	if c.Operator.Ranged() != (c.ValueMax != nil) {
		v.addf("condition %d: value_max is required for BETWEEN/OUTSIDE and only for them", i)
	}
	if c.ValueMax != nil && *c.ValueMax < c.Value {
		v.addf("condition %d: value_max must not be below value", i)
	}
}

func validateAction(v *ValidationError, i int, a *Action) {
	if a.DeviceID == "" {
		v.addf("action %d: device_id is required", i)
	}
	switch a.Type {
	case ActionTurnOn, ActionTurnOff, ActionToggle, ActionCapturePhoto, ActionTriggerIrrigation:
	default:
		v.addf("action %d: unknown action type %q", i, a.Type)
	}
	if a.DurationMinutes < 0 || a.DelayMinutes < 0 {
		v.addf("action %d: duration and delay cannot be negative", i)
	}
	if a.DurationMinutes > 0 && !a.Type.Reversible() {
		v.addf("action %d: duration only applies to TURN_ON and TRIGGER_IRRIGATION", i)
	}
}

func validClock(c ClockTime) bool {
	return c >= 0 && c < minutesPerDay
}

// contiguous reports whether orders is a permutation of 0..len-1.
func contiguous(orders []int) bool {
	seen := make([]bool, len(orders))
	for _, o := range orders {
		if o < 0 || o >= len(orders) || seen[o] {
			return false
		}
		seen[o] = true
	}
	return true
}

// ReferencedDevices returns the distinct device ids used by conditions and actions.
func ReferencedDevices(a *Automation) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for i := range a.Conditions {
		if a.Conditions[i].DeviceID != nil {
			add(*a.Conditions[i].DeviceID)
		}
	}
	for i := range a.Actions {
		add(a.Actions[i].DeviceID)
	}
	return ids
}
