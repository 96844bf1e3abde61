package wire

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"growrules/internal/core"
)

// Proposal is the provenance of an agent-proposed automation.
type Proposal struct {
	Reason          string  `json:"reason"`
	Confidence      float64 `json:"confidence"`
	ContextSnapshot string  `json:"context_snapshot,omitempty"`
	ProposedAt      string  `json:"proposed_at"`
}

type Automation struct {
	ID              string      `json:"id"`
	SectionID       string      `json:"section_id"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	Status          string      `json:"status"`
	TriggerType     string      `json:"trigger_type"`
	Schedule        *Schedule   `json:"schedule,omitempty"`
	IntervalMinutes int         `json:"interval_minutes,omitempty"`
	Priority        int         `json:"priority"`
	Notifications   bool        `json:"notifications"`
	ProposedByAI    bool        `json:"proposed_by_ai"`
	Proposal        *Proposal   `json:"proposal,omitempty"`
	LastEvaluatedAt *string     `json:"last_evaluated_at,omitempty"`
	Conditions      []Condition `json:"conditions"`
	Actions         []Action    `json:"actions"`
	CreatedAt       string      `json:"created_at"`
	UpdatedAt       string      `json:"updated_at"`
}

type EffectivenessCheck struct {
	ID           string   `json:"id"`
	DeviceID     string   `json:"device_id"`
	Property     string   `json:"property"`
	ConditionMet bool     `json:"condition_met"`
	GoalMet      bool     `json:"goal_met"`
	ValueAtCheck *float64 `json:"value_at_check,omitempty"`
	TargetValue  float64  `json:"target_value"`
	CheckedAt    string   `json:"checked_at"`
}

type Execution struct {
	ID                  string                 `json:"id"`
	AutomationID        string                 `json:"automation_id"`
	Status              string                 `json:"status"`
	Manual              bool                   `json:"manual"`
	ScheduledAt         string                 `json:"scheduled_at"`
	StartedAt           *string                `json:"started_at,omitempty"`
	EndedAt             *string                `json:"ended_at,omitempty"`
	TriggeredConditions []core.ConditionResult `json:"triggered_conditions"`
	ExecutedActions     []core.ActionOutcome   `json:"executed_actions"`
	ErrorMessage        *string                `json:"error_message,omitempty"`
	EffectivenessChecks []EffectivenessCheck   `json:"effectiveness_checks"`
	CreatedAt           string                 `json:"created_at"`
}

// AutomationDetail is an automation with its recent ledger.
type AutomationDetail struct {
	Automation
	RecentExecutions []Execution           `json:"recent_executions"`
	Summary          core.ExecutionSummary `json:"execution_summary"`
	NextDueAt        *string               `json:"next_due_at,omitempty"`
	Running          bool                  `json:"running"`
}

// ExecutionHistory is one page of history with totals over all executions.
type ExecutionHistory struct {
	Executions []Execution           `json:"executions"`
	Summary    core.ExecutionSummary `json:"summary"`
}

// ManualRun is the result of execute-now.
type ManualRun struct {
	Fired       bool                   `json:"fired"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Conditions  []core.ConditionResult `json:"conditions,omitempty"`
}

func FromAutomation(a *core.Automation) Automation {
	out := Automation{
		ID:              a.ID,
		SectionID:       a.SectionID,
		Name:            a.Name,
		Description:     a.Description,
		Status:          string(a.Status),
		TriggerType:     string(a.Trigger),
		IntervalMinutes: a.IntervalMinutes,
		Priority:        a.Priority,
		Notifications:   a.Notifications,
		ProposedByAI:    a.ProposedByAI(),
		LastEvaluatedAt: formatTimePtr(a.LastEvaluatedAt),
		Conditions:      make([]Condition, 0, len(a.Conditions)),
		Actions:         make([]Action, 0, len(a.Actions)),
		CreatedAt:       formatTime(a.CreatedAt),
		UpdatedAt:       formatTime(a.UpdatedAt),
	}
	if a.Schedule != nil {
		out.Schedule = fromSchedule(a.Schedule)
	}
	if p := a.Proposal; p != nil {
		out.Proposal = &Proposal{
			Reason:          p.Reason,
			Confidence:      p.Confidence,
			ContextSnapshot: p.ContextSnapshot,
			ProposedAt:      formatTime(p.ProposedAt),
		}
	}
	for _, c := range core.SortConditions(a.Conditions) {
		out.Conditions = append(out.Conditions, Condition{
			ID:            c.ID,
			DeviceID:      c.DeviceID,
			Property:      c.Property,
			Operator:      string(c.Operator),
			Value:         c.Value,
			ValueMax:      c.ValueMax,
			TimeValue:     clockPtr(c.TimeValue),
			TimeValueMax:  clockPtr(c.TimeValueMax),
			LogicOperator: string(c.Logic),
			Order:         c.Order,
		})
	}
	for _, act := range a.Actions {
		out.Actions = append(out.Actions, Action{
			ID:              act.ID,
			DeviceID:        act.DeviceID,
			ActionType:      string(act.Type),
			DurationMinutes: act.DurationMinutes,
			DelayMinutes:    act.DelayMinutes,
			Order:           act.Order,
		})
	}
	return out
}

func fromSchedule(s *core.Schedule) *Schedule {
	out := &Schedule{
		DaysOfWeek:            s.DaysOfWeek,
		ActionDurationMinutes: s.ActionDurationMinutes,
	}
	switch w := s.Window.(type) {
	case core.TimeRange:
		out.Type = string(core.ScheduleTimeRange)
		out.StartTime = w.Start.String()
		out.EndTime = w.End.String()
	case core.Interval:
		out.Type = string(core.ScheduleInterval)
		out.IntervalMinutes = w.Minutes
	case core.SpecificTimes:
		out.Type = string(core.ScheduleSpecificTimes)
		for _, t := range w.Times {
			out.SpecificTimes = append(out.SpecificTimes, t.String())
		}
	}
	return out
}

func FromExecution(e *core.Execution) Execution {
	out := Execution{
		ID:                  e.ID,
		AutomationID:        e.AutomationID,
		Status:              string(e.Status),
		Manual:              e.Manual,
		ScheduledAt:         formatTime(e.ScheduledAt),
		StartedAt:           formatTimePtr(e.StartedAt),
		EndedAt:             formatTimePtr(e.EndedAt),
		TriggeredConditions: e.TriggeredConditions,
		ExecutedActions:     e.ExecutedActions,
		ErrorMessage:        e.ErrorMessage,
		EffectivenessChecks: make([]EffectivenessCheck, 0, len(e.Checks)),
		CreatedAt:           formatTime(e.CreatedAt),
	}
	if out.TriggeredConditions == nil {
		out.TriggeredConditions = []core.ConditionResult{}
	}
	if out.ExecutedActions == nil {
		out.ExecutedActions = []core.ActionOutcome{}
	}
	for _, c := range e.Checks {
		out.EffectivenessChecks = append(out.EffectivenessChecks, EffectivenessCheck{
			ID:           c.ID,
			DeviceID:     c.DeviceID,
			Property:     c.Property,
			ConditionMet: c.ConditionMet,
			GoalMet:      c.GoalMet(),
			ValueAtCheck: c.ValueAtCheck,
			TargetValue:  c.TargetValue,
			CheckedAt:    formatTime(c.CheckedAt),
		})
	}
	return out
}

func FromExecutions(execs []*core.Execution) []Execution {
	out := make([]Execution, 0, len(execs))
	for _, e := range execs {
		out = append(out, FromExecution(e))
	}
	return out
}

func FromDetail(d *core.AutomationDetail) AutomationDetail {
	return AutomationDetail{
		Automation:       FromAutomation(d.Automation),
		RecentExecutions: FromExecutions(d.RecentExecutions),
		Summary:          d.Summary,
		NextDueAt:        formatTimePtr(d.NextDueAt),
		Running:          d.Running,
	}
}

func FromManualRun(r *core.ManualRun) ManualRun {
	out := ManualRun{Fired: r.Fired, Conditions: r.Conditions}
	if r.Execution != nil {
		out.ExecutionID = r.Execution.ID
	}
	return out
}

func clockPtr(c *core.ClockTime) *string {
	if c == nil {
		return nil
	}
	s := c.String()
	return &s
}

// ParsePeriod accepts a day count ("30" or "30d") or a duration ("72h").
// Empty means zero, which callers treat as their default period.
func ParsePeriod(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(strings.TrimSuffix(raw, "d")); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("period cannot be negative")
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid period %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("period cannot be negative")
	}
	return d, nil
}
