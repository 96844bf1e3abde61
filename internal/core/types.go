package core

import (
	"time"
)

// AutomationStatus describes the lifecycle state of an automation.
type AutomationStatus string

const (
	StatusActive          AutomationStatus = "ACTIVE"
	StatusPaused          AutomationStatus = "PAUSED"
	StatusDisabled        AutomationStatus = "DISABLED"
	StatusPendingApproval AutomationStatus = "PENDING_APPROVAL"
)

// Valid reports whether the status is one of the known values.
func (s AutomationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusDisabled, StatusPendingApproval:
		return true
	}
	return false
}

// TriggerType selects which components decide whether an automation fires.
type TriggerType string

const (
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerCondition TriggerType = "CONDITION"
	TriggerHybrid    TriggerType = "HYBRID"
)

// HasSchedule reports whether the trigger carries a schedule component.
func (t TriggerType) HasSchedule() bool {
	return t == TriggerScheduled || t == TriggerHybrid
}

// HasConditions reports whether the trigger is gated by conditions.
func (t TriggerType) HasConditions() bool {
	return t == TriggerCondition || t == TriggerHybrid
}

// ScheduleType is the shape of the "when" component.
type ScheduleType string

const (
	ScheduleTimeRange     ScheduleType = "TIME_RANGE"
	ScheduleInterval      ScheduleType = "INTERVAL"
	ScheduleSpecificTimes ScheduleType = "SPECIFIC_TIMES"
)

// Operator is a comparison used by a condition.
type Operator string

const (
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
	OpEquals      Operator = "EQUALS"
	OpNotEquals   Operator = "NOT_EQUALS"
	OpBetween     Operator = "BETWEEN"
	OpOutside     Operator = "OUTSIDE"
)

// Ranged reports whether the operator needs an upper bound.
func (o Operator) Ranged() bool {
	return o == OpBetween || o == OpOutside
}

// LogicOperator joins a condition with the next one in order.
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// ActionType is a device command.
type ActionType string

const (
	ActionTurnOn            ActionType = "TURN_ON"
	ActionTurnOff           ActionType = "TURN_OFF"
	ActionToggle            ActionType = "TOGGLE"
	ActionCapturePhoto      ActionType = "CAPTURE_PHOTO"
	ActionTriggerIrrigation ActionType = "TRIGGER_IRRIGATION"
)

// Reversible reports whether a duration on this action schedules a TURN_OFF.
func (a ActionType) Reversible() bool {
	return a == ActionTurnOn || a == ActionTriggerIrrigation
}

// ExecutionStatus describes the state of one firing attempt.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// TimeProperty is the property name used by time-of-day conditions.
const TimeProperty = "time"

// Window is the schedule variant. Exactly one of TimeRange, Interval and
// SpecificTimes implements it, so parameters that only make sense for one
// schedule type cannot be set on another.
type Window interface {
	Type() ScheduleType
}

// TimeRange is active between Start and End inclusive, wrapping midnight when End < Start.
type TimeRange struct {
	Start ClockTime
	End   ClockTime
}

func (TimeRange) Type() ScheduleType { return ScheduleTimeRange }

// Interval is due every Minutes minutes.
type Interval struct {
	Minutes int
}

func (Interval) Type() ScheduleType { return ScheduleInterval }

// SpecificTimes is due at each listed time of day.
type SpecificTimes struct {
	Times []ClockTime
}

func (SpecificTimes) Type() ScheduleType { return ScheduleSpecificTimes }

// Schedule is the "when" component of SCHEDULED and HYBRID automations.
type Schedule struct {
	Window Window
	// DaysOfWeek uses 0 = Sunday. Empty means every day.
	DaysOfWeek []int
	// ActionDurationMinutes, when positive, reverses TURN_ON-class actions
	// that carry no duration of their own.
	ActionDurationMinutes int
}

// Provenance records why an external agent proposed an automation.
type Provenance struct {
	Reason          string
	Confidence      float64
	ContextSnapshot string
	ProposedAt      time.Time
}

// Automation is one rule.
type Automation struct {
	ID          string
	SectionID   string
	Name        string
	Description string
	Status      AutomationStatus
	Trigger     TriggerType
	// Schedule is nil for CONDITION automations.
	Schedule *Schedule
	// IntervalMinutes is the condition polling period.
	IntervalMinutes int
	Priority        int
	Notifications   bool
	// Proposal is set only for automations created by an external agent.
	Proposal        *Provenance
	LastEvaluatedAt *time.Time
	Conditions      []Condition
	Actions         []Action
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProposedByAI reports whether the automation came from the proposal workflow.
func (a *Automation) ProposedByAI() bool {
	return a.Proposal != nil
}

// Condition is one test.
type Condition struct {
	ID           string
	DeviceID     *string
	Property     string
	Operator     Operator
	Value        float64
	ValueMax     *float64
	TimeValue    *ClockTime
	TimeValueMax *ClockTime
	Logic        LogicOperator
	Order        int
}

// TimeBased reports whether the condition compares the time of day.
func (c *Condition) TimeBased() bool {
	return c.Property == TimeProperty
}

// Action is one device command.
type Action struct {
	ID              string
	DeviceID        string
	Type            ActionType
	DurationMinutes int
	DelayMinutes    int
	Order           int
}

// ConditionResult is the audit entry for one evaluated condition.
type ConditionResult struct {
	Order    int      `json:"order"`
	DeviceID *string  `json:"device_id,omitempty"`
	Property string   `json:"property"`
	Operator Operator `json:"operator"`
	Met      bool     `json:"met"`
	Value    *float64 `json:"value,omitempty"`
	Clock    string   `json:"clock,omitempty"`
	// Unavailable is set when the device had no current reading.
	Unavailable bool   `json:"unavailable,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ActionOutcome is the audit entry for one dispatched action.
type ActionOutcome struct {
	Order        int        `json:"order"`
	DeviceID     string     `json:"device_id"`
	Type         ActionType `json:"type"`
	Success      bool       `json:"success"`
	Skipped      bool       `json:"skipped,omitempty"`
	Error        string     `json:"error,omitempty"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	ReverseAt    *time.Time `json:"reverse_at,omitempty"`
}

// Execution is one firing attempt.
type Execution struct {
	ID                  string
	AutomationID        string
	Status              ExecutionStatus
	Manual              bool
	ScheduledAt         time.Time
	StartedAt           *time.Time
	EndedAt             *time.Time
	TriggeredConditions []ConditionResult
	ExecutedActions     []ActionOutcome
	ErrorMessage        *string
	Checks              []EffectivenessCheck
	CreatedAt           time.Time
}

// EffectivenessCheck is one post-execution re-sample.
type EffectivenessCheck struct {
	ID          string
	ExecutionID string
	DeviceID    string
	Property    string
	// ConditionMet is the operator verdict on the value at check time.
	ConditionMet bool
	ValueAtCheck *float64
	TargetValue  float64
	CheckedAt    time.Time
}

// GoalMet is true when the triggering condition no longer holds.
func (c EffectivenessCheck) GoalMet() bool {
	return !c.ConditionMet
}

// ExecutionSummary counts executions by status.
type ExecutionSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Add counts one execution.
func (s *ExecutionSummary) Add(status ExecutionStatus) {
	s.AddCount(status, 1)
}

// AddCount counts n executions with the same status.
func (s *ExecutionSummary) AddCount(status ExecutionStatus, n int) {
	s.Total += n
	switch status {
	case ExecutionPending:
		s.Pending += n
	case ExecutionRunning:
		s.Running += n
	case ExecutionCompleted:
		s.Completed += n
	case ExecutionFailed:
		s.Failed += n
	case ExecutionCancelled:
		s.Cancelled += n
	}
}

// EffectivenessStats aggregates executions and checks over a period.
type EffectivenessStats struct {
	Since               time.Time `json:"since"`
	TotalExecutions     int       `json:"total_executions"`
	CompletedExecutions int       `json:"completed_executions"`
	FailedExecutions    int       `json:"failed_executions"`
	TotalChecks         int       `json:"total_checks"`
	ChecksGoalMet       int       `json:"checks_goal_met"`
	EffectivenessRate   float64   `json:"effectiveness_rate"`
}

// ComputeRate fills EffectivenessRate from the check counters.
func (s *EffectivenessStats) ComputeRate() {
	if s.TotalChecks == 0 {
		s.EffectivenessRate = 0
		return
	}
	s.EffectivenessRate = float64(s.ChecksGoalMet) / float64(s.TotalChecks)
}

// Device is a directory entry used for ownership validation.
type Device struct {
	ID        string
	SectionID string
	Name      string
	Kind      string
}

// AutomationFilter narrows automation listings.
type AutomationFilter struct {
	SectionID *string
	Status    *AutomationStatus
}

// ExecutionFilter narrows execution history listings.
type ExecutionFilter struct {
	Status *ExecutionStatus
	Limit  int
	Offset int
}
