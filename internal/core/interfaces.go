package core

import (
	"context"
	"time"
)

// EngineStore is the persistence used by the scheduler, executor and
// effectiveness checker. It is not user scoped: the engine runs automations
// for every owner.
type EngineStore interface {
	GetAutomation(ctx context.Context, id string) (*Automation, error)
	ListAutomations(ctx context.Context, filter AutomationFilter) ([]*Automation, error)
	TouchEvaluated(ctx context.Context, id string, at time.Time) error

	InsertExecution(ctx context.Context, exec *Execution) error
	MarkExecutionStarted(ctx context.Context, id string, startedAt time.Time) error
	CompleteExecution(ctx context.Context, exec *Execution) error
	InsertEffectivenessCheck(ctx context.Context, check *EffectivenessCheck) error

	// PruneExecutions keeps the newest executions of one automation.
	PruneExecutions(ctx context.Context, automationID string) error
	// PruneAllExecutions applies retention to every automation.
	PruneAllExecutions(ctx context.Context) (int64, error)
}

// Repository is the persistence seen by one user. Every read is filtered
// by section.room.user so records owned by other users behave as missing.
type Repository interface {
	SectionExists(ctx context.Context, sectionID string) (bool, error)
	GetDevice(ctx context.Context, id string) (*Device, error)

	CreateAutomation(ctx context.Context, a *Automation) error
	UpdateAutomation(ctx context.Context, a *Automation) error
	DeleteAutomation(ctx context.Context, id string) error
	UpdateAutomationStatus(ctx context.Context, id string, status AutomationStatus) error
	GetAutomation(ctx context.Context, id string) (*Automation, error)
	GetAutomationByName(ctx context.Context, name string) (*Automation, error)
	ListAutomations(ctx context.Context, filter AutomationFilter) ([]*Automation, error)

	ListExecutions(ctx context.Context, automationID string, filter ExecutionFilter) ([]*Execution, error)
	SummarizeExecutions(ctx context.Context, automationID string) (ExecutionSummary, error)
	EffectivenessStats(ctx context.Context, automationID *string, since time.Time) (EffectivenessStats, error)
}

// Directory hands out user-scoped repositories.
type Directory interface {
	ForUser(userID string) Repository
}

// Commander sends commands to devices.
type Commander interface {
	Dispatch(ctx context.Context, deviceID string, action ActionType, params map[string]any) error
}

// Notifier delivers human-readable messages.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// TimerQueue runs callbacks at a point in time. Tasks sharing a group can
// be dropped together.
type TimerQueue interface {
	Schedule(id, group string, at time.Time, callback func()) error
	Cancel(id string) bool
	CancelGroup(group string) int
	Pending(id string) (time.Time, bool)
}

// Metrics receives engine events.
type Metrics interface {
	Evaluated(trigger TriggerType, fired bool)
	Suppressed()
	ExecutionFinished(status ExecutionStatus, took time.Duration)
	ActionDispatched(action ActionType, ok bool)
	DeviceFailing(deviceID string, streak int)
	EffectivenessChecked(goalMet bool)
}

type nopMetrics struct{}

func (nopMetrics) Evaluated(TriggerType, bool) {}
func (nopMetrics) Suppressed() {}
func (nopMetrics) ExecutionFinished(ExecutionStatus, time.Duration) {}
func (nopMetrics) ActionDispatched(ActionType, bool) {}
func (nopMetrics) DeviceFailing(string, int) {}
func (nopMetrics) EffectivenessChecked(bool) {}

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, string, string) error { return nil }
