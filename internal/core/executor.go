package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

const defaultDispatchTimeout = 15 * time.Second

// ActionExecutor dispatches an execution's actions and records the outcome.
type ActionExecutor struct {
	store     EngineStore
	commander Commander
	timers    TimerQueue
	clock     clockwork.Clock
	logger    *slog.Logger

	checker         *EffectivenessChecker
	notifier        Notifier
	metrics         Metrics
	failures        *FailureTracker
	dispatchTimeout time.Duration
}

// NewActionExecutor creates a new executor.
func NewActionExecutor(store EngineStore, commander Commander, timers TimerQueue, clock clockwork.Clock, logger *slog.Logger) *ActionExecutor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ActionExecutor{
		store:           store,
		commander:       commander,
		timers:          timers,
		clock:           clock,
		logger:          logger,
		notifier:        nopNotifier{},
		metrics:         nopMetrics{},
		failures:        NewFailureTracker(),
		dispatchTimeout: defaultDispatchTimeout,
	}
}

// WithChecker schedules effectiveness checks after completed executions.
func (e *ActionExecutor) WithChecker(c *EffectivenessChecker) *ActionExecutor {
	e.checker = c
	return e
}

func (e *ActionExecutor) WithNotifier(n Notifier) *ActionExecutor {
	if n != nil {
		e.notifier = n
	}
	return e
}

func (e *ActionExecutor) WithMetrics(m Metrics) *ActionExecutor {
	if m != nil {
		e.metrics = m
	}
	return e
}

// WithDispatchTimeout bounds each device command.
func (e *ActionExecutor) WithDispatchTimeout(d time.Duration) *ActionExecutor {
	if d > 0 {
		e.dispatchTimeout = d
	}
	return e
}

// Failures exposes the per-device dispatch error streaks.
func (e *ActionExecutor) Failures() *FailureTracker {
	return e.failures
}

// Execute runs the automation's actions for exec. Delays are offsets from
// exec.ScheduledAt. Cancelling ctx stops the remaining actions and ends the
// execution as CANCELLED.
func (e *ActionExecutor) Execute(ctx context.Context, a *Automation, exec *Execution) error {
	startedAt := e.clock.Now()
	if err := e.store.MarkExecutionStarted(ctx, exec.ID, startedAt); err != nil {
		// Nothing else will close the PENDING row.
		endedAt := e.clock.Now()
		exec.Status = ExecutionFailed
		exec.EndedAt = &endedAt
		exec.ErrorMessage = ptrString(fmt.Sprintf("could not start execution: %v", err))
		if cerr := e.store.CompleteExecution(context.WithoutCancel(ctx), exec); cerr != nil {
			e.logger.Error("failed to close unstarted execution", "automation_id", a.ID, "execution_id", exec.ID, "err", cerr)
		}
		e.metrics.ExecutionFinished(exec.Status, 0)
		return fmt.Errorf("mark execution started: %w", err)
	}
	exec.Status = ExecutionRunning
	exec.StartedAt = &startedAt

	actions := SortActions(a.Actions)
	outcomes := make([]ActionOutcome, 0, len(actions))
	var failed []string
	cancelled := false
	for i := range actions {
		act := &actions[i]
		out := ActionOutcome{Order: act.Order, DeviceID: act.DeviceID, Type: act.Type}

		if !cancelled {
			at := exec.ScheduledAt.Add(time.Duration(act.DelayMinutes) * time.Minute)
			cancelled = !e.waitUntil(ctx, at) || !e.stillActive(ctx, a.ID)
		}
		if cancelled {
			out.Skipped = true
			outcomes = append(outcomes, out)
			continue
		}

		dispatchedAt := e.clock.Now()
		out.DispatchedAt = &dispatchedAt
		params := map[string]any{"automation_id": a.ID, "execution_id": exec.ID}
		if err := e.dispatch(ctx, a, act.DeviceID, act.Type, params); err != nil {
			out.Error = err.Error()
			failed = append(failed, fmt.Sprintf("%s %s: %v", act.Type, act.DeviceID, errors.Unwrap(err)))
			e.logger.Warn("action dispatch failed", "automation_id", a.ID, "execution_id", exec.ID, "device_id", act.DeviceID, "action", act.Type, "err", err)
		} else {
			out.Success = true
			if at, ok := reversalAt(a, act, exec.ScheduledAt, dispatchedAt); ok && ctx.Err() == nil {
				e.scheduleReversal(a, exec, act, at)
				out.ReverseAt = &at
			}
		}
		outcomes = append(outcomes, out)
	}

	endedAt := e.clock.Now()
	exec.EndedAt = &endedAt
	exec.ExecutedActions = outcomes
	switch {
	case cancelled:
		exec.Status = ExecutionCancelled
		exec.ErrorMessage = ptrString("automation was paused or disabled before all actions ran")
	case len(failed) > 0:
		exec.Status = ExecutionFailed
		exec.ErrorMessage = ptrString(fmt.Sprintf("%d of %d actions failed: %s", len(failed), len(actions), strings.Join(failed, "; ")))
	default:
		exec.Status = ExecutionCompleted
	}

	// The execution context may already be cancelled; the ledger entry must still be written.
	bg := context.WithoutCancel(ctx)
	if err := e.store.CompleteExecution(bg, exec); err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	e.metrics.ExecutionFinished(exec.Status, endedAt.Sub(startedAt))
	e.logger.Info("execution finished", "automation_id", a.ID, "execution_id", exec.ID, "status", exec.Status, "manual", exec.Manual)

	if exec.Status == ExecutionCompleted && e.checker != nil {
		e.checker.Schedule(a, exec)
	}
	if a.Notifications {
		e.notify(bg, executionTitle(a, exec), executionBody(exec))
	}
	return nil
}

// waitUntil blocks until at or until ctx is done. It reports whether the
// execution may continue.
func (e *ActionExecutor) waitUntil(ctx context.Context, at time.Time) bool {
	wait := at.Sub(e.clock.Now())
	if wait <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-e.clock.After(wait):
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

// stillActive re-reads the automation status before a dispatch step.
func (e *ActionExecutor) stillActive(ctx context.Context, id string) bool {
	a, err := e.store.GetAutomation(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAutomationNotFound) || ctx.Err() != nil {
			return false
		}
		e.logger.Warn("status check before dispatch failed, continuing", "automation_id", id, "err", err)
		return true
	}
	return a.Status == StatusActive
}

func (e *ActionExecutor) dispatch(ctx context.Context, a *Automation, deviceID string, action ActionType, params map[string]any) error {
	dctx, cancel := context.WithTimeout(ctx, e.dispatchTimeout)
	defer cancel()
	err := e.commander.Dispatch(dctx, deviceID, action, params)
	e.metrics.ActionDispatched(action, err == nil)
	if err == nil {
		if prev := e.failures.Reset(deviceID); prev >= FailureStreakThreshold {
			e.metrics.DeviceFailing(deviceID, 0)
			e.logger.Info("device recovered", "device_id", deviceID, "previous_streak", prev)
		}
		return nil
	}

	derr := &DispatchError{DeviceID: deviceID, Action: action, Err: err}
	streak := e.failures.Record(deviceID, err, e.clock.Now())
	if streak >= FailureStreakThreshold {
		e.metrics.DeviceFailing(deviceID, streak)
		e.logger.Warn("device failing repeatedly", "device_id", deviceID, "consecutive_failures", streak, "err", err)
		if streak == FailureStreakThreshold && a != nil && a.Notifications {
			e.notify(context.WithoutCancel(ctx),
				fmt.Sprintf("Device %s is failing", deviceID),
				fmt.Sprintf("%d consecutive commands failed (automation %q). Last error: %v", streak, a.Name, err))
		}
	}
	return derr
}

func (e *ActionExecutor) scheduleReversal(a *Automation, exec *Execution, act *Action, at time.Time) {
	id := "reverse:" + exec.ID + ":" + strconv.Itoa(act.Order)
	deviceID := act.DeviceID
	err := e.timers.Schedule(id, a.ID, at, func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.dispatchTimeout)
		defer cancel()
		params := map[string]any{"automation_id": a.ID, "execution_id": exec.ID, "reversal": true}
		if err := e.dispatch(ctx, a, deviceID, ActionTurnOff, params); err != nil {
			e.logger.Error("reversal dispatch failed", "automation_id", a.ID, "execution_id", exec.ID, "device_id", deviceID, "err", err)
			return
		}
		e.logger.Info("reversal dispatched", "automation_id", a.ID, "execution_id", exec.ID, "device_id", deviceID)
	})
	if err != nil {
		e.logger.Error("schedule reversal", "automation_id", a.ID, "execution_id", exec.ID, "device_id", deviceID, "err", err)
	}
}

func (e *ActionExecutor) notify(ctx context.Context, title, body string) {
	if err := e.notifier.Send(ctx, title, body); err != nil {
		e.logger.Warn("send notification", "title", title, "err", err)
	}
}

// reversalAt returns when a TURN_ON-class action must be switched off. An
// action's own duration counts from its dispatch; the schedule's action
// duration counts from the fire time.
func reversalAt(a *Automation, act *Action, fireTime, dispatchedAt time.Time) (time.Time, bool) {
	if !act.Type.Reversible() {
		return time.Time{}, false
	}
	if act.DurationMinutes > 0 {
		return dispatchedAt.Add(time.Duration(act.DurationMinutes) * time.Minute), true
	}
	if a.Schedule != nil && a.Schedule.ActionDurationMinutes > 0 {
		return fireTime.Add(time.Duration(a.Schedule.ActionDurationMinutes) * time.Minute), true
	}
	return time.Time{}, false
}

// SortActions returns a copy of actions ordered by Order.
func SortActions(actions []Action) []Action {
	sorted := make([]Action, len(actions))
	copy(sorted, actions)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	return sorted
}

func executionTitle(a *Automation, exec *Execution) string {
	switch exec.Status {
	case ExecutionCompleted:
		return fmt.Sprintf("✅ %s", a.Name)
	case ExecutionCancelled:
		return fmt.Sprintf("⏹ %s cancelled", a.Name)
	default:
		return fmt.Sprintf("❌ %s failed", a.Name)
	}
}

func executionBody(exec *Execution) string {
	ok := 0
	for _, out := range exec.ExecutedActions {
		if out.Success {
			ok++
		}
	}
	body := fmt.Sprintf("%d/%d actions succeeded", ok, len(exec.ExecutedActions))
	if exec.Manual {
		body += " (manual run)"
	}
	if exec.ErrorMessage != nil {
		body += "\n" + *exec.ErrorMessage
	}
	return body
}

func ptrString(v string) *string {
	return &v
}
