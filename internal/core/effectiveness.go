package core

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
)

// EffectivenessChecker re-samples the triggering metrics of a completed
// execution after a fixed delay and records whether the goal was reached.
type EffectivenessChecker struct {
	store     EngineStore
	evaluator *Evaluator
	timers    TimerQueue
	clock     clockwork.Clock
	delay     time.Duration
	metrics   Metrics
	logger    *slog.Logger
}

// NewEffectivenessChecker creates a checker. A delay of zero disables checks.
func NewEffectivenessChecker(store EngineStore, evaluator *Evaluator, timers TimerQueue, clock clockwork.Clock, delay time.Duration, logger *slog.Logger) *EffectivenessChecker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EffectivenessChecker{
		store:     store,
		evaluator: evaluator,
		timers:    timers,
		clock:     clock,
		delay:     delay,
		metrics:   nopMetrics{},
		logger:    logger,
	}
}

func (c *EffectivenessChecker) WithMetrics(m Metrics) *EffectivenessChecker {
	if m != nil {
		c.metrics = m
	}
	return c
}

// Enabled reports whether a check delay is configured.
func (c *EffectivenessChecker) Enabled() bool {
	return c.delay > 0
}

// Schedule queues one check per triggering device condition of a.
// It returns the number of checks queued.
func (c *EffectivenessChecker) Schedule(a *Automation, exec *Execution) int {
	if !c.Enabled() || exec.Status != ExecutionCompleted {
		return 0
	}
	ended := c.clock.Now()
	if exec.EndedAt != nil {
		ended = *exec.EndedAt
	}
	at := ended.Add(c.delay)

	scheduled := 0
	for _, cond := range checkTargets(a.Conditions, exec.TriggeredConditions) {
		id := "check:" + exec.ID + ":" + strconv.Itoa(cond.Order)
		err := c.timers.Schedule(id, a.ID, at, func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.evaluator.timeout*2)
			defer cancel()
			if _, err := c.Check(ctx, exec.ID, &cond); err != nil {
				c.logger.Warn("effectiveness check", "automation_id", a.ID, "execution_id", exec.ID, "device_id", *cond.DeviceID, "err", err)
			}
		})
		if err != nil {
			c.logger.Error("schedule effectiveness check", "automation_id", a.ID, "execution_id", exec.ID, "err", err)
			continue
		}
		scheduled++
	}
	return scheduled
}

// Check samples cond now and appends the result to the execution. An
// unavailable reading records nothing and returns ErrDataUnavailable.
func (c *EffectivenessChecker) Check(ctx context.Context, executionID string, cond *Condition) (*EffectivenessCheck, error) {
	now := c.clock.Now()
	res := c.evaluator.EvaluateCondition(ctx, cond, now)
	if res.Unavailable {
		return nil, ErrDataUnavailable
	}
	if res.Error != "" {
		return nil, fmt.Errorf("evaluate condition %d: %s", cond.Order, res.Error)
	}
	check := &EffectivenessCheck{
		ID:           NewID(),
		ExecutionID:  executionID,
		DeviceID:     *cond.DeviceID,
		Property:     cond.Property,
		ConditionMet: res.Met,
		ValueAtCheck: res.Value,
		TargetValue:  cond.Value,
		CheckedAt:    now,
	}
	if err := c.store.InsertEffectivenessCheck(ctx, check); err != nil {
		return nil, fmt.Errorf("insert effectiveness check: %w", err)
	}
	c.metrics.EffectivenessChecked(check.GoalMet())
	return check, nil
}

// checkTargets picks the device conditions that triggered the execution.
// Without a recorded trigger (manual runs that skipped conditions) every
// device condition is checked.
func checkTargets(conds []Condition, triggered []ConditionResult) []Condition {
	met := make(map[int]bool, len(triggered))
	for _, r := range triggered {
		if r.Met && r.DeviceID != nil {
			met[r.Order] = true
		}
	}
	var out []Condition
	for _, cond := range SortConditions(conds) {
		if cond.TimeBased() || cond.DeviceID == nil {
			continue
		}
		if len(met) > 0 && !met[cond.Order] {
			continue
		}
		out = append(out, cond)
	}
	return out
}
