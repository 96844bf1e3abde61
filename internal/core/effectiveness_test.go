package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectivenessCheckAfterCompletedExecution(t *testing.T) {
	e := newTestEngine(t, day(9, 0), false, 15*time.Minute)
	e.reader.set("sensor-1", "temperature", 30)

	def := coolDown()
	def.Trigger = TriggerCondition
	def.Schedule = nil
	a, err := e.svc.Create(context.Background(), "u1", def)
	require.NoError(t, err)

	run, err := e.svc.ExecuteNow(context.Background(), "u1", a.ID, false)
	require.NoError(t, err)
	require.True(t, run.Fired)
	exec := e.waitTerminal(t, a.ID)
	require.Equal(t, ExecutionCompleted, exec.Status)

	checkID := "check:" + exec.ID + ":0"
	at, ok := e.timers.Pending(checkID)
	require.True(t, ok)
	assert.Equal(t, exec.EndedAt.Add(15*time.Minute), at)

	e.reader.set("sensor-1", "temperature", 26)
	e.clock.Advance(15 * time.Minute)
	require.True(t, e.queue().fire(checkID))

	checks := e.store.allChecks()
	require.Len(t, checks, 1)
	assert.Equal(t, exec.ID, checks[0].ExecutionID)
	assert.True(t, checks[0].GoalMet(), "temperature dropped below the trigger threshold")
	require.NotNil(t, checks[0].ValueAtCheck)
	assert.Equal(t, 26.0, *checks[0].ValueAtCheck)
	assert.Equal(t, 28.0, checks[0].TargetValue)

	stats, err := e.svc.EffectivenessStats(context.Background(), "u1", &a.ID, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalExecutions)
	assert.Equal(t, 1, stats.CompletedExecutions)
	assert.Equal(t, 1, stats.TotalChecks)
	assert.Equal(t, 1.0, stats.EffectivenessRate)
}

func TestEffectivenessCheckGoalMissedAndUnavailable(t *testing.T) {
	e := newTestEngine(t, day(9, 0), false, 10*time.Minute)
	cond := Condition{DeviceID: ptr("sensor-1"), Property: "temperature", Operator: OpGreaterThan, Value: 28}

	e.reader.set("sensor-1", "temperature", 31)
	check, err := e.checker.Check(context.Background(), "exec-1", &cond)
	require.NoError(t, err)
	assert.False(t, check.GoalMet())
	assert.True(t, check.ConditionMet)

	cond.Property = "humidity"
	_, err = e.checker.Check(context.Background(), "exec-1", &cond)
	assert.ErrorIs(t, err, ErrDataUnavailable)
	assert.Len(t, e.store.allChecks(), 1, "unavailable readings record nothing")
}

func TestEffectivenessDisabledWithoutDelay(t *testing.T) {
	e := newTestEngine(t, day(9, 0), false, 0)
	assert.False(t, e.checker.Enabled())
	a := coolDown()
	exec := &Execution{ID: "x", Status: ExecutionCompleted}
	assert.Equal(t, 0, e.checker.Schedule(a, exec))
}

func TestNoChecksForScheduledAutomations(t *testing.T) {
	e := newTestEngine(t, day(9, 0), false, 10*time.Minute)
	exec := &Execution{ID: "x", Status: ExecutionCompleted}
	assert.Equal(t, 0, e.checker.Schedule(dailyFan(0), exec))
}

func TestCheckTargets(t *testing.T) {
	conds := []Condition{
		{Order: 0, Property: TimeProperty, Operator: OpBetween, TimeValue: ptr(ClockTime(0)), TimeValueMax: ptr(ClockTime(60))},
		{Order: 1, DeviceID: ptr("sensor-1"), Property: "temperature", Operator: OpGreaterThan, Value: 28},
		{Order: 2, DeviceID: ptr("sensor-1"), Property: "humidity", Operator: OpGreaterThan, Value: 70},
	}
	triggered := []ConditionResult{
		{Order: 0, Property: TimeProperty, Met: true},
		{Order: 1, DeviceID: ptr("sensor-1"), Met: false},
		{Order: 2, DeviceID: ptr("sensor-1"), Met: true},
	}
	got := checkTargets(conds, triggered)
	require.Len(t, got, 1)
	assert.Equal(t, "humidity", got[0].Property)

	all := checkTargets(conds, nil)
	assert.Len(t, all, 2, "manual runs without a trigger check every device condition")
}

func TestEffectivenessStatsComputeRate(t *testing.T) {
	s := EffectivenessStats{TotalChecks: 4, ChecksGoalMet: 3}
	s.ComputeRate()
	assert.Equal(t, 0.75, s.EffectivenessRate)

	empty := EffectivenessStats{}
	empty.ComputeRate()
	assert.Zero(t, empty.EffectivenessRate)
}
