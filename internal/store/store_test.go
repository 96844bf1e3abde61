package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"growrules/internal/core"
)

var t0 = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// setupStore opens a store in a temp dir with two users:
// u1 owns section s1 (sensor-1, fan-1), u2 owns section s2 (pump-2).
func setupStore(t *testing.T, retention int) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir(), retention)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	err = s.ImportDirectory(context.Background(), &DirectoryFile{Rooms: []RoomEntry{
		{ID: "r1", UserID: "u1", Name: "Veg room", Sections: []SectionEntry{
			{ID: "s1", Name: "Bench A", Devices: []DeviceEntry{
				{ID: "sensor-1", Name: "Climate", Kind: "sensor"},
				{ID: "fan-1", Name: "Exhaust", Kind: "fan"},
			}},
		}},
		{ID: "r2", UserID: "u2", Name: "Flower room", Sections: []SectionEntry{
			{ID: "s2", Name: "Bench B", Devices: []DeviceEntry{{ID: "pump-2", Name: "Pump", Kind: "pump"}}},
		}},
	}})
	require.NoError(t, err)
	return s
}

func hybrid(id string) *core.Automation {
	return &core.Automation{
		ID:        id,
		SectionID: "s1",
		Name:      "Cool down " + id,
		Status:    core.StatusActive,
		Trigger:   core.TriggerHybrid,
		Schedule: &core.Schedule{
			Window:                core.TimeRange{Start: core.MustParseClock("22:00"), End: core.MustParseClock("06:00")},
			DaysOfWeek:            []int{1, 5},
			ActionDurationMinutes: 10,
		},
		IntervalMinutes: 5,
		Priority:        2,
		Notifications:   true,
		Conditions: []core.Condition{
			{ID: id + "-c0", DeviceID: ptr("sensor-1"), Property: "temperature", Operator: core.OpGreaterThan, Value: 28, Logic: core.LogicOr, Order: 0},
			{ID: id + "-c1", DeviceID: ptr("sensor-1"), Property: "humidity", Operator: core.OpBetween, Value: 40, ValueMax: ptr(60.0), Logic: core.LogicAnd, Order: 1},
			{ID: id + "-c2", Property: core.TimeProperty, Operator: core.OpOutside, TimeValue: ptr(core.MustParseClock("12:00")), TimeValueMax: ptr(core.MustParseClock("13:30")), Logic: core.LogicAnd, Order: 2},
		},
		Actions: []core.Action{
			{ID: id + "-a0", DeviceID: "fan-1", Type: core.ActionTurnOn, DurationMinutes: 15, Order: 0},
			{ID: id + "-a1", DeviceID: "sensor-1", Type: core.ActionCapturePhoto, DelayMinutes: 5, Order: 1},
		},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func TestAutomationRoundTrip(t *testing.T) {
	s := setupStore(t, 0)
	ctx := context.Background()
	repo := s.ForUser("u1")

	a := hybrid("a1")
	a.Proposal = &core.Provenance{Reason: "nightly heat", Confidence: 0.7, ContextSnapshot: `{"avg":29}`, ProposedAt: t0}
	a.Status = core.StatusPendingApproval
	require.NoError(t, repo.CreateAutomation(ctx, a))

	got, err := repo.GetAutomation(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	byName, err := repo.GetAutomationByName(ctx, "Cool down a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", byName.ID)
}

func TestScheduleVariantsRoundTrip(t *testing.T) {
	s := setupStore(t, 0)
	ctx := context.Background()
	repo := s.ForUser("u1")

	interval := hybrid("interval")
	interval.Trigger = core.TriggerScheduled
	interval.Conditions = nil
	interval.IntervalMinutes = 0
	interval.Schedule = &core.Schedule{Window: core.Interval{Minutes: 90}}
	require.NoError(t, repo.CreateAutomation(ctx, interval))

	specific := hybrid("specific")
	specific.Schedule = &core.Schedule{Window: core.SpecificTimes{Times: []core.ClockTime{
		core.MustParseClock("06:00"), core.MustParseClock("18:30"),
	}}}
	require.NoError(t, repo.CreateAutomation(ctx, specific))

	condition := hybrid("condition")
	condition.Trigger = core.TriggerCondition
	condition.Schedule = nil
	require.NoError(t, repo.CreateAutomation(ctx, condition))

	for _, want := range []*core.Automation{interval, specific, condition} {
		got, err := repo.GetAutomation(ctx, want.ID)
		require.NoError(t, err)
		assert.Equal(t, want.Schedule, got.Schedule, want.ID)
		assert.Len(t, got.Conditions, len(want.Conditions))
	}
}

func TestRepositoryIsolatesUsers(t *testing.T) {
	s := setupStore(t, 0)
	ctx := context.Background()
	require.NoError(t, s.ForUser("u1").CreateAutomation(ctx, hybrid("a1")))
	other := s.ForUser("u2")

	_, err := other.GetAutomation(ctx, "a1")
	assert.ErrorIs(t, err, core.ErrAutomationNotFound)
	_, err = other.GetAutomationByName(ctx, "Cool down a1")
	assert.ErrorIs(t, err, core.ErrAutomationNotFound)
	assert.ErrorIs(t, other.UpdateAutomationStatus(ctx, "a1", core.StatusPaused), core.ErrAutomationNotFound)
	assert.ErrorIs(t, other.UpdateAutomation(ctx, hybrid("a1")), core.ErrAutomationNotFound)
	assert.ErrorIs(t, other.DeleteAutomation(ctx, "a1"), core.ErrAutomationNotFound)

	list, err := other.ListAutomations(ctx, core.AutomationFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	ok, err := other.SectionExists(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = other.SectionExists(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.ForUser("u1").GetDevice(ctx, "pump-2")
	assert.ErrorIs(t, err, core.ErrDeviceNotFound)
	dev, err := s.ForUser("u1").GetDevice(ctx, "fan-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", dev.SectionID)

	_, err = s.ForUser("").GetAutomation(ctx, "a1")
	assert.ErrorIs(t, err, core.ErrAutomationNotFound, "an empty user sees nothing")

	engine, err := s.GetAutomation(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", engine.ID)
}

func TestUpdateReplacesDefinitionOnly(t *testing.T) {
	s := setupStore(t, 0)
	ctx := context.Background()
	repo := s.ForUser("u1")
	require.NoError(t, repo.CreateAutomation(ctx, hybrid("a1")))
	require.NoError(t, repo.UpdateAutomationStatus(ctx, "a1", core.StatusPaused))
	require.NoError(t, s.TouchEvaluated(ctx, "a1", t0.Add(time.Minute)))

	edit := hybrid("a1")
	edit.Status = core.StatusActive
	edit.Name = "Renamed"
	edit.Conditions = edit.Conditions[:1]
	edit.Conditions[0].ID = "new-c0"
	edit.Actions = edit.Actions[:1]
	edit.UpdatedAt = t0.Add(time.Hour)
	require.NoError(t, repo.UpdateAutomation(ctx, edit))

	got, err := repo.GetAutomation(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, core.StatusPaused, got.Status)
	require.NotNil(t, got.LastEvaluatedAt)
	assert.Equal(t, t0.Add(time.Minute), *got.LastEvaluatedAt)
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, "new-c0", got.Conditions[0].ID)
	assert.Len(t, got.Actions, 1)
	assert.Equal(t, t0, got.CreatedAt)
}

func TestListAutomationsFilters(t *testing.T) {
	s := setupStore(t, 0)
	ctx := context.Background()
	repo := s.ForUser("u1")
	low := hybrid("low")
	low.Priority = 1
	high := hybrid("high")
	high.Priority = 9
	paused := hybrid("paused")
	paused.Status = core.StatusPaused
	for _, a := range []*core.Automation{low, high, paused} {
		require.NoError(t, repo.CreateAutomation(ctx, a))
	}

	all, err := repo.ListAutomations(ctx, core.AutomationFilter{SectionID: ptr("s1")})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "high", all[0].ID)

	active, err := s.ListAutomations(ctx, core.AutomationFilter{Status: ptr(core.StatusActive)})
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func execution(id, automationID string, at time.Time, status core.ExecutionStatus) *core.Execution {
	return &core.Execution{
		ID:           id,
		AutomationID: automationID,
		Status:       status,
		ScheduledAt:  at,
		CreatedAt:    at,
		TriggeredConditions: []core.ConditionResult{
			{Order: 0, DeviceID: ptr("sensor-1"), Property: "temperature", Operator: core.OpGreaterThan, Met: true, Value: ptr(30.0)},
		},
	}
}

func TestExecutionLedger(t *testing.T) {
	s := setupStore(t, 0)
	ctx := context.Background()
	repo := s.ForUser("u1")
	require.NoError(t, repo.CreateAutomation(ctx, hybrid("a1")))

	first := execution("e1", "a1", t0, core.ExecutionPending)
	require.NoError(t, s.InsertExecution(ctx, first))
	require.NoError(t, s.MarkExecutionStarted(ctx, "e1", t0))
	dispatched := t0.Add(time.Second)
	first.Status = core.ExecutionCompleted
	first.EndedAt = &dispatched
	first.ExecutedActions = []core.ActionOutcome{{Order: 0, DeviceID: "fan-1", Type: core.ActionTurnOn, Success: true, DispatchedAt: &dispatched}}
	require.NoError(t, s.CompleteExecution(ctx, first))

	second := execution("e2", "a1", t0.Add(time.Hour), core.ExecutionPending)
	require.NoError(t, s.InsertExecution(ctx, second))
	msg := "1 of 1 actions failed"
	second.Status = core.ExecutionFailed
	second.ErrorMessage = &msg
	require.NoError(t, s.CompleteExecution(ctx, second))

	require.NoError(t, s.InsertEffectivenessCheck(ctx, &core.EffectivenessCheck{
		ID: "c1", ExecutionID: "e1", DeviceID: "sensor-1", Property: "temperature",
		ConditionMet: false, ValueAtCheck: ptr(26.0), TargetValue: 28, CheckedAt: t0.Add(15 * time.Minute),
	}))

	execs, err := repo.ListExecutions(ctx, "a1", core.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, "e2", execs[0].ID, "newest first")
	assert.Equal(t, msg, *execs[0].ErrorMessage)
	assert.Equal(t, "e1", execs[1].ID)
	require.NotNil(t, execs[1].StartedAt)
	require.Len(t, execs[1].ExecutedActions, 1)
	assert.True(t, execs[1].ExecutedActions[0].Success)
	require.Len(t, execs[1].TriggeredConditions, 1)
	assert.Equal(t, 30.0, *execs[1].TriggeredConditions[0].Value)
	require.Len(t, execs[1].Checks, 1)
	assert.False(t, execs[1].Checks[0].ConditionMet)
	assert.True(t, execs[1].Checks[0].GoalMet())

	failed, err := repo.ListExecutions(ctx, "a1", core.ExecutionFilter{Status: ptr(core.ExecutionFailed)})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "e2", failed[0].ID)

	summary, err := repo.SummarizeExecutions(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionSummary{Total: 2, Completed: 1, Failed: 1}, summary)

	stats, err := repo.EffectivenessStats(ctx, ptr("a1"), t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalExecutions)
	assert.Equal(t, 1, stats.CompletedExecutions)
	assert.Equal(t, 1, stats.FailedExecutions)
	assert.Equal(t, 1, stats.TotalChecks)
	assert.Equal(t, 1, stats.ChecksGoalMet)

	recent, err := repo.EffectivenessStats(ctx, nil, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, recent.TotalExecutions)
	assert.Zero(t, recent.TotalChecks)

	hidden, err := s.ForUser("u2").ListExecutions(ctx, "a1", core.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, hidden)

	assert.ErrorIs(t, s.MarkExecutionStarted(ctx, "missing", t0), core.ErrExecutionNotFound)
}

func TestExecutionRetention(t *testing.T) {
	s := setupStore(t, 2)
	ctx := context.Background()
	repo := s.ForUser("u1")
	require.NoError(t, repo.CreateAutomation(ctx, hybrid("a1")))
	require.NoError(t, repo.CreateAutomation(ctx, hybrid("a2")))

	for i, id := range []string{"e1", "e2", "e3", "e4"} {
		require.NoError(t, s.InsertExecution(ctx, execution(id, "a1", t0.Add(time.Duration(i)*time.Minute), core.ExecutionCompleted)))
	}
	for i, id := range []string{"f1", "f2", "f3"} {
		require.NoError(t, s.InsertExecution(ctx, execution(id, "a2", t0.Add(time.Duration(i)*time.Minute), core.ExecutionCompleted)))
	}
	require.NoError(t, s.InsertEffectivenessCheck(ctx, &core.EffectivenessCheck{
		ID: "c1", ExecutionID: "e1", DeviceID: "sensor-1", Property: "temperature", TargetValue: 28, CheckedAt: t0,
	}))

	require.NoError(t, s.PruneExecutions(ctx, "a1"))
	kept, err := repo.ListExecutions(ctx, "a1", core.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.Equal(t, "e4", kept[0].ID)
	assert.Equal(t, "e3", kept[1].ID)

	var checks int
	require.NoError(t, s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM effectiveness_checks`).Scan(&checks))
	assert.Zero(t, checks, "checks are removed with their execution")

	removed, err := s.PruneAllExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	kept, err = repo.ListExecutions(ctx, "a2", core.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, kept, 2)
}

func TestDeleteCascadesLedger(t *testing.T) {
	s := setupStore(t, 0)
	ctx := context.Background()
	repo := s.ForUser("u1")
	require.NoError(t, repo.CreateAutomation(ctx, hybrid("a1")))
	require.NoError(t, s.InsertExecution(ctx, execution("e1", "a1", t0, core.ExecutionCompleted)))

	require.NoError(t, repo.DeleteAutomation(ctx, "a1"))
	var count int
	require.NoError(t, s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM executions`).Scan(&count))
	assert.Zero(t, count)
	require.NoError(t, s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM automation_conditions`).Scan(&count))
	assert.Zero(t, count)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := Open(ctx, dir, 0)
	require.NoError(t, err)
	require.NoError(t, s.ImportDirectory(ctx, &DirectoryFile{Rooms: []RoomEntry{{ID: "r1", UserID: "u1", Name: "Room"}}}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, dir, 0)
	require.NoError(t, err)
	defer s.Close()
	var rooms int
	require.NoError(t, s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms`).Scan(&rooms))
	assert.Equal(t, 1, rooms)
}

func TestReadDirectoryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"rooms":[{"id":"r1","user_id":"u1","name":"Veg","sections":[{"id":"s1","name":"A","devices":[{"id":"d1","name":"Fan","kind":"fan"}]}]}]}`), 0o600))

	dir, err := ReadDirectoryFile(path)
	require.NoError(t, err)
	require.Len(t, dir.Rooms, 1)
	assert.Equal(t, "u1", dir.Rooms[0].UserID)
	assert.Equal(t, "d1", dir.Rooms[0].Sections[0].Devices[0].ID)

	s := setupStore(t, 0)
	assert.Error(t, s.ImportDirectory(context.Background(), &DirectoryFile{Rooms: []RoomEntry{{ID: "r9"}}}))
}
