package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"growrules/internal/core"
)

const hybridJSON = `{
	"section_id": "s1",
	"name": "Cool down",
	"trigger_type": "hybrid",
	"schedule": {"type": "TIME_RANGE", "start_time": "08:00", "end_time": "20:00", "days_of_week": [1, 2, 3]},
	"interval_minutes": 5,
	"notifications": true,
	"conditions": [
		{"device_id": "sensor-1", "property": "temperature", "operator": "greater_than", "value": 28, "logic_operator": "OR", "order": 0},
		{"property": "time", "operator": "BETWEEN", "time_value": "22:00", "time_value_max": "06:00", "order": 1}
	],
	"actions": [{"device_id": "fan-1", "action_type": "TURN_ON", "duration_minutes": 30, "order": 0}]
}`

func TestAutomationInputConversion(t *testing.T) {
	var in AutomationInput
	require.NoError(t, json.Unmarshal([]byte(hybridJSON), &in))

	a, err := in.ToAutomation()
	require.NoError(t, err)
	assert.Equal(t, core.TriggerHybrid, a.Trigger)
	require.NotNil(t, a.Schedule)
	assert.Equal(t, core.TimeRange{Start: core.MustParseClock("08:00"), End: core.MustParseClock("20:00")}, a.Schedule.Window)
	assert.Equal(t, []int{1, 2, 3}, a.Schedule.DaysOfWeek)
	require.Len(t, a.Conditions, 2)
	assert.Equal(t, core.OpGreaterThan, a.Conditions[0].Operator)
	assert.Equal(t, core.LogicOr, a.Conditions[0].Logic)
	assert.Nil(t, a.Conditions[1].DeviceID)
	require.NotNil(t, a.Conditions[1].TimeValueMax)
	assert.Equal(t, "06:00", a.Conditions[1].TimeValueMax.String())
	assert.Equal(t, core.ActionTurnOn, a.Actions[0].Type)
	a.Status = core.StatusActive
	core.Normalize(a)
	assert.NoError(t, core.Validate(a))

	a.ID = "a1"
	out := FromAutomation(a)
	assert.Equal(t, "HYBRID", out.TriggerType)
	assert.Equal(t, "08:00", out.Schedule.StartTime)
	assert.Equal(t, "20:00", out.Schedule.EndTime)
	assert.Equal(t, "22:00", *out.Conditions[1].TimeValue)
	assert.False(t, out.ProposedByAI)
}

func TestAutomationInputRejectsMalformedSchedule(t *testing.T) {
	in := AutomationInput{
		SectionID:   "s1",
		Name:        "x",
		TriggerType: "SCHEDULED",
		Schedule:    &Schedule{Type: "INTERVAL", IntervalMinutes: 15, StartTime: "8am"},
		Actions:     []Action{{DeviceID: "fan-1", ActionType: "TOGGLE"}},
	}
	_, err := in.ToAutomation()
	var v *core.ValidationError
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Problems, "start_time and end_time only apply to TIME_RANGE schedules")

	in.Schedule = &Schedule{Type: "SPECIFIC_TIMES", SpecificTimes: []string{"07:00", "25:00"}}
	_, err = in.ToAutomation()
	require.ErrorAs(t, err, &v)
	require.Len(t, v.Problems, 1)
	assert.Contains(t, v.Problems[0], "specific_times[1]")

	in.Schedule = &Schedule{Type: "CRON"}
	_, err = in.ToAutomation()
	require.ErrorAs(t, err, &v)
	assert.Equal(t, []string{`unknown schedule type "CRON"`}, v.Problems)
}

func TestFromScheduleVariants(t *testing.T) {
	s := fromSchedule(&core.Schedule{Window: core.SpecificTimes{Times: []core.ClockTime{core.MustParseClock("07:00"), core.MustParseClock("19:30")}}})
	assert.Equal(t, &Schedule{Type: "SPECIFIC_TIMES", SpecificTimes: []string{"07:00", "19:30"}}, s)

	s = fromSchedule(&core.Schedule{Window: core.Interval{Minutes: 45}, ActionDurationMinutes: 10})
	assert.Equal(t, &Schedule{Type: "INTERVAL", IntervalMinutes: 45, ActionDurationMinutes: 10}, s)
}

func TestFromExecutionNeverEmitsNullLists(t *testing.T) {
	at := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	out := FromExecution(&core.Execution{ID: "e1", AutomationID: "a1", Status: core.ExecutionPending, ScheduledAt: at, CreatedAt: at})

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"triggered_conditions":[]`)
	assert.Contains(t, string(data), `"executed_actions":[]`)
	assert.Contains(t, string(data), `"effectiveness_checks":[]`)
	assert.Contains(t, string(data), `"scheduled_at":"2024-06-03T09:00:00Z"`)
}

func TestFromExecutionReportsCheckVerdicts(t *testing.T) {
	at := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	out := FromExecution(&core.Execution{
		ID: "e1", AutomationID: "a1", Status: core.ExecutionCompleted, ScheduledAt: at, CreatedAt: at,
		Checks: []core.EffectivenessCheck{
			{ID: "c1", DeviceID: "sensor-1", Property: "temperature", ConditionMet: false, TargetValue: 28, CheckedAt: at},
			{ID: "c2", DeviceID: "sensor-1", Property: "humidity", ConditionMet: true, TargetValue: 70, CheckedAt: at},
		},
	})

	data, err := json.Marshal(out)
	require.NoError(t, err)
	var raw struct {
		Checks []map[string]any `json:"effectiveness_checks"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw.Checks, 2)
	assert.Equal(t, false, raw.Checks[0]["condition_met"])
	assert.Equal(t, true, raw.Checks[0]["goal_met"])
	assert.Equal(t, true, raw.Checks[1]["condition_met"])
	assert.Equal(t, false, raw.Checks[1]["goal_met"])
}

func TestParsePeriod(t *testing.T) {
	cases := map[string]time.Duration{
		"":    0,
		"7":   7 * 24 * time.Hour,
		"30d": 30 * 24 * time.Hour,
		"72h": 72 * time.Hour,
	}
	for raw, want := range cases {
		got, err := ParsePeriod(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	for _, raw := range []string{"-1", "soon", "-3h"} {
		_, err := ParsePeriod(raw)
		assert.Error(t, err, raw)
	}
}
