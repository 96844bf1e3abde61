package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"growrules/internal/core"
)

const automationColumns = `
	a.id, a.section_id, a.name, a.description, a.status, a.trigger_type,
	a.schedule_type, a.active_start_time, a.active_end_time, a.schedule_interval_minutes,
	a.specific_times, a.days_of_week, a.action_duration_minutes,
	a.interval_minutes, a.priority, a.notifications,
	a.proposed_by_ai, a.ai_reason, a.ai_confidence, a.ai_context_snapshot, a.proposed_at,
	a.last_evaluated_at, a.created_at, a.updated_at`

const automationJoins = `
	FROM automations a
	JOIN sections s ON s.id = a.section_id
	JOIN rooms r ON r.id = s.room_id`

// inUserSections matches automations whose current section belongs to the user.
const inUserSections = `section_id IN (
	SELECT s.id FROM sections s JOIN rooms r ON r.id = s.room_id WHERE ` + ownedBy + `)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) createAutomation(ctx context.Context, a *core.Automation) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	sched := encodeSchedule(a.Schedule)
	prov := encodeProvenance(a.Proposal)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO automations (
			id, section_id, name, description, status, trigger_type,
			schedule_type, active_start_time, active_end_time, schedule_interval_minutes,
			specific_times, days_of_week, action_duration_minutes,
			interval_minutes, priority, notifications,
			proposed_by_ai, ai_reason, ai_confidence, ai_context_snapshot, proposed_at,
			last_evaluated_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SectionID, a.Name, a.Description, a.Status, a.Trigger,
		sched.scheduleType, sched.start, sched.end, sched.interval,
		sched.times, sched.days, sched.duration,
		a.IntervalMinutes, a.Priority, boolInt(a.Notifications),
		prov.proposed, prov.reason, prov.confidence, prov.context, prov.proposedAt,
		nullableTime(a.LastEvaluatedAt), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert automation: %w", err)
	}
	if err := insertChildren(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

// updateAutomation replaces the definition of an automation visible in sc.
// Status, provenance, last_evaluated_at and created_at are left untouched.
func (s *Store) updateAutomation(ctx context.Context, sc scope, a *core.Automation) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	sched := encodeSchedule(a.Schedule)
	res, err := tx.ExecContext(ctx, `
		UPDATE automations
		SET section_id = ?, name = ?, description = ?, trigger_type = ?,
			schedule_type = ?, active_start_time = ?, active_end_time = ?, schedule_interval_minutes = ?,
			specific_times = ?, days_of_week = ?, action_duration_minutes = ?,
			interval_minutes = ?, priority = ?, notifications = ?, updated_at = ?
		WHERE id = ? AND `+inUserSections,
		a.SectionID, a.Name, a.Description, a.Trigger,
		sched.scheduleType, sched.start, sched.end, sched.interval,
		sched.times, sched.days, sched.duration,
		a.IntervalMinutes, a.Priority, boolInt(a.Notifications), formatTime(a.UpdatedAt),
		a.ID, sc.all, sc.userID)
	if err != nil {
		return fmt.Errorf("update automation: %w", err)
	}
	if err := expectRow(res, core.ErrAutomationNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM automation_conditions WHERE automation_id = ?`, a.ID); err != nil {
		return fmt.Errorf("clear conditions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM automation_actions WHERE automation_id = ?`, a.ID); err != nil {
		return fmt.Errorf("clear actions: %w", err)
	}
	if err := insertChildren(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) deleteAutomation(ctx context.Context, sc scope, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM automations WHERE id = ? AND `+inUserSections, id, sc.all, sc.userID)
	if err != nil {
		return fmt.Errorf("delete automation: %w", err)
	}
	return expectRow(res, core.ErrAutomationNotFound)
}

func (s *Store) updateAutomationStatus(ctx context.Context, sc scope, id string, status core.AutomationStatus) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE automations
		SET status = ?, updated_at = ?
		WHERE id = ? AND `+inUserSections,
		status, formatTime(time.Now()), id, sc.all, sc.userID)
	if err != nil {
		return fmt.Errorf("update automation status: %w", err)
	}
	return expectRow(res, core.ErrAutomationNotFound)
}

// TouchEvaluated records the latest evaluation instant.
func (s *Store) TouchEvaluated(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE automations SET last_evaluated_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("update last_evaluated_at: %w", err)
	}
	return nil
}

func (s *Store) getAutomation(ctx context.Context, sc scope, id string) (*core.Automation, error) {
	list, err := s.queryAutomations(ctx, sc, `a.id = ?`, []any{id}, "")
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, core.ErrAutomationNotFound
	}
	return list[0], nil
}

func (s *Store) getAutomationByName(ctx context.Context, sc scope, name string) (*core.Automation, error) {
	list, err := s.queryAutomations(ctx, sc, `a.name = ?`, []any{name}, "ORDER BY a.created_at DESC LIMIT 1")
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, core.ErrAutomationNotFound
	}
	return list[0], nil
}

func (s *Store) listAutomations(ctx context.Context, sc scope, filter core.AutomationFilter) ([]*core.Automation, error) {
	where := []string{"1 = 1"}
	var args []any
	if filter.SectionID != nil {
		where = append(where, "a.section_id = ?")
		args = append(args, *filter.SectionID)
	}
	if filter.Status != nil {
		where = append(where, "a.status = ?")
		args = append(args, *filter.Status)
	}
	return s.queryAutomations(ctx, sc, strings.Join(where, " AND "), args, "ORDER BY a.priority DESC, a.created_at ASC")
}

// queryAutomations loads matching automations with their conditions and actions.
func (s *Store) queryAutomations(ctx context.Context, sc scope, where string, args []any, suffix string) ([]*core.Automation, error) {
	query := `SELECT ` + automationColumns + automationJoins + `
		WHERE ` + ownedBy + ` AND (` + where + `) ` + suffix
	rows, err := s.DB.QueryContext(ctx, query, append([]any{sc.all, sc.userID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("query automations: %w", err)
	}
	var list []*core.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		list = append(list, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The pool holds a single connection, so children are loaded only
	// after the parent rows are closed.
	if err := s.loadChildren(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Store) loadChildren(ctx context.Context, list []*core.Automation) error {
	if len(list) == 0 {
		return nil
	}
	byID := make(map[string]*core.Automation, len(list))
	ids := make([]any, 0, len(list))
	for _, a := range list {
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}
	in := placeholders(len(ids))

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, automation_id, device_id, property, operator, value, value_max,
			time_value, time_value_max, logic_operator, sort_order
		FROM automation_conditions
		WHERE automation_id IN (`+in+`)
		ORDER BY automation_id, sort_order
	`, ids...)
	if err != nil {
		return fmt.Errorf("query conditions: %w", err)
	}
	for rows.Next() {
		automationID, cond, err := scanCondition(rows)
		if err != nil {
			rows.Close()
			return err
		}
		a := byID[automationID]
		a.Conditions = append(a.Conditions, cond)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.DB.QueryContext(ctx, `
		SELECT id, automation_id, device_id, action_type, duration_minutes, delay_minutes, sort_order
		FROM automation_actions
		WHERE automation_id IN (`+in+`)
		ORDER BY automation_id, sort_order
	`, ids...)
	if err != nil {
		return fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			act          core.Action
			automationID string
			actionType   string
		)
		if err := rows.Scan(&act.ID, &automationID, &act.DeviceID, &actionType, &act.DurationMinutes, &act.DelayMinutes, &act.Order); err != nil {
			return fmt.Errorf("scan action: %w", err)
		}
		act.Type = core.ActionType(actionType)
		a := byID[automationID]
		a.Actions = append(a.Actions, act)
	}
	return rows.Err()
}

func insertChildren(ctx context.Context, tx execer, a *core.Automation) error {
	for _, c := range a.Conditions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO automation_conditions (
				id, automation_id, device_id, property, operator, value, value_max,
				time_value, time_value_max, logic_operator, sort_order
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, a.ID, nullableString(c.DeviceID), c.Property, c.Operator, c.Value, nullableFloat(c.ValueMax),
			nullableClock(c.TimeValue), nullableClock(c.TimeValueMax), c.Logic, c.Order)
		if err != nil {
			return fmt.Errorf("insert condition %d: %w", c.Order, err)
		}
	}
	for _, act := range a.Actions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO automation_actions (id, automation_id, device_id, action_type, duration_minutes, delay_minutes, sort_order)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, act.ID, a.ID, act.DeviceID, act.Type, act.DurationMinutes, act.DelayMinutes, act.Order)
		if err != nil {
			return fmt.Errorf("insert action %d: %w", act.Order, err)
		}
	}
	return nil
}

func scanAutomation(row scanner) (*core.Automation, error) {
	var (
		a            core.Automation
		status       string
		trigger      string
		schedType    sql.NullString
		start        sql.NullString
		end          sql.NullString
		interval     sql.NullInt64
		times        sql.NullString
		days         sql.NullString
		duration     sql.NullInt64
		notify       int
		proposed     int
		aiReason     sql.NullString
		aiConfidence sql.NullFloat64
		aiContext    sql.NullString
		proposedAt   sql.NullString
		lastEval     sql.NullString
		createdAt    string
		updatedAt    string
	)
	if err := row.Scan(&a.ID, &a.SectionID, &a.Name, &a.Description, &status, &trigger,
		&schedType, &start, &end, &interval, &times, &days, &duration,
		&a.IntervalMinutes, &a.Priority, &notify,
		&proposed, &aiReason, &aiConfidence, &aiContext, &proposedAt,
		&lastEval, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan automation: %w", err)
	}
	a.Status = core.AutomationStatus(status)
	a.Trigger = core.TriggerType(trigger)
	a.Notifications = notify != 0
	sched, err := decodeSchedule(schedType, start, end, interval, times, days, duration)
	if err != nil {
		return nil, fmt.Errorf("automation %s: %w", a.ID, err)
	}
	a.Schedule = sched
	if proposed != 0 {
		p := &core.Provenance{Reason: aiReason.String, Confidence: aiConfidence.Float64, ContextSnapshot: aiContext.String}
		if at := parseNullTime(proposedAt); at != nil {
			p.ProposedAt = *at
		}
		a.Proposal = p
	}
	a.LastEvaluatedAt = parseNullTime(lastEval)
	a.CreatedAt = mustParseTime(createdAt)
	a.UpdatedAt = mustParseTime(updatedAt)
	return &a, nil
}

func scanCondition(row scanner) (string, core.Condition, error) {
	var (
		c            core.Condition
		automationID string
		deviceID     sql.NullString
		operator     string
		valueMax     sql.NullFloat64
		timeValue    sql.NullString
		timeValueMax sql.NullString
		logic        string
	)
	if err := row.Scan(&c.ID, &automationID, &deviceID, &c.Property, &operator, &c.Value, &valueMax,
		&timeValue, &timeValueMax, &logic, &c.Order); err != nil {
		return "", c, fmt.Errorf("scan condition: %w", err)
	}
	c.Operator = core.Operator(operator)
	c.Logic = core.LogicOperator(logic)
	if deviceID.Valid {
		c.DeviceID = &deviceID.String
	}
	if valueMax.Valid {
		c.ValueMax = &valueMax.Float64
	}
	var err error
	if c.TimeValue, err = parseNullClock(timeValue); err != nil {
		return "", c, err
	}
	if c.TimeValueMax, err = parseNullClock(timeValueMax); err != nil {
		return "", c, err
	}
	return automationID, c, nil
}

type scheduleRow struct {
	scheduleType any
	start        any
	end          any
	interval     any
	times        any
	days         any
	duration     any
}

func encodeSchedule(sc *core.Schedule) scheduleRow {
	if sc == nil || sc.Window == nil {
		return scheduleRow{}
	}
	row := scheduleRow{
		scheduleType: string(sc.Window.Type()),
		days:         joinInts(sc.DaysOfWeek),
		duration:     sc.ActionDurationMinutes,
	}
	switch w := sc.Window.(type) {
	case core.TimeRange:
		row.start = w.Start.String()
		row.end = w.End.String()
	case core.Interval:
		row.interval = w.Minutes
	case core.SpecificTimes:
		parts := make([]string, len(w.Times))
		for i, t := range w.Times {
			parts[i] = t.String()
		}
		row.times = strings.Join(parts, ",")
	}
	return row
}

func decodeSchedule(schedType, start, end sql.NullString, interval sql.NullInt64, times, days sql.NullString, duration sql.NullInt64) (*core.Schedule, error) {
	if !schedType.Valid {
		return nil, nil
	}
	sc := &core.Schedule{ActionDurationMinutes: int(duration.Int64)}
	var err error
	if sc.DaysOfWeek, err = splitInts(days.String); err != nil {
		return nil, fmt.Errorf("days_of_week: %w", err)
	}
	switch core.ScheduleType(schedType.String) {
	case core.ScheduleTimeRange:
		var w core.TimeRange
		if w.Start, err = core.ParseClock(start.String); err != nil {
			return nil, err
		}
		if w.End, err = core.ParseClock(end.String); err != nil {
			return nil, err
		}
		sc.Window = w
	case core.ScheduleInterval:
		sc.Window = core.Interval{Minutes: int(interval.Int64)}
	case core.ScheduleSpecificTimes:
		var w core.SpecificTimes
		for _, part := range strings.Split(times.String, ",") {
			if part == "" {
				continue
			}
			t, err := core.ParseClock(part)
			if err != nil {
				return nil, err
			}
			w.Times = append(w.Times, t)
		}
		sc.Window = w
	default:
		return nil, fmt.Errorf("unknown schedule type %q", schedType.String)
	}
	return sc, nil
}

func nullableClock(c *core.ClockTime) any {
	if c == nil {
		return nil
	}
	return c.String()
}

func parseNullClock(value sql.NullString) (*core.ClockTime, error) {
	if !value.Valid {
		return nil, nil
	}
	c, err := core.ParseClock(value.String)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type provenanceRow struct {
	proposed   int
	reason     any
	confidence any
	context    any
	proposedAt any
}

func encodeProvenance(p *core.Provenance) provenanceRow {
	if p == nil {
		return provenanceRow{}
	}
	return provenanceRow{
		proposed:   1,
		reason:     p.Reason,
		confidence: p.Confidence,
		context:    p.ContextSnapshot,
		proposedAt: formatTime(p.ProposedAt),
	}
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func splitInts(value string) ([]int, error) {
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func expectRow(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
