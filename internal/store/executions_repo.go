package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"growrules/internal/core"
)

const defaultExecutionPage = 20

const executionColumns = `
	e.id, e.automation_id, e.status, e.manual, e.scheduled_at, e.started_at, e.ended_at,
	e.triggered_conditions, e.executed_actions, e.error, e.created_at`

const executionJoins = `
	FROM executions e
	JOIN automations a ON a.id = e.automation_id
	JOIN sections s ON s.id = a.section_id
	JOIN rooms r ON r.id = s.room_id`

// InsertExecution appends a PENDING execution to the ledger.
func (s *Store) InsertExecution(ctx context.Context, exec *core.Execution) error {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	triggered, err := encodeJSON(exec.TriggeredConditions)
	if err != nil {
		return fmt.Errorf("encode triggered conditions: %w", err)
	}
	executed, err := encodeJSON(exec.ExecutedActions)
	if err != nil {
		return fmt.Errorf("encode executed actions: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO executions (id, automation_id, status, manual, scheduled_at, started_at, ended_at,
			triggered_conditions, executed_actions, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.AutomationID, exec.Status, boolInt(exec.Manual), formatTime(exec.ScheduledAt),
		nullableTime(exec.StartedAt), nullableTime(exec.EndedAt), triggered, executed,
		nullableString(exec.ErrorMessage), formatTime(exec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *Store) MarkExecutionStarted(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, started_at = ?
		WHERE id = ?
	`, core.ExecutionRunning, formatTime(startedAt), id)
	if err != nil {
		return fmt.Errorf("mark execution started: %w", err)
	}
	return expectRow(res, core.ErrExecutionNotFound)
}

// CompleteExecution stores the terminal status, outcomes and error message.
func (s *Store) CompleteExecution(ctx context.Context, exec *core.Execution) error {
	executed, err := encodeJSON(exec.ExecutedActions)
	if err != nil {
		return fmt.Errorf("encode executed actions: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, ended_at = ?, executed_actions = ?, error = ?
		WHERE id = ?
	`, exec.Status, nullableTime(exec.EndedAt), executed, nullableString(exec.ErrorMessage), exec.ID)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	return expectRow(res, core.ErrExecutionNotFound)
}

// InsertEffectivenessCheck appends a check. Checks are never updated.
func (s *Store) InsertEffectivenessCheck(ctx context.Context, check *core.EffectivenessCheck) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO effectiveness_checks (id, execution_id, device_id, property, condition_met, value_at_check, target_value, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, check.ID, check.ExecutionID, check.DeviceID, check.Property, boolInt(check.ConditionMet),
		nullableFloat(check.ValueAtCheck), check.TargetValue, formatTime(check.CheckedAt))
	if err != nil {
		return fmt.Errorf("insert effectiveness check: %w", err)
	}
	return nil
}

func (s *Store) listExecutions(ctx context.Context, sc scope, automationID string, filter core.ExecutionFilter) ([]*core.Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultExecutionPage
	}
	args := []any{sc.all, sc.userID, automationID}
	statusClause := ""
	if filter.Status != nil {
		statusClause = "AND e.status = ?"
		args = append(args, *filter.Status)
	}
	args = append(args, limit, filter.Offset)
	rows, err := s.DB.QueryContext(ctx, `SELECT `+executionColumns+executionJoins+`
		WHERE `+ownedBy+` AND e.automation_id = ? `+statusClause+`
		ORDER BY e.created_at DESC, e.rowid DESC
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	var execs []*core.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		execs = append(execs, exec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadChecks(ctx, execs); err != nil {
		return nil, err
	}
	return execs, nil
}

func (s *Store) loadChecks(ctx context.Context, execs []*core.Execution) error {
	if len(execs) == 0 {
		return nil
	}
	byID := make(map[string]*core.Execution, len(execs))
	ids := make([]any, 0, len(execs))
	for _, e := range execs {
		byID[e.ID] = e
		ids = append(ids, e.ID)
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, execution_id, device_id, property, condition_met, value_at_check, target_value, checked_at
		FROM effectiveness_checks
		WHERE execution_id IN (`+placeholders(len(ids))+`)
		ORDER BY checked_at, rowid
	`, ids...)
	if err != nil {
		return fmt.Errorf("query effectiveness checks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c            core.EffectivenessCheck
			conditionMet int
			value        sql.NullFloat64
			checkedAt    string
		)
		if err := rows.Scan(&c.ID, &c.ExecutionID, &c.DeviceID, &c.Property, &conditionMet, &value, &c.TargetValue, &checkedAt); err != nil {
			return fmt.Errorf("scan effectiveness check: %w", err)
		}
		c.ConditionMet = conditionMet != 0
		if value.Valid {
			c.ValueAtCheck = &value.Float64
		}
		c.CheckedAt = mustParseTime(checkedAt)
		e := byID[c.ExecutionID]
		e.Checks = append(e.Checks, c)
	}
	return rows.Err()
}

func (s *Store) summarizeExecutions(ctx context.Context, sc scope, automationID string) (core.ExecutionSummary, error) {
	var summary core.ExecutionSummary
	rows, err := s.DB.QueryContext(ctx, `
		SELECT e.status, COUNT(1)`+executionJoins+`
		WHERE `+ownedBy+` AND e.automation_id = ?
		GROUP BY e.status
	`, sc.all, sc.userID, automationID)
	if err != nil {
		return summary, fmt.Errorf("summarize executions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return summary, fmt.Errorf("scan summary: %w", err)
		}
		summary.AddCount(core.ExecutionStatus(status), count)
	}
	return summary, rows.Err()
}

// effectivenessStats counts executions created since the cutoff and the
// checks attached to them. A nil automationID covers the whole scope.
func (s *Store) effectivenessStats(ctx context.Context, sc scope, automationID *string, since time.Time) (core.EffectivenessStats, error) {
	var stats core.EffectivenessStats
	filter := ownedBy + ` AND e.created_at >= ? AND (? IS NULL OR e.automation_id = ?)`
	args := []any{sc.all, sc.userID, formatTime(since), nullableString(automationID), nullableString(automationID)}

	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(1),
			COALESCE(SUM(CASE WHEN e.status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN e.status = ? THEN 1 ELSE 0 END), 0)`+executionJoins+`
		WHERE `+filter,
		append([]any{core.ExecutionCompleted, core.ExecutionFailed}, args...)...,
	).Scan(&stats.TotalExecutions, &stats.CompletedExecutions, &stats.FailedExecutions)
	if err != nil {
		return stats, fmt.Errorf("count executions: %w", err)
	}

	err = s.DB.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(1 - c.condition_met), 0)
		FROM effectiveness_checks c
		JOIN executions e ON e.id = c.execution_id
		JOIN automations a ON a.id = e.automation_id
		JOIN sections s ON s.id = a.section_id
		JOIN rooms r ON r.id = s.room_id
		WHERE `+filter, args...).Scan(&stats.TotalChecks, &stats.ChecksGoalMet)
	if err != nil {
		return stats, fmt.Errorf("count effectiveness checks: %w", err)
	}
	return stats, nil
}

// PruneExecutions removes executions of one automation beyond the retention
// limit. Their effectiveness checks go with them.
func (s *Store) PruneExecutions(ctx context.Context, automationID string) error {
	if s.Retention <= 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM executions
		WHERE id IN (
			SELECT id FROM executions
			WHERE automation_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT -1 OFFSET ?
		)
	`, automationID, s.Retention)
	if err != nil {
		return fmt.Errorf("prune executions: %w", err)
	}
	return nil
}

// PruneAllExecutions applies the retention limit to every automation and
// returns the number of executions removed.
func (s *Store) PruneAllExecutions(ctx context.Context) (int64, error) {
	if s.Retention <= 0 {
		return 0, nil
	}
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM executions
		WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY automation_id ORDER BY created_at DESC, rowid DESC
				) AS rn
				FROM executions
			)
			WHERE rn > ?
		)
	`, s.Retention)
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return res.RowsAffected()
}

func scanExecution(row scanner) (*core.Execution, error) {
	var (
		e           core.Execution
		status      string
		manual      int
		scheduledAt string
		startedAt   sql.NullString
		endedAt     sql.NullString
		triggered   string
		executed    string
		errMsg      sql.NullString
		createdAt   string
	)
	if err := row.Scan(&e.ID, &e.AutomationID, &status, &manual, &scheduledAt, &startedAt, &endedAt,
		&triggered, &executed, &errMsg, &createdAt); err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	e.Status = core.ExecutionStatus(status)
	e.Manual = manual != 0
	e.ScheduledAt = mustParseTime(scheduledAt)
	e.StartedAt = parseNullTime(startedAt)
	e.EndedAt = parseNullTime(endedAt)
	e.CreatedAt = mustParseTime(createdAt)
	if errMsg.Valid {
		e.ErrorMessage = &errMsg.String
	}
	if err := json.Unmarshal([]byte(triggered), &e.TriggeredConditions); err != nil {
		return nil, fmt.Errorf("decode triggered conditions of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(executed), &e.ExecutedActions); err != nil {
		return nil, fmt.Errorf("decode executed actions of %s: %w", e.ID, err)
	}
	return &e, nil
}

// encodeJSON renders snapshot slices, storing nil as an empty array.
func encodeJSON[T any](items []T) (string, error) {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
