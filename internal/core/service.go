package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	recentExecutionLimit     = 10
	defaultEffectivenessSpan = 30 * 24 * time.Hour
)

// AutomationDetail is an automation with its recent ledger.
type AutomationDetail struct {
	Automation       *Automation
	RecentExecutions []*Execution
	Summary          ExecutionSummary
	NextDueAt        *time.Time
	Running          bool
}

// ManualRun is the result of execute-now.
type ManualRun struct {
	Fired      bool              `json:"fired"`
	Conditions []ConditionResult `json:"conditions,omitempty"`
	Execution  *Execution        `json:"-"`
}

// Evaluation is a dry-run verdict.
type Evaluation struct {
	Decision
	NextDueAt *time.Time `json:"next_due_at,omitempty"`
}

// Service is the query and mutation surface. Every call is scoped to one
// user through the Directory.
type Service struct {
	dir       Directory
	scheduler *Scheduler
	failures  *FailureTracker
	logger    *slog.Logger
}

// NewService wires the service to the running engine.
func NewService(dir Directory, scheduler *Scheduler, logger *slog.Logger) *Service {
	return &Service{
		dir:       dir,
		scheduler: scheduler,
		failures:  scheduler.executor.Failures(),
		logger:    logger,
	}
}

// Create validates and stores a user-authored automation. Status defaults to ACTIVE.
func (s *Service) Create(ctx context.Context, userID string, a *Automation) (*Automation, error) {
	a.Proposal = nil
	if a.Status == "" {
		a.Status = StatusActive
	}
	if a.Status == StatusPendingApproval {
		return nil, &ValidationError{Problems: []string{"PENDING_APPROVAL is reserved for proposals"}}
	}
	return s.create(ctx, userID, a)
}

// Propose stores an automation suggested by an external agent. It is
// created PENDING_APPROVAL and stays out of the scheduler until a human
// sets it ACTIVE.
func (s *Service) Propose(ctx context.Context, userID string, a *Automation, prov Provenance) (*Automation, error) {
	a.Status = StatusPendingApproval
	prov.ProposedAt = s.scheduler.clock.Now().UTC()
	a.Proposal = &prov
	return s.create(ctx, userID, a)
}

func (s *Service) create(ctx context.Context, userID string, a *Automation) (*Automation, error) {
	repo := s.dir.ForUser(userID)
	Normalize(a)
	if err := Validate(a); err != nil {
		return nil, err
	}
	if err := checkOwnership(ctx, repo, a); err != nil {
		return nil, err
	}
	assignIDs(a)
	now := s.scheduler.clock.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.LastEvaluatedAt = nil
	if err := repo.CreateAutomation(ctx, a); err != nil {
		return nil, fmt.Errorf("create automation: %w", err)
	}
	s.scheduler.AddOrUpdate(a)
	s.logger.Info("automation created", "automation_id", a.ID, "section_id", a.SectionID, "status", a.Status, "proposed", a.ProposedByAI())
	return a, nil
}

// Update replaces an automation's definition. Status and provenance are
// kept; status changes go through SetStatus.
func (s *Service) Update(ctx context.Context, userID string, a *Automation) (*Automation, error) {
	repo := s.dir.ForUser(userID)
	existing, err := repo.GetAutomation(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	a.Status = existing.Status
	a.Proposal = existing.Proposal
	a.CreatedAt = existing.CreatedAt
	a.LastEvaluatedAt = existing.LastEvaluatedAt

	Normalize(a)
	if err := Validate(a); err != nil {
		return nil, err
	}
	if err := checkOwnership(ctx, repo, a); err != nil {
		return nil, err
	}
	assignIDs(a)
	a.UpdatedAt = s.scheduler.clock.Now().UTC()
	if err := repo.UpdateAutomation(ctx, a); err != nil {
		return nil, fmt.Errorf("update automation: %w", err)
	}
	s.scheduler.AddOrUpdate(a)
	return a, nil
}

// Delete removes an automation with its ledger.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if err := s.dir.ForUser(userID).DeleteAutomation(ctx, id); err != nil {
		return err
	}
	s.scheduler.Remove(id)
	s.logger.Info("automation deleted", "automation_id", id)
	return nil
}

// SetStatus moves an automation between ACTIVE, PAUSED and DISABLED.
// Setting a PENDING_APPROVAL automation ACTIVE approves the proposal.
func (s *Service) SetStatus(ctx context.Context, userID, id string, status AutomationStatus) (*Automation, error) {
	if !status.Valid() {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("unknown status %q", status)}}
	}
	if status == StatusPendingApproval {
		return nil, &ValidationError{Problems: []string{"PENDING_APPROVAL is reserved for proposals"}}
	}
	repo := s.dir.ForUser(userID)
	a, err := repo.GetAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == status {
		return a, nil
	}
	if err := repo.UpdateAutomationStatus(ctx, id, status); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if a.Status == StatusPendingApproval && status == StatusActive {
		s.logger.Info("proposal approved", "automation_id", id)
	}
	a.Status = status
	s.scheduler.AddOrUpdate(a)
	return a, nil
}

// ExecuteNow fires an ACTIVE automation immediately, bypassing the schedule
// gate. Conditions are still required unless skipConditions is set.
func (s *Service) ExecuteNow(ctx context.Context, userID, id string, skipConditions bool) (*ManualRun, error) {
	a, err := s.dir.ForUser(userID).GetAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusActive {
		return nil, ErrNotActive
	}
	run := &ManualRun{}
	if a.Trigger.HasConditions() && !skipConditions {
		met, results := s.scheduler.evaluator.EvaluateSet(ctx, a.Conditions, s.scheduler.Now())
		run.Conditions = results
		if !met {
			return run, nil
		}
	}
	exec, err := s.scheduler.Fire(ctx, a, run.Conditions, true)
	if err != nil {
		return nil, err
	}
	run.Fired = true
	run.Execution = exec
	return run, nil
}

// Evaluate is a dry run: the gate and every condition are evaluated and
// nothing is written or dispatched.
func (s *Service) Evaluate(ctx context.Context, userID, id string) (*Evaluation, error) {
	a, err := s.dir.ForUser(userID).GetAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	ev := &Evaluation{Decision: s.scheduler.Decide(ctx, a, s.scheduler.Now(), true)}
	if next, ok := s.scheduler.NextDue(a.ID); ok {
		ev.NextDueAt = &next
	}
	return ev, nil
}

func (s *Service) Get(ctx context.Context, userID, id string) (*AutomationDetail, error) {
	repo := s.dir.ForUser(userID)
	a, err := repo.GetAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, repo, a)
}

// GetByName looks an automation up by its exact name.
func (s *Service) GetByName(ctx context.Context, userID, name string) (*AutomationDetail, error) {
	repo := s.dir.ForUser(userID)
	a, err := repo.GetAutomationByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, repo, a)
}

func (s *Service) detail(ctx context.Context, repo Repository, a *Automation) (*AutomationDetail, error) {
	recent, err := repo.ListExecutions(ctx, a.ID, ExecutionFilter{Limit: recentExecutionLimit})
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	summary, err := repo.SummarizeExecutions(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("summarize executions: %w", err)
	}
	d := &AutomationDetail{
		Automation:       a,
		RecentExecutions: recent,
		Summary:          summary,
		Running:          s.scheduler.Running(a.ID),
	}
	if next, ok := s.scheduler.NextDue(a.ID); ok {
		d.NextDueAt = &next
	}
	return d, nil
}

func (s *Service) List(ctx context.Context, userID string, filter AutomationFilter) ([]*Automation, error) {
	return s.dir.ForUser(userID).ListAutomations(ctx, filter)
}

// Executions returns one page of history plus totals over all executions.
func (s *Service) Executions(ctx context.Context, userID, automationID string, filter ExecutionFilter) ([]*Execution, ExecutionSummary, error) {
	repo := s.dir.ForUser(userID)
	if _, err := repo.GetAutomation(ctx, automationID); err != nil {
		return nil, ExecutionSummary{}, err
	}
	execs, err := repo.ListExecutions(ctx, automationID, filter)
	if err != nil {
		return nil, ExecutionSummary{}, fmt.Errorf("list executions: %w", err)
	}
	summary, err := repo.SummarizeExecutions(ctx, automationID)
	if err != nil {
		return nil, ExecutionSummary{}, fmt.Errorf("summarize executions: %w", err)
	}
	return execs, summary, nil
}

// EffectivenessStats aggregates the trailing period. A nil automationID
// covers every automation of the user.
func (s *Service) EffectivenessStats(ctx context.Context, userID string, automationID *string, period time.Duration) (EffectivenessStats, error) {
	repo := s.dir.ForUser(userID)
	if automationID != nil {
		if _, err := repo.GetAutomation(ctx, *automationID); err != nil {
			return EffectivenessStats{}, err
		}
	}
	if period <= 0 {
		period = defaultEffectivenessSpan
	}
	since := s.scheduler.clock.Now().UTC().Add(-period)
	stats, err := repo.EffectivenessStats(ctx, automationID, since)
	if err != nil {
		return EffectivenessStats{}, fmt.Errorf("effectiveness stats: %w", err)
	}
	stats.Since = since
	stats.ComputeRate()
	return stats, nil
}

// FailingDevices lists the user's devices with three or more consecutive
// dispatch errors.
func (s *Service) FailingDevices(ctx context.Context, userID string) ([]DeviceFailure, error) {
	repo := s.dir.ForUser(userID)
	out := make([]DeviceFailure, 0)
	for _, f := range s.failures.Failing() {
		if _, err := repo.GetDevice(ctx, f.DeviceID); err != nil {
			if errors.Is(err, ErrDeviceNotFound) {
				continue
			}
			return nil, fmt.Errorf("get device %s: %w", f.DeviceID, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// checkOwnership verifies the section belongs to the caller and every
// referenced device sits in that section.
func checkOwnership(ctx context.Context, repo Repository, a *Automation) error {
	ok, err := repo.SectionExists(ctx, a.SectionID)
	if err != nil {
		return fmt.Errorf("check section: %w", err)
	}
	if !ok {
		return &OwnershipError{Reason: ReasonSectionNotFound, SectionID: a.SectionID}
	}
	var outside []string
	for _, id := range ReferencedDevices(a) {
		dev, err := repo.GetDevice(ctx, id)
		switch {
		case errors.Is(err, ErrDeviceNotFound):
			outside = append(outside, id)
		case err != nil:
			return fmt.Errorf("check device %s: %w", id, err)
		case dev.SectionID != a.SectionID:
			outside = append(outside, id)
		}
	}
	if len(outside) > 0 {
		return &OwnershipError{Reason: ReasonDeviceNotInSection, SectionID: a.SectionID, DeviceIDs: outside}
	}
	return nil
}

func assignIDs(a *Automation) {
	if a.ID == "" {
		a.ID = NewID()
	}
	for i := range a.Conditions {
		a.Conditions[i].ID = NewID()
	}
	for i := range a.Actions {
		a.Actions[i].ID = NewID()
	}
}
