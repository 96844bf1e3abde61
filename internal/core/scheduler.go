package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
)

// retentionSpec runs ledger retention once a day.
const retentionSpec = "30 3 * * *"

// Decision is the outcome of evaluating one automation at one instant.
type Decision struct {
	Gate          GateDecision      `json:"gate"`
	ConditionsMet bool              `json:"conditions_met"`
	Conditions    []ConditionResult `json:"conditions"`
	Fire          bool              `json:"fire"`
	EvaluatedAt   time.Time         `json:"evaluated_at"`
}

type lease struct {
	executionID string
	cancel      context.CancelFunc
}

// Scheduler is the trigger dispatcher. Every ACTIVE automation has one tick
// on the timer queue; a tick evaluates the gate and conditions, fires when
// due and re-inserts the next tick.
type Scheduler struct {
	store     EngineStore
	evaluator *Evaluator
	executor  *ActionExecutor
	timers    TimerQueue
	clock     clockwork.Clock
	gate      Gate
	logger    *slog.Logger
	location  *time.Location
	metrics   Metrics

	cron *cron.Cron

	running sync.Map // automationID -> *lease
	wg      sync.WaitGroup

	// loopMu orders status re-reads against tick insertion and removal, so
	// an automation that left ACTIVE never gets a tick or execution back.
	loopMu sync.Mutex

	stopping atomic.Bool
	ctx      context.Context
}

// NewScheduler constructs a scheduler. poll is the polling granularity for
// schedule-driven automations and the SPECIFIC_TIMES tolerance.
func NewScheduler(store EngineStore, evaluator *Evaluator, executor *ActionExecutor, timers TimerQueue, clock clockwork.Clock, poll time.Duration, logger *slog.Logger, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if poll <= 0 {
		poll = time.Minute
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Scheduler{
		store:     store,
		evaluator: evaluator,
		executor:  executor,
		timers:    timers,
		clock:     clock,
		gate:      Gate{Tolerance: poll},
		logger:    logger,
		location:  location,
		metrics:   nopMetrics{},
		cron:      c,
	}
}

func (s *Scheduler) WithMetrics(m Metrics) *Scheduler {
	if m != nil {
		s.metrics = m
	}
	return s
}

// Start begins the retention job. ctx is used for background operations
// and is the parent of every execution.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	if _, err := s.cron.AddFunc(retentionSpec, s.pruneLedger); err != nil {
		s.logger.Error("register retention job", "err", err)
	}
	s.cron.Start()
}

// Stop stops firing, stops the retention job and waits for running
// executions until ctx is done. Executions keep the Start context, so callers
// cancel it only after Stop returns. Stop may be called again after that
// cancel to wait for the cancelled executions to record their outcome.
func (s *Scheduler) Stop(ctx context.Context) {
	s.loopMu.Lock()
	s.stopping.Store(true)
	s.loopMu.Unlock()
	<-s.cron.Stop().Done()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("executions still running at shutdown")
	}
}

// Now returns the current time in the scheduler's location.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now().In(s.location)
}

// Gate returns the schedule gate used by the loop.
func (s *Scheduler) Gate() Gate {
	return s.gate
}

// Sync loads all automations and puts the active ones in the loop.
func (s *Scheduler) Sync(ctx context.Context) error {
	automations, err := s.store.ListAutomations(ctx, AutomationFilter{})
	if err != nil {
		return fmt.Errorf("list automations: %w", err)
	}
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	scheduled := 0
	for _, a := range automations {
		if a.Status == StatusActive {
			s.scheduleTick(a.ID, s.gate.FirstDue(a, s.Now()))
			scheduled++
		} else {
			s.timers.Cancel(tickID(a.ID))
		}
	}
	s.logger.Info("scheduler synced", "automations", len(automations), "active", scheduled)
	return nil
}

// AddOrUpdate reflects a created or modified automation in the loop.
// Leaving ACTIVE removes the automation and cancels its pending work.
func (s *Scheduler) AddOrUpdate(a *Automation) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if a.Status != StatusActive {
		s.remove(a.ID)
		return
	}
	s.scheduleTick(a.ID, s.gate.FirstDue(a, s.Now()))
}

// Remove takes an automation out of the loop, drops its pending reversals
// and effectiveness checks, and cancels an in-flight execution.
func (s *Scheduler) Remove(automationID string) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	s.remove(automationID)
}

func (s *Scheduler) remove(automationID string) {
	s.timers.Cancel(tickID(automationID))
	dropped := s.timers.CancelGroup(automationID)
	if v, ok := s.running.Load(automationID); ok {
		l := v.(*lease)
		l.cancel()
		s.logger.Info("cancelling in-flight execution", "automation_id", automationID, "execution_id", l.executionID)
	}
	if dropped > 0 {
		s.logger.Info("dropped pending follow-ups", "automation_id", automationID, "count", dropped)
	}
}

// NextDue returns when the automation is next evaluated by the loop.
func (s *Scheduler) NextDue(automationID string) (time.Time, bool) {
	return s.timers.Pending(tickID(automationID))
}

// Running reports whether the automation holds the execution lease.
func (s *Scheduler) Running(automationID string) bool {
	_, ok := s.running.Load(automationID)
	return ok
}

// Decide evaluates an automation without side effects. With sampleAll the
// conditions are read even when the schedule gate is closed.
func (s *Scheduler) Decide(ctx context.Context, a *Automation, now time.Time, sampleAll bool) Decision {
	d := Decision{Gate: s.gate.Check(a, now), EvaluatedAt: now}
	if a.Trigger.HasConditions() {
		if d.Gate.Due || sampleAll {
			d.ConditionsMet, d.Conditions = s.evaluator.EvaluateSet(ctx, a.Conditions, now)
		}
	} else {
		d.ConditionsMet = true
	}
	d.Fire = d.Gate.Due && d.ConditionsMet
	return d
}

// Fire creates a PENDING execution and hands it to the executor. It fails
// with ErrConcurrencyConflict while a previous execution holds the lease and
// with ErrNotActive when the stored automation is no longer ACTIVE. After
// Stop it fails with ErrStopping.
func (s *Scheduler) Fire(ctx context.Context, a *Automation, triggered []ConditionResult, manual bool) (*Execution, error) {
	now := s.clock.Now()
	exec := &Execution{
		ID:                  NewID(),
		AutomationID:        a.ID,
		Status:              ExecutionPending,
		Manual:              manual,
		ScheduledAt:         now,
		TriggeredConditions: triggered,
		CreatedAt:           now,
	}
	execCtx, cancel := context.WithCancel(s.ctxOrBackground())
	l := &lease{executionID: exec.ID, cancel: cancel}
	if _, loaded := s.running.LoadOrStore(a.ID, l); loaded {
		cancel()
		s.metrics.Suppressed()
		s.logger.Info("suppressing fire because a previous execution is still running", "automation_id", a.ID, "manual", manual)
		return nil, ErrConcurrencyConflict
	}

	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.stopping.Load() {
		s.release(a.ID, l)
		return nil, ErrStopping
	}
	current, err := s.store.GetAutomation(ctx, a.ID)
	if err != nil {
		s.release(a.ID, l)
		return nil, fmt.Errorf("reload automation: %w", err)
	}
	if current.Status != StatusActive {
		s.release(a.ID, l)
		return nil, ErrNotActive
	}
	if err := s.store.InsertExecution(ctx, exec); err != nil {
		s.release(a.ID, l)
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	snapshot := *exec
	s.launchExecution(execCtx, a, exec, l)
	return &snapshot, nil
}

func (s *Scheduler) launchExecution(ctx context.Context, a *Automation, exec *Execution, l *lease) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(a.ID, l)
		if err := s.executor.Execute(ctx, a, exec); err != nil {
			s.logger.Error("execute automation", "automation_id", a.ID, "execution_id", exec.ID, "err", err)
		}
		if err := s.store.PruneExecutions(context.WithoutCancel(ctx), a.ID); err != nil {
			s.logger.Warn("prune executions", "automation_id", a.ID, "err", err)
		}
	}()
}

func (s *Scheduler) release(automationID string, l *lease) {
	l.cancel()
	s.running.CompareAndDelete(automationID, l)
}

// tick runs one IDLE -> EVALUATING -> (FIRING | IDLE) cycle.
func (s *Scheduler) tick(automationID string) {
	ctx := s.ctxOrBackground()
	if ctx.Err() != nil || s.stopping.Load() {
		return
	}
	a, err := s.store.GetAutomation(ctx, automationID)
	if err != nil {
		if errors.Is(err, ErrAutomationNotFound) {
			return
		}
		s.logger.Error("fetch automation for tick", "automation_id", automationID, "err", err)
		s.rescheduleIfActive(ctx, automationID, s.Now().Add(s.gate.Tolerance))
		return
	}
	if a.Status != StatusActive {
		return
	}

	now := s.Now()
	d := s.Decide(ctx, a, now, false)
	if err := s.store.TouchEvaluated(ctx, a.ID, now); err != nil {
		s.logger.Warn("update last_evaluated_at", "automation_id", a.ID, "err", err)
	}
	a.LastEvaluatedAt = &now
	s.metrics.Evaluated(a.Trigger, d.Fire)

	if d.Fire {
		exec, err := s.Fire(ctx, a, d.Conditions, false)
		switch {
		case errors.Is(err, ErrConcurrencyConflict):
		case errors.Is(err, ErrStopping):
			return
		case errors.Is(err, ErrNotActive), errors.Is(err, ErrAutomationNotFound):
			s.logger.Info("automation left the loop during evaluation", "automation_id", a.ID)
			return
		case err != nil:
			s.logger.Error("fire automation", "automation_id", a.ID, "err", err)
		default:
			s.logger.Info("automation fired", "automation_id", a.ID, "execution_id", exec.ID, "trigger", a.Trigger)
		}
	}
	s.rescheduleIfActive(ctx, a.ID, s.gate.NextDue(a, now))
}

// rescheduleIfActive re-reads the status under loopMu so a pause that landed
// while the tick was evaluating is not undone.
func (s *Scheduler) rescheduleIfActive(ctx context.Context, automationID string, at time.Time) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.stopping.Load() {
		return
	}
	a, err := s.store.GetAutomation(ctx, automationID)
	switch {
	case errors.Is(err, ErrAutomationNotFound):
		return
	case err != nil:
		s.logger.Warn("re-read automation before next tick", "automation_id", automationID, "err", err)
	case a.Status != StatusActive:
		return
	}
	s.scheduleTick(automationID, at)
}

func (s *Scheduler) scheduleTick(automationID string, at time.Time) {
	if err := s.timers.Schedule(tickID(automationID), "", at, func() { s.tick(automationID) }); err != nil {
		s.logger.Error("schedule tick", "automation_id", automationID, "err", err)
	}
}

func (s *Scheduler) pruneLedger() {
	removed, err := s.store.PruneAllExecutions(s.ctxOrBackground())
	if err != nil {
		s.logger.Error("ledger retention", "err", err)
		return
	}
	s.logger.Info("ledger retention", "removed", removed)
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

func tickID(automationID string) string {
	return "tick:" + automationID
}
