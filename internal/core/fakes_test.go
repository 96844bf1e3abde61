package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"growrules/internal/timer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory EngineStore and Directory.
type memStore struct {
	mu          sync.Mutex
	automations map[string]*Automation
	sections    map[string]string // section -> user
	devices     map[string]Device
	executions  []*Execution
	checks      []EffectivenessCheck
	pruned      int
	failStart   error
}

func newMemStore() *memStore {
	return &memStore{
		automations: make(map[string]*Automation),
		sections:    map[string]string{"s1": "u1", "s2": "u2"},
		devices: map[string]Device{
			"sensor-1": {ID: "sensor-1", SectionID: "s1", Name: "Climate sensor", Kind: "sensor"},
			"fan-1":    {ID: "fan-1", SectionID: "s1", Name: "Extractor", Kind: "plug"},
			"pump-2":   {ID: "pump-2", SectionID: "s2", Name: "Pump", Kind: "plug"},
		},
	}
}

func cloneAutomation(a *Automation) *Automation {
	c := *a
	c.Conditions = append([]Condition(nil), a.Conditions...)
	c.Actions = append([]Action(nil), a.Actions...)
	if a.LastEvaluatedAt != nil {
		t := *a.LastEvaluatedAt
		c.LastEvaluatedAt = &t
	}
	return &c
}

func cloneExecution(e *Execution) *Execution {
	c := *e
	c.TriggeredConditions = append([]ConditionResult(nil), e.TriggeredConditions...)
	c.ExecutedActions = append([]ActionOutcome(nil), e.ExecutedActions...)
	return &c
}

func (m *memStore) put(a *Automation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.automations[a.ID] = cloneAutomation(a)
}

func (m *memStore) GetAutomation(_ context.Context, id string) (*Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.automations[id]
	if !ok {
		return nil, ErrAutomationNotFound
	}
	return cloneAutomation(a), nil
}

func (m *memStore) ListAutomations(_ context.Context, filter AutomationFilter) ([]*Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked("", filter), nil
}

func (m *memStore) listLocked(userID string, filter AutomationFilter) []*Automation {
	var out []*Automation
	for _, a := range m.automations {
		if userID != "" && m.sections[a.SectionID] != userID {
			continue
		}
		if filter.SectionID != nil && a.SectionID != *filter.SectionID {
			continue
		}
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		out = append(out, cloneAutomation(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *memStore) TouchEvaluated(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.automations[id]; ok {
		a.LastEvaluatedAt = &at
	}
	return nil
}

func (m *memStore) InsertExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneExecution(exec)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.ScheduledAt
	}
	m.executions = append(m.executions, c)
	return nil
}

func (m *memStore) MarkExecutionStarted(_ context.Context, id string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStart != nil {
		return m.failStart
	}
	for _, e := range m.executions {
		if e.ID == id {
			e.Status = ExecutionRunning
			e.StartedAt = &startedAt
			return nil
		}
	}
	return ErrExecutionNotFound
}

func (m *memStore) CompleteExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.executions {
		if e.ID == exec.ID {
			c := cloneExecution(exec)
			c.CreatedAt = e.CreatedAt
			m.executions[i] = c
			return nil
		}
	}
	return ErrExecutionNotFound
}

func (m *memStore) InsertEffectivenessCheck(_ context.Context, check *EffectivenessCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, *check)
	return nil
}

func (m *memStore) PruneExecutions(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned++
	return nil
}

func (m *memStore) PruneAllExecutions(context.Context) (int64, error) { return 0, nil }

func (m *memStore) executionsOf(automationID string) []*Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Execution
	for _, e := range m.executions {
		if e.AutomationID == automationID {
			out = append(out, cloneExecution(e))
		}
	}
	return out
}

func (m *memStore) allChecks() []EffectivenessCheck {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EffectivenessCheck(nil), m.checks...)
}

func (m *memStore) ForUser(userID string) Repository {
	return &memRepo{store: m, userID: userID}
}

type memRepo struct {
	store  *memStore
	userID string
}

func (r *memRepo) owned(a *Automation) bool {
	return r.store.sections[a.SectionID] == r.userID
}

func (r *memRepo) SectionExists(_ context.Context, sectionID string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.store.sections[sectionID] == r.userID, nil
}

func (r *memRepo) GetDevice(_ context.Context, id string) (*Device, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	d, ok := r.store.devices[id]
	if !ok || r.store.sections[d.SectionID] != r.userID {
		return nil, ErrDeviceNotFound
	}
	return &d, nil
}

func (r *memRepo) CreateAutomation(_ context.Context, a *Automation) error {
	r.store.put(a)
	return nil
}

func (r *memRepo) UpdateAutomation(_ context.Context, a *Automation) error {
	r.store.mu.Lock()
	existing, ok := r.store.automations[a.ID]
	found := ok && r.owned(existing)
	r.store.mu.Unlock()
	if !found {
		return ErrAutomationNotFound
	}
	r.store.put(a)
	return nil
}

func (r *memRepo) DeleteAutomation(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	a, ok := r.store.automations[id]
	if !ok || !r.owned(a) {
		return ErrAutomationNotFound
	}
	delete(r.store.automations, id)
	return nil
}

func (r *memRepo) UpdateAutomationStatus(_ context.Context, id string, status AutomationStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	a, ok := r.store.automations[id]
	if !ok || !r.owned(a) {
		return ErrAutomationNotFound
	}
	a.Status = status
	return nil
}

func (r *memRepo) GetAutomation(_ context.Context, id string) (*Automation, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	a, ok := r.store.automations[id]
	if !ok || !r.owned(a) {
		return nil, ErrAutomationNotFound
	}
	return cloneAutomation(a), nil
}

func (r *memRepo) GetAutomationByName(_ context.Context, name string) (*Automation, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, a := range r.store.automations {
		if a.Name == name && r.owned(a) {
			return cloneAutomation(a), nil
		}
	}
	return nil, ErrAutomationNotFound
}

func (r *memRepo) ListAutomations(_ context.Context, filter AutomationFilter) ([]*Automation, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.store.listLocked(r.userID, filter), nil
}

func (r *memRepo) ListExecutions(_ context.Context, automationID string, filter ExecutionFilter) ([]*Execution, error) {
	var out []*Execution
	for _, e := range r.store.executionsOf(automationID) {
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		out = append(out, e)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memRepo) SummarizeExecutions(_ context.Context, automationID string) (ExecutionSummary, error) {
	var s ExecutionSummary
	for _, e := range r.store.executionsOf(automationID) {
		s.Add(e.Status)
	}
	return s, nil
}

func (r *memRepo) EffectivenessStats(_ context.Context, automationID *string, since time.Time) (EffectivenessStats, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var stats EffectivenessStats
	counted := make(map[string]bool)
	for _, e := range r.store.executions {
		a, ok := r.store.automations[e.AutomationID]
		if !ok || !r.owned(a) || e.CreatedAt.Before(since) {
			continue
		}
		if automationID != nil && e.AutomationID != *automationID {
			continue
		}
		counted[e.ID] = true
		stats.TotalExecutions++
		switch e.Status {
		case ExecutionCompleted:
			stats.CompletedExecutions++
		case ExecutionFailed:
			stats.FailedExecutions++
		}
	}
	for _, c := range r.store.checks {
		if counted[c.ExecutionID] {
			stats.TotalChecks++
			if c.GoalMet() {
				stats.ChecksGoalMet++
			}
		}
	}
	return stats, nil
}

// fakeReader serves readings from a map; missing readings are unavailable.
type fakeReader struct {
	mu     sync.Mutex
	values map[string]float64
	block  bool
	// onRead runs on every read, outside the lock.
	onRead func()
}

func newFakeReader() *fakeReader {
	return &fakeReader{values: make(map[string]float64)}
}

func (r *fakeReader) set(deviceID, property string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[deviceID+"/"+property] = v
}

func (r *fakeReader) CurrentValue(ctx context.Context, deviceID, property string) (float64, error) {
	r.mu.Lock()
	block := r.block
	v, ok := r.values[deviceID+"/"+property]
	onRead := r.onRead
	r.mu.Unlock()
	if onRead != nil {
		onRead()
	}
	if block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if !ok {
		return 0, ErrDataUnavailable
	}
	return v, nil
}

func (r *fakeReader) Online(context.Context, string) (bool, error) { return true, nil }

type dispatchCall struct {
	DeviceID string
	Action   ActionType
	Params   map[string]any
	At       time.Time
}

// fakeCommander records commands. Devices in fail return an error;
// a non-nil hold channel blocks every dispatch until closed.
type fakeCommander struct {
	mu    sync.Mutex
	clock clockwork.Clock
	calls []dispatchCall
	fail  map[string]error
	hold  chan struct{}
}

func newFakeCommander(clock clockwork.Clock) *fakeCommander {
	return &fakeCommander{clock: clock, fail: make(map[string]error)}
}

func (c *fakeCommander) Dispatch(ctx context.Context, deviceID string, action ActionType, params map[string]any) error {
	c.mu.Lock()
	hold := c.hold
	c.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, dispatchCall{DeviceID: deviceID, Action: action, Params: params, At: c.clock.Now()})
	return c.fail[deviceID]
}

func (c *fakeCommander) snapshot() []dispatchCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dispatchCall(nil), c.calls...)
}

type fakeTask struct {
	group    string
	at       time.Time
	callback func()
}

// fakeTimers records scheduled callbacks; tests run them with fire.
type fakeTimers struct {
	mu    sync.Mutex
	tasks map[string]fakeTask
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{tasks: make(map[string]fakeTask)}
}

func (f *fakeTimers) Schedule(id, group string, at time.Time, callback func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id] = fakeTask{group: group, at: at, callback: callback}
	return nil
}

func (f *fakeTimers) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tasks[id]
	delete(f.tasks, id)
	return ok
}

func (f *fakeTimers) CancelGroup(group string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, t := range f.tasks {
		if t.group == group {
			delete(f.tasks, id)
			n++
		}
	}
	return n
}

func (f *fakeTimers) Pending(id string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	return t.at, ok
}

func (f *fakeTimers) fire(id string) bool {
	f.mu.Lock()
	t, ok := f.tasks[id]
	delete(f.tasks, id)
	f.mu.Unlock()
	if ok {
		t.callback()
	}
	return ok
}

func (f *fakeTimers) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.tasks))
	for id := range f.tasks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type testEngine struct {
	clock    *clockwork.FakeClock
	store    *memStore
	reader   *fakeReader
	cmd      *fakeCommander
	timers   TimerQueue
	executor *ActionExecutor
	checker  *EffectivenessChecker
	sched    *Scheduler
	svc      *Service
}

// newTestEngine wires the engine on a fake clock. Follow-ups go to
// fakeTimers unless withManager starts a real timer.Manager.
func newTestEngine(t *testing.T, now time.Time, withManager bool, checkDelay time.Duration) *testEngine {
	t.Helper()
	fc := clockwork.NewFakeClockAt(now)
	var timers TimerQueue = newFakeTimers()
	if withManager {
		tm := timer.NewManager(fc, 2)
		tm.Start()
		t.Cleanup(tm.Stop)
		timers = tm
	}
	logger := discardLogger()
	st := newMemStore()
	reader := newFakeReader()
	cmd := newFakeCommander(fc)

	ev := NewEvaluator(reader, 50*time.Millisecond, logger)
	checker := NewEffectivenessChecker(st, ev, timers, fc, checkDelay, logger)
	ex := NewActionExecutor(st, cmd, timers, fc, logger).WithChecker(checker)
	sched := NewScheduler(st, ev, ex, timers, fc, time.Minute, logger, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		cancel()
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		sched.Stop(stopCtx)
	})

	return &testEngine{
		clock:    fc,
		store:    st,
		reader:   reader,
		cmd:      cmd,
		timers:   timers,
		executor: ex,
		checker:  checker,
		sched:    sched,
		svc:      NewService(st, sched, logger),
	}
}

func (e *testEngine) queue() *fakeTimers {
	return e.timers.(*fakeTimers)
}

// waitTerminal waits for the latest execution to reach a terminal status
// and for the automation's lease to be released.
func (e *testEngine) waitTerminal(t *testing.T, automationID string) *Execution {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		execs := e.store.executionsOf(automationID)
		if len(execs) > 0 && execs[len(execs)-1].Status.Terminal() && !e.sched.Running(automationID) {
			return execs[len(execs)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no terminal execution for %s", automationID)
	return nil
}

var errOffline = errors.New("device offline")

func ptr[T any](v T) *T { return &v }

func day(hh, mm int) time.Time {
	// 2024-06-03 is a Monday.
	return time.Date(2024, 6, 3, hh, mm, 0, 0, time.UTC)
}
