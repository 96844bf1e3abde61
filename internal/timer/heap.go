package timer

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrManagerStopped is returned when scheduling on a stopped manager.
var ErrManagerStopped = errors.New("timer manager is stopped")

// idleWait is how long the loop sleeps when nothing is scheduled.
const idleWait = 24 * time.Hour

// Task is a callback scheduled for a point in time.
type Task struct {
	ID       string
	Group    string
	ExpiryAt time.Time
	Callback func()
	index    int
}

// taskHeap is a min-heap of tasks ordered by ExpiryAt.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].ExpiryAt.Before(h[j].ExpiryAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}

// Manager runs scheduled callbacks on a bounded worker pool. One loop
// goroutine owns the heap; expired callbacks are handed to the workers.
type Manager struct {
	clock   clockwork.Clock
	heap    taskHeap
	tasks   map[string]*Task
	mu      sync.Mutex
	wakeup  chan struct{}
	work    chan func()
	workers int

	wg      sync.WaitGroup
	stopped bool
	started bool
	stopCh  chan struct{}
}

// NewManager creates a manager with the given number of workers.
func NewManager(clock clockwork.Clock, workers int) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if workers < 1 {
		workers = 1
	}
	tm := &Manager{
		clock:   clock,
		heap:    make(taskHeap, 0),
		tasks:   make(map[string]*Task),
		wakeup:  make(chan struct{}, 1),
		work:    make(chan func(), workers*4),
		workers: workers,
		stopCh:  make(chan struct{}),
	}
	heap.Init(&tm.heap)
	return tm
}

// Start launches the loop and the worker pool.
func (tm *Manager) Start() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.started || tm.stopped {
		return
	}
	tm.started = true
	for i := 0; i < tm.workers; i++ {
		tm.wg.Add(1)
		go tm.worker()
	}
	tm.wg.Add(1)
	go tm.run()
}

// Stop drops pending tasks and waits for running callbacks to return.
func (tm *Manager) Stop() {
	tm.mu.Lock()
	if tm.stopped {
		tm.mu.Unlock()
		return
	}
	tm.stopped = true
	close(tm.stopCh)
	tm.heap = tm.heap[:0]
	tm.tasks = make(map[string]*Task)
	tm.mu.Unlock()

	tm.wg.Wait()
}

// Schedule adds a task, replacing any pending task with the same id.
func (tm *Manager) Schedule(id, group string, at time.Time, callback func()) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.stopped {
		return ErrManagerStopped
	}
	if existing, ok := tm.tasks[id]; ok {
		heap.Remove(&tm.heap, existing.index)
		delete(tm.tasks, id)
	}

	task := &Task{
		ID:       id,
		Group:    group,
		ExpiryAt: at,
		Callback: callback,
	}
	heap.Push(&tm.heap, task)
	tm.tasks[id] = task

	if tm.heap[0] == task {
		select {
		case tm.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// Cancel removes a pending task.
func (tm *Manager) Cancel(id string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, ok := tm.tasks[id]
	if !ok {
		return false
	}
	heap.Remove(&tm.heap, task.index)
	delete(tm.tasks, id)
	return true
}

// CancelGroup removes every pending task of a group and returns how many were dropped.
func (tm *Manager) CancelGroup(group string) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	removed := 0
	for id, task := range tm.tasks {
		if task.Group != group {
			continue
		}
		heap.Remove(&tm.heap, task.index)
		delete(tm.tasks, id)
		removed++
	}
	return removed
}

// Pending returns the expiry of a scheduled task.
func (tm *Manager) Pending(id string) (time.Time, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	task, ok := tm.tasks[id]
	if !ok {
		return time.Time{}, false
	}
	return task.ExpiryAt, true
}

func (tm *Manager) run() {
	defer tm.wg.Done()
	for {
		tm.mu.Lock()
		if tm.stopped {
			tm.mu.Unlock()
			return
		}

		wait := idleWait
		if tm.heap.Len() > 0 {
			next := tm.heap[0]
			wait = next.ExpiryAt.Sub(tm.clock.Now())
			if wait <= 0 {
				task := heap.Pop(&tm.heap).(*Task)
				delete(tm.tasks, task.ID)
				tm.mu.Unlock()

				select {
				case tm.work <- task.Callback:
				case <-tm.stopCh:
					return
				}
				continue
			}
		}
		tm.mu.Unlock()

		timer := tm.clock.NewTimer(wait)
		select {
		case <-timer.Chan():
		case <-tm.wakeup:
			timer.Stop()
		case <-tm.stopCh:
			timer.Stop()
			return
		}
	}
}

func (tm *Manager) worker() {
	defer tm.wg.Done()
	for {
		select {
		case fn := <-tm.work:
			fn()
		case <-tm.stopCh:
			return
		}
	}
}

// Stats returns statistics about the manager.
func (tm *Manager) Stats() Stats {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return Stats{
		ScheduledTasks: len(tm.tasks),
		Workers:        tm.workers,
	}
}

// Stats contains statistics about the manager.
type Stats struct {
	ScheduledTasks int
	Workers        int
}
