// Package enginetest wires a complete engine on a temp-dir sqlite store,
// a fake clock and in-memory devices, for tests of the outer surfaces.
package enginetest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"growrules/internal/core"
	"growrules/internal/store"
	"growrules/internal/timer"
)

// Monday is 2024-06-03 09:00 UTC, the default start of the fake clock.
var Monday = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

// Engine is a running engine. User u1 owns section s1 with sensor-1 and
// fan-1; user u2 owns section s2 with pump-2.
type Engine struct {
	Clock     *clockwork.FakeClock
	Store     *store.Store
	Readings  *Readings
	Commands  *Commands
	Scheduler *core.Scheduler
	Service   *core.Service
}

// New starts an engine and stops it when the test ends.
func New(t testing.TB) *Engine {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(ctx, t.TempDir(), 20)
	require.NoError(t, err)
	require.NoError(t, st.ImportDirectory(ctx, &store.DirectoryFile{Rooms: []store.RoomEntry{
		{ID: "r1", UserID: "u1", Name: "Veg room", Sections: []store.SectionEntry{
			{ID: "s1", Name: "Bench A", Devices: []store.DeviceEntry{
				{ID: "sensor-1", Name: "Climate", Kind: "sensor"},
				{ID: "fan-1", Name: "Exhaust", Kind: "fan"},
			}},
		}},
		{ID: "r2", UserID: "u2", Name: "Flower room", Sections: []store.SectionEntry{
			{ID: "s2", Name: "Bench B", Devices: []store.DeviceEntry{{ID: "pump-2", Name: "Pump", Kind: "pump"}}},
		}},
	}}))

	clock := clockwork.NewFakeClockAt(Monday)
	timers := timer.NewManager(clock, 2)
	timers.Start()

	readings := &Readings{values: make(map[string]float64)}
	commands := &Commands{}
	ev := core.NewEvaluator(readings, time.Second, logger)
	checker := core.NewEffectivenessChecker(st, ev, timers, clock, 0, logger)
	ex := core.NewActionExecutor(st, commands, timers, clock, logger).WithChecker(checker)
	sched := core.NewScheduler(st, ev, ex, timers, clock, time.Minute, logger, time.UTC)

	runCtx, cancel := context.WithCancel(ctx)
	sched.Start(runCtx)
	t.Cleanup(func() {
		cancel()
		timers.Stop()
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		sched.Stop(stopCtx)
		_ = st.Close()
	})

	return &Engine{
		Clock:     clock,
		Store:     st,
		Readings:  readings,
		Commands:  commands,
		Scheduler: sched,
		Service:   core.NewService(st, sched, logger),
	}
}

// Readings is an in-memory core.DeviceReader. Every device is online.
type Readings struct {
	mu     sync.Mutex
	values map[string]float64
}

func (r *Readings) Set(deviceID, property string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[deviceID+"/"+property] = v
}

func (r *Readings) CurrentValue(_ context.Context, deviceID, property string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[deviceID+"/"+property]
	if !ok {
		return 0, core.ErrDataUnavailable
	}
	return v, nil
}

func (r *Readings) Online(context.Context, string) (bool, error) { return true, nil }

// Command is one recorded dispatch.
type Command struct {
	DeviceID string
	Action   core.ActionType
}

// Commands records dispatched commands.
type Commands struct {
	mu    sync.Mutex
	calls []Command
}

func (c *Commands) Dispatch(_ context.Context, deviceID string, action core.ActionType, _ map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Command{DeviceID: deviceID, Action: action})
	return nil
}

// Sent returns a copy of the recorded commands.
func (c *Commands) Sent() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Command(nil), c.calls...)
}
