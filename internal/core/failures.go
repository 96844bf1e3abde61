package core

import (
	"sort"
	"sync"
	"time"
)

// FailureStreakThreshold is the number of consecutive dispatch errors after
// which a device is reported as failing.
const FailureStreakThreshold = 3

// DeviceFailure is the current dispatch error streak of one device.
type DeviceFailure struct {
	DeviceID      string    `json:"device_id"`
	Consecutive   int       `json:"consecutive_failures"`
	LastError     string    `json:"last_error"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
}

// FailureTracker counts consecutive dispatch errors per device. A success
// resets the streak. Streaks are not persisted.
type FailureTracker struct {
	mu      sync.Mutex
	streaks map[string]*DeviceFailure
}

func NewFailureTracker() *FailureTracker {
	return &FailureTracker{streaks: make(map[string]*DeviceFailure)}
}

// Record adds a failure and returns the new streak length.
func (t *FailureTracker) Record(deviceID string, err error, at time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.streaks[deviceID]
	if !ok {
		f = &DeviceFailure{DeviceID: deviceID, FirstFailedAt: at}
		t.streaks[deviceID] = f
	}
	f.Consecutive++
	f.LastFailedAt = at
	if err != nil {
		f.LastError = err.Error()
	}
	return f.Consecutive
}

// Reset clears the streak and returns its previous length.
func (t *FailureTracker) Reset(deviceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.streaks[deviceID]
	if !ok {
		return 0
	}
	delete(t.streaks, deviceID)
	return f.Consecutive
}

// Failing lists devices at or above the threshold, ordered by device id.
func (t *FailureTracker) Failing() []DeviceFailure {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DeviceFailure, 0)
	for _, f := range t.streaks {
		if f.Consecutive >= FailureStreakThreshold {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
