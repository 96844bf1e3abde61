package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDataUnavailable means a device has no current reading.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrConcurrencyConflict means an execution is already running for the automation.
	ErrConcurrencyConflict = errors.New("automation already has a running execution")
	// ErrNotActive is returned when a manual execution targets a non-active automation.
	ErrNotActive = errors.New("automation is not active")
	// ErrAutomationNotFound is returned when an automation is missing or outside the caller's scope.
	ErrAutomationNotFound = errors.New("automation not found")
	// ErrExecutionNotFound is returned when an execution id is unknown.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrDeviceNotFound is returned when a device is missing or outside the caller's scope.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrStopping is returned by Fire once shutdown has begun.
	ErrStopping = errors.New("scheduler is stopping")
)

// ValidationError lists every problem found in an automation definition.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid automation: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) addf(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// OwnershipReason distinguishes ownership failures.
type OwnershipReason string

const (
	ReasonSectionNotFound    OwnershipReason = "section_not_found"
	ReasonDeviceNotInSection OwnershipReason = "device_not_in_section"
)

// OwnershipError reports a section or device outside the caller's scope.
type OwnershipError struct {
	Reason    OwnershipReason
	SectionID string
	DeviceIDs []string
}

func (e *OwnershipError) Error() string {
	switch e.Reason {
	case ReasonDeviceNotInSection:
		return fmt.Sprintf("devices %s are not in section %s", strings.Join(e.DeviceIDs, ", "), e.SectionID)
	default:
		return fmt.Sprintf("section %s not found", e.SectionID)
	}
}

// DispatchError is a failed device command.
type DispatchError struct {
	DeviceID string
	Action   ActionType
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s to %s: %v", e.Action, e.DeviceID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
