package core

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"
)

// DeviceReader reads the current state of devices.
type DeviceReader interface {
	// CurrentValue returns the latest reading or ErrDataUnavailable.
	CurrentValue(ctx context.Context, deviceID, property string) (float64, error)
	Online(ctx context.Context, deviceID string) (bool, error)
}

// Satisfied applies the condition's operator to a measured value.
func Satisfied(op Operator, v, t float64, t2 *float64) bool {
	switch op {
	case OpGreaterThan:
		return v > t
	case OpLessThan:
		return v < t
	case OpEquals:
		return v == t
	case OpNotEquals:
		return v != t
	case OpBetween:
		if t2 == nil {
			return false
		}
		return t <= v && v <= *t2
	case OpOutside:
		if t2 == nil {
			return false
		}
		return v < t || v > *t2
	default:
		return false
	}
}

// ClockSatisfied applies a time-of-day condition. Ranged operators wrap
// midnight when the upper bound is earlier than the lower one.
func ClockSatisfied(op Operator, v, t ClockTime, t2 *ClockTime) bool {
	switch op {
	case OpGreaterThan:
		return v > t
	case OpLessThan:
		return v < t
	case OpEquals:
		return v == t
	case OpNotEquals:
		return v != t
	case OpBetween:
		if t2 == nil {
			return false
		}
		return inClockWindow(v, t, *t2)
	case OpOutside:
		if t2 == nil {
			return false
		}
		return !inClockWindow(v, t, *t2)
	default:
		return false
	}
}

// FoldConditions combines per-condition verdicts left to right. The logic
// operator stored on condition i-1 joins the running result with condition
// i; there is no precedence, so [A AND, B OR, C] is (A AND B) OR C.
// conds must already be sorted by Order.
func FoldConditions(conds []Condition, met []bool) bool {
	if len(met) == 0 {
		return true
	}
	result := met[0]
	for i := 1; i < len(met); i++ {
		switch conds[i-1].Logic {
		case LogicOr:
			result = result || met[i]
		default:
			result = result && met[i]
		}
	}
	return result
}

// SortConditions returns a copy of conds ordered by Order.
func SortConditions(conds []Condition) []Condition {
	sorted := make([]Condition, len(conds))
	copy(sorted, conds)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	return sorted
}

// Evaluator evaluates conditions against live device readings.
type Evaluator struct {
	reader  DeviceReader
	timeout time.Duration
	logger  *slog.Logger
}

// NewEvaluator creates an evaluator. timeout bounds every device read.
func NewEvaluator(reader DeviceReader, timeout time.Duration, logger *slog.Logger) *Evaluator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Evaluator{reader: reader, timeout: timeout, logger: logger}
}

// EvaluateCondition evaluates one condition at now. A missing or late
// reading yields an unsatisfied result flagged Unavailable.
func (e *Evaluator) EvaluateCondition(ctx context.Context, cond *Condition, now time.Time) ConditionResult {
	res := ConditionResult{
		Order:    cond.Order,
		DeviceID: cond.DeviceID,
		Property: cond.Property,
		Operator: cond.Operator,
	}
	if cond.TimeBased() {
		clock := ClockOf(now)
		res.Clock = clock.String()
		if cond.TimeValue == nil {
			res.Error = "time condition has no time value"
			return res
		}
		res.Met = ClockSatisfied(cond.Operator, clock, *cond.TimeValue, cond.TimeValueMax)
		return res
	}
	if cond.DeviceID == nil {
		res.Error = "condition has no device"
		return res
	}

	readCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	value, err := e.reader.CurrentValue(readCtx, *cond.DeviceID, cond.Property)
	if err != nil {
		res.Unavailable = true
		if !errors.Is(err, ErrDataUnavailable) {
			res.Error = err.Error()
		}
		e.logger.Warn("condition data unavailable", "device_id", *cond.DeviceID, "property", cond.Property, "err", err)
		return res
	}
	res.Value = &value
	res.Met = Satisfied(cond.Operator, value, cond.Value, cond.ValueMax)
	return res
}

// EvaluateSet evaluates every condition in order and folds the verdicts.
// All conditions are sampled so the audit trail is complete.
func (e *Evaluator) EvaluateSet(ctx context.Context, conds []Condition, now time.Time) (bool, []ConditionResult) {
	sorted := SortConditions(conds)
	results := make([]ConditionResult, 0, len(sorted))
	met := make([]bool, 0, len(sorted))
	for i := range sorted {
		res := e.EvaluateCondition(ctx, &sorted[i], now)
		results = append(results, res)
		met = append(met, res.Met)
	}
	return FoldConditions(sorted, met), results
}
