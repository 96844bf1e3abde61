// Package notify delivers engine messages (failed executions, failing
// devices) to people and to downstream consumers.
package notify

import (
	"context"
	"errors"

	"growrules/internal/core"
)

var (
	_ core.Notifier = (*MultiNotifier)(nil)
	_ core.Notifier = (*BarkNotifier)(nil)
	_ core.Notifier = (*KafkaNotifier)(nil)
	_ core.Notifier = NoOpNotifier{}
)

// MultiNotifier fans a message out to every notifier. A failing notifier
// does not stop the rest; the errors are joined.
type MultiNotifier struct {
	notifiers []core.Notifier
}

func NewMultiNotifier(notifiers ...core.Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports how many notifiers are attached.
func (m *MultiNotifier) Len() int { return len(m.notifiers) }

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (NoOpNotifier) Send(context.Context, string, string) error {
	return nil
}
