package ports

import "context"

// Notifier is a best-effort, operator-facing message sink. Implementations
// must never fail the caller; delivery errors are logged by the adapter.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string) {}
