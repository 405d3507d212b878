// Package notifications delivers rotation outcomes to external endpoints.
package notifications

import (
	"context"
)

// Provider sends rotation events somewhere.
type Provider interface {
	// Name identifies the provider in logs and metrics (e.g. "webhook:ops").
	Name() string

	// Send delivers one event. Errors are logged by the Manager, never
	// surfaced to the rotation that produced the event.
	Send(ctx context.Context, event Event) error

	// SupportsEvent reports whether the provider wants events of this type.
	SupportsEvent(eventType EventType) bool
}
