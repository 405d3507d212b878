package notifications

import (
	"time"

	"github.com/systmms/dbrotate/internal/config"
)

// EventType is the kind of rotation outcome.
type EventType string

const (
	// EventInitialized is sent after the first pool went live.
	EventInitialized EventType = config.EventInitialized

	// EventRotated is sent after a rotation promoted a new pool.
	EventRotated EventType = config.EventRotated

	// EventFailed is sent when Initialize or Rotate failed.
	EventFailed EventType = config.EventFailed
)

// Event describes one finished Initialize or Rotate attempt. It never
// carries a password.
type Event struct {
	Type       EventType
	RotationID string
	Role       string

	// Step is the step that failed, empty on success.
	Step  string
	Error string

	OldPool string
	NewPool string
	NewUser string
	LeaseID string

	Duration  time.Duration
	Timestamp time.Time
}

// AllEventTypes returns all valid event types.
func AllEventTypes() []EventType {
	return []EventType{EventInitialized, EventRotated, EventFailed}
}
