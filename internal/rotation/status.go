package rotation

import "time"

// DefaultHistoryLimit is how many attempts Status keeps.
const DefaultHistoryLimit = 20

// Result values used in Status and HistoryEntry.
const (
	ResultSuccess      = "success"
	ResultFailed       = "failed"
	ResultNeverRotated = "never_rotated"
)

// Status is a point-in-time view of the orchestrator. It is kept in memory only.
type Status struct {
	Initialized  bool       `json:"initialized" yaml:"initialized"`
	ShutDown     bool       `json:"shut_down" yaml:"shut_down"`
	ActivePool   string     `json:"active_pool,omitempty" yaml:"active_pool,omitempty"`
	ActiveUser   string     `json:"active_user,omitempty" yaml:"active_user,omitempty"`
	LeaseID      string     `json:"lease_id,omitempty" yaml:"lease_id,omitempty"`
	PreviousPool string     `json:"previous_pool,omitempty" yaml:"previous_pool,omitempty"`
	OpenPools    int        `json:"open_pools" yaml:"open_pools"`
	LastRotation *time.Time `json:"last_rotation,omitempty" yaml:"last_rotation,omitempty"`
	LastResult   string     `json:"last_result" yaml:"last_result"`
	LastError    string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	RotationCount int `json:"rotation_count" yaml:"rotation_count"`
	SuccessCount  int `json:"success_count" yaml:"success_count"`
	FailureCount  int `json:"failure_count" yaml:"failure_count"`

	History []HistoryEntry `json:"history,omitempty" yaml:"history,omitempty"`
}

// HistoryEntry records one initialize or rotate attempt.
type HistoryEntry struct {
	ID        string        `json:"id" yaml:"id"`
	Timestamp time.Time     `json:"timestamp" yaml:"timestamp"`
	Action    string        `json:"action" yaml:"action"`
	Role      string        `json:"role,omitempty" yaml:"role,omitempty"`
	Status    string        `json:"status" yaml:"status"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`

	OldPool string       `json:"old_pool,omitempty" yaml:"old_pool,omitempty"`
	NewPool string       `json:"new_pool,omitempty" yaml:"new_pool,omitempty"`
	NewUser string       `json:"new_user,omitempty" yaml:"new_user,omitempty"`
	Steps   []StepResult `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// StepResult is the outcome of one step of an attempt.
type StepResult struct {
	Name      string        `json:"name" yaml:"name"`
	Status    string        `json:"status" yaml:"status"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
}

func (s Status) clone() Status {
	out := s
	if s.LastRotation != nil {
		t := *s.LastRotation
		out.LastRotation = &t
	}
	out.History = make([]HistoryEntry, len(s.History))
	for i, entry := range s.History {
		entry.Steps = append([]StepResult(nil), entry.Steps...)
		out.History[i] = entry
	}
	return out
}
