// Mission types — a Mission is a unit of agent work that flows through the
// store: create → claim → heartbeat → complete | fail → retry.
package domain

import "time"

// MissionStatus tracks mission lifecycle.
type MissionStatus string

const (
	MissionPending   MissionStatus = "PENDING"
	MissionLeased    MissionStatus = "LEASED"
	MissionSucceeded MissionStatus = "SUCCEEDED"
	MissionFailed    MissionStatus = "FAILED"
	MissionRetry     MissionStatus = "RETRY"
)

// MissionPriority orders claims: HIGH before MEDIUM before LOW.
type MissionPriority string

const (
	PriorityLow    MissionPriority = "LOW"
	PriorityMedium MissionPriority = "MEDIUM"
	PriorityHigh   MissionPriority = "HIGH"
)

// Rank maps a priority to a sortable integer (higher wins).
func (p MissionPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is a known priority.
func (p MissionPriority) Valid() bool {
	return p.Rank() > 0
}

// MissionGoal names what the claiming agent should do.
type MissionGoal struct {
	Title  string         `json:"title"`
	Params map[string]any `json:"params,omitempty"`
}

// Lease is a bounded-time exclusive claim on a mission.
type Lease struct {
	LeaseID   string    `json:"leaseId"`
	HolderID  string    `json:"holderId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lease has lapsed at now.
func (l *Lease) Expired(now time.Time) bool {
	return l == nil || !l.ExpiresAt.After(now)
}

// Mission is a persisted unit of agent work.
type Mission struct {
	ID             string          `json:"missionId"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Goal           MissionGoal     `json:"goal"`
	Priority       MissionPriority `json:"priority"`
	Status         MissionStatus   `json:"status"`
	Attempts       int             `json:"attempts"`
	NextRunAfter   time.Time       `json:"nextRunAfter"`
	Lease          *Lease          `json:"lease,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// IsTerminal returns true once the mission can no longer change state.
func (m *Mission) IsTerminal() bool {
	return m.Status == MissionSucceeded || m.Status == MissionFailed
}

// CreateMissionRequest is the input to mission creation.
type CreateMissionRequest struct {
	Goal           MissionGoal     `json:"goal"`
	Priority       MissionPriority `json:"priority,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// MissionFailure describes a failed attempt.
type MissionFailure struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// MissionMetrics summarizes store contents for the metrics endpoint.
type MissionMetrics struct {
	ByStatus     map[MissionStatus]int `json:"byStatus"`
	ReadyBacklog int                   `json:"readyBacklog"`
	Total        int                   `json:"total"`
}
