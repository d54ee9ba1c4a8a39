// Governance types — autonomy phases, circuit-breaker rules and events,
// and the command metrics the breaker evaluates.
package domain

import "time"

// AutonomyPhase is the progressive-autonomy level. Higher phases whitelist
// more command types for unattended agent execution.
type AutonomyPhase string

const (
	PhaseL3     AutonomyPhase = "L3"
	PhaseL3Plus AutonomyPhase = "L3+"
	PhaseL4     AutonomyPhase = "L4"
	PhaseL4Plus AutonomyPhase = "L4+"
	PhaseL5     AutonomyPhase = "L5"
)

// Valid reports whether p is a known phase.
func (p AutonomyPhase) Valid() bool {
	switch p {
	case PhaseL3, PhaseL3Plus, PhaseL4, PhaseL4Plus, PhaseL5:
		return true
	}
	return false
}

// GovernanceState is the singleton autonomy record.
type GovernanceState struct {
	CurrentPhase     AutonomyPhase `json:"currentPhase"`
	PhaseStartDate   time.Time     `json:"phaseStartDate"`
	CommandWhitelist []CommandType `json:"commandWhitelist"`
	LastReportDate   time.Time     `json:"lastReportDate,omitzero"`
}

// Whitelisted reports whether t may be proposed by an agent in this phase.
func (g GovernanceState) Whitelisted(t CommandType) bool {
	for _, w := range g.CommandWhitelist {
		if w == t {
			return true
		}
	}
	return false
}

// GovernorAction is the governor's verdict on a proposal.
type GovernorAction string

const (
	GovernorAllow      GovernorAction = "ALLOW"
	GovernorBlock      GovernorAction = "BLOCK"
	GovernorQuarantine GovernorAction = "QUARANTINE"
)

// Decision is the governor's answer for one command evaluation.
type Decision struct {
	Action     GovernorAction `json:"action"`
	Confidence float64        `json:"confidence"`
	Reasons    []string       `json:"reasons,omitempty"`
	DecidedAt  time.Time      `json:"decidedAt"`
	DecidedBy  string         `json:"decidedBy"`
}

// GovernorContext carries the aggregate signals a decision considers.
type GovernorContext struct {
	Proposer          ProposerKind `json:"proposer"`
	Actor             string       `json:"actor"`
	SessionID         string       `json:"sessionId,omitempty"`
	RecentFailureRate float64      `json:"recentFailureRate"`
	CommandsInSession int          `json:"commandsInSession"`
}

// ─── Circuit Breaker ────────────────────────────────────────────────────────

// BreakerAction is what firing a rule does.
type BreakerAction string

const (
	ActionRevertToL3       BreakerAction = "revert_to_l3"
	ActionPauseCommandType BreakerAction = "pause_command_type"
	ActionAlertOnly        BreakerAction = "alert_only"
)

// BreakerRule is one persisted circuit-breaker rule. Condition is the
// restricted textual form; it is parsed at rule-load time, never evaluated
// as code.
type BreakerRule struct {
	Name          string        `json:"name"`
	Enabled       bool          `json:"enabled"`
	Condition     string        `json:"condition"`
	WindowSeconds int           `json:"windowSeconds"`
	Action        BreakerAction `json:"action"`
	AlertSeverity string        `json:"alertSeverity,omitempty"`
	// CommandType scopes pause_command_type actions.
	CommandType CommandType `json:"commandType,omitempty"`
}

// BreakerEvent is the immutable audit record of one rule trigger.
// Only Resolved may change, via an explicit resolve call.
type BreakerEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Rule      BreakerRule    `json:"rule"`
	Metrics   CommandMetrics `json:"metrics"`
	Action    BreakerAction  `json:"action"`
	Details   string         `json:"details,omitempty"`
	Resolved  bool           `json:"resolved"`
}

// ─── Metrics ────────────────────────────────────────────────────────────────

// CommandMetrics is an aggregate over command proposals in a window,
// derived from proposal records and their audit logs.
type CommandMetrics struct {
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`

	Total      int `json:"total"`
	Proposed   int `json:"proposed"`
	Approved   int `json:"approved"`
	Rejected   int `json:"rejected"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolledBack"`

	SuccessRate  float64 `json:"successRate"`
	ApprovalRate float64 `json:"approvalRate"`
	RollbackRate float64 `json:"rollbackRate"`
	ErrorRate    float64 `json:"errorRate"`

	IncidentsCritical    int `json:"incidentsCritical"`
	ConstraintViolations int `json:"constraintViolations"`
	EmergencyAborts      int `json:"emergencyAborts"`

	// MaxIncidentSeverity is the worst incident severity in the window
	// ("", "warning", "critical"); feeds incident.severity conditions.
	MaxIncidentSeverity string `json:"maxIncidentSeverity,omitempty"`

	// FailuresByType feeds commandType.failures conditions.
	FailuresByType map[CommandType]int `json:"failuresByType,omitempty"`
}

// Derive fills the rate fields from the counters.
func (m *CommandMetrics) Derive() {
	m.SuccessRate = float64(m.Succeeded) / float64(max(1, m.Succeeded+m.Failed))
	m.ApprovalRate = float64(m.Approved) / float64(max(1, m.Proposed))
	m.RollbackRate = float64(m.RolledBack) / float64(max(1, m.Succeeded))
	m.ErrorRate = float64(m.Failed) / float64(max(1, m.Total))
}

// MetricsSnapshot is a persisted rollup of CommandMetrics.
type MetricsSnapshot struct {
	ID      int64          `json:"id"`
	TakenAt time.Time      `json:"takenAt"`
	Kind    string         `json:"kind"` // "cycle" or "weekly"
	Metrics CommandMetrics `json:"metrics"`
}
