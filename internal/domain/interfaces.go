package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// ConfigStore persists per-machine heuristics configs.
type ConfigStore interface {
	UpsertConfig(ctx context.Context, key MachineKey, cfg HeuristicsConfig) error
	GetConfig(ctx context.Context, key MachineKey) (*HeuristicsConfig, error)
	DeleteConfig(ctx context.Context, key MachineKey) error
	ListConfigs(ctx context.Context) (map[string]HeuristicsConfig, error)
}

// MissionRepo persists missions. ClaimNext and ReapExpired must be atomic
// with respect to concurrent claimers.
type MissionRepo interface {
	InsertMission(ctx context.Context, m Mission) error
	GetMission(ctx context.Context, id string) (*Mission, error)
	GetMissionByIdempotencyKey(ctx context.Context, key string) (*Mission, error)
	UpdateMission(ctx context.Context, m Mission) error
	ListMissions(ctx context.Context, status MissionStatus, limit int) ([]Mission, error)
	MissionCounts(ctx context.Context) (map[MissionStatus]int, error)
	ReadyBacklog(ctx context.Context, now time.Time) (int, error)

	// ClaimNext atomically selects the highest-priority claimable mission
	// whose goal title is in goals, marks it LEASED with the given lease,
	// increments attempts, and returns it. Returns (nil, nil) when nothing
	// is claimable.
	ClaimNext(ctx context.Context, goals []string, lease Lease, now time.Time) (*Mission, error)

	// ReapExpired moves every LEASED mission whose lease lapsed back to
	// RETRY with next_run_after=now and the lease cleared. Returns the ids
	// of reaped missions. Attempts are not incremented by reaping.
	ReapExpired(ctx context.Context, now time.Time) ([]string, error)
}

// ProposalRepo persists command proposals. MutateProposal serializes
// concurrent transitions on one proposal id.
type ProposalRepo interface {
	InsertProposal(ctx context.Context, p Proposal) error
	GetProposal(ctx context.Context, id string) (*Proposal, error)
	ListProposals(ctx context.Context, limit int) ([]Proposal, error)
	ListProposalsByStatus(ctx context.Context, status ProposalStatus, limit int) ([]Proposal, error)
	ListProposalsByMachine(ctx context.Context, machineID string, limit int) ([]Proposal, error)
	ListProposalsBySession(ctx context.Context, sessionID string, limit int) ([]Proposal, error)
	ListProposalsSince(ctx context.Context, since time.Time) ([]Proposal, error)

	// MutateProposal loads the proposal, applies fn, and writes the result
	// back inside one transaction. fn returning an error aborts the write.
	MutateProposal(ctx context.Context, id string, fn func(*Proposal) error) (*Proposal, error)

	// RecentCommands returns the most recent admitted (non-rejected)
	// commands of one type on one machine, newest first.
	RecentCommands(ctx context.Context, machineID string, t CommandType, limit int) ([]RecentCommand, error)
}

// GovernanceRepo persists the autonomy singleton, breaker rules and events,
// paused command types, and metrics snapshots.
type GovernanceRepo interface {
	GetGovernanceState(ctx context.Context) (*GovernanceState, error)
	SaveGovernanceState(ctx context.Context, s GovernanceState) error

	ListRules(ctx context.Context) ([]BreakerRule, error)
	UpsertRule(ctx context.Context, r BreakerRule) error

	InsertBreakerEvent(ctx context.Context, e BreakerEvent) error
	ListBreakerEvents(ctx context.Context, limit int) ([]BreakerEvent, error)
	ResolveBreakerEvent(ctx context.Context, id string) error

	PausedCommandTypes(ctx context.Context) ([]CommandType, error)
	SetCommandTypePaused(ctx context.Context, t CommandType, paused bool) error

	InsertSnapshot(ctx context.Context, s MetricsSnapshot) error
	LatestSnapshot(ctx context.Context) (*MetricsSnapshot, error)
	ListSnapshots(ctx context.Context, since time.Time) ([]MetricsSnapshot, error)
}

// Governor decides whether a command may proceed. Consulted by the command
// service as its first gate.
type Governor interface {
	Evaluate(ctx context.Context, cmd Command, gctx GovernorContext) Decision
}

// StateProvider reports a machine's current operational state as named
// boolean flags (drumRotating, roastInProgress, ...). Optional: when absent
// the state gate is skipped.
type StateProvider interface {
	CurrentState(ctx context.Context, machineID string) (map[string]bool, error)
}

// RecentCommandsProvider feeds the rate gate a snapshot of recent same-type
// commands. Optional: when absent the rate gate is skipped.
type RecentCommandsProvider interface {
	RecentCommands(ctx context.Context, machineID string, t CommandType, limit int) ([]RecentCommand, error)
}

// EventPublisher pushes inferred roast events to the outbound bus.
type EventPublisher interface {
	PublishEvent(ctx context.Context, key MachineKey, ev RoastEvent) error
}
