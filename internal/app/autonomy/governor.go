package autonomy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roast-network/roastd/internal/domain"
)

// decidedBy identifies this governor in decisions it emits.
const decidedBy = "autonomy-governor"

// failureRateCeiling blocks agent proposals once the recent failure rate
// crosses it.
const failureRateCeiling = 0.2

// Governor evaluates commands against the current governance state.
// The decision path is read-only over an in-memory snapshot — the breaker
// loop and operator actions update the snapshot under the writer lock.
type Governor struct {
	mu     sync.RWMutex
	state  domain.GovernanceState
	paused map[domain.CommandType]bool

	repo domain.GovernanceRepo
	log  *zap.Logger
	now  func() time.Time
}

// NewGovernor creates a governor over the governance repository.
// Call Refresh before first use to load the persisted state.
func NewGovernor(repo domain.GovernanceRepo, log *zap.Logger) *Governor {
	return &Governor{
		state:  domain.GovernanceState{CurrentPhase: domain.PhaseL3},
		paused: map[domain.CommandType]bool{},
		repo:   repo,
		log:    log,
		now:    time.Now,
	}
}

// Refresh reloads governance state and paused types from storage.
func (g *Governor) Refresh(ctx context.Context) error {
	state, err := g.repo.GetGovernanceState(ctx)
	if err != nil {
		return err
	}
	pausedList, err := g.repo.PausedCommandTypes(ctx)
	if err != nil {
		return err
	}
	paused := make(map[domain.CommandType]bool, len(pausedList))
	for _, t := range pausedList {
		paused[t] = true
	}

	g.mu.Lock()
	g.state = *state
	g.paused = paused
	g.mu.Unlock()
	return nil
}

// State returns the current governance snapshot.
func (g *Governor) State() domain.GovernanceState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// SetState replaces the in-memory snapshot. Called by the breaker after it
// persists a phase change.
func (g *Governor) SetState(s domain.GovernanceState) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// SetPaused updates one command type's pause flag in the snapshot.
func (g *Governor) SetPaused(t domain.CommandType, paused bool) {
	g.mu.Lock()
	if paused {
		g.paused[t] = true
	} else {
		delete(g.paused, t)
	}
	g.mu.Unlock()
}

// Evaluate decides whether a command may proceed. Rules are data-driven:
//   - paused command types block everyone;
//   - agents may only propose whitelisted types for the current phase;
//   - agents are blocked while the recent failure rate is elevated.
//
// Humans are never blocked by phase scope — approval still applies.
func (g *Governor) Evaluate(ctx context.Context, cmd domain.Command, gctx domain.GovernorContext) domain.Decision {
	g.mu.RLock()
	state := g.state
	pausedHere := g.paused[cmd.Type]
	g.mu.RUnlock()

	d := domain.Decision{
		Action:     domain.GovernorAllow,
		Confidence: 1,
		DecidedAt:  g.now(),
		DecidedBy:  decidedBy,
	}

	if pausedHere {
		d.Action = domain.GovernorBlock
		d.Reasons = []string{domain.ReasonOutOfScope}
		return d
	}
	if gctx.Proposer == domain.ProposerAgent && !state.Whitelisted(cmd.Type) {
		d.Action = domain.GovernorBlock
		d.Reasons = []string{domain.ReasonOutOfScope}
		return d
	}
	if gctx.Proposer == domain.ProposerAgent && gctx.RecentFailureRate > failureRateCeiling {
		d.Action = domain.GovernorBlock
		d.Reasons = []string{domain.ReasonHighFailureRate}
		return d
	}
	return d
}
