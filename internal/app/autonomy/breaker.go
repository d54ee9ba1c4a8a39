package autonomy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roast-network/roastd/internal/domain"
	"github.com/roast-network/roastd/internal/infra/metrics"
)

// BreakerConfig tunes the breaker loop.
type BreakerConfig struct {
	CheckInterval time.Duration // Rule evaluation cadence
	WeeklyWindow  time.Duration // Window for the weekly rollup
}

// DefaultBreakerConfig returns production breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		CheckInterval: 60 * time.Second,
		WeeklyWindow:  7 * 24 * time.Hour,
	}
}

// Breaker periodically evaluates the enabled rules against fresh metric
// windows and executes their actions. Phase transitions happen under the
// governor's writer lock, held only across the transition.
type Breaker struct {
	repo     domain.GovernanceRepo
	agg      *Aggregator
	governor *Governor
	cfg      BreakerConfig
	log      *zap.Logger

	// now is injectable for testing.
	now func() time.Time
}

// NewBreaker creates a circuit breaker.
func NewBreaker(repo domain.GovernanceRepo, agg *Aggregator, governor *Governor, cfg BreakerConfig, log *zap.Logger) *Breaker {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 60 * time.Second
	}
	if cfg.WeeklyWindow <= 0 {
		cfg.WeeklyWindow = 7 * 24 * time.Hour
	}
	return &Breaker{repo: repo, agg: agg, governor: governor, cfg: cfg, log: log, now: time.Now}
}

// RunCycle evaluates every enabled rule once and returns the events it
// created. Malformed rules are skipped with a warning; they never fire.
func (b *Breaker) RunCycle(ctx context.Context) ([]domain.BreakerEvent, error) {
	rules, err := b.repo.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	now := b.now()

	var fired []domain.BreakerEvent
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		cond, err := ParseCondition(rule.Condition)
		if err != nil {
			b.log.Warn("skipping malformed rule", zap.String("rule", rule.Name), zap.Error(err))
			continue
		}
		window := time.Duration(rule.WindowSeconds) * time.Second
		if window <= 0 {
			window = 5 * time.Minute
		}
		snapshot, err := b.agg.Window(ctx, now.Add(-window), now)
		if err != nil {
			return fired, err
		}
		if !cond.Evaluate(snapshot, rule) {
			continue
		}

		event := domain.BreakerEvent{
			ID:        uuid.New().String(),
			Timestamp: now,
			Rule:      rule,
			Metrics:   snapshot,
			Action:    rule.Action,
		}
		if err := b.execute(ctx, rule, &event); err != nil {
			return fired, err
		}
		if err := b.repo.InsertBreakerEvent(ctx, event); err != nil {
			return fired, err
		}
		metrics.BreakerTriggers.WithLabelValues(rule.Name, string(rule.Action)).Inc()
		fired = append(fired, event)
	}

	// Persist this cycle's 5-minute view for the metrics endpoints.
	cycleWindow, err := b.agg.Window(ctx, now.Add(-5*time.Minute), now)
	if err == nil {
		_ = b.repo.InsertSnapshot(ctx, domain.MetricsSnapshot{
			TakenAt: now, Kind: "cycle", Metrics: cycleWindow,
		})
	}
	return fired, nil
}

// execute applies a fired rule's action.
func (b *Breaker) execute(ctx context.Context, rule domain.BreakerRule, event *domain.BreakerEvent) error {
	switch rule.Action {
	case domain.ActionRevertToL3:
		state := domain.GovernanceState{
			CurrentPhase:     domain.PhaseL3,
			PhaseStartDate:   event.Timestamp,
			CommandWhitelist: []domain.CommandType{},
			LastReportDate:   b.governor.State().LastReportDate,
		}
		if err := b.repo.SaveGovernanceState(ctx, state); err != nil {
			return err
		}
		b.governor.SetState(state)
		metrics.AutonomyPhase.Set(phaseLevel(domain.PhaseL3))
		event.Details = fmt.Sprintf("rule %s fired: reverted to L3, whitelist cleared", rule.Name)
		b.log.Error("circuit breaker reverted autonomy to L3",
			zap.String("rule", rule.Name),
			zap.String("condition", rule.Condition),
			zap.String("severity", rule.AlertSeverity))

	case domain.ActionPauseCommandType:
		if rule.CommandType == "" {
			event.Details = fmt.Sprintf("rule %s fired with no command type to pause", rule.Name)
			b.log.Warn("pause rule names no command type", zap.String("rule", rule.Name))
			return nil
		}
		if err := b.repo.SetCommandTypePaused(ctx, rule.CommandType, true); err != nil {
			return err
		}
		b.governor.SetPaused(rule.CommandType, true)
		event.Details = fmt.Sprintf("rule %s fired: paused %s", rule.Name, rule.CommandType)
		b.log.Warn("circuit breaker paused command type",
			zap.String("rule", rule.Name),
			zap.String("commandType", string(rule.CommandType)))

	case domain.ActionAlertOnly:
		event.Details = fmt.Sprintf("rule %s fired: alert only", rule.Name)
		b.log.Warn("circuit breaker alert",
			zap.String("rule", rule.Name),
			zap.String("condition", rule.Condition),
			zap.String("severity", rule.AlertSeverity))

	default:
		return fmt.Errorf("%w: unknown action %q", domain.ErrBadRule, rule.Action)
	}
	return nil
}

// Run drives RunCycle on interval until the context ends.
func (b *Breaker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.RunCycle(ctx); err != nil && ctx.Err() == nil {
				b.log.Error("breaker cycle", zap.Error(err))
			}
		}
	}
}

// Resolve marks a breaker event resolved. Unresolved events are surfaced
// for observability; they never block further triggers.
func (b *Breaker) Resolve(ctx context.Context, id string) error {
	return b.repo.ResolveBreakerEvent(ctx, id)
}

// WeeklyRollup aggregates the weekly window, persists it, and stamps the
// governance record's last report date.
func (b *Breaker) WeeklyRollup(ctx context.Context) (*domain.MetricsSnapshot, error) {
	now := b.now()
	window, err := b.agg.Window(ctx, now.Add(-b.cfg.WeeklyWindow), now)
	if err != nil {
		return nil, err
	}
	snap := domain.MetricsSnapshot{TakenAt: now, Kind: "weekly", Metrics: window}
	if err := b.repo.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	state := b.governor.State()
	state.LastReportDate = now
	if err := b.repo.SaveGovernanceState(ctx, state); err != nil {
		return nil, err
	}
	b.governor.SetState(state)
	return &snap, nil
}

// SetNow overrides the breaker clock. Test hook.
func (b *Breaker) SetNow(now func() time.Time) { b.now = now }

// phaseLevel maps a phase to the numeric gauge level.
func phaseLevel(p domain.AutonomyPhase) float64 {
	switch p {
	case domain.PhaseL3:
		return 3
	case domain.PhaseL3Plus:
		return 3.5
	case domain.PhaseL4:
		return 4
	case domain.PhaseL4Plus:
		return 4.5
	case domain.PhaseL5:
		return 5
	}
	return 0
}
