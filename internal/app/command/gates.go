package command

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/roast-network/roastd/internal/domain"
)

// Gate pipeline — evaluated in order; the first failure short-circuits the
// proposal to REJECTED. Gates never fail upward: they yield a rejection
// reason. Only infrastructure errors (storage, provider I/O) propagate.

// hard caps per command type, independent of per-command constraints.
var hardCaps = map[domain.CommandType][2]float64{
	domain.CommandSetPower: {0, 100},
	domain.CommandSetFan:   {1, 10},
	domain.CommandSetDrum:  {0, 100},
}

// governorGate consults the autonomy governor. A BLOCK decision rejects
// with the decision's first reason code.
func (s *Service) governorGate(ctx context.Context, req domain.ProposeRequest) (*domain.RejectionReason, error) {
	if s.opts.Governor == nil {
		return nil, nil
	}
	gctx := domain.GovernorContext{
		Proposer:  req.Proposer,
		Actor:     req.Actor,
		SessionID: req.SessionID,
	}
	var err error
	gctx.RecentFailureRate, err = s.recentFailureRate(ctx, req.Command.MachineID)
	if err != nil {
		return nil, err
	}
	if req.SessionID != "" {
		inSession, err := s.repo.ListProposalsBySession(ctx, req.SessionID, 1000)
		if err != nil {
			return nil, err
		}
		gctx.CommandsInSession = len(inSession)
	}

	decision := s.opts.Governor.Evaluate(ctx, req.Command, gctx)
	if decision.Action == domain.GovernorAllow {
		return nil, nil
	}
	code := domain.ReasonOutOfScope
	if len(decision.Reasons) > 0 {
		code = decision.Reasons[0]
	}
	return &domain.RejectionReason{
		Code:    code,
		Message: fmt.Sprintf("governor decision %s", decision.Action),
		Details: map[string]any{"reasons": decision.Reasons, "decidedBy": decision.DecidedBy},
	}, nil
}

// recentFailureRate derives failed/total over the machine's proposals in
// the last hour. No history means a clean slate.
func (s *Service) recentFailureRate(ctx context.Context, machineID string) (float64, error) {
	recent, err := s.repo.ListProposalsByMachine(ctx, machineID, 50)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-time.Hour)
	var total, failed int
	for _, p := range recent {
		if p.CreatedAt.Before(cutoff) || !p.Status.Terminal() {
			continue
		}
		total++
		if p.Status == domain.StatusFailed {
			failed++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}

// constraintGate enforces value presence, per-command min/max, and the
// type-specific hard caps.
func constraintGate(cmd domain.Command) *domain.RejectionReason {
	if cmd.Type.HasValue() {
		if cmd.TargetValue == nil {
			return &domain.RejectionReason{
				Code:    domain.ReasonConstraintViolation,
				Message: fmt.Sprintf("%s requires a target value", cmd.Type),
			}
		}
		v := *cmd.TargetValue
		if caps, ok := hardCaps[cmd.Type]; ok && (v < caps[0] || v > caps[1]) {
			return &domain.RejectionReason{
				Code:    domain.ReasonConstraintViolation,
				Message: fmt.Sprintf("%s value %.1f outside [%.0f,%.0f]", cmd.Type, v, caps[0], caps[1]),
				Details: map[string]any{"value": v, "min": caps[0], "max": caps[1]},
			}
		}
		c := cmd.Constraints
		if c.MinValue != nil && v < *c.MinValue {
			return &domain.RejectionReason{
				Code:    domain.ReasonConstraintViolation,
				Message: fmt.Sprintf("value %.1f below minimum %.1f", v, *c.MinValue),
			}
		}
		if c.MaxValue != nil && v > *c.MaxValue {
			return &domain.RejectionReason{
				Code:    domain.ReasonConstraintViolation,
				Message: fmt.Sprintf("value %.1f above maximum %.1f", v, *c.MaxValue),
			}
		}
	} else if cmd.TargetValue != nil {
		return &domain.RejectionReason{
			Code:    domain.ReasonConstraintViolation,
			Message: fmt.Sprintf("%s takes no target value", cmd.Type),
		}
	}
	return nil
}

// stateGate checks required and forbidden machine states, plus the
// command-specific guards. Skipped when no state provider is configured.
func (s *Service) stateGate(ctx context.Context, cmd domain.Command) (*domain.RejectionReason, error) {
	if s.opts.State == nil {
		return nil, nil
	}
	state, err := s.opts.State.CurrentState(ctx, cmd.MachineID)
	if err != nil {
		return nil, err
	}

	require := append([]string{}, cmd.Constraints.RequireStates...)
	forbid := append([]string{}, cmd.Constraints.ForbiddenStates...)
	switch cmd.Type {
	case domain.CommandCharge:
		require = append(require, "drumRotating")
	case domain.CommandDrop:
		require = append(require, "roastInProgress")
	case domain.CommandPreheat:
		forbid = append(forbid, "roastInProgress")
	}

	for _, name := range require {
		if !state[name] {
			return &domain.RejectionReason{
				Code:    domain.ReasonStateGuard,
				Message: fmt.Sprintf("required state %q is not active", name),
				Details: map[string]any{"state": name},
			}, nil
		}
	}
	for _, name := range forbid {
		if state[name] {
			return &domain.RejectionReason{
				Code:    domain.ReasonStateGuard,
				Message: fmt.Sprintf("forbidden state %q is active", name),
				Details: map[string]any{"state": name},
			}, nil
		}
	}
	return nil, nil
}

// rateGate enforces min interval, daily count, and ramp rate against a
// snapshot of recent same-type commands on the machine. Skipped when no
// recent-commands provider is configured.
func (s *Service) rateGate(ctx context.Context, cmd domain.Command) (*domain.RejectionReason, error) {
	if s.opts.Recent == nil {
		return nil, nil
	}
	recent, err := s.opts.Recent.RecentCommands(ctx, cmd.MachineID, cmd.Type, rateGateWindow)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 {
		return nil, nil
	}
	now := s.now()
	last := recent[0] // newest first
	c := cmd.Constraints

	if c.MinIntervalSeconds != nil {
		elapsed := now.Sub(last.CreatedAt).Seconds()
		if elapsed < *c.MinIntervalSeconds {
			return &domain.RejectionReason{
				Code: domain.ReasonRateLimit,
				Message: fmt.Sprintf("%.1fs since previous %s, minimum interval is %.0fs",
					elapsed, cmd.Type, *c.MinIntervalSeconds),
				Details: map[string]any{"elapsedSeconds": elapsed, "minIntervalSeconds": *c.MinIntervalSeconds},
			}, nil
		}
	}

	if c.MaxDailyCount != nil {
		y, m, d := now.Date()
		dayStart := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
		count := 0
		for _, rc := range recent {
			if !rc.CreatedAt.Before(dayStart) {
				count++
			}
		}
		if count >= *c.MaxDailyCount {
			return &domain.RejectionReason{
				Code:    domain.ReasonRateLimit,
				Message: fmt.Sprintf("%d %s commands today, daily limit is %d", count, cmd.Type, *c.MaxDailyCount),
				Details: map[string]any{"todayCount": count, "maxDailyCount": *c.MaxDailyCount},
			}, nil
		}
	}

	if c.RampRate != nil && cmd.TargetValue != nil && last.TargetValue != nil {
		deltaV := math.Abs(*cmd.TargetValue - *last.TargetValue)
		deltaT := now.Sub(last.CreatedAt).Seconds()
		if deltaT <= 0 || deltaV/deltaT > *c.RampRate {
			return &domain.RejectionReason{
				Code: domain.ReasonRampRate,
				Message: fmt.Sprintf("ramp %.1f units over %.1fs exceeds %.1f units/s",
					deltaV, deltaT, *c.RampRate),
				Details: map[string]any{"deltaValue": deltaV, "deltaSeconds": deltaT, "rampRate": *c.RampRate},
			}, nil
		}
	}
	return nil, nil
}

// rateGateWindow bounds how many recent commands the rate gate inspects.
const rateGateWindow = 100
