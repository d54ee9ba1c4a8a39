// Package command implements the proposal lifecycle for hardware commands:
// propose → validate through the gate pipeline → approve or reject →
// execute → audit. Every status transition appends to the proposal's
// append-only audit log; a failed append fails the whole transition.
package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roast-network/roastd/internal/domain"
	"github.com/roast-network/roastd/internal/infra/metrics"
)

// Options configures the service's collaborators. Governor, State, and
// Recent are optional; their gates are skipped when absent.
type Options struct {
	Governor domain.Governor
	State    domain.StateProvider
	Recent   domain.RecentCommandsProvider

	// DefaultApprovalTimeout applies when a request names none.
	DefaultApprovalTimeout int
	// SweepInterval is how often stale approvals are timed out.
	SweepInterval time.Duration
}

// Service is the command service.
type Service struct {
	repo domain.ProposalRepo
	opts Options
	log  *zap.Logger

	// now is injectable for testing.
	now func() time.Time
}

// NewService creates a command service over the given proposal repository.
func NewService(repo domain.ProposalRepo, opts Options, log *zap.Logger) *Service {
	if opts.DefaultApprovalTimeout <= 0 {
		opts.DefaultApprovalTimeout = 300
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	return &Service{repo: repo, opts: opts, log: log, now: time.Now}
}

// ─── Propose ────────────────────────────────────────────────────────────────

// Propose runs the gate pipeline and persists the resulting proposal.
// Gate failures produce a fully-formed REJECTED proposal, not an error;
// only malformed requests and storage failures error.
func (s *Service) Propose(ctx context.Context, req domain.ProposeRequest) (*domain.Proposal, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.ErrCanceled
	}

	now := s.now()
	p := domain.Proposal{
		ID:                     newProposalID(now),
		Command:                req.Command,
		Proposer:               req.Proposer,
		Actor:                  req.Actor,
		Reasoning:              req.Reasoning,
		SessionID:              req.SessionID,
		MissionID:              req.MissionID,
		CreatedAt:              now,
		ApprovalRequired:       true,
		ApprovalTimeoutSeconds: req.ApprovalTimeoutSeconds,
	}
	if req.ApprovalRequired != nil {
		p.ApprovalRequired = *req.ApprovalRequired
	}
	if p.ApprovalTimeoutSeconds <= 0 {
		p.ApprovalTimeoutSeconds = s.opts.DefaultApprovalTimeout
	}
	if p.Command.CommandID == "" {
		p.Command.CommandID = uuid.New().String()
	}

	reason, err := s.runGates(ctx, req)
	if err != nil {
		return nil, err
	}

	p.Audit(now, domain.AuditProposed, req.Actor, map[string]any{"reasoning": req.Reasoning})
	if reason != nil {
		p.Status = domain.StatusRejected
		p.RejectionReason = reason
		p.RejectedAt = now
		p.Audit(now, domain.AuditRejected, "system", map[string]any{
			"code": reason.Code, "message": reason.Message,
		})
		metrics.GateRejections.WithLabelValues(reason.Code).Inc()
		s.log.Info("proposal rejected by gate",
			zap.String("proposal", p.ID),
			zap.String("type", string(p.Command.Type)),
			zap.String("code", reason.Code))
	} else if p.ApprovalRequired {
		p.Status = domain.StatusPendingApproval
	} else {
		p.Status = domain.StatusApproved
		p.ApprovedBy = "auto"
		p.ApprovedAt = now
	}

	if err := s.repo.InsertProposal(ctx, p); err != nil {
		return nil, err
	}
	metrics.Proposals.WithLabelValues(string(p.Status)).Inc()
	return &p, nil
}

// runGates evaluates governor → constraint → state → rate; the first
// failure wins.
func (s *Service) runGates(ctx context.Context, req domain.ProposeRequest) (*domain.RejectionReason, error) {
	if reason, err := s.governorGate(ctx, req); reason != nil || err != nil {
		return reason, err
	}
	if reason := constraintGate(req.Command); reason != nil {
		return reason, nil
	}
	if reason, err := s.stateGate(ctx, req.Command); reason != nil || err != nil {
		return reason, err
	}
	return s.rateGate(ctx, req.Command)
}

func validateRequest(req domain.ProposeRequest) error {
	if !req.Command.Type.Valid() {
		return fmt.Errorf("%w: unknown command type %q", domain.ErrBadPayload, req.Command.Type)
	}
	if req.Command.MachineID == "" {
		return fmt.Errorf("%w: machineId is required", domain.ErrBadPayload)
	}
	if req.Proposer != domain.ProposerAgent && req.Proposer != domain.ProposerHuman {
		return fmt.Errorf("%w: proposer must be AGENT or HUMAN", domain.ErrBadPayload)
	}
	if req.Actor == "" {
		return fmt.Errorf("%w: actor is required", domain.ErrBadPayload)
	}
	if strings.TrimSpace(req.Reasoning) == "" {
		return fmt.Errorf("%w: reasoning is required", domain.ErrBadPayload)
	}
	return nil
}

// newProposalID mints a monotone-plus-random id.
func newProposalID(now time.Time) string {
	return fmt.Sprintf("prop-%d-%s", now.UnixMilli(), uuid.New().String()[:8])
}

// ─── Approve / Reject ───────────────────────────────────────────────────────

// Approve transitions PENDING_APPROVAL → APPROVED. Any other current
// status fails with ErrIllegalTransition and nothing changes.
func (s *Service) Approve(ctx context.Context, id, actor string) (*domain.Proposal, error) {
	now := s.now()
	p, err := s.repo.MutateProposal(ctx, id, func(p *domain.Proposal) error {
		if p.Status != domain.StatusPendingApproval {
			return fmt.Errorf("%w: cannot approve proposal in %s", domain.ErrIllegalTransition, p.Status)
		}
		p.Status = domain.StatusApproved
		p.ApprovedBy = actor
		p.ApprovedAt = now
		p.Audit(now, domain.AuditApproved, actor, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ApprovalLatency.Observe(now.Sub(p.CreatedAt).Seconds())
	metrics.Proposals.WithLabelValues(string(domain.StatusApproved)).Inc()
	s.log.Info("proposal approved", zap.String("proposal", id), zap.String("actor", actor))
	return p, nil
}

// Reject transitions PENDING_APPROVAL → REJECTED with a USER_REJECTED
// reason carrying the operator's text.
func (s *Service) Reject(ctx context.Context, id, actor, reasonText string) (*domain.Proposal, error) {
	now := s.now()
	p, err := s.repo.MutateProposal(ctx, id, func(p *domain.Proposal) error {
		if p.Status != domain.StatusPendingApproval {
			return fmt.Errorf("%w: cannot reject proposal in %s", domain.ErrIllegalTransition, p.Status)
		}
		p.Status = domain.StatusRejected
		p.RejectedBy = actor
		p.RejectedAt = now
		p.RejectionReason = &domain.RejectionReason{
			Code:    domain.ReasonUserRejected,
			Message: reasonText,
		}
		p.Audit(now, domain.AuditRejected, actor, map[string]any{
			"code": domain.ReasonUserRejected, "message": reasonText,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ApprovalLatency.Observe(now.Sub(p.CreatedAt).Seconds())
	metrics.Proposals.WithLabelValues(string(domain.StatusRejected)).Inc()
	s.log.Info("proposal rejected", zap.String("proposal", id), zap.String("actor", actor))
	return p, nil
}

// ─── Execution ──────────────────────────────────────────────────────────────

// BeginExecution transitions APPROVED → EXECUTING on behalf of the
// external executor.
func (s *Service) BeginExecution(ctx context.Context, id, executor string) (*domain.Proposal, error) {
	now := s.now()
	return s.repo.MutateProposal(ctx, id, func(p *domain.Proposal) error {
		if p.Status != domain.StatusApproved {
			return fmt.Errorf("%w: cannot execute proposal in %s", domain.ErrIllegalTransition, p.Status)
		}
		p.Status = domain.StatusExecuting
		p.ExecutionStartedAt = now
		p.Audit(now, domain.AuditExecuting, executor, nil)
		return nil
	})
}

// FinishExecution records the outcome and transitions EXECUTING to
// COMPLETED, FAILED, or ABORTED depending on outcome.Status.
func (s *Service) FinishExecution(ctx context.Context, id, executor string, outcome domain.Outcome) (*domain.Proposal, error) {
	now := s.now()
	var final domain.ProposalStatus
	var audit string
	switch outcome.Status {
	case "COMPLETED":
		final, audit = domain.StatusCompleted, domain.AuditCompleted
	case "FAILED":
		final, audit = domain.StatusFailed, domain.AuditFailed
	case "ABORTED":
		final, audit = domain.StatusAborted, domain.AuditAborted
	default:
		return nil, fmt.Errorf("%w: outcome status %q", domain.ErrBadPayload, outcome.Status)
	}

	p, err := s.repo.MutateProposal(ctx, id, func(p *domain.Proposal) error {
		if p.Status != domain.StatusExecuting {
			return fmt.Errorf("%w: cannot finish proposal in %s", domain.ErrIllegalTransition, p.Status)
		}
		p.Status = final
		p.ExecutionEndedAt = now
		if !p.ExecutionStartedAt.IsZero() {
			p.DurationMs = now.Sub(p.ExecutionStartedAt).Milliseconds()
		}
		p.Outcome = &outcome
		p.Audit(now, audit, executor, map[string]any{"errorCode": outcome.ErrorCode})
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.Proposals.WithLabelValues(string(final)).Inc()
	return p, nil
}

// ─── Approval Timeout Sweeper ───────────────────────────────────────────────

// SweepTimeouts transitions every stale PENDING_APPROVAL proposal to
// TIMEOUT. Returns how many timed out.
func (s *Service) SweepTimeouts(ctx context.Context) (int, error) {
	pending, err := s.repo.ListProposalsByStatus(ctx, domain.StatusPendingApproval, 1000)
	if err != nil {
		return 0, err
	}
	now := s.now()
	count := 0
	for _, candidate := range pending {
		deadline := candidate.CreatedAt.Add(time.Duration(candidate.ApprovalTimeoutSeconds) * time.Second)
		if now.Before(deadline) {
			continue
		}
		_, err := s.repo.MutateProposal(ctx, candidate.ID, func(p *domain.Proposal) error {
			if p.Status != domain.StatusPendingApproval {
				return fmt.Errorf("%w: proposal %s left PENDING_APPROVAL", domain.ErrIllegalTransition, p.ID)
			}
			p.Status = domain.StatusTimeout
			p.Audit(now, domain.AuditTimeout, "system", map[string]any{
				"approvalTimeoutSeconds": p.ApprovalTimeoutSeconds,
			})
			return nil
		})
		if err != nil {
			// Raced with an operator decision — not an error.
			continue
		}
		metrics.Proposals.WithLabelValues(string(domain.StatusTimeout)).Inc()
		s.log.Warn("approval timed out", zap.String("proposal", candidate.ID))
		count++
	}
	return count, nil
}

// RunSweeper drives SweepTimeouts on interval until the context ends.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepTimeouts(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("approval sweeper", zap.Error(err))
			}
		}
	}
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Get returns one proposal by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Proposal, error) {
	p, err := s.repo.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: proposal %s", domain.ErrNotFound, id)
	}
	return p, nil
}

// ListPendingApprovals returns proposals awaiting an operator decision,
// newest first.
func (s *Service) ListPendingApprovals(ctx context.Context) ([]domain.Proposal, error) {
	return s.repo.ListProposalsByStatus(ctx, domain.StatusPendingApproval, 200)
}

// List returns proposals newest first.
func (s *Service) List(ctx context.Context, limit int) ([]domain.Proposal, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListProposals(ctx, limit)
}

// ListByMachine returns one machine's proposals, newest first.
func (s *Service) ListByMachine(ctx context.Context, machineID string) ([]domain.Proposal, error) {
	return s.repo.ListProposalsByMachine(ctx, machineID, 200)
}

// ListBySession returns one session's proposals, newest first.
func (s *Service) ListBySession(ctx context.Context, sessionID string) ([]domain.Proposal, error) {
	return s.repo.ListProposalsBySession(ctx, sessionID, 200)
}

// SetNow overrides the service clock. Test hook.
func (s *Service) SetNow(now func() time.Time) { s.now = now }
