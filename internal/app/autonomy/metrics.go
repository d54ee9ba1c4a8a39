package autonomy

import (
	"context"
	"time"

	"github.com/roast-network/roastd/internal/domain"
)

// Aggregator derives CommandMetrics windows from proposal records and
// their outcome fields.
type Aggregator struct {
	proposals domain.ProposalRepo
}

// NewAggregator creates an aggregator over the proposal repository.
func NewAggregator(proposals domain.ProposalRepo) *Aggregator {
	return &Aggregator{proposals: proposals}
}

// Window aggregates every proposal created within [start, end].
func (a *Aggregator) Window(ctx context.Context, start, end time.Time) (domain.CommandMetrics, error) {
	m := domain.CommandMetrics{
		WindowStart:    start,
		WindowEnd:      end,
		FailuresByType: map[domain.CommandType]int{},
	}
	proposals, err := a.proposals.ListProposalsSince(ctx, start)
	if err != nil {
		return m, err
	}

	for _, p := range proposals {
		if p.CreatedAt.After(end) {
			continue
		}
		m.Total++
		m.Proposed++
		if !p.ApprovedAt.IsZero() {
			m.Approved++
		}
		switch p.Status {
		case domain.StatusRejected:
			m.Rejected++
		case domain.StatusCompleted:
			m.Succeeded++
		case domain.StatusFailed:
			m.Failed++
			m.FailuresByType[p.Command.Type]++
		}
		if p.Outcome != nil && p.Outcome.Status == "ROLLED_BACK" {
			m.RolledBack++
		}
		if p.RejectionReason != nil && p.RejectionReason.Code == domain.ReasonConstraintViolation {
			m.ConstraintViolations++
		}
		// An admitted ABORT is an emergency stop.
		if p.Command.Type == domain.CommandAbort && p.Status != domain.StatusRejected {
			m.EmergencyAborts++
		}
		// A failed execution that reports an error code counts as an incident.
		if p.Status == domain.StatusFailed && p.Outcome != nil && p.Outcome.ErrorCode != "" {
			m.IncidentsCritical++
		}
	}
	if m.IncidentsCritical > 0 {
		m.MaxIncidentSeverity = "critical"
	} else if m.EmergencyAborts > 0 {
		m.MaxIncidentSeverity = "warning"
	}
	m.Derive()
	return m, nil
}
