package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/roast-network/roastd/internal/domain"
)

// ─── Command Proposal Repository ────────────────────────────────────────────

const proposalCols = `proposal_id, command_type, machine_id, target_value, command_json,
	proposer, actor, reasoning, session_id, mission_id, status, created_at,
	approval_required, approval_timeout_s, approved_by, approved_at,
	rejected_by, rejected_at, rejection_json, exec_started_at, exec_ended_at,
	duration_ms, outcome_json, audit_log`

// InsertProposal persists a fully-formed proposal, audit log included.
func (d *DB) InsertProposal(ctx context.Context, p domain.Proposal) error {
	args, err := proposalArgs(p)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO command_proposals (`+proposalCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...)
	if err != nil {
		return storageErr("insert proposal", err)
	}
	return nil
}

// GetProposal retrieves a proposal by id.
func (d *DB) GetProposal(ctx context.Context, id string) (*domain.Proposal, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+proposalCols+` FROM command_proposals WHERE proposal_id = ?`, id)
	return scanProposal(row)
}

// MutateProposal applies fn to the stored proposal and writes the result
// back in one transaction. Concurrent transitions on the same id serialize
// here; fn returning an error aborts the write and nothing changes.
func (d *DB) MutateProposal(ctx context.Context, id string, fn func(*domain.Proposal) error) (*domain.Proposal, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin mutate", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+proposalCols+` FROM command_proposals WHERE proposal_id = ?`, id)
	p, err := scanProposal(row)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, domain.ErrNotFound
	}

	if err := fn(p); err != nil {
		return nil, err
	}

	args, err := proposalArgs(*p)
	if err != nil {
		return nil, err
	}
	// Shift proposal_id to the WHERE clause.
	args = append(args[1:], args[0])
	_, err = tx.ExecContext(ctx,
		`UPDATE command_proposals SET
			command_type = ?, machine_id = ?, target_value = ?, command_json = ?,
			proposer = ?, actor = ?, reasoning = ?, session_id = ?, mission_id = ?,
			status = ?, created_at = ?, approval_required = ?, approval_timeout_s = ?,
			approved_by = ?, approved_at = ?, rejected_by = ?, rejected_at = ?,
			rejection_json = ?, exec_started_at = ?, exec_ended_at = ?,
			duration_ms = ?, outcome_json = ?, audit_log = ?
		 WHERE proposal_id = ?`,
		args...)
	if err != nil {
		return nil, storageErr("update proposal", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit mutate", err)
	}
	return p, nil
}

// ListProposals returns proposals newest first.
func (d *DB) ListProposals(ctx context.Context, limit int) ([]domain.Proposal, error) {
	return d.queryProposals(ctx,
		`SELECT `+proposalCols+` FROM command_proposals ORDER BY created_at DESC LIMIT ?`, limit)
}

// ListProposalsByStatus filters by status, newest first.
func (d *DB) ListProposalsByStatus(ctx context.Context, status domain.ProposalStatus, limit int) ([]domain.Proposal, error) {
	return d.queryProposals(ctx,
		`SELECT `+proposalCols+` FROM command_proposals WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
		string(status), limit)
}

// ListProposalsByMachine filters by machine, newest first.
func (d *DB) ListProposalsByMachine(ctx context.Context, machineID string, limit int) ([]domain.Proposal, error) {
	return d.queryProposals(ctx,
		`SELECT `+proposalCols+` FROM command_proposals WHERE machine_id = ? ORDER BY created_at DESC LIMIT ?`,
		machineID, limit)
}

// ListProposalsBySession filters by session, newest first.
func (d *DB) ListProposalsBySession(ctx context.Context, sessionID string, limit int) ([]domain.Proposal, error) {
	return d.queryProposals(ctx,
		`SELECT `+proposalCols+` FROM command_proposals WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`,
		sessionID, limit)
}

// ListProposalsSince returns every proposal created at or after since.
// Feeds the governance metrics aggregation.
func (d *DB) ListProposalsSince(ctx context.Context, since time.Time) ([]domain.Proposal, error) {
	return d.queryProposals(ctx,
		`SELECT `+proposalCols+` FROM command_proposals WHERE created_at >= ? ORDER BY created_at ASC`,
		since.UnixMilli())
}

// RecentCommands returns the most recent admitted commands of one type on
// one machine, newest first. Rejected proposals never count against rates.
func (d *DB) RecentCommands(ctx context.Context, machineID string, t domain.CommandType, limit int) ([]domain.RecentCommand, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT command_type, machine_id, target_value, created_at
		 FROM command_proposals
		 WHERE machine_id = ? AND command_type = ? AND status != ?
		 ORDER BY created_at DESC LIMIT ?`,
		machineID, string(t), string(domain.StatusRejected), limit)
	if err != nil {
		return nil, storageErr("recent commands", err)
	}
	defer rows.Close()

	var out []domain.RecentCommand
	for rows.Next() {
		var rc domain.RecentCommand
		var target sql.NullFloat64
		var createdAt int64
		if err := rows.Scan(&rc.Type, &rc.MachineID, &target, &createdAt); err != nil {
			return nil, storageErr("scan recent command", err)
		}
		if target.Valid {
			v := target.Float64
			rc.TargetValue = &v
		}
		rc.CreatedAt = msTime(createdAt)
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (d *DB) queryProposals(ctx context.Context, query string, args ...any) ([]domain.Proposal, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list proposals", err)
	}
	defer rows.Close()

	var out []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// proposalArgs flattens a proposal into column order, proposal_id first.
func proposalArgs(p domain.Proposal) ([]any, error) {
	cmdJSON, err := json.Marshal(p.Command)
	if err != nil {
		return nil, storageErr("marshal command", err)
	}
	auditJSON, err := json.Marshal(p.AuditLog)
	if err != nil {
		return nil, storageErr("marshal audit log", err)
	}
	var rejectionJSON, outcomeJSON sql.NullString
	if p.RejectionReason != nil {
		blob, err := json.Marshal(p.RejectionReason)
		if err != nil {
			return nil, storageErr("marshal rejection", err)
		}
		rejectionJSON = nullStr(string(blob))
	}
	if p.Outcome != nil {
		blob, err := json.Marshal(p.Outcome)
		if err != nil {
			return nil, storageErr("marshal outcome", err)
		}
		outcomeJSON = nullStr(string(blob))
	}
	var target sql.NullFloat64
	if p.Command.TargetValue != nil {
		target = sql.NullFloat64{Float64: *p.Command.TargetValue, Valid: true}
	}
	var durationMs sql.NullInt64
	if p.DurationMs > 0 {
		durationMs = sql.NullInt64{Int64: p.DurationMs, Valid: true}
	}

	return []any{
		p.ID, string(p.Command.Type), p.Command.MachineID, target, string(cmdJSON),
		string(p.Proposer), p.Actor, p.Reasoning, nullStr(p.SessionID), nullStr(p.MissionID),
		string(p.Status), p.CreatedAt.UnixMilli(),
		p.ApprovalRequired, p.ApprovalTimeoutSeconds,
		nullStr(p.ApprovedBy), nullableUnixMs(p.ApprovedAt),
		nullStr(p.RejectedBy), nullableUnixMs(p.RejectedAt),
		rejectionJSON, nullableUnixMs(p.ExecutionStartedAt), nullableUnixMs(p.ExecutionEndedAt),
		durationMs, outcomeJSON, string(auditJSON),
	}, nil
}

func scanProposal(s scanner) (*domain.Proposal, error) {
	var p domain.Proposal
	var cmdType, cmdJSON, auditJSON string
	var target sql.NullFloat64
	var sessionID, missionID, approvedBy, rejectedBy, rejectionJSON, outcomeJSON sql.NullString
	var createdAt int64
	var approvedAt, rejectedAt, execStarted, execEnded, durationMs sql.NullInt64

	err := s.Scan(&p.ID, &cmdType, &p.Command.MachineID, &target, &cmdJSON,
		&p.Proposer, &p.Actor, &p.Reasoning, &sessionID, &missionID, &p.Status,
		&createdAt, &p.ApprovalRequired, &p.ApprovalTimeoutSeconds,
		&approvedBy, &approvedAt, &rejectedBy, &rejectedAt, &rejectionJSON,
		&execStarted, &execEnded, &durationMs, &outcomeJSON, &auditJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("scan proposal", err)
	}

	if err := json.Unmarshal([]byte(cmdJSON), &p.Command); err != nil {
		return nil, storageErr("decode command", err)
	}
	if err := json.Unmarshal([]byte(auditJSON), &p.AuditLog); err != nil {
		return nil, storageErr("decode audit log", err)
	}
	if rejectionJSON.Valid {
		p.RejectionReason = &domain.RejectionReason{}
		if err := json.Unmarshal([]byte(rejectionJSON.String), p.RejectionReason); err != nil {
			return nil, storageErr("decode rejection", err)
		}
	}
	if outcomeJSON.Valid {
		p.Outcome = &domain.Outcome{}
		if err := json.Unmarshal([]byte(outcomeJSON.String), p.Outcome); err != nil {
			return nil, storageErr("decode outcome", err)
		}
	}
	p.CreatedAt = msTime(createdAt)
	if sessionID.Valid {
		p.SessionID = sessionID.String
	}
	if missionID.Valid {
		p.MissionID = missionID.String
	}
	if approvedBy.Valid {
		p.ApprovedBy = approvedBy.String
	}
	if approvedAt.Valid {
		p.ApprovedAt = msTime(approvedAt.Int64)
	}
	if rejectedBy.Valid {
		p.RejectedBy = rejectedBy.String
	}
	if rejectedAt.Valid {
		p.RejectedAt = msTime(rejectedAt.Int64)
	}
	if execStarted.Valid {
		p.ExecutionStartedAt = msTime(execStarted.Int64)
	}
	if execEnded.Valid {
		p.ExecutionEndedAt = msTime(execEnded.Int64)
	}
	if durationMs.Valid {
		p.DurationMs = durationMs.Int64
	}
	return &p, nil
}
