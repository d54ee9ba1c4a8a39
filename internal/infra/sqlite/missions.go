package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roast-network/roastd/internal/domain"
)

// ─── Mission Repository ─────────────────────────────────────────────────────

const missionCols = `id, idempotency_key, goal_title, goal_params, priority, status,
	attempts, next_run_after, lease_id, lease_holder, lease_expires_at,
	last_error, created_at, updated_at`

// InsertMission creates a new mission record.
func (d *DB) InsertMission(ctx context.Context, m domain.Mission) error {
	params, err := json.Marshal(m.Goal.Params)
	if err != nil {
		return storageErr("marshal goal params", err)
	}
	var leaseID, leaseHolder sql.NullString
	var leaseExpires sql.NullInt64
	if m.Lease != nil {
		leaseID = nullStr(m.Lease.LeaseID)
		leaseHolder = nullStr(m.Lease.HolderID)
		leaseExpires = nullableUnixMs(m.Lease.ExpiresAt)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO missions (`+missionCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, nullStr(m.IdempotencyKey), m.Goal.Title, string(params),
		string(m.Priority), string(m.Status), m.Attempts, m.NextRunAfter.UnixMilli(),
		leaseID, leaseHolder, leaseExpires,
		nullStr(m.LastError), m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return storageErr("insert mission", err)
	}
	return nil
}

// GetMission retrieves a mission by id.
func (d *DB) GetMission(ctx context.Context, id string) (*domain.Mission, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+missionCols+` FROM missions WHERE id = ?`, id)
	return scanMission(row)
}

// GetMissionByIdempotencyKey retrieves a mission by its idempotency key.
func (d *DB) GetMissionByIdempotencyKey(ctx context.Context, key string) (*domain.Mission, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+missionCols+` FROM missions WHERE idempotency_key = ?`, key)
	return scanMission(row)
}

// UpdateMission writes back a mission's mutable fields.
func (d *DB) UpdateMission(ctx context.Context, m domain.Mission) error {
	var leaseID, leaseHolder sql.NullString
	var leaseExpires sql.NullInt64
	if m.Lease != nil {
		leaseID = nullStr(m.Lease.LeaseID)
		leaseHolder = nullStr(m.Lease.HolderID)
		leaseExpires = nullableUnixMs(m.Lease.ExpiresAt)
	}
	result, err := d.db.ExecContext(ctx,
		`UPDATE missions SET status = ?, attempts = ?, next_run_after = ?,
			lease_id = ?, lease_holder = ?, lease_expires_at = ?,
			last_error = ?, updated_at = ?
		 WHERE id = ?`,
		string(m.Status), m.Attempts, m.NextRunAfter.UnixMilli(),
		leaseID, leaseHolder, leaseExpires,
		nullStr(m.LastError), m.UpdatedAt.UnixMilli(), m.ID,
	)
	if err != nil {
		return storageErr("update mission", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListMissions returns missions, optionally filtered by status, newest first.
func (d *DB) ListMissions(ctx context.Context, status domain.MissionStatus, limit int) ([]domain.Mission, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = d.db.QueryContext(ctx,
			`SELECT `+missionCols+` FROM missions ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = d.db.QueryContext(ctx,
			`SELECT `+missionCols+` FROM missions WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
			string(status), limit)
	}
	if err != nil {
		return nil, storageErr("list missions", err)
	}
	defer rows.Close()

	var out []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MissionCounts returns mission counts grouped by status.
func (d *DB) MissionCounts(ctx context.Context) (map[domain.MissionStatus]int, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM missions GROUP BY status`)
	if err != nil {
		return nil, storageErr("mission counts", err)
	}
	defer rows.Close()

	out := make(map[domain.MissionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("scan count", err)
		}
		out[domain.MissionStatus(status)] = n
	}
	return out, rows.Err()
}

// ReadyBacklog counts missions claimable right now.
func (d *DB) ReadyBacklog(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM missions
		 WHERE status IN (?, ?) AND next_run_after <= ?`,
		string(domain.MissionPending), string(domain.MissionRetry), now.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, storageErr("ready backlog", err)
	}
	return n, nil
}

// ClaimNext atomically selects and leases the next claimable mission:
// highest priority first, then oldest, then lowest id. The select and the
// conditional update run in one transaction so two concurrent claimers can
// never both win the same mission.
func (d *DB) ClaimNext(ctx context.Context, goals []string, lease domain.Lease, now time.Time) (*domain.Mission, error) {
	if len(goals) == 0 {
		return nil, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin claim", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimRight(strings.Repeat("?,", len(goals)), ",")
	args := []any{string(domain.MissionPending), string(domain.MissionRetry), now.UnixMilli()}
	for _, g := range goals {
		args = append(args, g)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+missionCols+` FROM missions
		 WHERE status IN (?, ?) AND next_run_after <= ?
		   AND goal_title IN (`+placeholders+`)
		 ORDER BY CASE priority WHEN 'HIGH' THEN 3 WHEN 'MEDIUM' THEN 2 ELSE 1 END DESC,
			created_at ASC, id ASC
		 LIMIT 1`, args...)

	m, err := scanMission(row)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil // Nothing claimable
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE missions SET status = ?, attempts = attempts + 1,
			lease_id = ?, lease_holder = ?, lease_expires_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(domain.MissionLeased),
		lease.LeaseID, lease.HolderID, lease.ExpiresAt.UnixMilli(), now.UnixMilli(),
		m.ID, string(domain.MissionPending), string(domain.MissionRetry),
	)
	if err != nil {
		return nil, storageErr("lease mission", err)
	}
	if n, _ := result.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("%w: mission %s changed under claim", domain.ErrStorage, m.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit claim", err)
	}

	m.Status = domain.MissionLeased
	m.Attempts++
	m.Lease = &lease
	m.UpdatedAt = now
	return m, nil
}

// ReapExpired returns lapsed leases to RETRY with next_run_after=now.
// Attempts are untouched — a claim increments, a reap does not.
func (d *DB) ReapExpired(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin reap", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM missions WHERE status = ? AND lease_expires_at <= ?`,
		string(domain.MissionLeased), now.UnixMilli())
	if err != nil {
		return nil, storageErr("find expired leases", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storageErr("scan expired lease", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate expired leases", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	for _, id := range ids {
		_, err := tx.ExecContext(ctx,
			`UPDATE missions SET status = ?, next_run_after = ?,
				lease_id = NULL, lease_holder = NULL, lease_expires_at = NULL,
				updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(domain.MissionRetry), now.UnixMilli(), now.UnixMilli(),
			id, string(domain.MissionLeased))
		if err != nil {
			return nil, storageErr("reap lease", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit reap", err)
	}
	return ids, nil
}

func scanMission(s scanner) (*domain.Mission, error) {
	var m domain.Mission
	var idemKey, leaseID, leaseHolder, lastError sql.NullString
	var leaseExpires sql.NullInt64
	var params string
	var nextRun, createdAt, updatedAt int64

	err := s.Scan(&m.ID, &idemKey, &m.Goal.Title, &params, &m.Priority, &m.Status,
		&m.Attempts, &nextRun, &leaseID, &leaseHolder, &leaseExpires,
		&lastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("scan mission", err)
	}

	if err := json.Unmarshal([]byte(params), &m.Goal.Params); err != nil {
		return nil, storageErr("decode goal params", err)
	}
	if idemKey.Valid {
		m.IdempotencyKey = idemKey.String
	}
	if lastError.Valid {
		m.LastError = lastError.String
	}
	m.NextRunAfter = msTime(nextRun)
	m.CreatedAt = msTime(createdAt)
	m.UpdatedAt = msTime(updatedAt)
	if leaseID.Valid {
		m.Lease = &domain.Lease{
			LeaseID:  leaseID.String,
			HolderID: leaseHolder.String,
		}
		if leaseExpires.Valid {
			m.Lease.ExpiresAt = msTime(leaseExpires.Int64)
		}
	}
	return &m, nil
}
