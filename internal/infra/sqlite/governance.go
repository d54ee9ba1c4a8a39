package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/roast-network/roastd/internal/domain"
)

// ─── Governance State ───────────────────────────────────────────────────────

// GetGovernanceState loads the autonomy singleton.
func (d *DB) GetGovernanceState(ctx context.Context) (*domain.GovernanceState, error) {
	var phase, whitelist string
	var phaseStart int64
	var lastReport sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT current_phase, phase_start, whitelist_json, last_report
		 FROM governance_state WHERE id = 1`,
	).Scan(&phase, &phaseStart, &whitelist, &lastReport)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get governance state", err)
	}

	s := domain.GovernanceState{
		CurrentPhase:   domain.AutonomyPhase(phase),
		PhaseStartDate: msTime(phaseStart),
	}
	if err := json.Unmarshal([]byte(whitelist), &s.CommandWhitelist); err != nil {
		return nil, storageErr("decode whitelist", err)
	}
	if lastReport.Valid {
		s.LastReportDate = msTime(lastReport.Int64)
	}
	return &s, nil
}

// SaveGovernanceState writes the autonomy singleton.
func (d *DB) SaveGovernanceState(ctx context.Context, s domain.GovernanceState) error {
	whitelist, err := json.Marshal(s.CommandWhitelist)
	if err != nil {
		return storageErr("marshal whitelist", err)
	}
	if s.CommandWhitelist == nil {
		whitelist = []byte("[]")
	}
	_, err = d.db.ExecContext(ctx,
		`UPDATE governance_state SET current_phase = ?, phase_start = ?,
			whitelist_json = ?, last_report = ?
		 WHERE id = 1`,
		string(s.CurrentPhase), s.PhaseStartDate.UnixMilli(),
		string(whitelist), nullableUnixMs(s.LastReportDate))
	if err != nil {
		return storageErr("save governance state", err)
	}
	return nil
}

// ─── Breaker Rules ──────────────────────────────────────────────────────────

// ListRules returns every persisted breaker rule.
func (d *DB) ListRules(ctx context.Context) ([]domain.BreakerRule, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT name, enabled, condition, window_seconds, action, alert_severity, command_type
		 FROM circuit_breaker_rules ORDER BY name`)
	if err != nil {
		return nil, storageErr("list rules", err)
	}
	defer rows.Close()

	var out []domain.BreakerRule
	for rows.Next() {
		var r domain.BreakerRule
		var severity, cmdType sql.NullString
		if err := rows.Scan(&r.Name, &r.Enabled, &r.Condition, &r.WindowSeconds,
			&r.Action, &severity, &cmdType); err != nil {
			return nil, storageErr("scan rule", err)
		}
		if severity.Valid {
			r.AlertSeverity = severity.String
		}
		if cmdType.Valid {
			r.CommandType = domain.CommandType(cmdType.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRule inserts or updates a breaker rule by name.
func (d *DB) UpsertRule(ctx context.Context, r domain.BreakerRule) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO circuit_breaker_rules
			(name, enabled, condition, window_seconds, action, alert_severity, command_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			enabled=excluded.enabled,
			condition=excluded.condition,
			window_seconds=excluded.window_seconds,
			action=excluded.action,
			alert_severity=excluded.alert_severity,
			command_type=excluded.command_type`,
		r.Name, r.Enabled, r.Condition, r.WindowSeconds,
		string(r.Action), nullStr(r.AlertSeverity), nullStr(string(r.CommandType)))
	if err != nil {
		return storageErr("upsert rule", err)
	}
	return nil
}

// ─── Breaker Events ─────────────────────────────────────────────────────────

// InsertBreakerEvent records one rule trigger.
func (d *DB) InsertBreakerEvent(ctx context.Context, e domain.BreakerEvent) error {
	ruleJSON, err := json.Marshal(e.Rule)
	if err != nil {
		return storageErr("marshal rule snapshot", err)
	}
	metricsJSON, err := json.Marshal(e.Metrics)
	if err != nil {
		return storageErr("marshal metrics snapshot", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO circuit_breaker_events (id, timestamp, rule_json, metrics_json, action, details, resolved)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixMilli(), string(ruleJSON), string(metricsJSON),
		string(e.Action), nullStr(e.Details), e.Resolved)
	if err != nil {
		return storageErr("insert breaker event", err)
	}
	return nil
}

// ListBreakerEvents returns events newest first.
func (d *DB) ListBreakerEvents(ctx context.Context, limit int) ([]domain.BreakerEvent, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, timestamp, rule_json, metrics_json, action, details, resolved
		 FROM circuit_breaker_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list breaker events", err)
	}
	defer rows.Close()

	var out []domain.BreakerEvent
	for rows.Next() {
		var e domain.BreakerEvent
		var ts int64
		var ruleJSON, metricsJSON string
		var details sql.NullString
		if err := rows.Scan(&e.ID, &ts, &ruleJSON, &metricsJSON, &e.Action, &details, &e.Resolved); err != nil {
			return nil, storageErr("scan breaker event", err)
		}
		e.Timestamp = msTime(ts)
		if err := json.Unmarshal([]byte(ruleJSON), &e.Rule); err != nil {
			return nil, storageErr("decode rule snapshot", err)
		}
		if err := json.Unmarshal([]byte(metricsJSON), &e.Metrics); err != nil {
			return nil, storageErr("decode metrics snapshot", err)
		}
		if details.Valid {
			e.Details = details.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolveBreakerEvent marks an event resolved. The record is otherwise
// immutable.
func (d *DB) ResolveBreakerEvent(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE circuit_breaker_events SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return storageErr("resolve breaker event", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ─── Paused Command Types ───────────────────────────────────────────────────

// PausedCommandTypes returns the set of paused command types.
func (d *DB) PausedCommandTypes(ctx context.Context) ([]domain.CommandType, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT command_type FROM paused_command_types ORDER BY command_type`)
	if err != nil {
		return nil, storageErr("list paused types", err)
	}
	defer rows.Close()

	var out []domain.CommandType
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, storageErr("scan paused type", err)
		}
		out = append(out, domain.CommandType(t))
	}
	return out, rows.Err()
}

// SetCommandTypePaused pauses or unpauses one command type.
func (d *DB) SetCommandTypePaused(ctx context.Context, t domain.CommandType, paused bool) error {
	var err error
	if paused {
		_, err = d.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO paused_command_types (command_type) VALUES (?)`, string(t))
	} else {
		_, err = d.db.ExecContext(ctx,
			`DELETE FROM paused_command_types WHERE command_type = ?`, string(t))
	}
	if err != nil {
		return storageErr("set paused type", err)
	}
	return nil
}

// ─── Metrics Snapshots ──────────────────────────────────────────────────────

// InsertSnapshot persists one metrics rollup.
func (d *DB) InsertSnapshot(ctx context.Context, s domain.MetricsSnapshot) error {
	blob, err := json.Marshal(s.Metrics)
	if err != nil {
		return storageErr("marshal snapshot", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO metrics_snapshots (taken_at, kind, metrics_json) VALUES (?, ?, ?)`,
		s.TakenAt.UnixMilli(), s.Kind, string(blob))
	if err != nil {
		return storageErr("insert snapshot", err)
	}
	return nil
}

// LatestSnapshot returns the most recent rollup, nil when none exist.
func (d *DB) LatestSnapshot(ctx context.Context) (*domain.MetricsSnapshot, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, taken_at, kind, metrics_json FROM metrics_snapshots
		 ORDER BY taken_at DESC, id DESC LIMIT 1`)
	s, err := scanSnapshot(row)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSnapshots returns rollups taken at or after since, oldest first.
func (d *DB) ListSnapshots(ctx context.Context, since time.Time) ([]domain.MetricsSnapshot, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, taken_at, kind, metrics_json FROM metrics_snapshots
		 WHERE taken_at >= ? ORDER BY taken_at ASC`, since.UnixMilli())
	if err != nil {
		return nil, storageErr("list snapshots", err)
	}
	defer rows.Close()

	var out []domain.MetricsSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSnapshot(s scanner) (*domain.MetricsSnapshot, error) {
	var snap domain.MetricsSnapshot
	var takenAt int64
	var blob string
	err := s.Scan(&snap.ID, &takenAt, &snap.Kind, &blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("scan snapshot", err)
	}
	snap.TakenAt = msTime(takenAt)
	if err := json.Unmarshal([]byte(blob), &snap.Metrics); err != nil {
		return nil, storageErr("decode snapshot", err)
	}
	return &snap, nil
}
