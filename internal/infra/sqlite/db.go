// Package sqlite provides SQLite-based persistent storage for roastd.
// Uses WAL mode for concurrent reads and crash-safe writes. One DB value
// implements every repository contract in internal/domain; the application
// layer never sees SQL.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/roast-network/roastd/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS machine_configs (
			key         TEXT PRIMARY KEY,
			org_id      TEXT NOT NULL,
			site_id     TEXT NOT NULL,
			machine_id  TEXT NOT NULL,
			config_json TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS missions (
			id               TEXT PRIMARY KEY,
			idempotency_key  TEXT UNIQUE,
			goal_title       TEXT NOT NULL,
			goal_params      TEXT NOT NULL DEFAULT '{}',
			priority         TEXT NOT NULL,
			status           TEXT NOT NULL,
			attempts         INTEGER NOT NULL DEFAULT 0,
			next_run_after   INTEGER NOT NULL,
			lease_id         TEXT,
			lease_holder     TEXT,
			lease_expires_at INTEGER,
			last_error       TEXT,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_missions_claim
			ON missions(status, next_run_after)`,
		`CREATE TABLE IF NOT EXISTS command_proposals (
			proposal_id        TEXT PRIMARY KEY,
			command_type       TEXT NOT NULL,
			machine_id         TEXT NOT NULL,
			target_value       REAL,
			command_json       TEXT NOT NULL,
			proposer           TEXT NOT NULL,
			actor              TEXT NOT NULL,
			reasoning          TEXT NOT NULL,
			session_id         TEXT,
			mission_id         TEXT,
			status             TEXT NOT NULL,
			created_at         INTEGER NOT NULL,
			approval_required  BOOLEAN NOT NULL DEFAULT 1,
			approval_timeout_s INTEGER NOT NULL,
			approved_by        TEXT,
			approved_at        INTEGER,
			rejected_by        TEXT,
			rejected_at        INTEGER,
			rejection_json     TEXT,
			exec_started_at    INTEGER,
			exec_ended_at      INTEGER,
			duration_ms        INTEGER,
			outcome_json       TEXT,
			audit_log          TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_machine ON command_proposals(machine_id)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_session ON command_proposals(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_status  ON command_proposals(status)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_created ON command_proposals(created_at)`,
		`CREATE TABLE IF NOT EXISTS governance_state (
			id              INTEGER PRIMARY KEY CHECK (id = 1),
			current_phase   TEXT NOT NULL,
			phase_start     INTEGER NOT NULL,
			whitelist_json  TEXT NOT NULL DEFAULT '[]',
			last_report     INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS circuit_breaker_rules (
			name           TEXT PRIMARY KEY,
			enabled        BOOLEAN NOT NULL DEFAULT 1,
			condition      TEXT NOT NULL,
			window_seconds INTEGER NOT NULL,
			action         TEXT NOT NULL,
			alert_severity TEXT,
			command_type   TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS circuit_breaker_events (
			id           TEXT PRIMARY KEY,
			timestamp    INTEGER NOT NULL,
			rule_json    TEXT NOT NULL,
			metrics_json TEXT NOT NULL,
			action       TEXT NOT NULL,
			details      TEXT,
			resolved     BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS paused_command_types (
			command_type TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS metrics_snapshots (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			taken_at     INTEGER NOT NULL,
			kind         TEXT NOT NULL,
			metrics_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_taken ON metrics_snapshots(taken_at)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return d.seed()
}

// seed installs the governance singleton and the default breaker rules on
// first open. The rule set is data — operators edit it over HTTP.
func (d *DB) seed() error {
	_, err := d.db.Exec(
		`INSERT OR IGNORE INTO governance_state (id, current_phase, phase_start, whitelist_json)
		 VALUES (1, ?, ?, '[]')`,
		string(domain.PhaseL3), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("seed governance state: %w", err)
	}

	defaults := []domain.BreakerRule{
		{Name: "high-error-rate", Enabled: true, Condition: "errorRate > 0.05", WindowSeconds: 300, Action: domain.ActionRevertToL3, AlertSeverity: "critical"},
		{Name: "rollback-spike", Enabled: true, Condition: "rollbackRate > 0.1", WindowSeconds: 3600, Action: domain.ActionRevertToL3, AlertSeverity: "critical"},
		{Name: "emergency-aborts", Enabled: true, Condition: "emergencyAborts >= 1", WindowSeconds: 300, Action: domain.ActionAlertOnly, AlertSeverity: "warning"},
		{Name: "critical-incident", Enabled: true, Condition: `incident.severity === "critical"`, WindowSeconds: 300, Action: domain.ActionRevertToL3, AlertSeverity: "critical"},
	}
	for _, r := range defaults {
		_, err := d.db.Exec(
			`INSERT OR IGNORE INTO circuit_breaker_rules
				(name, enabled, condition, window_seconds, action, alert_severity, command_type)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.Name, r.Enabled, r.Condition, r.WindowSeconds,
			string(r.Action), nullStr(r.AlertSeverity), nullStr(string(r.CommandType)),
		)
		if err != nil {
			return fmt.Errorf("seed rule %s: %w", r.Name, err)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// storageErr tags a failed storage operation with the domain sentinel so
// the HTTP edge maps it to a 5xx.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStorage, op, err)
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableUnixMs(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
