package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/roast-network/roastd/internal/domain"
)

// ─── Machine Config Repository ──────────────────────────────────────────────

// UpsertConfig inserts or updates a machine's heuristics config.
func (d *DB) UpsertConfig(ctx context.Context, key domain.MachineKey, cfg domain.HeuristicsConfig) error {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return storageErr("marshal config", err)
	}
	now := time.Now().UnixMilli()
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO machine_configs (key, org_id, site_id, machine_id, config_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			config_json=excluded.config_json,
			updated_at=excluded.updated_at`,
		key.String(), key.OrgID, key.SiteID, key.MachineID, string(blob), now, now,
	)
	if err != nil {
		return storageErr("upsert config", err)
	}
	return nil
}

// GetConfig retrieves a machine's stored config, nil when absent.
func (d *DB) GetConfig(ctx context.Context, key domain.MachineKey) (*domain.HeuristicsConfig, error) {
	var blob string
	err := d.db.QueryRowContext(ctx,
		`SELECT config_json FROM machine_configs WHERE key = ?`, key.String(),
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get config", err)
	}
	var cfg domain.HeuristicsConfig
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return nil, storageErr("decode config", err)
	}
	return &cfg, nil
}

// DeleteConfig removes a machine's config override.
func (d *DB) DeleteConfig(ctx context.Context, key domain.MachineKey) error {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM machine_configs WHERE key = ?`, key.String())
	if err != nil {
		return storageErr("delete config", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListConfigs returns every stored override keyed by org/site/machine.
func (d *DB) ListConfigs(ctx context.Context) (map[string]domain.HeuristicsConfig, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT key, config_json FROM machine_configs ORDER BY key`)
	if err != nil {
		return nil, storageErr("list configs", err)
	}
	defer rows.Close()

	out := make(map[string]domain.HeuristicsConfig)
	for rows.Next() {
		var key, blob string
		if err := rows.Scan(&key, &blob); err != nil {
			return nil, storageErr("scan config", err)
		}
		var cfg domain.HeuristicsConfig
		if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
			return nil, storageErr("decode config", err)
		}
		out[key] = cfg
	}
	return out, rows.Err()
}
