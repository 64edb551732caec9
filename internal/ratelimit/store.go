package ratelimit

import (
	"context"
	"database/sql"
)

// ConfigStore persists per-caller and global limit configs in sqlite so
// that admin changes survive restarts. The empty caller code row is the
// global default.
type ConfigStore struct {
	db *sql.DB
}

func NewConfigStore(db *sql.DB) *ConfigStore {
	return &ConfigStore{db: db}
}

func (s *ConfigStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS rate_limit_configs (
	caller_code TEXT PRIMARY KEY,
	requests_per_minute INTEGER NOT NULL DEFAULT 0,
	max_concurrent INTEGER NOT NULL DEFAULT 0,
	exempt INTEGER NOT NULL DEFAULT 0
)`)
	return err
}

// Save upserts the config for a caller ("" for the global default).
func (s *ConfigStore) Save(ctx context.Context, callerCode string, cfg Config) error {
	exempt := 0
	if cfg.Exempt {
		exempt = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO rate_limit_configs (caller_code, requests_per_minute, max_concurrent, exempt)
VALUES (?, ?, ?, ?)
ON CONFLICT(caller_code) DO UPDATE SET
	requests_per_minute=excluded.requests_per_minute,
	max_concurrent=excluded.max_concurrent,
	exempt=excluded.exempt`,
		callerCode, cfg.RequestsPerMinute, cfg.MaxConcurrent, exempt)
	return err
}

// Delete removes a per-caller config.
func (s *ConfigStore) Delete(ctx context.Context, callerCode string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_configs WHERE caller_code = ?`, callerCode)
	return err
}

// Apply loads every persisted config into the limiter.
func (s *ConfigStore) Apply(ctx context.Context, l *Limiter) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT caller_code, requests_per_minute, max_concurrent, exempt FROM rate_limit_configs`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var code string
		var cfg Config
		var exempt int
		if err := rows.Scan(&code, &cfg.RequestsPerMinute, &cfg.MaxConcurrent, &exempt); err != nil {
			return err
		}
		cfg.Exempt = exempt != 0
		if code == "" {
			l.SetGlobalConfig(cfg)
		} else {
			l.SetCallerConfig(code, cfg)
		}
	}
	return rows.Err()
}
