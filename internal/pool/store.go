package pool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists registry entities in sqlite. The registry loads everything
// into memory at startup; the store is consulted at request time only for
// caller upserts and API-key lookups.
type Store struct {
	db *sql.DB
}

// OpenDB opens (and creates if missing) the sqlite database at path.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes itself; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	return db, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS app_callers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS platforms (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	base_url TEXT NOT NULL DEFAULT '',
	api_key TEXT NOT NULL DEFAULT '',
	region TEXT NOT NULL DEFAULT '',
	exchange_id INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS exchanges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	base_url TEXT NOT NULL,
	transformer_type TEXT NOT NULL,
	config TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS model_pools (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	model_type TEXT NOT NULL,
	is_default INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS pool_callers (
	pool_id INTEGER NOT NULL,
	caller_code TEXT NOT NULL,
	PRIMARY KEY (pool_id, caller_code)
);
CREATE TABLE IF NOT EXISTS model_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pool_id INTEGER NOT NULL,
	model_id TEXT NOT NULL,
	platform_id INTEGER NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_model_entries_pool ON model_entries(pool_id);
CREATE TABLE IF NOT EXISTS api_keys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL UNIQUE,
	caller_code TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	group_id TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Migrate creates the registry tables.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// GetOrCreateAppCaller is an idempotent upsert keyed by code.
func (s *Store) GetOrCreateAppCaller(ctx context.Context, code string) (*AppCaller, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO app_callers (code, name) VALUES (?, ?) ON CONFLICT(code) DO NOTHING`,
		code, code); err != nil {
		return nil, fmt.Errorf("upsert app caller: %w", err)
	}
	c := &AppCaller{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, code, name, created_at FROM app_callers WHERE code = ?`, code).
		Scan(&c.ID, &c.Code, &c.Name, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("load app caller: %w", err)
	}
	return c, nil
}

// APIKeyRecord is the credential row bound to a caller identity.
type APIKeyRecord struct {
	ID         int64
	Key        string
	CallerCode string
	UserID     string
	GroupID    string
	Active     bool
	CreatedAt  time.Time
}

// GetAPIKey looks up an active API key. sql.ErrNoRows for unknown keys.
func (s *Store) GetAPIKey(ctx context.Context, key string) (*APIKeyRecord, error) {
	rec := &APIKeyRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, key, caller_code, user_id, group_id, active, created_at
		 FROM api_keys WHERE key = ? AND active = 1`, key).
		Scan(&rec.ID, &rec.Key, &rec.CallerCode, &rec.UserID, &rec.GroupID, &rec.Active, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// InsertAPIKey registers a credential. Used by seeding and tests.
func (s *Store) InsertAPIKey(ctx context.Context, rec *APIKeyRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key, caller_code, user_id, group_id, active)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET caller_code=excluded.caller_code,
		   user_id=excluded.user_id, group_id=excluded.group_id, active=excluded.active`,
		rec.Key, rec.CallerCode, rec.UserID, rec.GroupID, rec.Active)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// UpsertPlatform inserts or updates a platform by name and returns its id.
func (s *Store) UpsertPlatform(ctx context.Context, p *Platform) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO platforms (name, kind, base_url, api_key, region, exchange_id)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET kind=excluded.kind, base_url=excluded.base_url,
		   api_key=excluded.api_key, region=excluded.region, exchange_id=excluded.exchange_id`,
		p.Name, p.Kind, p.BaseURL, p.APIKey, p.Region, p.ExchangeID)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM platforms WHERE name = ?`, p.Name).Scan(&id); err != nil {
		return 0, err
	}
	p.ID = id
	return id, nil
}

// UpsertExchange inserts or updates an exchange by name and returns its id.
func (s *Store) UpsertExchange(ctx context.Context, ex *Exchange) (int64, error) {
	cfg, err := json.Marshal(ex.Config)
	if err != nil {
		return 0, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO exchanges (name, base_url, transformer_type, config)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET base_url=excluded.base_url,
		   transformer_type=excluded.transformer_type, config=excluded.config`,
		ex.Name, ex.BaseURL, ex.TransformerType, string(cfg))
	if err != nil {
		return 0, err
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM exchanges WHERE name = ?`, ex.Name).Scan(&id); err != nil {
		return 0, err
	}
	ex.ID = id
	return id, nil
}

// UpsertPool inserts or updates a pool by name, replacing caller bindings.
func (s *Store) UpsertPool(ctx context.Context, p *ModelPool) (int64, error) {
	def := 0
	if p.IsDefaultForType {
		def = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_pools (name, model_type, is_default, priority)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET model_type=excluded.model_type,
		   is_default=excluded.is_default, priority=excluded.priority`,
		p.Name, p.Type, def, p.Priority)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM model_pools WHERE name = ?`, p.Name).Scan(&id); err != nil {
		return 0, err
	}
	p.ID = id

	if _, err := s.db.ExecContext(ctx, `DELETE FROM pool_callers WHERE pool_id = ?`, id); err != nil {
		return 0, err
	}
	for _, code := range p.CallerCodes {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO pool_callers (pool_id, caller_code) VALUES (?, ?)`, id, code); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// InsertEntry adds an entry to a pool and returns its id. Entries are
// matched on (pool, model, platform) so reseeding is idempotent.
func (s *Store) InsertEntry(ctx context.Context, e *EntrySnapshot) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM model_entries WHERE pool_id = ? AND model_id = ? AND platform_id = ?`,
		e.PoolID, e.ModelID, e.PlatformID).Scan(&id)
	if err == nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE model_entries SET priority = ? WHERE id = ?`, e.Priority, id)
		e.ID = id
		return id, err
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO model_entries (pool_id, model_id, platform_id, priority) VALUES (?, ?, ?, ?)`,
		e.PoolID, e.ModelID, e.PlatformID, e.Priority)
	if err != nil {
		return 0, err
	}
	id, err = res.LastInsertId()
	e.ID = id
	return id, err
}

// LoadRegistry populates the in-memory arena from the store.
func (s *Store) LoadRegistry(ctx context.Context, reg *Registry) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, kind, base_url, api_key, region, exchange_id FROM platforms`)
	if err != nil {
		return err
	}
	for rows.Next() {
		p := &Platform{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.BaseURL, &p.APIKey, &p.Region, &p.ExchangeID); err != nil {
			rows.Close()
			return err
		}
		reg.AddPlatform(p)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, name, base_url, transformer_type, config FROM exchanges`)
	if err != nil {
		return err
	}
	for rows.Next() {
		ex := &Exchange{}
		var cfg string
		if err := rows.Scan(&ex.ID, &ex.Name, &ex.BaseURL, &ex.TransformerType, &cfg); err != nil {
			rows.Close()
			return err
		}
		if err := json.Unmarshal([]byte(cfg), &ex.Config); err != nil {
			ex.Config = map[string]string{}
		}
		reg.AddExchange(ex)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	bindings := map[int64][]string{}
	rows, err = s.db.QueryContext(ctx, `SELECT pool_id, caller_code FROM pool_callers`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var poolID int64
		var code string
		if err := rows.Scan(&poolID, &code); err != nil {
			rows.Close()
			return err
		}
		bindings[poolID] = append(bindings[poolID], code)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, name, model_type, is_default, priority FROM model_pools`)
	if err != nil {
		return err
	}
	for rows.Next() {
		p := &ModelPool{}
		var def int
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &def, &p.Priority); err != nil {
			rows.Close()
			return err
		}
		p.IsDefaultForType = def != 0
		p.CallerCodes = bindings[p.ID]
		reg.AddPool(p)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, pool_id, model_id, platform_id, priority FROM model_entries`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		e := EntrySnapshot{}
		if err := rows.Scan(&e.ID, &e.PoolID, &e.ModelID, &e.PlatformID, &e.Priority); err != nil {
			return err
		}
		reg.AddEntry(e)
	}
	return rows.Err()
}
