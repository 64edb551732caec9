// Package llmlog durably records the lifecycle of each outbound model
// call: start, first byte, completion or error. Rows are created at call
// start, updated in place at the first byte and at the terminal state, and
// never mutated afterwards. Correlated with gateway telemetry by request id.
package llmlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Terminal statuses. Cancelled is deliberately distinct from error: a
// client hanging up mid-stream is not an upstream fault.
const (
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// StartInfo is everything known when the outbound call begins.
type StartInfo struct {
	RequestID      string
	CallerCode     string
	UserID         string
	GroupID        string
	SessionID      string
	Model          string
	PoolID         int64
	PoolName       string
	ResolutionType string
	PlatformID     int64
	Prompt         string // hashed before storage, never persisted raw
	Stream         bool
}

// DoneInfo closes a record successfully.
type DoneInfo struct {
	StatusCode       int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Answer           string // hashed before storage
}

// Writer persists log records in sqlite.
type Writer struct {
	db *sql.DB
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

func (w *Writer) Migrate(ctx context.Context) error {
	_, err := w.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS llm_logs (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	caller_code TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	group_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	pool_id INTEGER NOT NULL DEFAULT 0,
	pool_name TEXT NOT NULL DEFAULT '',
	resolution_type TEXT NOT NULL DEFAULT '',
	platform_id INTEGER NOT NULL DEFAULT 0,
	prompt_hash TEXT NOT NULL DEFAULT '',
	answer_hash TEXT NOT NULL DEFAULT '',
	stream INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'running',
	status_code INTEGER NOT NULL DEFAULT 0,
	error_code TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMP NOT NULL,
	first_byte_at TIMESTAMP,
	done_at TIMESTAMP,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_llm_logs_request ON llm_logs(request_id)`)
	return err
}

// Hash returns the hex sha256 of s; the redaction applied to prompts and
// answers before they touch disk.
func Hash(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Start creates a running record and returns its id.
func (w *Writer) Start(ctx context.Context, info StartInfo) (string, error) {
	id := uuid.NewString()
	stream := 0
	if info.Stream {
		stream = 1
	}
	_, err := w.db.ExecContext(ctx, `
INSERT INTO llm_logs (id, request_id, caller_code, user_id, group_id, session_id,
	model, pool_id, pool_name, resolution_type, platform_id, prompt_hash, stream,
	status, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, info.RequestID, info.CallerCode, info.UserID, info.GroupID, info.SessionID,
		info.Model, info.PoolID, info.PoolName, info.ResolutionType, info.PlatformID,
		Hash(info.Prompt), stream, StatusRunning, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return id, nil
}

// MarkRouting stamps the resolved routing attribution on a record. Routing
// is decided after the record is created, so it cannot ride on Start.
func (w *Writer) MarkRouting(ctx context.Context, logID string, poolID int64, poolName, resolutionType string, platformID int64) {
	_, err := w.db.ExecContext(ctx, `
UPDATE llm_logs SET pool_id = ?, pool_name = ?, resolution_type = ?, platform_id = ?
WHERE id = ?`,
		poolID, poolName, resolutionType, platformID, logID)
	if err != nil {
		log.Error().Err(err).Str("log_id", logID).Msg("llmlog: mark routing failed")
	}
}

// MarkFirstByte stamps the time-to-first-byte once; later calls are no-ops.
func (w *Writer) MarkFirstByte(ctx context.Context, logID string, at time.Time) {
	_, err := w.db.ExecContext(ctx,
		`UPDATE llm_logs SET first_byte_at = ? WHERE id = ? AND first_byte_at IS NULL`,
		at.UTC(), logID)
	if err != nil {
		log.Error().Err(err).Str("log_id", logID).Msg("llmlog: mark first byte failed")
	}
}

// MarkDone closes a record successfully. A record already in a terminal
// state is left untouched.
func (w *Writer) MarkDone(ctx context.Context, logID string, info DoneInfo) {
	_, err := w.db.ExecContext(ctx, `
UPDATE llm_logs SET status = ?, status_code = ?, prompt_tokens = ?, completion_tokens = ?,
	total_tokens = ?, answer_hash = ?, done_at = ?, duration_ms = ?
WHERE id = ? AND status = ?`,
		StatusDone, info.StatusCode, info.PromptTokens, info.CompletionTokens,
		info.TotalTokens, Hash(info.Answer), time.Now().UTC(), w.elapsedMs(ctx, logID),
		logID, StatusRunning)
	if err != nil {
		log.Error().Err(err).Str("log_id", logID).Msg("llmlog: mark done failed")
	}
}

// elapsedMs computes the record's age from its stored start time. sqlite's
// date functions cannot parse the driver's timestamp binding, so the
// arithmetic stays in Go.
func (w *Writer) elapsedMs(ctx context.Context, logID string) int64 {
	var started time.Time
	if err := w.db.QueryRowContext(ctx,
		`SELECT started_at FROM llm_logs WHERE id = ?`, logID).Scan(&started); err != nil {
		return 0
	}
	return time.Since(started).Milliseconds()
}

// MarkError closes a record with an error code and HTTP status.
func (w *Writer) MarkError(ctx context.Context, logID, errCode string, statusCode int) {
	w.markTerminal(ctx, logID, StatusError, errCode, statusCode)
}

// MarkCancelled closes a record as client-cancelled.
func (w *Writer) MarkCancelled(ctx context.Context, logID string) {
	w.markTerminal(ctx, logID, StatusCancelled, "CLIENT_CANCELLED", 499)
}

func (w *Writer) markTerminal(ctx context.Context, logID, status, errCode string, statusCode int) {
	_, err := w.db.ExecContext(ctx, `
UPDATE llm_logs SET status = ?, error_code = ?, status_code = ?, done_at = ?, duration_ms = ?
WHERE id = ? AND status = ?`,
		status, errCode, statusCode, time.Now().UTC(), w.elapsedMs(ctx, logID),
		logID, StatusRunning)
	if err != nil {
		log.Error().Err(err).Str("log_id", logID).Str("status", status).Msg("llmlog: mark terminal failed")
	}
}

// Record is the read-back shape, used by tests and correlation queries.
type Record struct {
	ID               string
	RequestID        string
	CallerCode       string
	Model            string
	PoolID           int64
	PoolName         string
	ResolutionType   string
	PlatformID       int64
	PromptHash       string
	AnswerHash       string
	Stream           bool
	Status           string
	StatusCode       int
	ErrorCode        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	StartedAt        time.Time
	FirstByteAt      *time.Time
	DoneAt           *time.Time
	DurationMs       int64
}

// ByRequestID returns the records written for one gateway request.
func (w *Writer) ByRequestID(ctx context.Context, requestID string) ([]Record, error) {
	rows, err := w.db.QueryContext(ctx, `
SELECT id, request_id, caller_code, model, pool_id, pool_name, resolution_type,
	platform_id, prompt_hash, answer_hash, stream, status, status_code, error_code,
	prompt_tokens, completion_tokens, total_tokens, started_at, first_byte_at,
	done_at, duration_ms
FROM llm_logs WHERE request_id = ? ORDER BY started_at`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var stream int
		var firstByte, doneAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.RequestID, &r.CallerCode, &r.Model, &r.PoolID,
			&r.PoolName, &r.ResolutionType, &r.PlatformID, &r.PromptHash, &r.AnswerHash,
			&stream, &r.Status, &r.StatusCode, &r.ErrorCode, &r.PromptTokens,
			&r.CompletionTokens, &r.TotalTokens, &r.StartedAt, &firstByte, &doneAt,
			&r.DurationMs); err != nil {
			return nil, err
		}
		r.Stream = stream != 0
		if firstByte.Valid {
			t := firstByte.Time
			r.FirstByteAt = &t
		}
		if doneAt.Valid {
			t := doneAt.Time
			r.DoneAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
