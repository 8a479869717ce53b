package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog/log"
)

// ToolExecution is one row of the tool-execution index: a per-tool-use
// record that is redundant with the owning Tool block's status but is
// cheaply indexable by session, tool name or status without walking the
// JSON blocks column.
type ToolExecution struct {
	MessageID  string
	SessionID  string
	CallID     string
	ToolName   string
	Status     string // pending | running | completed | error | cancelled
	StartedAt  int64
	FinishedAt *int64
	DurationMs *int64
}

// ToolExecStore is a small SQLite-backed index of tool executions,
// mirroring the `tool_executions` table in §6.1 of the persistence
// schema. It is deliberately narrow: the Tool block embedded in a
// message's JSON blocks remains the source of truth for a tool call's
// input/output, this store only indexes status and timing so the rest
// of the system (UI, audits) can query across a session without
// scanning every message.
type ToolExecStore struct {
	db *sql.DB
}

const toolExecSchema = `
CREATE TABLE IF NOT EXISTS tool_executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	call_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tool_executions_session ON tool_executions(session_id, started_at, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tool_executions_call ON tool_executions(session_id, call_id);
`

// OpenToolExecStore opens (creating if necessary) a SQLite database
// file under baseDir holding the tool-execution index.
func OpenToolExecStore(baseDir string) (*ToolExecStore, error) {
	path := filepath.Join(baseDir, "tool_executions.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open tool execution store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers, matches §5's single-writer pool policy

	if _, err := db.Exec(toolExecSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tool execution schema: %w", err)
	}

	return &ToolExecStore{db: db}, nil
}

// Close releases the underlying database handle.
func (t *ToolExecStore) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

// Start records a tool call entering the "running" state.
func (t *ToolExecStore) Start(ctx context.Context, messageID, sessionID, callID, toolName string, startedAt int64) error {
	if t == nil {
		return nil
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO tool_executions (message_id, session_id, call_id, tool_name, status, started_at)
		VALUES (?, ?, ?, ?, 'running', ?)
		ON CONFLICT(session_id, call_id) DO UPDATE SET status = 'running', started_at = excluded.started_at
	`, messageID, sessionID, callID, toolName, startedAt)
	if err != nil {
		log.Warn().Err(err).Str("call_id", callID).Msg("tool execution index: start failed")
	}
	return err
}

// Finish records a tool call's terminal status (completed, error or
// cancelled) and its duration.
func (t *ToolExecStore) Finish(ctx context.Context, sessionID, callID, status string, finishedAt int64) error {
	if t == nil {
		return nil
	}
	_, err := t.db.ExecContext(ctx, `
		UPDATE tool_executions
		SET status = ?, finished_at = ?, duration_ms = ? - started_at
		WHERE session_id = ? AND call_id = ?
	`, status, finishedAt, finishedAt, sessionID, callID)
	if err != nil {
		log.Warn().Err(err).Str("call_id", callID).Msg("tool execution index: finish failed")
	}
	return err
}

// ListBySession returns every recorded tool execution for a session,
// ordered by start time then id (matching the §6.1 ordering
// convention used for messages).
func (t *ToolExecStore) ListBySession(ctx context.Context, sessionID string) ([]ToolExecution, error) {
	if t == nil {
		return nil, nil
	}
	rows, err := t.db.QueryContext(ctx, `
		SELECT message_id, session_id, call_id, tool_name, status, started_at, finished_at, duration_ms
		FROM tool_executions WHERE session_id = ? ORDER BY started_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tool executions: %w", err)
	}
	defer rows.Close()

	var out []ToolExecution
	for rows.Next() {
		var e ToolExecution
		var finishedAt, durationMs sql.NullInt64
		if err := rows.Scan(&e.MessageID, &e.SessionID, &e.CallID, &e.ToolName, &e.Status, &e.StartedAt, &finishedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("scan tool execution: %w", err)
		}
		if finishedAt.Valid {
			v := finishedAt.Int64
			e.FinishedAt = &v
		}
		if durationMs.Valid {
			v := durationMs.Int64
			e.DurationMs = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
