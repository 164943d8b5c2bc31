// Package journal persists finished evolution cycles in SQLite so the history
// survives restarts.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"ouroboros/internal/evolution"
)

// ErrNotFound is returned by Get for an unknown cycle id.
var ErrNotFound = errors.New("cycle not found")

// timeLayout is fixed width in UTC so started_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	from_version INTEGER NOT NULL,
	to_version INTEGER NOT NULL,
	final_state TEXT NOT NULL,
	message TEXT,
	trace TEXT,
	fallback INTEGER NOT NULL DEFAULT 0,
	fallback_reason TEXT,
	lines_added INTEGER NOT NULL DEFAULT 0,
	lines_removed INTEGER NOT NULL DEFAULT 0,
	rolled_back INTEGER NOT NULL DEFAULT 0,
	rollback_target INTEGER,
	exec_success INTEGER,
	exec_kind TEXT,
	exit_code INTEGER,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at);
`

// Entry is one stored cycle.
type Entry struct {
	ID             string        `json:"id"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	FromVersion    int           `json:"from_version"`
	ToVersion      int           `json:"to_version"`
	FinalState     string        `json:"final_state"`
	Message        string        `json:"message"`
	Trace          []string      `json:"trace"`
	Fallback       bool          `json:"fallback"`
	FallbackReason string        `json:"fallback_reason,omitempty"`
	LinesAdded     int           `json:"lines_added"`
	LinesRemoved   int           `json:"lines_removed"`
	RolledBack     bool          `json:"rolled_back"`
	RollbackTarget int           `json:"rollback_target,omitempty"`
	Executed       bool          `json:"executed"`
	ExecSuccess    bool          `json:"exec_success"`
	ExecKind       string        `json:"exec_kind,omitempty"`
	ExitCode       int           `json:"exit_code"`
	Error          string        `json:"error,omitempty"`
}

// Journal is a SQLite-backed cycle history. It implements evolution.Recorder.
type Journal struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	logger *zap.Logger
}

var _ evolution.Recorder = (*Journal)(nil)

// Open opens or creates the journal database at path.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	logger.Debug("Journal opened", zap.String("path", path))
	return &Journal{db: db, path: path, logger: logger}, nil
}

// Path returns the database file.
func (j *Journal) Path() string { return j.path }

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores a finished cycle. Recording the same id twice replaces it.
func (j *Journal) Record(ctx context.Context, r *evolution.CycleResult) error {
	trace := make([]string, 0, len(r.Trace))
	for _, s := range r.Trace {
		trace = append(trace, s.String())
	}
	traceJSON, err := json.Marshal(trace)
	if err != nil {
		return err
	}

	var execSuccess, exitCode sql.NullInt64
	var execKind sql.NullString
	if r.Execution != nil {
		execSuccess = sql.NullInt64{Int64: boolInt(r.Execution.Success), Valid: true}
		exitCode = sql.NullInt64{Int64: int64(r.Execution.ExitCode), Valid: true}
		execKind = sql.NullString{String: string(r.Execution.Kind), Valid: true}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cycles (
			id, started_at, duration_ms, from_version, to_version, final_state, message, trace,
			fallback, fallback_reason, lines_added, lines_removed, rolled_back, rollback_target,
			exec_success, exec_kind, exit_code, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UTC().Format(timeLayout), r.Duration.Milliseconds(),
		r.FromVersion, r.ToVersion, r.Final.String(), r.Message, string(traceJSON),
		boolInt(r.Fallback), r.FallbackReason, r.LinesAdded, r.LinesRemoved, boolInt(r.RolledBack), r.RollbackTarget,
		execSuccess, execKind, exitCode, r.Error,
	)
	if err != nil {
		return fmt.Errorf("record cycle %s: %w", r.ID, err)
	}
	return nil
}

const selectColumns = `id, started_at, duration_ms, from_version, to_version, final_state, message, trace,
	fallback, fallback_reason, lines_added, lines_removed, rolled_back, rollback_target, exec_success, exec_kind, exit_code, error`

// Recent returns up to limit cycles, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM cycles ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns one cycle by id.
func (j *Journal) Get(ctx context.Context, id string) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	row := j.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM cycles WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

// Count returns the number of stored cycles.
func (j *Journal) Count(ctx context.Context) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cycles`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                                Entry
		started, trace                   string
		message, reason, execKind, errS  sql.NullString
		durationMs                       int64
		fallback, rolledBack             int64
		rollbackTarget, execOK, exitCode sql.NullInt64
	)
	if err := s.Scan(&e.ID, &started, &durationMs, &e.FromVersion, &e.ToVersion, &e.FinalState, &message, &trace,
		&fallback, &reason, &e.LinesAdded, &e.LinesRemoved, &rolledBack, &rollbackTarget, &execOK, &execKind, &exitCode, &errS); err != nil {
		return Entry{}, err
	}

	t, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return Entry{}, fmt.Errorf("parse started_at: %w", err)
	}
	e.StartedAt = t
	e.Duration = time.Duration(durationMs) * time.Millisecond
	e.Message = message.String
	if trace != "" {
		if err := json.Unmarshal([]byte(trace), &e.Trace); err != nil {
			return Entry{}, fmt.Errorf("parse trace: %w", err)
		}
	}
	e.Fallback = fallback != 0
	e.FallbackReason = reason.String
	e.RolledBack = rolledBack != 0
	e.RollbackTarget = int(rollbackTarget.Int64)
	e.Executed = execOK.Valid
	e.ExecSuccess = execOK.Int64 != 0
	e.ExecKind = execKind.String
	e.ExitCode = int(exitCode.Int64)
	e.Error = errS.String
	return e, nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
