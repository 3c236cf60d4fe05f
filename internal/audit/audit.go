// Package audit keeps a persistent record of every command the gateway executed.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/guseggert/hostgateway/gateway/command"
	"github.com/guseggert/hostgateway/gateway/monitor"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const DefaultLimit = 50

type Entry struct {
	ID         int64     `json:"id"`
	Time       time.Time `json:"time"`
	Command    string    `json:"command"`
	Success    bool      `json:"success"`
	ExitCode   int       `json:"exitCode"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"durationMs"`
}

type Store interface {
	Record(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// SQLiteStore persists entries in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating audit directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	// a single connection keeps ":memory:" databases intact and serializes writers
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		command TEXT NOT NULL,
		success INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		error TEXT,
		duration_ms INTEGER NOT NULL
	);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO executions
		(timestamp, command, success, exit_code, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Time.UTC().Format(time.RFC3339Nano),
		e.Command,
		boolToInt(e.Success),
		e.ExitCode,
		e.Error,
		e.DurationMS,
	)
	return err
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, timestamp, command, success, exit_code, error, duration_ms
		FROM executions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			ts      string
			success int
			errText sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Command, &success, &e.ExitCode, &errText, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Time, _ = time.Parse(time.RFC3339Nano, ts)
		e.Success = success == 1
		e.Error = errText.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Runner records every execution of Next in Store. Recording failures are logged, never reported to the caller.
type Runner struct {
	Next  command.Runner
	Store Store
	Log   *zap.SugaredLogger
}

func (r *Runner) Run(ctx context.Context, spec command.Spec) command.Result {
	start := time.Now()
	res := r.Next.Run(ctx, spec)
	entry := Entry{
		Time:       start,
		Command:    spec.Display(),
		Success:    res.Success,
		ExitCode:   res.ExitCode,
		Error:      res.Error,
		DurationMS: time.Since(start).Milliseconds(),
	}
	// the request context may already be gone, the record should still land
	if err := r.Store.Record(context.Background(), entry); err != nil && r.Log != nil {
		r.Log.Debugf("recording audit entry for %q: %s", entry.Command, err)
	}
	return res
}

// SessionRecorder records monitoring sessions in Store, once when they start and once when they end.
type SessionRecorder struct {
	Store Store
	Log   *zap.SugaredLogger
}

func (r *SessionRecorder) RecordSession(rec monitor.SessionRecord) {
	phase := "start"
	if rec.Ended {
		phase = "end"
	}
	entry := Entry{
		Time:       rec.Start,
		Command:    fmt.Sprintf("monitor[%s] %s", phase, rec.Command),
		Success:    rec.Success,
		DurationMS: rec.Duration.Milliseconds(),
	}
	if !rec.Success {
		entry.ExitCode = -1
		entry.Error = rec.Status
	}
	if err := r.Store.Record(context.Background(), entry); err != nil && r.Log != nil {
		r.Log.Debugf("recording monitoring session %s: %s", rec.Session, err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
