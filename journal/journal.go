// Package journal persists the event stream of every run in SQLite. It is an
// observer: conversations are never restored from it, but past runs can be
// listed and replayed for diagnostics.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/logging"
)

// Run status values.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusError   = "error"
)

// Run summarizes one journaled run.
type Run struct {
	RunID     string            `json:"run_id"`
	Agent     string            `json:"agent"`
	Status    string            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	Events    int               `json:"events"`
	Error     *core.ErrorRecord `json:"error,omitempty"`
}

// Options configures a Journal.
type Options struct {
	// WriteTimeout bounds a single insert made by an observer.
	WriteTimeout time.Duration
	Logger       logging.Logger
}

// Journal is a SQLite backed event log.
type Journal struct {
	db   *sql.DB
	opts Options
}

// Open opens (and migrates) the journal at dsn.
func Open(dsn string, optFns ...func(o *Options)) (*Journal, error) {
	opts := Options{
		WriteTimeout: 2 * time.Second,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps :memory:
	// databases alive across statements.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, opts: opts}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}

	return j, nil
}

func (j *Journal) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			error_kind TEXT,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			agent TEXT,
			depth INTEGER NOT NULL,
			ts DATETIME NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := j.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// StartRun registers a run. Starting a known run is a no-op.
func (j *Journal) StartRun(ctx context.Context, runID, agent string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (run_id, agent, status, started_at) VALUES (?, ?, ?, ?)`,
		runID, agent, StatusRunning, time.Now().UTC())
	return err
}

// Record stores ev for runID. A terminal event also closes the run.
func (j *Journal) Record(ctx context.Context, runID string, ev core.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (run_id, agent, status, started_at) VALUES (?, ?, ?, ?)`,
		runID, ev.Agent, StatusRunning, ev.Timestamp); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, type, conversation_id, agent, depth, ts, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, ev.Seq, string(ev.Type), ev.ConversationID, ev.Agent, ev.Depth, ev.Timestamp, string(payload)); err != nil {
		return err
	}

	if ev.Type.Terminal() {
		status := StatusDone

		var kind, msg sql.NullString
		if ev.Error != nil {
			status = StatusError
			kind = sql.NullString{String: string(ev.Error.Kind), Valid: true}
			msg = sql.NullString{String: ev.Error.Message, Valid: true}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, ended_at = ?, error_kind = ?, error_message = ? WHERE run_id = ?`,
			status, ev.Timestamp, kind, msg, runID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Observe journals ev for runID within the write timeout. Failures are
// logged and never disturb the run.
func (j *Journal) Observe(runID string, ev core.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), j.opts.WriteTimeout)
	defer cancel()

	if err := j.Record(ctx, runID, ev); err != nil {
		j.opts.Logger.Warn("journal.record_failed", "run_id", runID, "seq", ev.Seq, "error", err)
	}
}

// Events replays the events of runID in sequence order.
func (j *Journal) Events(ctx context.Context, runID string) ([]core.Event, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT payload FROM events WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []core.Event

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}

		var ev core.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}

		events = append(events, ev)
	}

	return events, rows.Err()
}

// Run returns the summary of runID.
func (j *Journal) Run(ctx context.Context, runID string) (*Run, error) {
	runs, err := j.query(ctx, `WHERE r.run_id = ?`, runID)
	if err != nil {
		return nil, err
	}

	if len(runs) == 0 {
		return nil, sql.ErrNoRows
	}

	return &runs[0], nil
}

// Runs lists the most recent runs, newest first.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	return j.query(ctx, `ORDER BY r.started_at DESC LIMIT ?`, limit)
}

func (j *Journal) query(ctx context.Context, tail string, args ...any) ([]Run, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT r.run_id, r.agent, r.status, r.started_at, r.ended_at, r.error_kind, r.error_message,
		(SELECT COUNT(*) FROM events e WHERE e.run_id = r.run_id)
		FROM runs r `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run

	for rows.Next() {
		var (
			r         Run
			ended     sql.NullTime
			kind, msg sql.NullString
		)

		if err := rows.Scan(&r.RunID, &r.Agent, &r.Status, &r.StartedAt, &ended, &kind, &msg, &r.Events); err != nil {
			return nil, err
		}

		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}

		if kind.Valid {
			r.Error = &core.ErrorRecord{Kind: core.ErrorKind(kind.String), Message: msg.String}
		}

		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// IsNotFound reports whether err means the run does not exist.
func IsNotFound(err error) bool { return errors.Is(err, sql.ErrNoRows) }
