// Package ledger keeps an SQLite history of sync runs and of every file
// outcome within them.
package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one fetch attempt.
type Entry struct {
	RunID      string
	Phase      string
	RemotePath string
	Size       int64
	Outcome    string
	Error      string
	RecordedAt time.Time
}

// Summary is what a finished run adds to its row.
type Summary struct {
	Downloaded int
	Skipped    int
	Failed     int
	Mismatched int
	NotFound   int
	Probes     int
	Err        string
}

// RunInfo is one row of the runs table.
type RunInfo struct {
	ID         string
	Card       string
	Firmware   string
	StartedAt  time.Time
	FinishedAt time.Time
	Summary
}

// DB wraps the ledger database.
type DB struct {
	*sql.DB
	now func() time.Time
}

// Open connects to dsn, a file path or ":memory:". The ledger is written by a
// single goroutine, so one connection is enough and keeps :memory: coherent.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable foreign keys")
	}
	return &DB{DB: db, now: time.Now}, nil
}

// Migrate creates the schema if it does not exist yet.
func (db *DB) Migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    card TEXT NOT NULL,
    firmware TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    downloaded INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    mismatched INTEGER NOT NULL DEFAULT 0,
    not_found INTEGER NOT NULL DEFAULT 0,
    probes INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    phase TEXT NOT NULL,
    remote_path TEXT NOT NULL,
    size INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    recorded_at TEXT NOT NULL,
    FOREIGN KEY (run_id) REFERENCES runs(id)
);
CREATE INDEX IF NOT EXISTS idx_entries_run ON entries(run_id);
CREATE INDEX IF NOT EXISTS idx_entries_path ON entries(remote_path);
`
	if _, err := db.Exec(schema); err != nil {
		return errors.Wrap(err, "migrate ledger")
	}
	return nil
}

// Run is an open sync run; entries recorded through it share its id.
type Run struct {
	db *DB
	ID string
}

// BeginRun inserts a new run row.
func (db *DB) BeginRun(ctx context.Context, card, firmware string) (*Run, error) {
	id := uuid.NewString()
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (id, card, firmware, started_at) VALUES (?, ?, ?, ?)`,
		id, card, firmware, db.now().UTC().Format(timeLayout))
	if err != nil {
		return nil, errors.Wrap(err, "begin run")
	}
	return &Run{db: db, ID: id}, nil
}

// Record appends one outcome to the run.
func (r *Run) Record(ctx context.Context, e Entry) error {
	at := e.RecordedAt
	if at.IsZero() {
		at = r.db.now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO entries (run_id, phase, remote_path, size, outcome, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, e.Phase, e.RemotePath, e.Size, e.Outcome, e.Error, at.UTC().Format(timeLayout))
	if err != nil {
		return errors.Wrapf(err, "record %s", e.RemotePath)
	}
	return nil
}

// Finish stores the run totals.
func (r *Run) Finish(ctx context.Context, s Summary) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, downloaded = ?, skipped = ?, failed = ?,
			mismatched = ?, not_found = ?, probes = ?, error = ?
		WHERE id = ?`,
		r.db.now().UTC().Format(timeLayout),
		s.Downloaded, s.Skipped, s.Failed, s.Mismatched, s.NotFound, s.Probes, s.Err,
		r.ID)
	if err != nil {
		return errors.Wrap(err, "finish run")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("run %s not found", r.ID)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (db *DB) Recent(ctx context.Context, limit int) ([]RunInfo, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, card, firmware, started_at, COALESCE(finished_at, ''),
			downloaded, skipped, failed, mismatched, not_found, probes, error
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var ri RunInfo
		var started, finished string
		if err := rows.Scan(&ri.ID, &ri.Card, &ri.Firmware, &started, &finished,
			&ri.Downloaded, &ri.Skipped, &ri.Failed, &ri.Mismatched, &ri.NotFound, &ri.Probes, &ri.Err); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		if ri.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, errors.Wrapf(err, "run %s: started_at", ri.ID)
		}
		if finished != "" {
			if ri.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
				return nil, errors.Wrapf(err, "run %s: finished_at", ri.ID)
			}
		}
		runs = append(runs, ri)
	}
	return runs, errors.Wrap(rows.Err(), "iterate runs")
}

// Entries lists the outcomes recorded for a run in insertion order.
func (db *DB) Entries(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, phase, remote_path, size, outcome, error, recorded_at
		FROM entries WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query entries")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.RunID, &e.Phase, &e.RemotePath, &e.Size, &e.Outcome, &e.Error, &at); err != nil {
			return nil, errors.Wrap(err, "scan entry")
		}
		if e.RecordedAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, errors.Wrapf(err, "entry %s: recorded_at", e.RemotePath)
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate entries")
}

// LastDownload reports when remotePath was last downloaded, if ever.
func (db *DB) LastDownload(ctx context.Context, remotePath string) (time.Time, bool, error) {
	var at string
	err := db.QueryRowContext(ctx, `
		SELECT recorded_at FROM entries
		WHERE remote_path = ? AND outcome IN ('downloaded', 'mismatch')
		ORDER BY id DESC LIMIT 1`, remotePath).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "query last download")
	}
	t, err := time.Parse(timeLayout, at)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "parse recorded_at")
	}
	return t, true, nil
}
