// Package sagadb is the SQLite-backed saga journal.
//
// saga_instances holds one row per workflow id (the latest run) and
// saga_history is the append-only command and signal log that replay reads.
package sagadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"trellis/internal/saga"
)

const schema = `
CREATE TABLE IF NOT EXISTS saga_instances (
    id            TEXT PRIMARY KEY,
    run_id        TEXT NOT NULL,
    type          TEXT NOT NULL,
    input         TEXT NOT NULL DEFAULT 'null',
    status        TEXT NOT NULL,
    result        TEXT NOT NULL DEFAULT '',
    error         TEXT NOT NULL DEFAULT '',
    snapshot      TEXT,
    parent_id     TEXT NOT NULL DEFAULT '',
    parent_run_id TEXT NOT NULL DEFAULT '',
    deadline      TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_instances_status ON saga_instances(status, created_at);

CREATE TABLE IF NOT EXISTS saga_history (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id TEXT NOT NULL,
    run_id      TEXT NOT NULL,
    kind        TEXT NOT NULL,
    name        TEXT NOT NULL DEFAULT '',
    payload     TEXT,
    error       TEXT NOT NULL DEFAULT '',
    ref         INTEGER NOT NULL DEFAULT 0,
    at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_history_run ON saga_history(instance_id, run_id, seq);
`

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// Journal implements saga.Journal on SQLite.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

var _ saga.Journal = (*Journal)(nil)

// Open opens (or creates) the database at path in WAL mode and applies the schema.
func Open(ctx context.Context, path string) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	j := New(db)
	if err := j.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// New wraps an already opened database. Call InitSchema before use.
func New(db *sql.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

// InitSchema creates the journal tables if they do not exist.
func (j *Journal) InitSchema(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Create(ctx context.Context, inst saga.Instance) (err error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin create %q: %w", inst.ID, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM saga_instances WHERE id = ?`, inst.ID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return fmt.Errorf("sqlite: check %q: %w", inst.ID, err)
	case saga.Status(status) == saga.StatusRunning:
		return saga.ErrAlreadyStarted
	}

	now := j.now().UTC()
	created := inst.CreatedAt
	if created.IsZero() {
		created = now
	}
	if inst.Status == "" {
		inst.Status = saga.StatusRunning
	}
	const q = `
		INSERT INTO saga_instances
			(id, run_id, type, input, status, result, error, snapshot, parent_id, parent_run_id, deadline, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', '', ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			run_id = excluded.run_id,
			type = excluded.type,
			input = excluded.input,
			status = excluded.status,
			result = '',
			error = '',
			snapshot = excluded.snapshot,
			parent_id = excluded.parent_id,
			parent_run_id = excluded.parent_run_id,
			deadline = excluded.deadline,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`
	_, err = tx.ExecContext(ctx, q,
		inst.ID, inst.RunID, inst.Type, rawOrNull(inst.Input), string(inst.Status),
		nullableRaw(inst.Snapshot), inst.ParentID, inst.ParentRunID, formatDeadline(inst.Deadline),
		created.UTC().Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create %q: %w", inst.ID, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit create %q: %w", inst.ID, err)
	}
	return nil
}

func (j *Journal) Append(ctx context.Context, rec saga.Record) (int64, error) {
	at := rec.At
	if at.IsZero() {
		at = j.now()
	}
	const q = `
		INSERT INTO saga_history (instance_id, run_id, kind, name, payload, error, ref, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := j.db.ExecContext(ctx, q,
		rec.InstanceID, rec.RunID, string(rec.Kind), rec.Name,
		nullableRaw(rec.Payload), rec.Error, rec.Ref, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: append %s for %q: %w", rec.Kind, rec.InstanceID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: append seq for %q: %w", rec.InstanceID, err)
	}
	return seq, nil
}

func (j *Journal) History(ctx context.Context, id, runID string) ([]saga.Record, error) {
	const q = `
		SELECT seq, instance_id, run_id, kind, name, payload, error, ref, at
		FROM   saga_history
		WHERE  instance_id = ? AND run_id = ?
		ORDER  BY seq`
	rows, err := j.db.QueryContext(ctx, q, id, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: history of %q: %w", id, err)
	}
	defer rows.Close()

	var out []saga.Record
	for rows.Next() {
		var (
			rec     saga.Record
			kind    string
			payload sql.NullString
			at      string
		)
		if err := rows.Scan(&rec.Seq, &rec.InstanceID, &rec.RunID, &kind, &rec.Name, &payload, &rec.Error, &rec.Ref, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan history of %q: %w", id, err)
		}
		rec.Kind = saga.RecordKind(kind)
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		if rec.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate history of %q: %w", id, err)
	}
	return out, nil
}

func (j *Journal) SaveSnapshot(ctx context.Context, id, runID string, snapshot json.RawMessage) error {
	const q = `UPDATE saga_instances SET snapshot = ?, updated_at = ? WHERE id = ? AND run_id = ?`
	res, err := j.db.ExecContext(ctx, q, nullableRaw(snapshot), j.now().UTC().Format(timeLayout), id, runID)
	if err != nil {
		return fmt.Errorf("sqlite: save snapshot of %q: %w", id, err)
	}
	return requireRow(res, id)
}

func (j *Journal) Finish(ctx context.Context, id, runID string, status saga.Status, result, errMsg string) error {
	const q = `UPDATE saga_instances SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ? AND run_id = ?`
	res, err := j.db.ExecContext(ctx, q, string(status), result, errMsg, j.now().UTC().Format(timeLayout), id, runID)
	if err != nil {
		return fmt.Errorf("sqlite: finish %q: %w", id, err)
	}
	return requireRow(res, id)
}

const instanceColumns = `id, run_id, type, input, status, result, error, snapshot, parent_id, parent_run_id, deadline, created_at, updated_at`

func (j *Journal) Load(ctx context.Context, id string) (saga.Instance, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM saga_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Instance{}, saga.ErrInstanceNotFound
	}
	if err != nil {
		return saga.Instance{}, fmt.Errorf("sqlite: load %q: %w", id, err)
	}
	return inst, nil
}

func (j *Journal) Running(ctx context.Context) ([]saga.Instance, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM saga_instances WHERE status = ? ORDER BY created_at, id`,
		string(saga.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list running: %w", err)
	}
	defer rows.Close()

	var out []saga.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan running: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate running: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(s scanner) (saga.Instance, error) {
	var (
		inst     saga.Instance
		input    string
		status   string
		snapshot sql.NullString
		deadline string
		created  string
		updated  string
	)
	if err := s.Scan(&inst.ID, &inst.RunID, &inst.Type, &input, &status, &inst.Result, &inst.Error,
		&snapshot, &inst.ParentID, &inst.ParentRunID, &deadline, &created, &updated); err != nil {
		return saga.Instance{}, err
	}
	inst.Input = json.RawMessage(input)
	inst.Status = saga.Status(status)
	if snapshot.Valid {
		inst.Snapshot = json.RawMessage(snapshot.String)
	}
	var err error
	if deadline != "" {
		if inst.Deadline, err = parseTime(deadline); err != nil {
			return saga.Instance{}, err
		}
	}
	if inst.CreatedAt, err = parseTime(created); err != nil {
		return saga.Instance{}, err
	}
	if inst.UpdatedAt, err = parseTime(updated); err != nil {
		return saga.Instance{}, err
	}
	return inst, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected for %q: %w", id, err)
	}
	if n == 0 {
		return saga.ErrInstanceNotFound
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

// formatDeadline stores the zero time as an empty string.
func formatDeadline(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNull(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
