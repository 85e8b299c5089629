// Package snapshotdb stores sessions and chaos cycle snapshots in a local SQLite database.
package snapshotdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pkt.systems/chaosdeck/schema"
)

// DB is the snapshot repository.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing database path")
	}
	p = filepath.Clean(p)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// EnsureSession creates the session if it is missing and touches its last opened time.
func (d *DB) EnsureSession(ctx context.Context, id schema.SessionID, now time.Time) (schema.Session, error) {
	if err := d.ready(); err != nil {
		return schema.Session{}, err
	}
	ctx = orBackground(ctx)
	if strings.TrimSpace(string(id)) == "" {
		return schema.Session{}, errors.New("missing session id")
	}
	ms := now.UnixMilli()
	if _, err := d.db.ExecContext(ctx, `
INSERT INTO sessions(id, name, created_at_unix_ms, last_opened_at_unix_ms)
VALUES(?, '', ?, ?)
ON CONFLICT(id) DO UPDATE SET last_opened_at_unix_ms = excluded.last_opened_at_unix_ms
`, string(id), ms, ms); err != nil {
		return schema.Session{}, fmt.Errorf("upsert session: %w", err)
	}
	var (
		sess              schema.Session
		sid               string
		created, lastOpen int64
	)
	err := d.db.QueryRowContext(ctx, `
SELECT id, name, created_at_unix_ms, last_opened_at_unix_ms
FROM sessions
WHERE id = ?
`, string(id)).Scan(&sid, &sess.Name, &created, &lastOpen)
	if err != nil {
		return schema.Session{}, fmt.Errorf("load session: %w", err)
	}
	sess.ID = schema.SessionID(sid)
	sess.CreatedAt = fromUnixMs(created)
	sess.LastOpenedAt = fromUnixMs(lastOpen)
	return sess, nil
}

// ListSnapshots returns the session's snapshots, newest first by creation time.
func (d *DB) ListSnapshots(ctx context.Context, session schema.SessionID) ([]schema.Snapshot, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(orBackground(ctx), `
SELECT `+snapshotColumns+`
FROM snapshots
WHERE session_id = ?
ORDER BY created_at_unix_ms DESC, rowid DESC
`, string(session))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]schema.Snapshot, 0, 16)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSnapshot loads one snapshot. A missing id yields schema.ErrSnapshotNotFound.
func (d *DB) GetSnapshot(ctx context.Context, id schema.SnapshotID) (schema.Snapshot, error) {
	if err := d.ready(); err != nil {
		return schema.Snapshot{}, err
	}
	return getSnapshot(orBackground(ctx), d.db, id)
}

// InsertSnapshot stores a new snapshot. The form is redacted and status entries dropped.
func (d *DB) InsertSnapshot(ctx context.Context, snap schema.Snapshot) error {
	if err := d.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(string(snap.ID)) == "" {
		return errors.New("missing snapshot id")
	}
	if snap.SessionID == "" {
		return errors.New("missing session id")
	}
	snap.Messages = schema.VisibleMessages(snap.Messages)
	snap.FormData = snap.FormData.Redacted()
	cols, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(orBackground(ctx), `
INSERT INTO snapshots(
  id, session_id, title, created_at_unix_ms, updated_at_unix_ms,
  messages_json, panel_visible, backend_project_path, uploaded_files_json,
  form_json, job_id, job_work_dir
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		string(snap.ID),
		string(snap.SessionID),
		snap.Title,
		snap.CreatedAt.UnixMilli(),
		snap.UpdatedAt.UnixMilli(),
		cols.messages,
		boolToInt(snap.PanelVisible),
		snap.BackendProjectPath,
		cols.files,
		cols.form,
		string(snap.JobID),
		snap.JobWorkDir,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// UpdateSnapshot applies patch to the stored snapshot inside a transaction and returns the result.
func (d *DB) UpdateSnapshot(ctx context.Context, id schema.SnapshotID, patch schema.SnapshotPatch, now time.Time) (schema.Snapshot, error) {
	if err := d.ready(); err != nil {
		return schema.Snapshot{}, err
	}
	ctx = orBackground(ctx)
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.Snapshot{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	snap, err := getSnapshot(ctx, tx, id)
	if err != nil {
		return schema.Snapshot{}, err
	}
	patch.Apply(&snap)
	snap.UpdatedAt = now
	cols, err := encodeSnapshot(snap)
	if err != nil {
		return schema.Snapshot{}, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE snapshots
SET title = ?, updated_at_unix_ms = ?, messages_json = ?, panel_visible = ?,
    backend_project_path = ?, uploaded_files_json = ?, form_json = ?,
    job_id = ?, job_work_dir = ?
WHERE id = ?
`,
		snap.Title,
		snap.UpdatedAt.UnixMilli(),
		cols.messages,
		boolToInt(snap.PanelVisible),
		snap.BackendProjectPath,
		cols.files,
		cols.form,
		string(snap.JobID),
		snap.JobWorkDir,
		string(snap.ID),
	); err != nil {
		return schema.Snapshot{}, fmt.Errorf("update snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return schema.Snapshot{}, err
	}
	snap.UpdatedAt = fromUnixMs(snap.UpdatedAt.UnixMilli())
	return snap, nil
}

// DeleteSnapshot removes one snapshot. Deleting a missing snapshot is not an error.
func (d *DB) DeleteSnapshot(ctx context.Context, id schema.SnapshotID) error {
	if err := d.ready(); err != nil {
		return err
	}
	_, err := d.db.ExecContext(orBackground(ctx), `DELETE FROM snapshots WHERE id = ?`, string(id))
	return err
}

// ClearSnapshots removes every snapshot of the session.
func (d *DB) ClearSnapshots(ctx context.Context, session schema.SessionID) (int64, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	res, err := d.db.ExecContext(orBackground(ctx), `DELETE FROM snapshots WHERE session_id = ?`, string(session))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteSession removes the session and all of its snapshots atomically.
func (d *DB) DeleteSession(ctx context.Context, id schema.SessionID) error {
	if err := d.ready(); err != nil {
		return err
	}
	ctx = orBackground(ctx)
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE session_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete session snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

func (d *DB) ready() error {
	if d == nil || d.db == nil {
		return errors.New("snapshot database not initialized")
	}
	return nil
}

const snapshotColumns = `id, session_id, title, created_at_unix_ms, updated_at_unix_ms,
  messages_json, panel_visible, backend_project_path, uploaded_files_json,
  form_json, job_id, job_work_dir`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getSnapshot(ctx context.Context, q queryer, id schema.SnapshotID) (schema.Snapshot, error) {
	row := q.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, string(id))
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Snapshot{}, fmt.Errorf("%w: %s", schema.ErrSnapshotNotFound, id)
	}
	return snap, err
}

func scanSnapshot(s scanner) (schema.Snapshot, error) {
	var (
		snap                      schema.Snapshot
		id, session, jobID        string
		created, updated          int64
		messages, files, formJSON string
		panel                     int
	)
	if err := s.Scan(
		&id, &session, &snap.Title, &created, &updated,
		&messages, &panel, &snap.BackendProjectPath, &files,
		&formJSON, &jobID, &snap.JobWorkDir,
	); err != nil {
		return schema.Snapshot{}, err
	}
	snap.ID = schema.SnapshotID(id)
	snap.SessionID = schema.SessionID(session)
	snap.JobID = schema.JobID(jobID)
	snap.CreatedAt = fromUnixMs(created)
	snap.UpdatedAt = fromUnixMs(updated)
	snap.PanelVisible = panel != 0
	if err := json.Unmarshal([]byte(messages), &snap.Messages); err != nil {
		return schema.Snapshot{}, fmt.Errorf("decode messages of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(files), &snap.UploadedFilesMeta); err != nil {
		return schema.Snapshot{}, fmt.Errorf("decode uploaded files of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(formJSON), &snap.FormData); err != nil {
		return schema.Snapshot{}, fmt.Errorf("decode form of %s: %w", id, err)
	}
	if snap.Messages == nil {
		snap.Messages = []schema.Message{}
	}
	if snap.UploadedFilesMeta == nil {
		snap.UploadedFilesMeta = []schema.UploadedFileMeta{}
	}
	return snap, nil
}

type encodedColumns struct {
	messages string
	files    string
	form     string
}

func encodeSnapshot(snap schema.Snapshot) (encodedColumns, error) {
	msgs := snap.Messages
	if msgs == nil {
		msgs = []schema.Message{}
	}
	files := snap.UploadedFilesMeta
	if files == nil {
		files = []schema.UploadedFileMeta{}
	}
	m, err := json.Marshal(msgs)
	if err != nil {
		return encodedColumns{}, fmt.Errorf("encode messages: %w", err)
	}
	f, err := json.Marshal(files)
	if err != nil {
		return encodedColumns{}, fmt.Errorf("encode uploaded files: %w", err)
	}
	form, err := json.Marshal(snap.FormData.Redacted())
	if err != nil {
		return encodedColumns{}, fmt.Errorf("encode form: %w", err)
	}
	return encodedColumns{messages: string(m), files: string(f), form: string(form)}, nil
}

func fromUnixMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	// Schema versions:
	// - v1: sessions and snapshots
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  last_opened_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("create sessions v1: %w", err)
	}
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS snapshots (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  messages_json TEXT NOT NULL DEFAULT '[]',
  panel_visible INTEGER NOT NULL DEFAULT 0,
  backend_project_path TEXT NOT NULL DEFAULT '',
  uploaded_files_json TEXT NOT NULL DEFAULT '[]',
  form_json TEXT NOT NULL DEFAULT '{}',
  job_id TEXT NOT NULL DEFAULT '',
  job_work_dir TEXT NOT NULL DEFAULT ''
);
`); err != nil {
		return fmt.Errorf("create snapshots v1: %w", err)
	}
	if _, err := tx.Exec(`
CREATE INDEX IF NOT EXISTS idx_snapshots_session_created
ON snapshots(session_id, created_at_unix_ms DESC);
`); err != nil {
		return fmt.Errorf("create snapshot index v1: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}
