// Package dvr implements the recording engine: capturing live streams to
// disk, serving them back while still being written, and expiring them
// after their retention window.
package dvr

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"streamrelay/pkg/errdefs"
	"streamrelay/pkg/types"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS recordings (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	url            TEXT NOT NULL,
	file_path      TEXT,
	status         TEXT NOT NULL DEFAULT 'pending',
	started_at     TEXT NOT NULL,
	ended_at       TEXT,
	duration_limit INTEGER,
	byte_size      INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT,
	headers        TEXT,
	clearkey       TEXT
);

CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings(status);
CREATE INDEX IF NOT EXISTS idx_recordings_started_at ON recordings(started_at);

-- One active capture per URL. The partial index makes the conflict check
-- atomic with the insert.
CREATE UNIQUE INDEX IF NOT EXISTS idx_recordings_active_url
	ON recordings(url) WHERE status IN ('pending', 'recording');
`

// Store persists recording metadata in SQLite. The media payload itself
// lives on disk next to it.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the metadata database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open recording db: %w", err)
	}
	// SQLite handles one writer at a time; serialize access at the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init recording schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert claims a new recording row. A second active capture of the same
// URL violates the partial unique index and reports a conflict.
func (s *Store) Insert(rec *types.Recording) error {
	headers, err := json.Marshal(rec.Headers)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO recordings (id, name, url, file_path, status, started_at, duration_limit, headers, clearkey)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.URL, rec.FilePath, string(rec.Status),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		int64(rec.DurationLimit.Seconds()), string(headers), rec.ClearKey,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %s is already being recorded", errdefs.ErrRecordingConflict, rec.URL)
		}
		return err
	}
	return nil
}

// UpdateStatus transitions a recording's lifecycle state.
func (s *Store) UpdateStatus(id string, status types.RecordingStatus, errMsg string) error {
	var endedAt any
	if status.Terminal() {
		endedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.Exec(`
		UPDATE recordings SET status = ?, error_message = ?, ended_at = COALESCE(?, ended_at)
		WHERE id = ?`,
		string(status), errMsg, endedAt, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", errdefs.ErrRecordingNotFound, id)
	}
	return nil
}

// UpdateSize records the current media file size.
func (s *Store) UpdateSize(id string, size int64) error {
	_, err := s.db.Exec(`UPDATE recordings SET byte_size = ? WHERE id = ?`, size, id)
	return err
}

// Get loads one recording by ID.
func (s *Store) Get(id string) (*types.Recording, error) {
	rec, err := scanRecording(s.db.QueryRow(selectColumns+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrRecordingNotFound, id)
	}
	return rec, err
}

// List returns all recordings, newest first.
func (s *Store) List() ([]*types.Recording, error) {
	return s.list(selectColumns + ` ORDER BY started_at DESC`)
}

// ListByStatus returns recordings in the given states, newest first.
func (s *Store) ListByStatus(statuses ...types.RecordingStatus) ([]*types.Recording, error) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := selectColumns + ` WHERE status IN (` + strings.Join(placeholders, ",") + `) ORDER BY started_at DESC`
	return s.list(query, args...)
}

// Delete removes a recording row.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", errdefs.ErrRecordingNotFound, id)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectColumns = `
	SELECT id, name, url, COALESCE(file_path, ''), status, started_at,
	       COALESCE(ended_at, ''), duration_limit, byte_size,
	       COALESCE(error_message, ''), COALESCE(headers, ''), COALESCE(clearkey, '')
	FROM recordings`

func (s *Store) list(query string, args ...any) ([]*types.Recording, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row rowScanner) (*types.Recording, error) {
	var rec types.Recording
	var status, startedAt, endedAt, headers string
	var durationSecs int64

	err := row.Scan(&rec.ID, &rec.Name, &rec.URL, &rec.FilePath, &status,
		&startedAt, &endedAt, &durationSecs, &rec.ByteSize,
		&rec.Error, &headers, &rec.ClearKey)
	if err != nil {
		return nil, err
	}

	rec.Status = types.RecordingStatus(status)
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if endedAt != "" {
		rec.EndedAt, _ = time.Parse(time.RFC3339Nano, endedAt)
	}
	rec.DurationLimit = time.Duration(durationSecs) * time.Second
	if headers != "" {
		_ = json.Unmarshal([]byte(headers), &rec.Headers)
	}

	return &rec, nil
}
