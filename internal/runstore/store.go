// Package runstore persists processing sessions and agent runs in SQLite.
package runstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cantonio/checklist-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SessionRecord is one processing session as persisted
type SessionRecord struct {
	ID         string
	Mode       string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Processed  int
	Completed  int
	Failed     int
}

// RunRecord is one agent run attempt as persisted
type RunRecord struct {
	ID          string
	SessionID   string
	ItemID      string
	Target      string
	Priority    string
	Attempt     int
	Status      domain.AgentStatus
	Stage       domain.RunStage
	RunDir      string
	LogPath     string
	PID         int
	OutputBytes int64
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
}

// SaveSession inserts or updates a session
func (s *Store) SaveSession(rec *SessionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, mode, started_at, finished_at, status, processed, completed, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			status = excluded.status,
			processed = excluded.processed,
			completed = excluded.completed,
			failed = excluded.failed
	`,
		rec.ID, rec.Mode, rec.StartedAt, rec.FinishedAt, rec.Status,
		rec.Processed, rec.Completed, rec.Failed,
	)
	return err
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(id string) (*SessionRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, mode, started_at, finished_at, status, processed, completed, failed
		FROM sessions WHERE id = ?
	`, id)

	var rec SessionRecord
	err := row.Scan(&rec.ID, &rec.Mode, &rec.StartedAt, &rec.FinishedAt,
		&rec.Status, &rec.Processed, &rec.Completed, &rec.Failed)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListSessions returns sessions newest first, up to limit (0 = all)
func (s *Store) ListSessions(limit int) ([]*SessionRecord, error) {
	query := `SELECT id, mode, started_at, finished_at, status, processed, completed, failed
		FROM sessions ORDER BY started_at DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.Mode, &rec.StartedAt, &rec.FinishedAt,
			&rec.Status, &rec.Processed, &rec.Completed, &rec.Failed); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// SaveRun inserts or updates a run record
func (s *Store) SaveRun(rec *RunRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_runs (id, session_id, item_id, target, priority, attempt, status, stage,
			run_dir, log_path, pid, output_bytes, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			stage = excluded.stage,
			log_path = excluded.log_path,
			pid = excluded.pid,
			output_bytes = excluded.output_bytes,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error = excluded.error
	`,
		rec.ID, rec.SessionID, rec.ItemID, rec.Target, rec.Priority, rec.Attempt,
		string(rec.Status), string(rec.Stage), rec.RunDir, rec.LogPath, rec.PID,
		rec.OutputBytes, rec.StartedAt, rec.CompletedAt, rec.Error,
	)
	return err
}

// UpdateRunStatus updates a run's status and error message
func (s *Store) UpdateRunStatus(runID string, status domain.AgentStatus, errorMessage string) error {
	_, err := s.db.Exec(`UPDATE agent_runs SET status = ?, error = ? WHERE id = ?`,
		string(status), errorMessage, runID)
	return err
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*RunRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, item_id, target, priority, attempt, status, stage,
			run_dir, log_path, pid, output_bytes, started_at, completed_at, error
		FROM agent_runs WHERE id = ?
	`, id)
	return scanRun(row.Scan)
}

// ListRunsForSession returns all runs of a session in attempt order
func (s *Store) ListRunsForSession(sessionID string) ([]*RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, item_id, target, priority, attempt, status, stage,
			run_dir, log_path, pid, output_bytes, started_at, completed_at, error
		FROM agent_runs WHERE session_id = ?
		ORDER BY item_id, attempt
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListRunsForItem returns all runs for a checklist item, newest attempt first
func (s *Store) ListRunsForItem(itemID string) ([]*RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, item_id, target, priority, attempt, status, stage,
			run_dir, log_path, pid, output_bytes, started_at, completed_at, error
		FROM agent_runs WHERE item_id = ?
		ORDER BY attempt DESC
	`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRun(scan func(...interface{}) error) (*RunRecord, error) {
	var rec RunRecord
	var status, stage string
	var errorMessage sql.NullString

	err := scan(&rec.ID, &rec.SessionID, &rec.ItemID, &rec.Target, &rec.Priority,
		&rec.Attempt, &status, &stage, &rec.RunDir, &rec.LogPath, &rec.PID,
		&rec.OutputBytes, &rec.StartedAt, &rec.CompletedAt, &errorMessage)
	if err != nil {
		return nil, err
	}

	rec.Status = domain.AgentStatus(status)
	rec.Stage = domain.RunStage(stage)
	if errorMessage.Valid {
		rec.Error = errorMessage.String
	}
	return &rec, nil
}
