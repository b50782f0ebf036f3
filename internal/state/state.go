// Package state tracks per-message outcomes across a rescue run in a
// SQLite database. The merge step consults the recorded run id instead of
// comparing file modification times, which are fragile across filesystems
// and clock skew.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eslider/listrescue/internal/model"
)

const stateDBFile = "listrescue.sqlite"

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS messages (
	msg_id      INTEGER PRIMARY KEY,
	status      TEXT NOT NULL,
	artifact    TEXT,
	run_id      TEXT NOT NULL,
	diagnostics TEXT,
	updated_at  DATETIME NOT NULL,
	rendered_at DATETIME
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id);
`

// DB is the run-state database handle.
type DB struct {
	db    *sql.DB
	runID string
}

// Open opens or creates the state database under dir and registers a new
// run.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, stateDBFile)

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(createTablesSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init state db: %w", err)
	}

	runID := model.NewID()
	if _, err := db.Exec(`INSERT INTO runs (id, started_at) VALUES (?, ?)`, runID, time.Now()); err != nil {
		db.Close()
		return nil, fmt.Errorf("register run: %w", err)
	}
	return &DB{db: db, runID: runID}, nil
}

// RunID returns the identifier of the current run.
func (s *DB) RunID() string {
	return s.runID
}

// Close finalizes the run record and releases the connection.
func (s *DB) Close() error {
	if s.db == nil {
		return nil
	}
	s.db.Exec(`UPDATE runs SET finished_at = ? WHERE id = ?`, time.Now(), s.runID)
	return s.db.Close()
}

// MarkRebuilt records a successfully reconstructed message and its artifact
// path, stamped with the current run id.
func (s *DB) MarkRebuilt(msgID int, artifact string) error {
	return s.upsert(msgID, model.StateRebuilt, artifact, "", nil)
}

// MarkSkipped records a message the pipeline could not reconstruct.
func (s *DB) MarkSkipped(msgID int, reason string) error {
	return s.upsert(msgID, model.StateSkipped, "", reason, nil)
}

// MarkRendered records a successful render of a message's document.
func (s *DB) MarkRendered(msgID int, artifact string, diagnostics []string) error {
	now := time.Now()
	return s.upsert(msgID, model.StateRendered, artifact, strings.Join(diagnostics, "\n"), &now)
}

// MarkRenderFailed records an exhausted render attempt with its diagnostics.
func (s *DB) MarkRenderFailed(msgID int, diagnostics []string) error {
	return s.upsert(msgID, model.StateRenderFailed, "", strings.Join(diagnostics, "\n"), nil)
}

func (s *DB) upsert(msgID int, status, artifact, diagnostics string, renderedAt *time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (msg_id, status, artifact, run_id, diagnostics, updated_at, rendered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			status = excluded.status,
			artifact = excluded.artifact,
			run_id = excluded.run_id,
			diagnostics = excluded.diagnostics,
			updated_at = excluded.updated_at,
			rendered_at = excluded.rendered_at`,
		msgID, status, artifact, s.runID, diagnostics, time.Now(), renderedAt)
	return err
}

// ProducedThisRun reports whether the message's artifact was produced by the
// current run.
func (s *DB) ProducedThisRun(msgID int) (bool, error) {
	row := s.db.QueryRow(`SELECT run_id FROM messages WHERE msg_id = ?`, msgID)
	var runID string
	if err := row.Scan(&runID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return runID == s.runID, nil
}

// RenderedArtifacts returns artifact paths of all rendered messages in
// ascending msg_id order, the order the consolidated document must follow.
func (s *DB) RenderedArtifacts() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT artifact FROM messages WHERE status = ? AND artifact != '' ORDER BY msg_id`,
		model.StateRendered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Messages returns the state of every tracked message in ascending id order.
func (s *DB) Messages() ([]model.MessageState, error) {
	rows, err := s.db.Query(`
		SELECT msg_id, status, COALESCE(artifact, ''), run_id,
		       COALESCE(diagnostics, ''), updated_at, rendered_at
		FROM messages ORDER BY msg_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MessageState
	for rows.Next() {
		var m model.MessageState
		if err := rows.Scan(&m.MsgID, &m.Status, &m.Artifact, &m.RunID,
			&m.Diagnostics, &m.UpdatedAt, &m.RenderedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Get returns one message's state, or nil when untracked.
func (s *DB) Get(msgID int) (*model.MessageState, error) {
	row := s.db.QueryRow(`
		SELECT msg_id, status, COALESCE(artifact, ''), run_id,
		       COALESCE(diagnostics, ''), updated_at, rendered_at
		FROM messages WHERE msg_id = ?`, msgID)

	var m model.MessageState
	err := row.Scan(&m.MsgID, &m.Status, &m.Artifact, &m.RunID,
		&m.Diagnostics, &m.UpdatedAt, &m.RenderedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Counts returns the number of messages per status.
func (s *DB) Counts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
