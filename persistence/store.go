// Package persistence stores sessions and their turns in SQLite so a
// conversation can be resumed after a restart. Writes during a run are best
// effort: the orchestration loop treats a failed save as a warning, never as
// a reason to stop.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/pulse-ide/pulse/agent"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	work_dir   TEXT NOT NULL,
	mode       TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS turns (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
`

// Store is a SQLite-backed session and turn archive. It implements
// agent.TurnStore.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations. SQLite
// supports a single writer, so the pool is pinned to one connection.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession records the session row, updating it if it already exists.
func (s *Store) SaveSession(state *agent.ConversationState) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, work_dir, mode) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			work_dir = excluded.work_dir,
			mode = excluded.mode,
			updated_at = CURRENT_TIMESTAMP`,
		state.SessionID, state.WorkDir, string(state.Mode),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", state.SessionID, err)
	}
	return nil
}

// SaveTurn appends one turn to the session's transcript.
func (s *Store) SaveTurn(sessionID string, turn agent.Turn) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO turns (session_id, seq, kind, payload)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ? FROM turns WHERE session_id = ?`,
		sessionID, string(turn.Kind), string(payload), sessionID,
	)
	if err != nil {
		return fmt.Errorf("save turn for %s: %w", sessionID, err)
	}
	return nil
}

// LoadTurns returns a session's transcript in order.
func (s *Store) LoadTurns(sessionID string) ([]agent.Turn, error) {
	rows, err := s.db.Query(
		`SELECT payload FROM turns WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("load turns for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var turns []agent.Turn
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var turn agent.Turn
		if err := json.Unmarshal([]byte(payload), &turn); err != nil {
			return nil, fmt.Errorf("decode turn for %s: %w", sessionID, err)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// LoadSession reconstructs a session's conversation state: the row plus its
// transcript. Returns sql.ErrNoRows when the session does not exist.
func (s *Store) LoadSession(sessionID string) (*agent.ConversationState, error) {
	var workDir, mode string
	err := s.db.QueryRow(
		`SELECT work_dir, mode FROM sessions WHERE id = ?`, sessionID,
	).Scan(&workDir, &mode)
	if err != nil {
		return nil, err
	}

	turns, err := s.LoadTurns(sessionID)
	if err != nil {
		return nil, err
	}

	state := agent.NewConversationState(workDir, agent.Mode(mode))
	state.SessionID = sessionID
	state.Turns = turns

	// Recover the retention set from the latest recap, if any.
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Kind == agent.TurnRecap && turns[i].Recap != nil {
			state.MemoryDigest = turns[i].Recap.Digest
			for _, fact := range turns[i].Recap.ImportantContext {
				state.Important.Add(fact)
			}
			break
		}
	}
	return state, nil
}

// ListSessions returns all known session IDs, most recently updated first.
func (s *Store) ListSessions() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSession removes a session and its transcript.
func (s *Store) DeleteSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}
