// Package runstore persists run summaries and PR records. The core hands
// it identifiers and results to store; nothing here feeds back into the
// orchestrator's or coordinator's correctness.
package runstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orchard-dev/orchard/internal/domain"
	"github.com/orchard-dev/orchard/internal/procman"
)

// Store provides SQLite-backed persistence
type Store struct {
	db *sql.DB
}

// New creates a Store with the given database path
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

// SaveRun inserts or replaces a run record
func (s *Store) SaveRun(rec procman.RunRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_runs (id, agent_id, session_id, pid, state, started_at, finished_at, exit_code, cost_usd, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			session_id = excluded.session_id,
			pid = excluded.pid,
			state = excluded.state,
			finished_at = excluded.finished_at,
			exit_code = excluded.exit_code,
			cost_usd = excluded.cost_usd,
			error = excluded.error
	`,
		rec.ID,
		rec.AgentID,
		rec.SessionID,
		rec.PID,
		string(rec.State),
		rec.StartedAt,
		rec.FinishedAt,
		rec.ExitCode,
		rec.CostUSD,
		rec.Error,
	)
	return err
}

// UpdateRunState updates a run's state and error message; terminal states
// also stamp finished_at
func (s *Store) UpdateRunState(id string, state domain.ProcessState, errMsg string) error {
	if state.Terminal() {
		_, err := s.db.Exec(`UPDATE agent_runs SET state = ?, error = ?, finished_at = ? WHERE id = ?`,
			string(state), errMsg, time.Now(), id)
		return err
	}
	_, err := s.db.Exec(`UPDATE agent_runs SET state = ?, error = ? WHERE id = ?`,
		string(state), errMsg, id)
	return err
}

// UpdateRunCost records the accumulated cost for a run
func (s *Store) UpdateRunCost(id string, costUSD float64) error {
	_, err := s.db.Exec(`UPDATE agent_runs SET cost_usd = ? WHERE id = ?`, costUSD, id)
	return err
}

// ListRecentRuns returns the most recent runs, newest first
func (s *Store) ListRecentRuns(limit int) ([]procman.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, agent_id, session_id, pid, state, started_at, finished_at, exit_code, cost_usd, error
		FROM agent_runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []procman.RunRecord
	for rows.Next() {
		var rec procman.RunRecord
		var state string
		var finishedAt sql.NullTime
		var exitCode sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.SessionID, &rec.PID, &state, &rec.StartedAt, &finishedAt, &exitCode, &rec.CostUSD, &rec.Error); err != nil {
			return nil, err
		}
		rec.State = domain.ProcessState(state)
		if finishedAt.Valid {
			t := finishedAt.Time
			rec.FinishedAt = &t
		}
		if exitCode.Valid {
			c := int(exitCode.Int64)
			rec.ExitCode = &c
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRun returns one run record, or nil when unknown
func (s *Store) GetRun(id string) (*procman.RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, session_id, pid, state, started_at, finished_at, exit_code, cost_usd, error
		FROM agent_runs WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var rec procman.RunRecord
	var state string
	var finishedAt sql.NullTime
	var exitCode sql.NullInt64
	if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.SessionID, &rec.PID, &state, &rec.StartedAt, &finishedAt, &exitCode, &rec.CostUSD, &rec.Error); err != nil {
		return nil, err
	}
	rec.State = domain.ProcessState(state)
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		rec.ExitCode = &c
	}
	return &rec, nil
}

// PruneTerminal deletes every run record in a terminal state and returns
// the number removed
func (s *Store) PruneTerminal() (int, error) {
	res, err := s.db.Exec(`DELETE FROM agent_runs WHERE state IN (?, ?, ?)`,
		string(domain.ProcCompleted), string(domain.ProcError), string(domain.ProcKilled))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// TotalCost sums the cost of every recorded run
func (s *Store) TotalCost() (float64, error) {
	var total float64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(cost_usd), 0) FROM agent_runs`).Scan(&total)
	return total, err
}

// SavePR inserts or replaces a PR record
func (s *Store) SavePR(pr domain.PR) error {
	_, err := s.db.Exec(`
		INSERT INTO prs (repo, number, url, title, state, head, base, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo, number) DO UPDATE SET
			url = excluded.url,
			title = excluded.title,
			state = excluded.state
	`,
		pr.Repo, pr.Number, pr.URL, pr.Title, string(pr.State), pr.Head, pr.Base, pr.CreatedAt,
	)
	return err
}

// ListPRs returns every recorded PR, newest first
func (s *Store) ListPRs() ([]domain.PR, error) {
	rows, err := s.db.Query(`
		SELECT repo, number, url, title, state, head, base, created_at
		FROM prs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PR
	for rows.Next() {
		var pr domain.PR
		var state string
		if err := rows.Scan(&pr.Repo, &pr.Number, &pr.URL, &pr.Title, &state, &pr.Head, &pr.Base, &pr.CreatedAt); err != nil {
			return nil, err
		}
		pr.State = domain.PRState(state)
		out = append(out, pr)
	}
	return out, rows.Err()
}
