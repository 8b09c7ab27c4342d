// Package runstore provides SQLite-backed persistence for runs, their audit
// events, idempotency flags, and the self-heal pattern store. The store is
// the single arbiter of run ownership: every state transition is a guarded
// compare-and-set update, never a read-then-write.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/issuepilot/issuepilot/internal/domain"
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

	// Concurrent workers share one store; serialize writes in the driver.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

const runColumns = `id, issue_key, status, priority, repo_key, locked_by, locked_at, attempt_count, last_error, metrics, created_at, updated_at`

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Status   domain.RunStatus
	IssueKey string
	RepoKey  string
	Limit    int
}

// ListRuns returns runs matching the given options, newest first
func (s *Store) ListRuns(opts ListOptions) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []interface{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.IssueKey != "" {
		query += " AND issue_key = ?"
		args = append(args, opts.IssueKey)
	}
	if opts.RepoKey != "" {
		query += " AND repo_key = ?"
		args = append(args, opts.RepoKey)
	}

	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SetRunMetrics updates the metrics blob. Metrics are the only field that
// may still change once a run is terminal.
func (s *Store) SetRunMetrics(id string, m domain.RunMetrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE runs SET metrics = ? WHERE id = ?`, string(data), id)
	return err
}

// Stats returns queue counts by status, priority and repo
func (s *Store) Stats() (*domain.QueueStats, error) {
	stats := &domain.QueueStats{
		ByStatus:       make(map[domain.RunStatus]int),
		ByPriority:     make(map[domain.Priority]int),
		ByRepo:         make(map[string]int),
		InFlightByRepo: make(map[string]int),
	}

	rows, err := s.db.Query(`SELECT status, priority, repo_key, COUNT(*) FROM runs GROUP BY status, priority, repo_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status, priority, repo string
		var count int
		if err := rows.Scan(&status, &priority, &repo, &count); err != nil {
			return nil, err
		}
		st := domain.RunStatus(status)
		stats.ByStatus[st] += count
		stats.ByPriority[domain.Priority(priority)] += count
		stats.ByRepo[repo] += count
		if st == domain.RunClaimed || st == domain.RunRunning {
			stats.InFlightByRepo[repo] += count
		}
	}
	return stats, rows.Err()
}

// guardedUpdate runs a conditional update and maps "no rows changed" to
// domain.ErrClaimLost (either the claim moved or the run is terminal).
func (s *Store) guardedUpdate(query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scannable) (*domain.Run, error) {
	var run domain.Run
	var status, priority string
	var lockedBy, lastError, metrics sql.NullString
	var lockedAt sql.NullTime

	err := row.Scan(&run.ID, &run.IssueKey, &status, &priority, &run.RepoKey,
		&lockedBy, &lockedAt, &run.AttemptCount, &lastError, &metrics,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.Priority = domain.Priority(priority)
	if lockedBy.Valid {
		run.LockedBy = lockedBy.String
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		run.LockedAt = &t
	}
	if lastError.Valid {
		run.LastError = lastError.String
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &run.Metrics); err != nil {
			return nil, fmt.Errorf("parsing metrics for run %s: %w", run.ID, err)
		}
	}
	return &run, nil
}

func now() time.Time {
	return time.Now().UTC()
}
