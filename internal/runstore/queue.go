package runstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/issuepilot/issuepilot/internal/domain"
)

// Enqueue inserts a queued run for the issue. If a non-terminal run already
// exists for the issue key it returns that run's ID with ErrDuplicateRun,
// so duplicate webhook deliveries degrade to a no-op. Set retry to enqueue
// again even though a terminal run exists (terminal runs never block a
// retry; the flag only documents the caller's intent).
func (s *Store) Enqueue(issueKey string, priority domain.Priority, repoKey string, retry bool) (string, error) {
	var existingID string
	err := s.db.QueryRow(`
		SELECT id FROM runs
		WHERE issue_key = ? AND status IN ('queued', 'claimed', 'running')
		LIMIT 1
	`, issueKey).Scan(&existingID)
	if err == nil {
		return existingID, domain.ErrDuplicateRun
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	if !retry {
		var terminalID string
		err = s.db.QueryRow(`
			SELECT id FROM runs
			WHERE issue_key = ? AND status IN ('completed', 'failed', 'blocked')
			LIMIT 1
		`, issueKey).Scan(&terminalID)
		if err == nil {
			return terminalID, domain.ErrDuplicateRun
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}

	id := uuid.NewString()
	ts := now()
	_, err = s.db.Exec(`
		INSERT INTO runs (id, issue_key, status, priority, repo_key, attempt_count, created_at, updated_at)
		VALUES (?, ?, 'queued', ?, ?, 0, ?, ?)
	`, id, issueKey, string(priority), repoKey, ts, ts)
	if err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}
	return id, nil
}

// ClaimNext selects and claims the next runnable run for workerID.
//
// Candidates are queued runs ordered by priority rank then created_at (FIFO
// within a tier), excluding repos that already have maxPerRepo runs in
// flight. Selection and claim are separate statements, so the claim re-checks
// both conditions: it is a conditional update keyed on id AND status='queued'
// AND the repo cap, evaluated inside the single UPDATE. Concurrent callers
// never both win the same row, and a loser moving on to the next candidate
// cannot push a repo over its cap. Returns domain.ErrNoRunAvailable when
// nothing is claimable.
func (s *Store) ClaimNext(workerID string, maxPerRepo int) (*domain.Run, error) {
	rows, err := s.db.Query(`
		SELECT id FROM runs
		WHERE status = 'queued'
		  AND repo_key NOT IN (
			SELECT repo_key FROM runs
			WHERE status IN ('claimed', 'running')
			GROUP BY repo_key
			HAVING COUNT(*) >= ?
		  )
		ORDER BY
		  CASE priority
		    WHEN 'urgent' THEN 0
		    WHEN 'high' THEN 1
		    WHEN 'low' THEN 3
		    ELSE 2
		  END,
		  created_at
		LIMIT 10
	`, maxPerRepo)
	if err != nil {
		return nil, err
	}

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range candidates {
		res, err := s.db.Exec(`
			UPDATE runs
			SET status = 'claimed', locked_by = ?, locked_at = ?, updated_at = ?
			WHERE id = ? AND status = 'queued'
			  AND (SELECT COUNT(*) FROM runs r2
			       WHERE r2.repo_key = runs.repo_key
			         AND r2.status IN ('claimed', 'running')) < ?
		`, workerID, now(), now(), id, maxPerRepo)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return s.GetRun(id)
		}
		// Lost the race or the repo slot filled up, try the next candidate.
	}

	return nil, domain.ErrNoRunAvailable
}

// MarkRunning transitions a claimed run to running. Guarded by locked_by so
// a worker whose claim was reclaimed gets ErrClaimLost instead of silently
// overwriting another worker's state.
func (s *Store) MarkRunning(id, workerID string) error {
	return s.guardedUpdate(`
		UPDATE runs SET status = 'running', updated_at = ?
		WHERE id = ? AND locked_by = ? AND status = 'claimed'
	`, now(), id, workerID)
}

// Finish sets a terminal status and releases the lock. Guarded by locked_by
// and by the non-terminal statuses, so a terminal row is never rewritten.
func (s *Store) Finish(id, workerID string, status domain.RunStatus, lastError string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish called with non-terminal status %q", status)
	}
	return s.guardedUpdate(`
		UPDATE runs
		SET status = ?, locked_by = NULL, locked_at = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND locked_by = ? AND status IN ('claimed', 'running')
	`, string(status), lastError, now(), id, workerID)
}

// Requeue releases the claim and puts the run back in the queue, bumping
// attempt_count. Used for transient failures that should be retried by any
// worker later.
func (s *Store) Requeue(id, workerID, reason string) error {
	return s.guardedUpdate(`
		UPDATE runs
		SET status = 'queued', locked_by = NULL, locked_at = NULL,
		    attempt_count = attempt_count + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND locked_by = ? AND status IN ('claimed', 'running')
	`, reason, now(), id, workerID)
}

// HoldsClaim reports whether workerID still owns the run's claim.
func (s *Store) HoldsClaim(id, workerID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM runs
		WHERE id = ? AND locked_by = ? AND status IN ('claimed', 'running')
	`, id, workerID).Scan(&n)
	return n == 1, err
}

// ResetStale transitions claimed/running runs whose lock is older than
// timeoutMinutes back to queued, incrementing attempt_count and appending a
// reclaim event per run. Safe to call concurrently and repeatedly: each
// row's reset is a conditional update on its current locked_at, so a row
// already reset by another caller is skipped.
func (s *Store) ResetStale(timeoutMinutes int) (int, error) {
	cutoff := now().Add(-time.Duration(timeoutMinutes) * time.Minute)

	rows, err := s.db.Query(`
		SELECT id, locked_by, locked_at FROM runs
		WHERE status IN ('claimed', 'running') AND locked_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	type stale struct {
		id       string
		lockedBy string
		lockedAt time.Time
	}
	var found []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.lockedBy, &st.lockedAt); err != nil {
			rows.Close()
			return 0, err
		}
		found = append(found, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reset := 0
	for _, st := range found {
		res, err := s.db.Exec(`
			UPDATE runs
			SET status = 'queued', locked_by = NULL, locked_at = NULL,
			    attempt_count = attempt_count + 1, updated_at = ?
			WHERE id = ? AND locked_by = ? AND locked_at = ?
			  AND status IN ('claimed', 'running')
		`, now(), st.id, st.lockedBy, st.lockedAt)
		if err != nil {
			return reset, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return reset, err
		}
		if n == 1 {
			reset++
			if err := s.AppendEvent(st.id, domain.LevelWarn,
				fmt.Sprintf("stale run reclaimed from worker %s", st.lockedBy), nil); err != nil {
				log.Printf("[queue] appending reclaim event for run %s: %v", st.id, err)
			}
		}
	}
	return reset, nil
}
