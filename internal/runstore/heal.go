package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/issuepilot/issuepilot/internal/domain"
)

// RecordFixAttempt appends one self-heal attempt. Rows are never mutated.
func (s *Store) RecordFixAttempt(a *domain.FixAttempt) error {
	files, err := json.Marshal(a.FilesTouched)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO fix_attempts (run_id, issue_key, attempt_num, model, category, success, files_touched, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.RunID, a.IssueKey, a.AttemptNum, a.Model, string(a.Category), a.Success, string(files), now())
	return err
}

// ListFixAttempts returns a run's fix attempts in order
func (s *Store) ListFixAttempts(runID string) ([]*domain.FixAttempt, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, issue_key, attempt_num, model, category, success, files_touched, created_at
		FROM fix_attempts WHERE run_id = ? ORDER BY attempt_num
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*domain.FixAttempt
	for rows.Next() {
		var a domain.FixAttempt
		var category string
		var files sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.IssueKey, &a.AttemptNum, &a.Model, &category, &a.Success, &files, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Category = domain.ErrorCategory(category)
		if files.Valid && files.String != "" {
			if err := json.Unmarshal([]byte(files.String), &a.FilesTouched); err != nil {
				return nil, err
			}
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// GetErrorPattern looks up a learned pattern by normalized signature hash,
// returning nil when the signature has never been seen.
func (s *Store) GetErrorPattern(signatureHash string) (*domain.ErrorPattern, error) {
	row := s.db.QueryRow(`
		SELECT signature_hash, category, fix_strategy, success_count, fail_count, last_used
		FROM error_patterns WHERE signature_hash = ?
	`, signatureHash)

	var p domain.ErrorPattern
	var category string
	var strategy sql.NullString
	err := row.Scan(&p.SignatureHash, &category, &strategy, &p.SuccessCount, &p.FailCount, &p.LastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Category = domain.ErrorCategory(category)
	if strategy.Valid {
		p.FixStrategy = strategy.String
	}
	return &p, nil
}

// UpsertErrorPattern records the outcome of applying a strategy to a
// signature. Counters are incremented in SQL so concurrent workers can
// update the same pattern without a read-modify-write race. A successful
// strategy replaces the stored descriptor; failures keep the old one.
func (s *Store) UpsertErrorPattern(signatureHash string, category domain.ErrorCategory, strategy string, success bool) error {
	successInc, failInc := 0, 1
	if success {
		successInc, failInc = 1, 0
	}
	_, err := s.db.Exec(`
		INSERT INTO error_patterns (signature_hash, category, fix_strategy, success_count, fail_count, last_used)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(signature_hash) DO UPDATE SET
			success_count = success_count + excluded.success_count,
			fail_count = fail_count + excluded.fail_count,
			fix_strategy = CASE WHEN excluded.success_count > 0 THEN excluded.fix_strategy ELSE fix_strategy END,
			last_used = excluded.last_used
	`, signatureHash, string(category), strategy, successInc, failInc, now())
	return err
}

// CreateRollbackTag records a pre-commit rollback pointer. Tags are only
// ever consumed by the explicit rollback operation; the store never deletes
// them on its own.
func (s *Store) CreateRollbackTag(tag *domain.RollbackTag) error {
	_, err := s.db.Exec(`
		INSERT INTO rollback_tags (name, run_id, issue_key, repo_key, target, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, tag.Name, tag.RunID, tag.IssueKey, tag.RepoKey, tag.Target, now())
	return err
}

// GetRollbackTag returns the most recent rollback tag for a run, or nil.
func (s *Store) GetRollbackTag(runID string) (*domain.RollbackTag, error) {
	row := s.db.QueryRow(`
		SELECT name, run_id, issue_key, repo_key, target, created_at
		FROM rollback_tags WHERE run_id = ? ORDER BY created_at DESC LIMIT 1
	`, runID)

	var tag domain.RollbackTag
	err := row.Scan(&tag.Name, &tag.RunID, &tag.IssueKey, &tag.RepoKey, &tag.Target, &tag.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tag, nil
}
