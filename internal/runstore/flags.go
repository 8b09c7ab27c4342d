package runstore

import (
	"database/sql"
	"errors"

	"github.com/issuepilot/issuepilot/internal/domain"
)

// GetChildFlag returns the child-creation flag for a parent issue, or nil
// if children have not been recorded as created.
func (s *Store) GetChildFlag(parentKey string) (*domain.ChildFlag, error) {
	row := s.db.QueryRow(`
		SELECT parent_key, child_count, created_by, created_at
		FROM child_flags WHERE parent_key = ?
	`, parentKey)

	var flag domain.ChildFlag
	err := row.Scan(&flag.ParentKey, &flag.ChildCount, &flag.CreatedBy, &flag.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &flag, nil
}

// SetChildFlag durably records that children were created for a parent.
// The insert is a plain INSERT so a second writer fails on the primary key
// instead of overwriting the first flag; callers treat that conflict as
// duplicate work already done.
func (s *Store) SetChildFlag(parentKey string, childCount int, createdBy string) error {
	_, err := s.db.Exec(`
		INSERT INTO child_flags (parent_key, child_count, created_by, created_at)
		VALUES (?, ?, ?, ?)
	`, parentKey, childCount, createdBy, now())
	return err
}
