package runstore

import (
	"database/sql"
	"encoding/json"

	"github.com/issuepilot/issuepilot/internal/domain"
)

// AppendEvent appends an audit record for a run. Events are append-only;
// nothing in the store ever updates or deletes them.
func (s *Store) AppendEvent(runID, level, message string, metadata map[string]string) error {
	var meta interface{}
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		meta = string(data)
	}
	_, err := s.db.Exec(`
		INSERT INTO events (run_id, timestamp, level, message, metadata)
		VALUES (?, ?, ?, ?, ?)
	`, runID, now(), level, message, meta)
	return err
}

// ListEvents returns a run's events in insertion order
func (s *Store) ListEvents(runID string) ([]*domain.Event, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, timestamp, level, message, metadata
		FROM events WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var ev domain.Event
		var level, message, metadata sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Timestamp, &level, &message, &metadata); err != nil {
			return nil, err
		}
		ev.Level = level.String
		ev.Message = message.String
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
				return nil, err
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
