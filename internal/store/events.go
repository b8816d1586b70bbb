package store

import (
	"fmt"
	"time"
)

// Event is one archived observability event from the bus.
type Event struct {
	ID        int64     `json:"id"`
	Subject   string    `json:"subject"`
	Type      string    `json:"type,omitempty"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveEvent(subject, eventType string, payload []byte) error {
	_, err := s.db.Exec(`INSERT INTO events (subject, type, payload) VALUES (?, ?, ?)`,
		subject, eventType, string(payload))
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(limit int) ([]Event, error) {
	return s.listEvents(`SELECT id, subject, type, payload, created_at
		FROM events ORDER BY id DESC LIMIT ?`, limit)
}

// ListEventsBySubject filters with a SQL LIKE pattern, e.g. "events.task.%".
func (s *Store) ListEventsBySubject(pattern string, limit int) ([]Event, error) {
	return s.listEvents(`SELECT id, subject, type, payload, created_at
		FROM events WHERE subject LIKE ? ORDER BY id DESC LIMIT ?`, pattern, limit)
}

func (s *Store) listEvents(query string, args ...any) ([]Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Subject, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneEvents keeps only the newest n events.
func (s *Store) PruneEvents(keep int) error {
	_, err := s.db.Exec(`
		DELETE FROM events WHERE id NOT IN (
			SELECT id FROM events ORDER BY id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}
