package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AppendEvent appends one record to the journal. Duplicate idempotency keys
// are silently ignored so crash-resume replays never double-write. Returns
// true if the event was newly recorded.
func (s *Store) AppendEvent(e *Event) (bool, error) {
	if e.IdempotencyKey == "" {
		return false, fmt.Errorf("event idempotency key is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT OR IGNORE INTO events (session_id, group_id, idempotency_key, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.Exec(query, s.sessionID, e.GroupID, e.IdempotencyKey, e.Kind, e.Payload, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to append event %s: %w", e.IdempotencyKey, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListEvents returns the session's journal in append order, optionally
// filtered by group and kind (empty string matches all).
func (s *Store) ListEvents(groupID, kind string) ([]*Event, error) {
	query := `
		SELECT seq, session_id, COALESCE(group_id, ''), idempotency_key, kind, COALESCE(payload, ''), created_at
		FROM events WHERE session_id = ?
	`
	args := []interface{}{s.sessionID}
	if groupID != "" {
		query += " AND group_id = ?"
		args = append(args, groupID)
	}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY seq"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Seq, &e.SessionID, &e.GroupID, &e.IdempotencyKey, &e.Kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

// LastEvent returns the most recent journal record for a group and kind,
// or nil if none exists.
func (s *Store) LastEvent(groupID, kind string) (*Event, error) {
	query := `
		SELECT seq, session_id, COALESCE(group_id, ''), idempotency_key, kind, COALESCE(payload, ''), created_at
		FROM events
		WHERE session_id = ? AND group_id = ? AND kind = ?
		ORDER BY seq DESC LIMIT 1
	`
	var e Event
	err := s.db.QueryRow(query, s.sessionID, groupID, kind).Scan(
		&e.Seq, &e.SessionID, &e.GroupID, &e.IdempotencyKey, &e.Kind, &e.Payload, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last event: %w", err)
	}
	return &e, nil
}
