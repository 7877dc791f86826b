package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store provides database operations scoped to one session. All reads and
// writes for sessions, task groups, context packages, and closed issues go
// through here.
type Store struct {
	db        *sql.DB
	sessionID string
}

// NewStore creates a Store bound to the given connection and session.
func NewStore(db *sql.DB, sessionID string) *Store {
	return &Store{db: db, sessionID: sessionID}
}

// SessionID returns the session this store is scoped to.
func (s *Store) SessionID() string {
	return s.sessionID
}

// CreateSession inserts a new session record.
func (s *Store) CreateSession(sess *Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.Status == "" {
		sess.Status = SessionActive
	}
	query := `
		INSERT INTO sessions (id, spec, original_scope, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.Exec(query, sess.ID, sess.Spec, sess.OriginalScope, sess.Status, sess.CreatedAt); err != nil {
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*Session, error) {
	query := `
		SELECT id, spec, COALESCE(original_scope, ''), status, created_at, completed_at
		FROM sessions WHERE id = ?
	`
	var sess Session
	err := s.db.QueryRow(query, id).Scan(
		&sess.ID, &sess.Spec, &sess.OriginalScope, &sess.Status,
		&sess.CreatedAt, &sess.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

// UpdateSessionStatus transitions a session's status, stamping completed_at
// for terminal statuses.
func (s *Store) UpdateSessionStatus(id, status string) error {
	var completedAt *time.Time
	if status == SessionCompleted || status == SessionFailed {
		now := time.Now().UTC()
		completedAt = &now
	}
	query := `UPDATE sessions SET status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`
	result, err := s.db.Exec(query, status, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update session %s status: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// SetOriginalScope stores the JSON-encoded success criteria derived at
// session start. Write-once: the scope is immutable after first set.
func (s *Store) SetOriginalScope(id, scope string) error {
	query := `UPDATE sessions SET original_scope = ? WHERE id = ? AND (original_scope IS NULL OR original_scope = '')`
	result, err := s.db.Exec(query, scope, id)
	if err != nil {
		return fmt.Errorf("failed to set original scope for session %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s not found or scope already set", id)
	}
	return nil
}

// LatestSessionID returns the most recently created session's ID, or empty
// when the database holds none. Used by resume to find its target.
func LatestSessionID(db *sql.DB) (string, error) {
	var id string
	err := db.QueryRow(`SELECT id FROM sessions ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query latest session: %w", err)
	}
	return id, nil
}

// WidenOriginalScope replaces a set scope with a superset. The caller
// guarantees the new scope contains every criterion of the old one; the
// scope only ever grows, never narrows.
func (s *Store) WidenOriginalScope(id, scope string) error {
	query := `UPDATE sessions SET original_scope = ? WHERE id = ? AND original_scope IS NOT NULL AND original_scope != ''`
	result, err := s.db.Exec(query, scope, id)
	if err != nil {
		return fmt.Errorf("failed to widen original scope for session %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s has no scope to widen", id)
	}
	return nil
}

// UpsertGroup inserts or updates a task group record.
func (s *Store) UpsertGroup(g *TaskGroup) error {
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	if g.Status == "" {
		g.Status = GroupPending
	}
	if g.MergeStatus == "" {
		g.MergeStatus = MergeUnmerged
	}
	if g.Tier == "" {
		g.Tier = "base"
	}
	if g.ReviewIteration == 0 {
		g.ReviewIteration = 1
	}
	if g.TierIteration == 0 {
		g.TierIteration = 1
	}
	query := `
		INSERT INTO task_groups (
			id, session_id, title, details, status, merge_status, tier, phase,
			review_iteration, tier_iteration, no_progress_count, blocking_issue_count,
			investigation_iterations, workspace, created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			details = excluded.details,
			status = excluded.status,
			merge_status = excluded.merge_status,
			tier = excluded.tier,
			phase = excluded.phase,
			review_iteration = excluded.review_iteration,
			tier_iteration = excluded.tier_iteration,
			no_progress_count = excluded.no_progress_count,
			blocking_issue_count = excluded.blocking_issue_count,
			investigation_iterations = excluded.investigation_iterations,
			workspace = excluded.workspace,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`
	_, err := s.db.Exec(query,
		g.ID, s.sessionID, g.Title, g.Details, g.Status, g.MergeStatus, string(g.Tier), g.Phase,
		g.ReviewIteration, g.TierIteration, g.NoProgressCount, g.BlockingIssueCount,
		g.InvestigationIterations, g.Workspace, g.CreatedAt, g.UpdatedAt, g.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task group %s: %w", g.ID, err)
	}
	return nil
}

// GetGroup retrieves a task group by ID.
func (s *Store) GetGroup(id string) (*TaskGroup, error) {
	query := `
		SELECT id, session_id, title, COALESCE(details, ''), status, merge_status, tier,
			phase, review_iteration, tier_iteration, no_progress_count, blocking_issue_count,
			investigation_iterations, COALESCE(workspace, ''),
			created_at, updated_at, completed_at
		FROM task_groups WHERE id = ?
	`
	var g TaskGroup
	err := s.db.QueryRow(query, id).Scan(
		&g.ID, &g.SessionID, &g.Title, &g.Details, &g.Status, &g.MergeStatus, &g.Tier,
		&g.Phase, &g.ReviewIteration, &g.TierIteration, &g.NoProgressCount, &g.BlockingIssueCount,
		&g.InvestigationIterations, &g.Workspace,
		&g.CreatedAt, &g.UpdatedAt, &g.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get task group %s: %w", id, err)
	}
	return &g, nil
}

// ListGroups retrieves all task groups in the session matching the filter,
// ordered by phase then creation time.
func (s *Store) ListGroups(filter *GroupFilter) ([]*TaskGroup, error) {
	query := `
		SELECT id, session_id, title, COALESCE(details, ''), status, merge_status, tier,
			phase, review_iteration, tier_iteration, no_progress_count, blocking_issue_count,
			investigation_iterations, COALESCE(workspace, ''),
			created_at, updated_at, completed_at
		FROM task_groups WHERE session_id = ?
	`
	args := []interface{}{s.sessionID}

	if filter != nil {
		if filter.Status != nil {
			query += " AND status = ?"
			args = append(args, *filter.Status)
		}
		if len(filter.Statuses) > 0 {
			placeholders := strings.Repeat("?,", len(filter.Statuses))
			query += " AND status IN (" + placeholders[:len(placeholders)-1] + ")"
			for _, st := range filter.Statuses {
				args = append(args, st)
			}
		}
		if filter.Phase != nil {
			query += " AND phase = ?"
			args = append(args, *filter.Phase)
		}
	}
	query += " ORDER BY phase, created_at, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []*TaskGroup
	for rows.Next() {
		var g TaskGroup
		if err := rows.Scan(
			&g.ID, &g.SessionID, &g.Title, &g.Details, &g.Status, &g.MergeStatus, &g.Tier,
			&g.Phase, &g.ReviewIteration, &g.TierIteration, &g.NoProgressCount, &g.BlockingIssueCount,
			&g.InvestigationIterations, &g.Workspace,
			&g.CreatedAt, &g.UpdatedAt, &g.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan task group: %w", err)
		}
		groups = append(groups, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return groups, nil
}

// UpdateGroupStatus transitions a task group's status, stamping
// completed_at for terminal statuses.
func (s *Store) UpdateGroupStatus(id, status string) error {
	if !IsValidGroupStatus(status) {
		return fmt.Errorf("invalid task group status: %s", status)
	}
	var completedAt *time.Time
	if status == GroupCompleted || status == GroupFailed {
		now := time.Now().UTC()
		completedAt = &now
	}
	query := `
		UPDATE task_groups
		SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ?
	`
	result, err := s.db.Exec(query, status, time.Now().UTC(), completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update task group %s status: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task group %s not found", id)
	}
	return nil
}

// UpdateMergeStatus records the merge outcome for a task group.
func (s *Store) UpdateMergeStatus(id, mergeStatus string) error {
	query := `UPDATE task_groups SET merge_status = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.Exec(query, mergeStatus, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update merge status for %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task group %s not found", id)
	}
	return nil
}
