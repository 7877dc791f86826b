package store

import (
	"fmt"
	"strings"
	"time"

	"conductor/pkg/proto"
)

// AddContextPackage stores a bounded summary produced by a worker. A
// package with no consumer roles is addressed to every pipeline role.
func (s *Store) AddContextPackage(p *ContextPackage) error {
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if len(p.ConsumerRoles) == 0 {
		p.ConsumerRoles = []proto.Role{proto.RoleImplementer, proto.RoleVerifier, proto.RoleReviewer}
	}
	query := `
		INSERT INTO context_packages (id, session_id, group_id, origin_role, consumer_roles, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, p.ID, s.sessionID, p.GroupID, string(p.OriginRole), encodeRoles(p.ConsumerRoles), p.Content, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add context package %s: %w", p.ID, err)
	}
	return nil
}

// UnconsumedPackages returns the group's packages addressed to role that
// role has not consumed yet, oldest first. A package another role already
// consumed still shows up here until this role consumes it too.
func (s *Store) UnconsumedPackages(groupID string, role proto.Role) ([]*ContextPackage, error) {
	query := `
		SELECT p.id, p.session_id, p.group_id, p.origin_role, p.consumer_roles, p.content, p.created_at
		FROM context_packages p
		WHERE p.session_id = ? AND p.group_id = ?
		AND instr(',' || p.consumer_roles || ',', ',' || ? || ',') > 0
		AND NOT EXISTS (
			SELECT 1 FROM package_consumption c WHERE c.package_id = p.id AND c.role = ?
		)
		ORDER BY p.created_at, p.id
	`
	rows, err := s.db.Query(query, s.sessionID, groupID, string(role), string(role))
	if err != nil {
		return nil, fmt.Errorf("failed to query context packages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var packages []*ContextPackage
	for rows.Next() {
		var p ContextPackage
		var origin, consumers string
		if err := rows.Scan(&p.ID, &p.SessionID, &p.GroupID, &origin, &consumers, &p.Content, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan context package: %w", err)
		}
		p.OriginRole = proto.Role(origin)
		p.ConsumerRoles = decodeRoles(consumers)
		packages = append(packages, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return packages, nil
}

// MarkPackagesConsumed records that role consumed the packages, so they
// never re-enter that role's bundles. Idempotent per (package, role).
func (s *Store) MarkPackagesConsumed(ids []string, role proto.Role) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		INSERT OR IGNORE INTO package_consumption (package_id, role, consumed_at)
		VALUES (?, ?, ?)
	`
	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := s.db.Exec(query, id, string(role), now); err != nil {
			return fmt.Errorf("failed to mark package %s consumed by %s: %w", id, role, err)
		}
	}
	return nil
}

func encodeRoles(roles []proto.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

func decodeRoles(s string) []proto.Role {
	var roles []proto.Role
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			roles = append(roles, proto.Role(part))
		}
	}
	return roles
}

// CloseIssue records an accepted rejection. Closing is permanent and
// idempotent; re-closing an issue is not an error.
func (s *Store) CloseIssue(issueID, groupID, reason string) error {
	query := `
		INSERT OR IGNORE INTO closed_issues (issue_id, session_id, group_id, reason, closed_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.Exec(query, issueID, s.sessionID, groupID, reason, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to close issue %s: %w", issueID, err)
	}
	return nil
}

// IsIssueClosed reports whether the issue's rejection was already accepted.
func (s *Store) IsIssueClosed(issueID string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM closed_issues WHERE session_id = ? AND issue_id = ?`,
		s.sessionID, issueID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check closed issue %s: %w", issueID, err)
	}
	return count > 0, nil
}

// ClosedIssueIDs returns all closed issue IDs for the session.
func (s *Store) ClosedIssueIDs() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT issue_id FROM closed_issues WHERE session_id = ?`, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	closed := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan closed issue: %w", err)
		}
		closed[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return closed, nil
}
