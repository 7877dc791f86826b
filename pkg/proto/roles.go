// Package proto defines the closed vocabulary shared by the orchestration
// core: worker roles, capability tiers, result status codes, and router
// actions. Every enum has a strict parser; values outside the enum are
// rejected rather than guessed at.
package proto

import (
	"fmt"
	"strings"
)

// Role identifies the kind of worker an invocation targets.
type Role string

const (
	RolePlanner     Role = "planner"
	RoleImplementer Role = "implementer"
	RoleVerifier    Role = "verifier"
	RoleReviewer    Role = "reviewer"
)

// ValidRoles returns all worker roles in deterministic order.
func ValidRoles() []Role {
	return []Role{RolePlanner, RoleImplementer, RoleVerifier, RoleReviewer}
}

// ParseRole parses a string into a Role with validation.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(s)) {
	case RolePlanner:
		return RolePlanner, nil
	case RoleImplementer:
		return RoleImplementer, nil
	case RoleVerifier:
		return RoleVerifier, nil
	case RoleReviewer:
		return RoleReviewer, nil
	default:
		return "", fmt.Errorf("unknown role: %s", s)
	}
}

// String returns the string representation of Role.
func (r Role) String() string {
	return string(r)
}

// Tier is a capability level a worker is invoked at. Tiers form a fixed
// total order: base < senior < lead. Lead doubles as the human-arbitration
// tier; there is nothing above it.
type Tier string

const (
	TierBase   Tier = "base"
	TierSenior Tier = "senior"
	TierLead   Tier = "lead"
)

//nolint:gochecknoglobals // Static rank table backing the tier total order
var tierRank = map[Tier]int{
	TierBase:   0,
	TierSenior: 1,
	TierLead:   2,
}

// Rank returns the position of the tier in the total order.
func (t Tier) Rank() int {
	return tierRank[t]
}

// Next returns the next higher tier. At the top tier it returns the same
// tier and false; callers must treat that as terminal, not retry.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierBase:
		return TierSenior, true
	case TierSenior:
		return TierLead, true
	default:
		return TierLead, false
	}
}

// AtLeast reports whether t is at or above other in the total order.
func (t Tier) AtLeast(other Tier) bool {
	return t.Rank() >= other.Rank()
}

// ParseTier parses a string into a Tier with validation.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(s)) {
	case TierBase:
		return TierBase, nil
	case TierSenior:
		return TierSenior, nil
	case TierLead:
		return TierLead, nil
	default:
		return "", fmt.Errorf("unknown tier: %s", s)
	}
}

// String returns the string representation of Tier.
func (t Tier) String() string {
	return string(t)
}

// Status is a worker result status code. Each role reports from a closed
// subset; ParseStatus enforces the subset so free-text statuses can never
// leak into routing decisions.
type Status string

const (
	// Planner statuses.
	StatusPlanReady Status = "plan_ready"

	// Implementer statuses.
	StatusReadyForVerification Status = "ready_for_verification"
	StatusReadyForReview       Status = "ready_for_review"
	StatusDiagnosticReady      Status = "diagnostic_ready"

	// Verifier statuses.
	StatusPass Status = "pass"
	StatusFail Status = "fail"

	// Reviewer statuses.
	StatusApproved          Status = "approved"
	StatusChangesRequested  Status = "changes_requested"
	StatusNeedsDeepAnalysis Status = "needs_deep_analysis"

	// Shared statuses (any role).
	StatusBlocked Status = "blocked"
	StatusError   Status = "error"
)

//nolint:gochecknoglobals // Static role -> status subset table
var statusesByRole = map[Role][]Status{
	RolePlanner:     {StatusPlanReady, StatusBlocked, StatusError},
	RoleImplementer: {StatusReadyForVerification, StatusReadyForReview, StatusDiagnosticReady, StatusBlocked, StatusError},
	RoleVerifier:    {StatusPass, StatusFail, StatusBlocked, StatusError},
	RoleReviewer:    {StatusApproved, StatusChangesRequested, StatusNeedsDeepAnalysis, StatusBlocked, StatusError},
}

// ValidStatusesForRole returns the closed status set a role may report.
func ValidStatusesForRole(role Role) []Status {
	return statusesByRole[role]
}

// ParseStatus parses a status string for a given role. Values outside the
// role's closed enum are errors; the router maps those to its safe default.
func ParseStatus(role Role, s string) (Status, error) {
	candidate := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, valid := range statusesByRole[role] {
		if candidate == valid {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("status %q is not valid for role %s", s, role)
}

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}
