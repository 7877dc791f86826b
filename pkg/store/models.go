package store

import (
	"time"

	"github.com/google/uuid"

	"conductor/pkg/proto"
)

// Session represents one end-to-end run against a specification.
type Session struct {
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ID          string     `json:"id"`
	Spec        string     `json:"spec"`
	// OriginalScope is the JSON-encoded success criteria derived from the
	// spec at session start. Resume re-derives completion against this,
	// never against a later restatement.
	OriginalScope string `json:"original_scope,omitempty"`
	Status        string `json:"status"`
}

// Session status constants.
const (
	SessionActive     = "active"
	SessionValidating = "validating"
	SessionCompleted  = "completed"
	SessionFailed     = "failed"
	SessionHalted     = "halted"
)

// TaskGroup is the unit of scheduling: a coherent slice of work driven
// through the worker pipeline.
//
//nolint:govet // struct alignment optimization not critical for this type
type TaskGroup struct {
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Title       string     `json:"title"`
	Details     string     `json:"details,omitempty"`
	Status      string     `json:"status"`
	MergeStatus string     `json:"merge_status"`
	Tier        proto.Tier `json:"tier"`
	Workspace   string     `json:"workspace,omitempty"`
	// Phase groups tasks that must all merge before the next phase starts.
	Phase int `json:"phase"`
	// ReviewIteration counts reviewer passes across the group's whole
	// life, starting at 1. Monotonic: it never decreases, not even on a
	// tier bump.
	ReviewIteration int `json:"review_iteration"`
	// TierIteration counts reviewer passes at the current tier, starting
	// at 1. Escalation resets it so the new tier gets a fresh window.
	TierIteration int `json:"tier_iteration"`
	// NoProgressCount counts consecutive review iterations where the
	// blocking issue count failed to strictly decrease.
	NoProgressCount int `json:"no_progress_count"`
	// BlockingIssueCount is the blocking issue total from the most recent
	// review iteration.
	BlockingIssueCount int `json:"blocking_issue_count"`
	// InvestigationIterations counts hypothesis-loop rounds consumed.
	InvestigationIterations int `json:"investigation_iterations"`
}

// Task group status constants.
const (
	GroupPending    = "pending"
	GroupInProgress = "in_progress"
	GroupDeferred   = "deferred"
	GroupHeld       = "held"
	GroupCompleted  = "completed"
	GroupFailed     = "failed"
)

// Merge status constants.
const (
	MergeUnmerged = "unmerged"
	MergeMerged   = "merged"
	MergeConflict = "conflict"
)

// ValidGroupStatuses returns all valid task group statuses.
func ValidGroupStatuses() []string {
	return []string{GroupPending, GroupInProgress, GroupDeferred, GroupHeld, GroupCompleted, GroupFailed}
}

// IsValidGroupStatus checks if a status string is valid.
func IsValidGroupStatus(status string) bool {
	for _, valid := range ValidGroupStatuses() {
		if status == valid {
			return true
		}
	}
	return false
}

// Event is one record in the append-only journal. The journal is the
// durable history of every invocation, result, routing decision, and
// state change; rows are never updated or deleted.
type Event struct {
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"seq"`
	SessionID string    `json:"session_id"`
	GroupID   string    `json:"group_id,omitempty"`
	// IdempotencyKey deduplicates replayed writes after a crash-resume.
	IdempotencyKey string `json:"idempotency_key"`
	Kind           string `json:"kind"`
	Payload        string `json:"payload,omitempty"`
}

// Event kind constants.
const (
	EventSessionStarted  = "session_started"
	EventSessionResumed  = "session_resumed"
	EventPlanAccepted    = "plan_accepted"
	EventInvocation      = "invocation"
	EventResult          = "result"
	EventRouting         = "routing"
	EventEscalation      = "escalation"
	EventMerge           = "merge"
	EventGroupCompleted  = "group_completed"
	EventGroupHeld       = "group_held"
	EventInvestigation   = "investigation"
	EventValidation      = "validation"
	EventSessionFinished = "session_finished"
)

// ContextPackage is a bounded summary handed between workers. It is
// addressed to a set of consumer roles; each role consumes it at most
// once, and it stays available to the other addressed roles until they
// have consumed it too.
type ContextPackage struct {
	CreatedAt  time.Time  `json:"created_at"`
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	GroupID    string     `json:"group_id"`
	OriginRole proto.Role `json:"origin_role"`
	Content    string     `json:"content"`
	// ConsumerRoles is the set of roles this package is addressed to.
	// Empty defaults to every pipeline role at insert time.
	ConsumerRoles []proto.Role `json:"consumer_roles"`
}

// ClosedIssue records an issue whose rejection was accepted by the
// reviewer. Closed issues are permanent: re-raising one never blocks again.
type ClosedIssue struct {
	ClosedAt  time.Time `json:"closed_at"`
	IssueID   string    `json:"issue_id"`
	SessionID string    `json:"session_id"`
	GroupID   string    `json:"group_id"`
	Reason    string    `json:"reason,omitempty"`
}

// GroupFilter represents criteria for querying task groups.
type GroupFilter struct {
	Status   *string  `json:"status,omitempty"`
	Statuses []string `json:"statuses,omitempty"`
	Phase    *int     `json:"phase,omitempty"`
}

// NewID generates a new UUID string for sessions, groups, and packages.
func NewID() string {
	return uuid.New().String()
}
