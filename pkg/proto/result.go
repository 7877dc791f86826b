package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Severity classifies a reviewer-raised issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ParseSeverity parses a string into a Severity with validation.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("unknown severity: %s", s)
	}
}

// Blocking reports whether the severity blocks approval.
func (s Severity) Blocking() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// String returns the string representation of Severity.
func (s Severity) String() string {
	return string(s)
}

// Issue is a single reviewer-raised concern. The ID is stable across review
// iterations ("group-iteration-seq") so later passes can reference it.
type Issue struct {
	ID           string   `json:"id"`
	Severity     Severity `json:"severity"`
	Location     string   `json:"location"`
	Problem      string   `json:"problem"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
	Rationale    string   `json:"rationale,omitempty"`
}

// Blocking reports whether the issue must be resolved before approval.
func (i *Issue) Blocking() bool {
	return i.Severity.Blocking()
}

// IssueID builds the stable issue identifier for an issue raised on a
// specific review iteration of a group.
func IssueID(groupID string, iteration, seq int) string {
	return fmt.Sprintf("%s-%d-%d", groupID, iteration, seq)
}

// IssueDisposition is a worker's answer to a raised issue.
type IssueDisposition string

const (
	DispositionFixed    IssueDisposition = "fixed"
	DispositionRejected IssueDisposition = "rejected"
)

// IssueResponse records how the implementer answered one issue.
type IssueResponse struct {
	IssueID     string           `json:"issue_id"`
	Disposition IssueDisposition `json:"disposition"`
	Reason      string           `json:"reason,omitempty"`
}

// Hypothesis is one candidate root cause in an investigation, ranked by
// likelihood as estimated by the seeding reviewer.
type Hypothesis struct {
	Description string  `json:"description"`
	Likelihood  float64 `json:"likelihood"`
	Eliminated  bool    `json:"eliminated"`
}

// PlannedGroup is one task group proposed by the planner.
type PlannedGroup struct {
	Title     string `json:"title"`
	Details   string `json:"details,omitempty"`
	Phase     int    `json:"phase"`
	Workspace string `json:"workspace,omitempty"`
}

// SuccessCriterion is one machine-checkable condition the session must
// satisfy before completion is accepted.
type SuccessCriterion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Evidence    string `json:"evidence,omitempty"`
	Required    bool   `json:"required"`
	// ExternalBlocker documents a failure outside the system's control.
	// Only a documented, reproducible blocker can satisfy a criterion
	// without evidence.
	ExternalBlocker *ExternalBlocker `json:"external_blocker,omitempty"`
}

// ExternalBlocker documents why a criterion cannot be met for reasons the
// system does not control.
type ExternalBlocker struct {
	Description  string `json:"description"`
	Reproduction string `json:"reproduction"`
}

// CheckFinding is one finding from a quality-check tool run.
type CheckFinding struct {
	Check    string `json:"check"`
	Location string `json:"location,omitempty"`
	Message  string `json:"message"`
}

// ResultPayload is the structured body of a worker result. Fields are
// populated per role; unused fields stay zero.
type ResultPayload struct {
	// Implementer fields.
	FilesTouched   []string        `json:"files_touched,omitempty"`
	TestsAdded     bool            `json:"tests_added,omitempty"`
	IssueResponses []IssueResponse `json:"issue_responses,omitempty"`

	// Verifier fields.
	VerificationOutput string         `json:"verification_output,omitempty"`
	CheckFindings      []CheckFinding `json:"check_findings,omitempty"`

	// Reviewer fields.
	Issues []Issue `json:"issues,omitempty"`
	// AcceptedRejections lists issue IDs whose rejected-with-reason
	// responses the reviewer accepted. Those issues are permanently closed.
	AcceptedRejections []string     `json:"accepted_rejections,omitempty"`
	Hypotheses         []Hypothesis `json:"hypotheses,omitempty"`

	// Planner fields.
	Groups   []PlannedGroup     `json:"groups,omitempty"`
	Criteria []SuccessCriterion `json:"criteria,omitempty"`

	// Investigation fields.
	DiagnosticOutput string `json:"diagnostic_output,omitempty"`

	// Free-form notes, any role.
	Notes string `json:"notes,omitempty"`
}

// BlockingIssueCount counts the blocking issues in the payload.
func (p *ResultPayload) BlockingIssueCount() int {
	count := 0
	for i := range p.Issues {
		if p.Issues[i].Blocking() {
			count++
		}
	}
	return count
}

// WorkerResult is the ephemeral record of one worker invocation for one
// task group. It is consumed immediately by the router and persisted only
// to the event journal.
type WorkerResult struct {
	InvocationID string        `json:"invocation_id"`
	GroupID      string        `json:"group_id"`
	Role         Role          `json:"role"`
	Tier         Tier          `json:"tier"`
	Model        string        `json:"model,omitempty"`
	Status       Status        `json:"status"`
	Payload      ResultPayload `json:"payload"`
	Duration     time.Duration `json:"duration"`
	// RawStatus preserves the worker's literal status string when it did
	// not parse into the role's closed enum. Status is empty in that case.
	RawStatus string `json:"raw_status,omitempty"`
	Err       string `json:"error,omitempty"`
}

// Valid reports whether the result carries a status inside its role's enum.
func (r *WorkerResult) Valid() bool {
	if r.Status == "" {
		return false
	}
	_, err := ParseStatus(r.Role, string(r.Status))
	return err == nil
}

// ToJSON serializes the result for the event journal.
func (r *WorkerResult) ToJSON() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal worker result: %w", err)
	}
	return data, nil
}

// ResultFromJSON parses a journaled worker result.
func ResultFromJSON(data []byte) (*WorkerResult, error) {
	var result WorkerResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal worker result: %w", err)
	}
	return &result, nil
}
