// Package validator gate-checks session completion. A completion claim is
// accepted only when every required success criterion from the original
// scope carries concrete evidence; estimates and predictions are not
// evidence, and a criterion without evidence passes only on a documented,
// reproducible external blocker.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Estimate language disqualifies evidence: these words claim a belief
// about an outcome instead of reporting one.
//
//nolint:gochecknoglobals // Static red-flag pattern table
var redFlagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bapproximately\b`),
	regexp.MustCompile(`(?i)\babout\b`),
	regexp.MustCompile(`(?i)\broughly\b`),
	regexp.MustCompile(`(?i)\bshould\b`),
	regexp.MustCompile(`(?i)\bexpected to\b`),
	regexp.MustCompile(`(?i)\bprobably\b`),
	regexp.MustCompile(`(?i)\blikely\b`),
	regexp.MustCompile(`(?i)\bseems\b`),
	regexp.MustCompile(`(?i)\bappears to\b`),
	regexp.MustCompile(`(?i)\bi (think|believe|assume)\b`),
	regexp.MustCompile(`(?i)\bought to\b`),
	regexp.MustCompile(`(?i)\bin theory\b`),
}

// Rejection explains why one criterion failed validation.
type Rejection struct {
	CriterionID string `json:"criterion_id"`
	Reason      string `json:"reason"`
}

// Verdict is the outcome of a completion validation.
type Verdict struct {
	Rejections []Rejection `json:"rejections,omitempty"`
	Accepted   bool        `json:"accepted"`
}

// Validator checks completion claims against the original scope.
type Validator struct {
	logger *logx.Logger
}

// New creates a Validator.
func New() *Validator {
	return &Validator{logger: logx.NewLogger("validator")}
}

// Validate checks submitted criteria against the original scope. The scope
// derived at session start is authoritative: a criterion cannot be dropped
// or weakened by restating it later.
func (v *Validator) Validate(originalScope, submitted []proto.SuccessCriterion) Verdict {
	var verdict Verdict

	submittedByID := make(map[string]*proto.SuccessCriterion, len(submitted))
	for i := range submitted {
		submittedByID[submitted[i].ID] = &submitted[i]
	}

	for i := range originalScope {
		original := &originalScope[i]
		if !original.Required {
			continue
		}
		criterion, ok := submittedByID[original.ID]
		if !ok {
			verdict.Rejections = append(verdict.Rejections, Rejection{
				CriterionID: original.ID,
				Reason:      "required criterion from the original scope is missing from the completion claim",
			})
			continue
		}
		if rejection := v.checkCriterion(criterion); rejection != nil {
			verdict.Rejections = append(verdict.Rejections, *rejection)
		}
	}

	verdict.Accepted = len(verdict.Rejections) == 0
	if !verdict.Accepted {
		v.logger.Info("completion rejected: %d criteria failed validation", len(verdict.Rejections))
	}
	return verdict
}

// checkCriterion validates one required criterion's evidence.
func (v *Validator) checkCriterion(c *proto.SuccessCriterion) *Rejection {
	if c.Evidence == "" {
		if blocker := c.ExternalBlocker; blocker != nil {
			if blocker.Description == "" || blocker.Reproduction == "" {
				return &Rejection{
					CriterionID: c.ID,
					Reason:      "external blocker must include both a description and reproduction steps",
				}
			}
			// Documented, reproducible blocker outside the system's
			// control satisfies the criterion without evidence.
			return nil
		}
		return &Rejection{
			CriterionID: c.ID,
			Reason:      "required criterion has no evidence",
		}
	}

	if flag := findRedFlag(c.Evidence); flag != "" {
		return &Rejection{
			CriterionID: c.ID,
			Reason:      fmt.Sprintf("evidence contains estimate language (%q); report outcomes, not predictions", flag),
		}
	}
	return nil
}

// CheckEvidence reports whether the evidence text stands on its own:
// non-empty and free of estimate language. Exposed for pre-submission
// checks by the session coordinator.
func CheckEvidence(evidence string) error {
	if strings.TrimSpace(evidence) == "" {
		return fmt.Errorf("evidence is empty")
	}
	if flag := findRedFlag(evidence); flag != "" {
		return fmt.Errorf("evidence contains estimate language (%q)", flag)
	}
	return nil
}

func findRedFlag(text string) string {
	for _, pattern := range redFlagPatterns {
		if match := pattern.FindString(text); match != "" {
			return match
		}
	}
	return ""
}
