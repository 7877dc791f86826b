// Package router maps worker results to routing actions. Routing is a pure
// function over the result, the group's counters, and the closed-issue
// registry: no I/O, no clock, no randomness. Anything the table does not
// recognize falls through to the safe default, hold for human arbitration.
package router

import (
	"fmt"

	"conductor/pkg/proto"
	"conductor/pkg/store"
)

// State is the group-local context a routing decision depends on.
type State struct {
	Group *store.TaskGroup
	// ClosedIssues holds issue IDs whose rejection was accepted. A closed
	// issue re-raised by a later review pass never blocks again.
	ClosedIssues map[string]bool
	// EscalateDue is the escalation tracker's verdict for this group.
	EscalateDue    bool
	EscalateReason string
}

// Route decides the next action for a group given a worker result. Total:
// every input yields exactly one action.
func Route(result *proto.WorkerResult, st *State) proto.Action {
	// A status outside the role's enum is never guessed at.
	if result.Status == "" || !result.Valid() {
		return proto.Hold(fmt.Sprintf("unrecognized %s status %q, needs human arbitration", result.Role, result.RawStatus))
	}

	switch result.Status {
	case proto.StatusBlocked:
		// A blocked report means the cause is not apparent; diagnose it
		// rather than park the group.
		return proto.Action{Kind: proto.ActionEnterInvestigation, Reason: fmt.Sprintf("%s reports blocked: %s", result.Role, result.Payload.Notes)}
	case proto.StatusError:
		return escalateOrHold(st, proto.Role(result.Role), fmt.Sprintf("%s reported an internal error", result.Role))
	}

	switch result.Role {
	case proto.RolePlanner:
		// plan_ready
		return proto.Invoke(proto.RoleImplementer, "plan accepted, begin implementation")

	case proto.RoleImplementer:
		switch result.Status {
		case proto.StatusReadyForVerification:
			return proto.Invoke(proto.RoleVerifier, "implementation ready for verification")
		case proto.StatusReadyForReview:
			return proto.Invoke(proto.RoleReviewer, "implementation ready for review")
		case proto.StatusDiagnosticReady:
			return proto.Invoke(proto.RoleReviewer, "diagnostics ready for analysis")
		}

	case proto.RoleVerifier:
		switch result.Status {
		case proto.StatusPass:
			return proto.Invoke(proto.RoleReviewer, "verification passed")
		case proto.StatusFail:
			return proto.Invoke(proto.RoleImplementer, "verification failed")
		}

	case proto.RoleReviewer:
		switch result.Status {
		case proto.StatusApproved:
			if n := liveBlockingCount(result, st.ClosedIssues); n > 0 {
				// An approval carrying live blocking issues is
				// contradictory; the issues win.
				return proto.Invoke(proto.RoleImplementer, fmt.Sprintf("approval carried %d blocking issues", n))
			}
			return proto.Action{Kind: proto.ActionMerge, Reason: "review approved"}
		case proto.StatusChangesRequested:
			if liveBlockingCount(result, st.ClosedIssues) == 0 {
				// Only non-blocking issues remain; they never gate a merge.
				return proto.Action{Kind: proto.ActionMerge, Reason: "only non-blocking issues remain"}
			}
			if st.EscalateDue {
				return escalateOrHold(st, proto.RoleImplementer, st.EscalateReason)
			}
			return proto.Invoke(proto.RoleImplementer, "blocking issues to address")
		case proto.StatusNeedsDeepAnalysis:
			return proto.Action{Kind: proto.ActionEnterInvestigation, Reason: "reviewer requests root-cause analysis"}
		}
	}

	return proto.Hold(fmt.Sprintf("no transition for %s/%s, needs human arbitration", result.Role, result.Status))
}

// liveBlockingCount counts blocking issues that are not permanently closed.
func liveBlockingCount(result *proto.WorkerResult, closed map[string]bool) int {
	count := 0
	for i := range result.Payload.Issues {
		issue := &result.Payload.Issues[i]
		if !issue.Blocking() {
			continue
		}
		if closed[issue.ID] {
			continue
		}
		count++
	}
	return count
}

// escalateOrHold returns an escalate action targeting the next tier, or a
// hold when the group is already at the top tier.
func escalateOrHold(st *State, role proto.Role, reason string) proto.Action {
	next, ok := st.Group.Tier.Next()
	if !ok {
		return proto.Hold(reason + "; already at top tier")
	}
	return proto.Escalate(role, next, reason)
}
