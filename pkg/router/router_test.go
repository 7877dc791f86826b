package router

import (
	"testing"

	"conductor/pkg/proto"
	"conductor/pkg/store"
)

func baseState() *State {
	return &State{
		Group:        &store.TaskGroup{ID: "g1", Tier: proto.TierBase, ReviewIteration: 1},
		ClosedIssues: map[string]bool{},
	}
}

func TestPipelineTransitions(t *testing.T) {
	tests := []struct {
		role     proto.Role
		status   proto.Status
		wantKind proto.ActionKind
		wantRole proto.Role
	}{
		{proto.RolePlanner, proto.StatusPlanReady, proto.ActionInvoke, proto.RoleImplementer},
		{proto.RoleImplementer, proto.StatusReadyForVerification, proto.ActionInvoke, proto.RoleVerifier},
		{proto.RoleImplementer, proto.StatusReadyForReview, proto.ActionInvoke, proto.RoleReviewer},
		{proto.RoleImplementer, proto.StatusDiagnosticReady, proto.ActionInvoke, proto.RoleReviewer},
		{proto.RoleVerifier, proto.StatusPass, proto.ActionInvoke, proto.RoleReviewer},
		{proto.RoleVerifier, proto.StatusFail, proto.ActionInvoke, proto.RoleImplementer},
		{proto.RoleReviewer, proto.StatusNeedsDeepAnalysis, proto.ActionEnterInvestigation, ""},
	}
	for _, tt := range tests {
		result := &proto.WorkerResult{Role: tt.role, Status: tt.status}
		action := Route(result, baseState())
		if action.Kind != tt.wantKind {
			t.Errorf("Route(%s/%s) kind = %s, want %s", tt.role, tt.status, action.Kind, tt.wantKind)
		}
		if tt.wantRole != "" && action.NextRole != tt.wantRole {
			t.Errorf("Route(%s/%s) next role = %s, want %s", tt.role, tt.status, action.NextRole, tt.wantRole)
		}
	}
}

func TestApprovedMerges(t *testing.T) {
	result := &proto.WorkerResult{Role: proto.RoleReviewer, Status: proto.StatusApproved}
	action := Route(result, baseState())
	if action.Kind != proto.ActionMerge {
		t.Errorf("approved should merge, got %s", action.Kind)
	}
}

func TestOnlyNonBlockingIssuesMerge(t *testing.T) {
	result := &proto.WorkerResult{
		Role:   proto.RoleReviewer,
		Status: proto.StatusChangesRequested,
		Payload: proto.ResultPayload{Issues: []proto.Issue{
			{ID: "g1-1-1", Severity: proto.SeverityLow, Problem: "naming nit"},
			{ID: "g1-1-2", Severity: proto.SeverityMedium, Problem: "missing doc comment"},
		}},
	}
	action := Route(result, baseState())
	if action.Kind != proto.ActionMerge {
		t.Errorf("non-blocking-only changes_requested should merge, got %s", action.Kind)
	}
}

func TestBlockingIssuesReturnToImplementer(t *testing.T) {
	result := &proto.WorkerResult{
		Role:   proto.RoleReviewer,
		Status: proto.StatusChangesRequested,
		Payload: proto.ResultPayload{Issues: []proto.Issue{
			{ID: "g1-1-1", Severity: proto.SeverityCritical, Problem: "data race"},
		}},
	}
	action := Route(result, baseState())
	if action.Kind != proto.ActionInvoke || action.NextRole != proto.RoleImplementer {
		t.Errorf("blocking issues should re-invoke implementer, got %+v", action)
	}
}

func TestClosedIssueNeverBlocksAgain(t *testing.T) {
	st := baseState()
	st.ClosedIssues["g1-2-1"] = true

	// The reviewer re-raises a closed issue; only it is blocking.
	result := &proto.WorkerResult{
		Role:   proto.RoleReviewer,
		Status: proto.StatusChangesRequested,
		Payload: proto.ResultPayload{Issues: []proto.Issue{
			{ID: "g1-2-1", Severity: proto.SeverityHigh, Problem: "re-raised"},
			{ID: "g1-3-1", Severity: proto.SeverityLow, Problem: "nit"},
		}},
	}
	action := Route(result, st)
	if action.Kind != proto.ActionMerge {
		t.Errorf("re-raised closed issue must not block a merge, got %s", action.Kind)
	}
}

func TestApprovedWithLiveBlockingIssues(t *testing.T) {
	result := &proto.WorkerResult{
		Role:   proto.RoleReviewer,
		Status: proto.StatusApproved,
		Payload: proto.ResultPayload{Issues: []proto.Issue{
			{ID: "g1-1-1", Severity: proto.SeverityHigh, Problem: "auth bypass"},
		}},
	}
	action := Route(result, baseState())
	if action.Kind != proto.ActionInvoke || action.NextRole != proto.RoleImplementer {
		t.Errorf("contradictory approval should side with the issues, got %+v", action)
	}
}

func TestEscalationDue(t *testing.T) {
	st := baseState()
	st.EscalateDue = true
	st.EscalateReason = "2 consecutive review iterations without progress"

	result := &proto.WorkerResult{
		Role:   proto.RoleReviewer,
		Status: proto.StatusChangesRequested,
		Payload: proto.ResultPayload{Issues: []proto.Issue{
			{ID: "g1-3-1", Severity: proto.SeverityHigh, Problem: "still broken"},
		}},
	}
	action := Route(result, st)
	if action.Kind != proto.ActionEscalate || action.Tier != proto.TierSenior {
		t.Errorf("due escalation should bump to senior, got %+v", action)
	}

	// At the top tier the same situation goes to human arbitration.
	st.Group.Tier = proto.TierLead
	action = Route(result, st)
	if action.Kind != proto.ActionHold {
		t.Errorf("escalation above lead should hold, got %+v", action)
	}
}

func TestUnknownStatusSafeDefault(t *testing.T) {
	result := &proto.WorkerResult{Role: proto.RoleVerifier, RawStatus: "looks fine to me"}
	action := Route(result, baseState())
	if action.Kind != proto.ActionHold {
		t.Errorf("unknown status must hold for human arbitration, got %s", action.Kind)
	}
}

func TestBlockedEntersInvestigation(t *testing.T) {
	result := &proto.WorkerResult{
		Role:    proto.RoleImplementer,
		Status:  proto.StatusBlocked,
		Payload: proto.ResultPayload{Notes: "requires credentials not available"},
	}
	action := Route(result, baseState())
	if action.Kind != proto.ActionEnterInvestigation {
		t.Errorf("blocked should enter investigation, got %s", action.Kind)
	}
}

func TestErrorEscalates(t *testing.T) {
	result := &proto.WorkerResult{Role: proto.RoleVerifier, Status: proto.StatusError}
	action := Route(result, baseState())
	if action.Kind != proto.ActionEscalate || action.NextRole != proto.RoleVerifier {
		t.Errorf("worker error should escalate the same role, got %+v", action)
	}
}

func TestRouteIsTotal(t *testing.T) {
	// Every role/status pair in the enums yields a decision.
	for _, role := range proto.ValidRoles() {
		for _, status := range proto.ValidStatusesForRole(role) {
			result := &proto.WorkerResult{Role: role, Status: status}
			action := Route(result, baseState())
			if action.Kind == "" {
				t.Errorf("Route(%s/%s) returned empty action", role, status)
			}
		}
	}
}
