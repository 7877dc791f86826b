package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
	"conductor/pkg/gateway"
	"conductor/pkg/proto"
	"conductor/pkg/store"
)

func testOrch() config.Orchestration {
	return config.Orchestration{
		MaxParallel:         config.DefaultMaxParallel,
		EscalationThreshold: config.DefaultEscalationThreshold,
		ReviewIterationCap:  config.DefaultReviewIterationCap,
		InvestigationCap:    config.DefaultInvestigationCap,
		TransientRetries:    config.DefaultTransientRetries,
		ContextTokenBudget:  config.DefaultContextTokenBudget,
	}
}

func newSessionStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.OpenDatabase(filepath.Join(t.TempDir(), "conductor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewStore(db, "sess-1")
}

func planReply(groups []proto.PlannedGroup, criteria []proto.SuccessCriterion) *proto.WorkerResult {
	return &proto.WorkerResult{
		Status:  proto.StatusPlanReady,
		Payload: proto.ResultPayload{Groups: groups, Criteria: criteria},
	}
}

func reportReply(criteria []proto.SuccessCriterion) *proto.WorkerResult {
	return &proto.WorkerResult{
		Status:  proto.StatusPlanReady,
		Payload: proto.ResultPayload{Criteria: criteria},
	}
}

func scriptPlan(gw *gateway.ScriptedGateway) {
	gw.Script("sess-1", proto.RolePlanner, planReply(
		[]proto.PlannedGroup{{Title: "build parser", Phase: 1}},
		[]proto.SuccessCriterion{{ID: "c1", Description: "all tests passing", Required: true}},
	))
}

// scriptGroupPipeline queues one clean pipeline pass for whatever group is
// dispatched next: implement, verify, review, then the post-merge
// verification re-run.
func scriptGroupPipeline(gw *gateway.ScriptedGateway) {
	gw.ScriptAnyStatus(proto.RoleImplementer, proto.StatusReadyForVerification)
	gw.ScriptAnyStatus(proto.RoleVerifier, proto.StatusPass)
	gw.ScriptAnyStatus(proto.RoleReviewer, proto.StatusApproved)
	gw.ScriptAnyStatus(proto.RoleVerifier, proto.StatusPass)
}

func TestStartPlansGroupsAndCapturesScope(t *testing.T) {
	st := newSessionStore(t)
	gw := gateway.NewScriptedGateway()
	scriptPlan(gw)

	c := New(st, gw, testOrch())
	require.NoError(t, c.Start(context.Background(), "build a parser"))

	sess, err := st.GetSession("sess-1")
	require.NoError(t, err)
	require.Equal(t, store.SessionActive, sess.Status)
	require.Contains(t, sess.OriginalScope, `"c1"`)

	groups, err := st.ListGroups(nil)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "build parser", groups[0].Title)
	require.Equal(t, store.GroupPending, groups[0].Status)
	require.Equal(t, 1, groups[0].Phase)
}

func TestStartRejectsEmptyPlan(t *testing.T) {
	st := newSessionStore(t)
	gw := gateway.NewScriptedGateway()
	gw.Script("sess-1", proto.RolePlanner, planReply(nil,
		[]proto.SuccessCriterion{{ID: "c1", Required: true}}))

	c := New(st, gw, testOrch())
	err := c.Start(context.Background(), "build a parser")
	require.ErrorIs(t, err, ErrPlanningFailed)

	sess, gerr := st.GetSession("sess-1")
	require.NoError(t, gerr)
	require.Equal(t, store.SessionFailed, sess.Status)
}

func TestCleanSessionLifecycle(t *testing.T) {
	st := newSessionStore(t)
	gw := gateway.NewScriptedGateway()
	scriptPlan(gw)
	scriptGroupPipeline(gw)
	gw.Script("sess-1", proto.RolePlanner, reportReply([]proto.SuccessCriterion{
		{ID: "c1", Required: true, Evidence: "1229/1229 tests passed (see output.log)"},
	}))

	c := New(st, gw, testOrch())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, "build a parser"))
	require.NoError(t, c.Execute(ctx))

	sess, err := st.GetSession("sess-1")
	require.NoError(t, err)
	require.Equal(t, store.SessionCompleted, sess.Status)

	groups, err := st.ListGroups(nil)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, store.GroupCompleted, groups[0].Status)
	require.Equal(t, store.MergeMerged, groups[0].MergeStatus)

	finished, err := st.ListEvents("", store.EventSessionFinished)
	require.NoError(t, err)
	require.Len(t, finished, 1)
}

func TestValidationRejectionLoopsBackAsRemediation(t *testing.T) {
	st := newSessionStore(t)
	gw := gateway.NewScriptedGateway()
	scriptPlan(gw)
	scriptGroupPipeline(gw)
	// First completion claim is an estimate; the validator must bounce it.
	gw.Script("sess-1", proto.RolePlanner, reportReply([]proto.SuccessCriterion{
		{ID: "c1", Required: true, Evidence: "approximately 90% coverage, should be fine"},
	}))
	scriptGroupPipeline(gw)
	gw.Script("sess-1", proto.RolePlanner, reportReply([]proto.SuccessCriterion{
		{ID: "c1", Required: true, Evidence: "1229/1229 tests passed (see output.log)"},
	}))

	c := New(st, gw, testOrch())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, "build a parser"))
	require.NoError(t, c.Execute(ctx))

	sess, err := st.GetSession("sess-1")
	require.NoError(t, err)
	require.Equal(t, store.SessionCompleted, sess.Status)

	groups, err := st.ListGroups(nil)
	require.NoError(t, err)
	require.Len(t, groups, 2, "rejection should have spawned a remediation group")

	var remediation *store.TaskGroup
	for _, g := range groups {
		if g.Title == "Remediate criterion c1" {
			remediation = g
		}
	}
	require.NotNil(t, remediation)
	require.Equal(t, 2, remediation.Phase)
	require.Equal(t, store.GroupCompleted, remediation.Status)

	validations, err := st.ListEvents("", store.EventValidation)
	require.NoError(t, err)
	require.Len(t, validations, 2)
}

func TestCompletionReportErrorHaltsSession(t *testing.T) {
	st := newSessionStore(t)
	gw := gateway.NewScriptedGateway()
	scriptPlan(gw)
	scriptGroupPipeline(gw)
	// The completion report never arrives; the session must not stay
	// parked in validating.
	gw.ScriptError("sess-1", proto.RolePlanner, errors.New("api key revoked"))

	c := New(st, gw, testOrch())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, "build a parser"))

	err := c.Execute(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "completion report failed")

	sess, gerr := st.GetSession("sess-1")
	require.NoError(t, gerr)
	require.Equal(t, store.SessionHalted, sess.Status)
}

func TestResumeRefusesWithoutOriginalScope(t *testing.T) {
	st := newSessionStore(t)
	require.NoError(t, st.CreateSession(&store.Session{
		ID:     "sess-1",
		Spec:   "build a parser",
		Status: store.SessionActive,
	}))

	c := New(st, gateway.NewScriptedGateway(), testOrch())
	err := c.Resume(context.Background(), "")
	require.ErrorIs(t, err, ErrNoOriginalScope)
}

func TestResumeWithAddendumWidensScope(t *testing.T) {
	st := newSessionStore(t)
	gw := gateway.NewScriptedGateway()
	scriptPlan(gw)
	// Delta plan for the added requirements.
	gw.Script("sess-1", proto.RolePlanner, planReply(
		[]proto.PlannedGroup{{Title: "add formatter"}},
		[]proto.SuccessCriterion{{ID: "c2", Description: "formatter round-trips", Required: true}},
	))
	scriptGroupPipeline(gw)
	scriptGroupPipeline(gw)
	gw.Script("sess-1", proto.RolePlanner, reportReply([]proto.SuccessCriterion{
		{ID: "c1", Required: true, Evidence: "1229/1229 tests passed (see output.log)"},
		{ID: "c2", Required: true, Evidence: "round-trip suite passed 52/52 (see fmt.log)"},
	}))

	c := New(st, gw, testOrch())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, "build a parser"))
	require.NoError(t, c.Resume(ctx, "also add a formatter"))

	sess, err := st.GetSession("sess-1")
	require.NoError(t, err)
	require.Equal(t, store.SessionCompleted, sess.Status)
	require.Contains(t, sess.OriginalScope, `"c2"`)

	groups, err := st.ListGroups(nil)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	for _, g := range groups {
		require.Equal(t, store.GroupCompleted, g.Status)
	}
}

func TestStatusSummary(t *testing.T) {
	st := newSessionStore(t)
	require.NoError(t, st.CreateSession(&store.Session{
		ID:     "sess-1",
		Spec:   "build a parser",
		Status: store.SessionActive,
	}))
	require.NoError(t, st.UpsertGroup(&store.TaskGroup{ID: "g1", Title: "one", Status: store.GroupCompleted, MergeStatus: store.MergeMerged}))
	require.NoError(t, st.UpsertGroup(&store.TaskGroup{ID: "g2", Title: "two", Status: store.GroupHeld}))

	summary, err := Status(st)
	require.NoError(t, err)
	require.Equal(t, store.SessionActive, summary.Status)
	require.Equal(t, 1, summary.GroupCounts[store.GroupCompleted])
	require.Equal(t, 1, summary.Merged)
	require.Equal(t, []string{"g2"}, summary.Held)

	rendered := summary.Render()
	require.Contains(t, rendered, "sess-1")
	require.Contains(t, rendered, "held: g2")
}
