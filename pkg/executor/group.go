package executor

import (
	"context"
	"fmt"
	"strings"

	"conductor/pkg/gateway"
	"conductor/pkg/investigate"
	"conductor/pkg/proto"
	"conductor/pkg/router"
	"conductor/pkg/store"
)

// runGroup drives one task group through sequential worker invocations
// until the router produces an outcome the scheduler must handle. The
// group struct is owned by this goroutine for the duration; nothing else
// mutates it.
func (e *Executor) runGroup(ctx context.Context, g *store.TaskGroup) *groupOutcome {
	role := proto.RoleImplementer
	reason := "begin implementation"

	for {
		if err := ctx.Err(); err != nil {
			return &groupOutcome{group: g, kind: outcomeFailed, reason: err.Error()}
		}

		result, err := e.invoke(ctx, g, role, reason)
		if err != nil {
			// Retries are exhausted; only a human can unstick this.
			return &groupOutcome{group: g, kind: outcomeHeld, reason: fmt.Sprintf("invocation of %s failed: %v", role, err)}
		}

		st := &router.State{Group: g}
		if result.Role == proto.RoleReviewer && result.Valid() {
			e.recordReviewPass(g, result)
			st.EscalateDue, st.EscalateReason = e.tracker.ShouldEscalate(g)
		}
		closed, err := e.store.ClosedIssueIDs()
		if err != nil {
			return &groupOutcome{group: g, kind: outcomeFailed, reason: fmt.Sprintf("failed to load closed issues: %v", err)}
		}
		st.ClosedIssues = closed

		action := router.Route(result, st)
		e.journal(g, store.EventRouting, fmt.Sprintf("%s/%s -> %s: %s", result.Role, result.Status, action, action.Reason))
		e.logger.Debug("group %s: %s/%s -> %s", g.ID, result.Role, result.Status, action)

		switch action.Kind {
		case proto.ActionInvoke:
			if result.Role == proto.RoleReviewer && action.NextRole == proto.RoleImplementer {
				e.tracker.AdvanceIteration(g)
			}
			if err := e.store.UpsertGroup(g); err != nil {
				return &groupOutcome{group: g, kind: outcomeFailed, reason: err.Error()}
			}
			role, reason = action.NextRole, action.Reason

		case proto.ActionMerge:
			if err := e.store.UpsertGroup(g); err != nil {
				return &groupOutcome{group: g, kind: outcomeFailed, reason: err.Error()}
			}
			return &groupOutcome{group: g, kind: outcomeMergeReady, reason: action.Reason}

		case proto.ActionHold:
			return &groupOutcome{group: g, kind: outcomeHeld, reason: action.Reason}

		case proto.ActionEscalate:
			tier, ok := e.tracker.Escalate(g)
			if !ok {
				return &groupOutcome{group: g, kind: outcomeFailed, reason: "repeated failure at top tier: " + action.Reason}
			}
			e.rec.IncEscalation(action.NextRole, tier)
			e.journal(g, store.EventEscalation, action.Reason)
			if err := e.store.UpsertGroup(g); err != nil {
				return &groupOutcome{group: g, kind: outcomeFailed, reason: err.Error()}
			}
			role, reason = action.NextRole, "escalated: "+action.Reason

		case proto.ActionEnterInvestigation:
			state, rootCause, ierr := e.runInvestigation(ctx, g, result, action.Reason)
			if ierr != nil {
				return &groupOutcome{group: g, kind: outcomeHeld, reason: fmt.Sprintf("investigation aborted: %v", ierr)}
			}
			switch state {
			case investigate.StateConcluded:
				role, reason = proto.RoleImplementer, "root cause identified: "+rootCause
			case investigate.StateIncomplete:
				// Partial findings go back to the reviewer for an
				// explicit go/no-go call, never silently dropped.
				role, reason = proto.RoleReviewer, "investigation incomplete, decide whether to accept a partial fix, continue, or escalate"
			default:
				return &groupOutcome{group: g, kind: outcomeHeld, reason: "investigation blocked on external input"}
			}

		default:
			return &groupOutcome{group: g, kind: outcomeHeld, reason: fmt.Sprintf("unhandled action %s", action.Kind)}
		}
	}
}

// recordReviewPass applies a reviewer result to the group's counters:
// accepted rejections close their issues permanently, then the live
// blocking count feeds the no-progress tracker.
func (e *Executor) recordReviewPass(g *store.TaskGroup, result *proto.WorkerResult) {
	for _, id := range result.Payload.AcceptedRejections {
		if err := e.store.CloseIssue(id, g.ID, "rejection accepted by reviewer"); err != nil {
			e.logger.Warn("failed to close issue %s: %v", id, err)
		}
	}
	closed, err := e.store.ClosedIssueIDs()
	if err != nil {
		e.logger.Warn("failed to load closed issues: %v", err)
		closed = map[string]bool{}
	}
	live := 0
	for i := range result.Payload.Issues {
		issue := &result.Payload.Issues[i]
		if issue.Blocking() && !closed[issue.ID] {
			live++
		}
	}
	e.tracker.Observe(g, live)
}

// invoke dispatches one worker call with the group's context bundle.
// Transient failures and malformed replies get one re-invocation at the
// same role and tier; the second failure surfaces to the caller.
func (e *Executor) invoke(ctx context.Context, g *store.TaskGroup, role proto.Role, reason string) (*proto.WorkerResult, error) {
	bundle, err := e.dist.BundleFor(g, role)
	if err != nil {
		return nil, err
	}
	task := &gateway.Task{
		GroupID:      g.ID,
		Role:         role,
		Tier:         g.Tier,
		Workspace:    g.Workspace,
		Instructions: reason,
		Context:      bundle.Text,
	}

	attempts := e.cfg.TransientRetries + 1
	var result *proto.WorkerResult
	for attempt := 1; attempt <= attempts; attempt++ {
		e.journal(g, store.EventInvocation, fmt.Sprintf("%s attempt %d: %s", role, attempt, reason))
		result, err = e.gw.Invoke(ctx, task)
		if err != nil {
			if gateway.IsRetryable(err) && attempt < attempts {
				e.logger.Warn("group %s: transient %s failure, retrying: %v", g.ID, role, err)
				continue
			}
			return nil, err
		}
		if !result.Valid() && result.RawStatus != "" && attempt < attempts {
			e.logger.Warn("group %s: malformed %s reply %q, retrying", g.ID, role, result.RawStatus)
			continue
		}
		break
	}

	e.rec.ObserveInvocation(role, g.Tier, statusLabel(result), result.Duration)
	if e.events != nil {
		if werr := e.events.WriteResult(result); werr != nil {
			e.logger.Warn("failed to log result: %v", werr)
		}
	}
	if data, jerr := result.ToJSON(); jerr == nil {
		e.journal(g, store.EventResult, string(data))
	}
	if err := e.dist.MarkConsumed(bundle); err != nil {
		return nil, err
	}
	if err := e.dist.RecordResult(result); err != nil {
		return nil, err
	}
	return result, nil
}

func statusLabel(result *proto.WorkerResult) string {
	if result.Status != "" {
		return string(result.Status)
	}
	return "unparseable"
}

// runInvestigation runs the bounded hypothesis loop for a group. The
// hypotheses come from the triggering result; a reviewer is asked to seed
// them when the trigger carried none. Each iteration asks the implementer
// for an instrumentation-only diagnostic round and reads the iteration
// verdict from the reply.
func (e *Executor) runInvestigation(ctx context.Context, g *store.TaskGroup, trigger *proto.WorkerResult, reason string) (investigate.State, string, error) {
	hypotheses := trigger.Payload.Hypotheses
	if len(hypotheses) == 0 {
		seed, err := e.invoke(ctx, g, proto.RoleReviewer, "enumerate ranked hypotheses for: "+reason)
		if err != nil {
			return investigate.StateBlocked, "", err
		}
		hypotheses = seed.Payload.Hypotheses
	}

	inv, err := investigate.New(g.ID, hypotheses, e.cfg.InvestigationCap)
	if err != nil {
		return investigate.StateBlocked, "", fmt.Errorf("%w: %v", ErrInvestigationNeeded, err)
	}

	for inv.State() == investigate.StateTesting {
		hyp := inv.Current()
		result, err := e.invoke(ctx, g, proto.RoleImplementer,
			"run diagnostics only (instrumentation, no fixes) to test hypothesis: "+hyp.Description)
		if err != nil {
			return investigate.StateBlocked, "", err
		}
		outcome, detail := iterationOutcome(result)
		if rerr := inv.RecordOutcome(outcome, detail); rerr != nil {
			return investigate.StateBlocked, "", rerr
		}
		g.InvestigationIterations = inv.Iterations()
		if uerr := e.store.UpsertGroup(g); uerr != nil {
			return investigate.StateBlocked, "", uerr
		}
	}

	e.journal(g, store.EventInvestigation, inv.Summary())
	e.rec.IncInvestigation(string(inv.State()))
	pkg := &store.ContextPackage{
		GroupID:       g.ID,
		OriginRole:    proto.RoleReviewer,
		ConsumerRoles: []proto.Role{proto.RoleImplementer, proto.RoleReviewer},
		Content:       inv.Summary(),
	}
	if err := e.store.AddContextPackage(pkg); err != nil {
		return inv.State(), inv.RootCause(), err
	}
	return inv.State(), inv.RootCause(), nil
}

// iterationOutcome extracts the per-iteration verdict from a diagnostic
// reply. Workers report it on an "outcome:" line in the notes; a reply
// without one keeps the current hypothesis under analysis.
func iterationOutcome(result *proto.WorkerResult) (investigate.Outcome, string) {
	if result.Status == proto.StatusBlocked {
		return investigate.OutcomeBlocked, result.Payload.Notes
	}
	for _, line := range strings.Split(result.Payload.Notes, "\n") {
		rest, found := strings.CutPrefix(strings.TrimSpace(line), "outcome:")
		if !found {
			continue
		}
		if outcome, err := investigate.ParseOutcome(rest); err == nil {
			detail := result.Payload.DiagnosticOutput
			if detail == "" {
				detail = result.Payload.Notes
			}
			return outcome, detail
		}
	}
	return investigate.OutcomeNeedMoreAnalysis, result.Payload.Notes
}
