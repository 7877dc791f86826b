// Package session owns the lifecycle of one orchestration run: intake and
// planning, phased execution, completion validation, and resume. The
// coordinator is the only component that marks a session complete, and it
// never does so while a required success criterion is unmet.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"conductor/pkg/config"
	"conductor/pkg/contextdist"
	"conductor/pkg/escalation"
	"conductor/pkg/eventlog"
	"conductor/pkg/executor"
	"conductor/pkg/gateway"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/proto"
	"conductor/pkg/store"
	"conductor/pkg/validator"
)

// maxRemediationRounds bounds the validate-reject-remediate loop. A session
// that still fails validation after this many remediation rounds is halted
// for human review instead of spinning.
const maxRemediationRounds = 5

var (
	ErrNoOriginalScope  = errors.New("session has no original scope recorded, refusing to resume")
	ErrPlanningFailed   = errors.New("planning failed")
	ErrSessionNotActive = errors.New("session is not active")
)

// Coordinator drives one session end to end.
type Coordinator struct {
	st     *store.Store
	gw     gateway.Gateway
	dist   *contextdist.Distributor
	val    *validator.Validator
	rec    metrics.Recorder
	exec   *executor.Executor
	events *eventlog.Writer
	logger *logx.Logger
	orch   config.Orchestration
}

// Option configures optional coordinator collaborators.
type Option func(*Coordinator)

// WithRecorder sets the metrics recorder.
func WithRecorder(rec metrics.Recorder) Option {
	return func(c *Coordinator) { c.rec = rec }
}

// WithEventWriter sets the JSONL result log shared with the executor.
func WithEventWriter(w *eventlog.Writer) Option {
	return func(c *Coordinator) { c.events = w }
}

// New wires a coordinator and its executor for the store's session. Token
// counting degrades to estimation when the tokenizer cannot load.
func New(st *store.Store, gw gateway.Gateway, orch config.Orchestration, opts ...Option) *Coordinator {
	logger := logx.NewLogger("session")

	counter, err := contextdist.NewTokenCounter()
	if err != nil {
		logger.Warn("tokenizer unavailable, falling back to estimation: %v", err)
		counter = nil
	}

	c := &Coordinator{
		st:     st,
		gw:     gw,
		dist:   contextdist.NewDistributor(st, counter, orch.ContextTokenBudget),
		val:    validator.New(),
		rec:    metrics.NopRecorder{},
		logger: logger,
		orch:   orch,
	}
	for _, opt := range opts {
		opt(c)
	}

	tracker := escalation.NewTracker(orch.EscalationThreshold, orch.ReviewIterationCap)
	execOpts := []executor.Option{
		executor.WithRecorder(c.rec),
		executor.WithMerger(&postMergeVerifier{gw: gw, retries: orch.TransientRetries, logger: logger}),
	}
	if c.events != nil {
		execOpts = append(execOpts, executor.WithEventWriter(c.events))
	}
	c.exec = executor.New(st, gw, c.dist, tracker, executor.Config{
		MaxParallel:      orch.MaxParallel,
		TransientRetries: orch.TransientRetries,
		InvestigationCap: orch.InvestigationCap,
	}, execOpts...)

	return c
}

// Start creates the session, asks the planner to break the requirements
// into task groups and success criteria, and records the original scope.
// The scope captured here is what completion is validated against, no
// matter how the work is restated later.
func (c *Coordinator) Start(ctx context.Context, requirements string) error {
	sess := &store.Session{
		ID:     c.st.SessionID(),
		Spec:   requirements,
		Status: store.SessionActive,
	}
	if err := c.st.CreateSession(sess); err != nil {
		return err
	}
	c.journal("", store.EventSessionStarted, "")
	c.logger.Info("session %s started", sess.ID)

	result, err := c.invokePlanner(ctx,
		"break the requirements into task groups with phases, and declare machine-checkable success criteria",
		requirements)
	if err != nil {
		c.fail(store.SessionFailed)
		return fmt.Errorf("%w: %v", ErrPlanningFailed, err)
	}
	if result.Status != proto.StatusPlanReady {
		c.fail(store.SessionFailed)
		return fmt.Errorf("%w: planner reported %s", ErrPlanningFailed, statusOrRaw(result))
	}
	if len(result.Payload.Groups) == 0 {
		c.fail(store.SessionFailed)
		return fmt.Errorf("%w: plan contains no task groups", ErrPlanningFailed)
	}
	if len(result.Payload.Criteria) == 0 {
		c.fail(store.SessionFailed)
		return fmt.Errorf("%w: plan declares no success criteria", ErrPlanningFailed)
	}

	scope, err := json.Marshal(result.Payload.Criteria)
	if err != nil {
		return fmt.Errorf("failed to encode success criteria: %w", err)
	}
	if err := c.st.SetOriginalScope(sess.ID, string(scope)); err != nil {
		return err
	}

	if err := c.createGroups(result.Payload.Groups); err != nil {
		return err
	}
	c.journal("", store.EventPlanAccepted,
		fmt.Sprintf("%d group(s), %d criteria", len(result.Payload.Groups), len(result.Payload.Criteria)))
	return nil
}

// Execute runs all phases and validates completion, looping rejected
// criteria back as remediation groups. The session reaches completed only
// on a validator accept.
func (c *Coordinator) Execute(ctx context.Context) error {
	id := c.st.SessionID()

	for round := 1; ; round++ {
		if err := c.exec.Run(ctx); err != nil {
			if errors.Is(err, executor.ErrGroupsHeldOrFailed) {
				c.fail(store.SessionHalted)
			}
			return err
		}

		if err := c.st.UpdateSessionStatus(id, store.SessionValidating); err != nil {
			return err
		}
		verdict, err := c.validateCompletion(ctx)
		if err != nil {
			// Never leave the session parked in validating; a failed
			// validation attempt needs human attention.
			c.fail(store.SessionHalted)
			return err
		}
		c.rec.IncValidation(verdict.Accepted)

		if verdict.Accepted {
			if err := c.st.UpdateSessionStatus(id, store.SessionCompleted); err != nil {
				return err
			}
			c.journal("", store.EventValidation, fmt.Sprintf("round %d: accepted", round))
			c.journal("", store.EventSessionFinished, "")
			c.logger.Info("session %s completed", id)
			return nil
		}

		detail, _ := json.Marshal(verdict.Rejections)
		c.journal("", store.EventValidation, fmt.Sprintf("round %d: %s", round, detail))
		c.logger.Warn("session %s: completion rejected, %d criteria unmet", id, len(verdict.Rejections))

		if round >= maxRemediationRounds {
			c.fail(store.SessionHalted)
			return fmt.Errorf("completion still rejected after %d remediation rounds", round)
		}
		if err := c.createRemediationGroups(verdict.Rejections); err != nil {
			return err
		}
		if err := c.st.UpdateSessionStatus(id, store.SessionActive); err != nil {
			return err
		}
	}
}

// Resume picks a session back up. The original scope must be present; a
// session whose scope cannot be re-derived is refused rather than resumed
// against a possibly narrowed restatement. A non-empty addendum widens the
// scope: the delta is planned into new task groups in a fresh phase.
func (c *Coordinator) Resume(ctx context.Context, addendum string) error {
	id := c.st.SessionID()
	sess, err := c.st.GetSession(id)
	if err != nil {
		return err
	}
	if sess.OriginalScope == "" {
		return ErrNoOriginalScope
	}
	if sess.Status == store.SessionCompleted && addendum == "" {
		return fmt.Errorf("%w: session %s already completed", ErrSessionNotActive, id)
	}

	c.journal("", store.EventSessionResumed, fmt.Sprintf("from status %s, addendum %d bytes", sess.Status, len(addendum)))
	c.logger.Info("session %s resumed", id)

	if addendum != "" {
		if err := c.planDelta(ctx, sess, addendum); err != nil {
			return err
		}
	}
	if err := c.st.UpdateSessionStatus(id, store.SessionActive); err != nil {
		return err
	}
	return c.Execute(ctx)
}

// planDelta plans additional groups covering scope added after session
// start. New criteria are appended to the original scope; widening is the
// only scope change ever allowed.
func (c *Coordinator) planDelta(ctx context.Context, sess *store.Session, addendum string) error {
	result, err := c.invokePlanner(ctx,
		"plan task groups covering only the added requirements; declare success criteria for the additions",
		sess.Spec+"\n\n--- Added requirements ---\n"+addendum)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPlanningFailed, err)
	}
	if result.Status != proto.StatusPlanReady || len(result.Payload.Groups) == 0 {
		return fmt.Errorf("%w: no delta plan produced", ErrPlanningFailed)
	}

	maxPhase, err := c.maxPhase()
	if err != nil {
		return err
	}
	for i := range result.Payload.Groups {
		result.Payload.Groups[i].Phase = maxPhase + 1
	}
	if err := c.createGroups(result.Payload.Groups); err != nil {
		return err
	}

	if len(result.Payload.Criteria) > 0 {
		var scope []proto.SuccessCriterion
		if err := json.Unmarshal([]byte(sess.OriginalScope), &scope); err != nil {
			return fmt.Errorf("failed to decode original scope: %w", err)
		}
		scope = append(scope, result.Payload.Criteria...)
		widened, err := json.Marshal(scope)
		if err != nil {
			return fmt.Errorf("failed to encode widened scope: %w", err)
		}
		if err := c.st.WidenOriginalScope(sess.ID, string(widened)); err != nil {
			return err
		}
	}
	c.journal("", store.EventPlanAccepted, fmt.Sprintf("delta: %d group(s)", len(result.Payload.Groups)))
	return nil
}

// validateCompletion asks the planner for a completion report with evidence
// per criterion, then checks it against the scope captured at start.
func (c *Coordinator) validateCompletion(ctx context.Context) (validator.Verdict, error) {
	sess, err := c.st.GetSession(c.st.SessionID())
	if err != nil {
		return validator.Verdict{}, err
	}
	var original []proto.SuccessCriterion
	if err := json.Unmarshal([]byte(sess.OriginalScope), &original); err != nil {
		return validator.Verdict{}, fmt.Errorf("failed to decode original scope: %w", err)
	}

	report, err := c.invokePlanner(ctx,
		"report completion evidence for every success criterion; cite measured results, not estimates",
		sess.OriginalScope)
	if err != nil {
		return validator.Verdict{}, fmt.Errorf("completion report failed: %w", err)
	}

	return c.val.Validate(original, report.Payload.Criteria), nil
}

// createRemediationGroups converts each rejected criterion back into a task
// group in a fresh phase.
func (c *Coordinator) createRemediationGroups(rejections []validator.Rejection) error {
	maxPhase, err := c.maxPhase()
	if err != nil {
		return err
	}
	for _, rej := range rejections {
		g := &store.TaskGroup{
			ID:        store.NewID(),
			SessionID: c.st.SessionID(),
			Title:     "Remediate criterion " + rej.CriterionID,
			Details:   rej.Reason,
			Phase:     maxPhase + 1,
		}
		if err := c.st.UpsertGroup(g); err != nil {
			return err
		}
		c.logger.Info("created remediation group %s for criterion %s", g.ID, rej.CriterionID)
	}
	return nil
}

func (c *Coordinator) createGroups(planned []proto.PlannedGroup) error {
	for i := range planned {
		pg := &planned[i]
		phase := pg.Phase
		if phase < 1 {
			phase = 1
		}
		g := &store.TaskGroup{
			ID:        store.NewID(),
			SessionID: c.st.SessionID(),
			Title:     pg.Title,
			Details:   pg.Details,
			Phase:     phase,
			Workspace: pg.Workspace,
		}
		if err := c.st.UpsertGroup(g); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) maxPhase() (int, error) {
	groups, err := c.st.ListGroups(nil)
	if err != nil {
		return 0, err
	}
	maxPhase := 0
	for _, g := range groups {
		if g.Phase > maxPhase {
			maxPhase = g.Phase
		}
	}
	return maxPhase, nil
}

// invokePlanner runs a session-level planner call with the usual one-retry
// policy for transient failures and malformed replies.
func (c *Coordinator) invokePlanner(ctx context.Context, instructions, contextText string) (*proto.WorkerResult, error) {
	task := &gateway.Task{
		GroupID:      c.st.SessionID(),
		Role:         proto.RolePlanner,
		Tier:         proto.TierBase,
		Instructions: instructions,
		Context:      contextText,
	}
	result, err := invokeWithRetry(ctx, c.gw, task, c.orch.TransientRetries)
	if err != nil {
		return nil, err
	}
	c.rec.ObserveInvocation(proto.RolePlanner, proto.TierBase, string(result.Status), result.Duration)
	if c.events != nil {
		if werr := c.events.WriteResult(result); werr != nil {
			c.logger.Warn("failed to log planner result: %v", werr)
		}
	}
	return result, nil
}

// invokeWithRetry dispatches one worker call, re-invoking once on a
// transient error or an unparseable reply.
func invokeWithRetry(ctx context.Context, gw gateway.Gateway, task *gateway.Task, retries int) (*proto.WorkerResult, error) {
	attempts := retries + 1
	var result *proto.WorkerResult
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = gw.Invoke(ctx, task)
		if err != nil {
			if gateway.IsRetryable(err) && attempt < attempts {
				continue
			}
			return nil, err
		}
		if !result.Valid() && result.RawStatus != "" && attempt < attempts {
			continue
		}
		break
	}
	return result, err
}

func (c *Coordinator) fail(status string) {
	if err := c.st.UpdateSessionStatus(c.st.SessionID(), status); err != nil {
		c.logger.Error("failed to mark session %s: %v", status, err)
	}
}

// journal appends a lifecycle event. The idempotency key derives from the
// event's identity so a replay after crash-resume dedups instead of
// double-recording; lifecycle payloads carry enough context (round
// numbers, plan sizes) to keep distinct events distinct.
func (c *Coordinator) journal(groupID, kind, payload string) {
	h := fnv.New64a()
	h.Write([]byte(payload))
	_, err := c.st.AppendEvent(&store.Event{
		SessionID:      c.st.SessionID(),
		GroupID:        groupID,
		IdempotencyKey: fmt.Sprintf("%s-%s-%016x", kind, c.st.SessionID(), h.Sum64()),
		Kind:           kind,
		Payload:        payload,
	})
	if err != nil {
		c.logger.Warn("failed to journal %s: %v", kind, err)
	}
}

func statusOrRaw(result *proto.WorkerResult) string {
	if result.Status != "" {
		return string(result.Status)
	}
	return fmt.Sprintf("unparseable status %q", result.RawStatus)
}

// postMergeVerifier re-runs verification on the freshly integrated result
// before the next merge may begin. A failed re-run reverts the merge.
type postMergeVerifier struct {
	gw      gateway.Gateway
	logger  *logx.Logger
	retries int
}

func (m *postMergeVerifier) Merge(ctx context.Context, g *store.TaskGroup) error {
	task := &gateway.Task{
		GroupID:      g.ID,
		Role:         proto.RoleVerifier,
		Tier:         g.Tier,
		Instructions: "re-run the full verification suite against the integrated result",
	}
	result, err := invokeWithRetry(ctx, m.gw, task, m.retries)
	if err != nil {
		return fmt.Errorf("post-merge verification invocation: %w", err)
	}
	switch result.Status {
	case proto.StatusPass:
		return nil
	case proto.StatusFail:
		return fmt.Errorf("%w: %s", executor.ErrVerificationFailed, result.Payload.Notes)
	default:
		return fmt.Errorf("%w: verifier reported %s", executor.ErrVerificationFailed, statusOrRaw(result))
	}
}
