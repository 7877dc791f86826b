// Package executor schedules task groups through the worker pipeline. One
// scheduling goroutine owns all dispatch decisions; each in-flight group is
// driven by exactly one worker goroutine at a time, so group state never
// sees two concurrent writers. The in-flight count never exceeds the
// configured cap; excess ready groups wait in a FIFO deferred queue.
package executor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"conductor/pkg/contextdist"
	"conductor/pkg/escalation"
	"conductor/pkg/eventlog"
	"conductor/pkg/gateway"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/proto"
	"conductor/pkg/store"
)

// Merge outcome sentinels. The merger reports conflicts and post-merge
// verification failures through these so the scheduler can revert the
// group instead of aborting the run.
var (
	ErrMergeConflict       = errors.New("merge conflict")
	ErrVerificationFailed  = errors.New("post-merge verification failed")
	ErrGroupsHeldOrFailed  = errors.New("groups held or failed")
	ErrInvestigationNeeded = errors.New("investigation requires hypotheses")
)

// Merger integrates a finished group into the shared target. Calls are
// serialized by the scheduler: one merge completes, including its
// verification re-run, before the next begins.
type Merger interface {
	Merge(ctx context.Context, g *store.TaskGroup) error
}

// NopMerger accepts every merge. Used when no integration target exists.
type NopMerger struct{}

func (NopMerger) Merge(context.Context, *store.TaskGroup) error { return nil }

// Config holds the executor tunables.
type Config struct {
	MaxParallel      int
	TransientRetries int
	InvestigationCap int
}

// Executor drives all task groups of a session to a terminal state.
type Executor struct {
	store   *store.Store
	gw      gateway.Gateway
	dist    *contextdist.Distributor
	tracker *escalation.Tracker
	rec     metrics.Recorder
	merger  Merger
	events  *eventlog.Writer
	logger  *logx.Logger
	cfg     Config
}

// New creates an executor. The event writer may be nil; the recorder and
// merger fall back to no-ops when nil.
func New(st *store.Store, gw gateway.Gateway, dist *contextdist.Distributor, tracker *escalation.Tracker, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		store:   st,
		gw:      gw,
		dist:    dist,
		tracker: tracker,
		rec:     metrics.NopRecorder{},
		merger:  NopMerger{},
		logger:  logx.NewLogger("executor"),
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Option configures optional executor collaborators.
type Option func(*Executor)

// WithRecorder sets the metrics recorder.
func WithRecorder(rec metrics.Recorder) Option {
	return func(e *Executor) { e.rec = rec }
}

// WithMerger sets the merge integration hook.
func WithMerger(m Merger) Option {
	return func(e *Executor) { e.merger = m }
}

// WithEventWriter sets the JSONL result log.
func WithEventWriter(w *eventlog.Writer) Option {
	return func(e *Executor) { e.events = w }
}

// groupOutcome is what a group goroutine hands back to the scheduler.
type groupOutcome struct {
	group  *store.TaskGroup
	kind   outcomeKind
	reason string
}

type outcomeKind int

const (
	outcomeMergeReady outcomeKind = iota
	outcomeHeld
	outcomeFailed
)

// Run drives every phase of the session to completion. It returns
// ErrGroupsHeldOrFailed (wrapped, with the group IDs) when a phase cannot
// complete because groups ended up held for human arbitration or failed.
func (e *Executor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		groups, err := e.store.ListGroups(nil)
		if err != nil {
			return fmt.Errorf("failed to list groups: %w", err)
		}

		phase, runnable := nextPhase(groups)
		if len(runnable) == 0 {
			return nil
		}
		e.logger.Info("starting phase %d with %d group(s)", phase, len(runnable))
		if err := e.runPhase(ctx, runnable); err != nil {
			return err
		}
	}
}

// nextPhase returns the lowest phase that still has runnable groups, with
// those groups in store order (first-ready-first-served).
func nextPhase(groups []*store.TaskGroup) (int, []*store.TaskGroup) {
	phase := 0
	found := false
	for _, g := range groups {
		if !runnable(g) {
			continue
		}
		if !found || g.Phase < phase {
			phase = g.Phase
			found = true
		}
	}
	if !found {
		return 0, nil
	}
	var out []*store.TaskGroup
	for _, g := range groups {
		if runnable(g) && g.Phase == phase {
			out = append(out, g)
		}
	}
	return phase, out
}

func runnable(g *store.TaskGroup) bool {
	switch g.Status {
	case store.GroupPending, store.GroupDeferred, store.GroupInProgress:
		return true
	}
	return false
}

// runPhase schedules one phase: dispatch up to the cap, defer the rest,
// and after every merge rescan the queue unconditionally.
func (e *Executor) runPhase(ctx context.Context, groups []*store.TaskGroup) error {
	// Buffered to the phase size so group goroutines can always deliver
	// their outcome, even when a store error aborts the receive loop early.
	outcomes := make(chan *groupOutcome, len(groups))
	waiting := make([]*store.TaskGroup, len(groups))
	copy(waiting, groups)
	inFlight := 0

	dispatch := func() error {
		for inFlight < e.cfg.MaxParallel && len(waiting) > 0 {
			g := waiting[0]
			waiting = waiting[1:]
			if err := e.setStatus(g, store.GroupInProgress); err != nil {
				return err
			}
			inFlight++
			e.rec.SetInFlight(inFlight)
			go func(g *store.TaskGroup) {
				outcomes <- e.runGroup(ctx, g)
			}(g)
		}
		for _, g := range waiting {
			if g.Status != store.GroupDeferred {
				if err := e.setStatus(g, store.GroupDeferred); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := dispatch(); err != nil {
		return err
	}

	var held, failed []string
	for inFlight > 0 {
		out := <-outcomes
		inFlight--
		e.rec.SetInFlight(inFlight)

		g := out.group
		switch out.kind {
		case outcomeMergeReady:
			retry, err := e.merge(ctx, g)
			if err != nil {
				return err
			}
			if retry {
				waiting = append(waiting, g)
			}
		case outcomeHeld:
			if err := e.setStatus(g, store.GroupHeld); err != nil {
				return err
			}
			e.journal(g, store.EventGroupHeld, out.reason)
			e.logger.Warn("group %s held: %s", g.ID, out.reason)
			held = append(held, g.ID)
		case outcomeFailed:
			if err := e.setStatus(g, store.GroupFailed); err != nil {
				return err
			}
			e.logger.Error("group %s failed: %s", g.ID, out.reason)
			failed = append(failed, g.ID)
		}

		// Rescan after every outcome. A merge may have freed capacity or
		// re-queued a conflicted group; never wait for an external nudge.
		if err := dispatch(); err != nil {
			return err
		}
	}

	if len(held)+len(failed) > 0 {
		return fmt.Errorf("%w: held %v, failed %v", ErrGroupsHeldOrFailed, held, failed)
	}
	return nil
}

// merge integrates one group. Conflicts and failed verification re-runs
// revert the group to in-progress with the failure context attached, and
// count as a non-progress review iteration. Returns true when the group
// should re-enter the queue.
func (e *Executor) merge(ctx context.Context, g *store.TaskGroup) (bool, error) {
	err := e.merger.Merge(ctx, g)
	switch {
	case err == nil:
		if uerr := e.store.UpdateMergeStatus(g.ID, store.MergeMerged); uerr != nil {
			return false, uerr
		}
		g.MergeStatus = store.MergeMerged
		if uerr := e.setStatus(g, store.GroupCompleted); uerr != nil {
			return false, uerr
		}
		e.rec.IncMerge("merged")
		e.journal(g, store.EventMerge, "merged")
		e.journal(g, store.EventGroupCompleted, "")
		e.logger.Info("group %s merged and completed", g.ID)
		return false, nil

	case errors.Is(err, ErrMergeConflict), errors.Is(err, ErrVerificationFailed):
		if errors.Is(err, ErrMergeConflict) {
			if uerr := e.store.UpdateMergeStatus(g.ID, store.MergeConflict); uerr != nil {
				return false, uerr
			}
			g.MergeStatus = store.MergeConflict
		}
		e.rec.IncMerge("conflict")
		e.journal(g, store.EventMerge, err.Error())

		// A failed integration is a review pass that made no progress.
		g.NoProgressCount++
		e.tracker.AdvanceIteration(g)
		if uerr := e.store.UpsertGroup(g); uerr != nil {
			return false, uerr
		}
		pkg := &store.ContextPackage{
			GroupID:       g.ID,
			OriginRole:    proto.RoleVerifier,
			ConsumerRoles: []proto.Role{proto.RoleImplementer},
			Content:       "Integration failed, rework required: " + err.Error(),
		}
		if uerr := e.store.AddContextPackage(pkg); uerr != nil {
			return false, uerr
		}
		e.logger.Warn("group %s integration failed, re-queueing: %v", g.ID, err)
		return true, nil

	default:
		return false, fmt.Errorf("merge of group %s: %w", g.ID, err)
	}
}

func (e *Executor) setStatus(g *store.TaskGroup, status string) error {
	if err := e.store.UpdateGroupStatus(g.ID, status); err != nil {
		return fmt.Errorf("failed to update group %s status: %w", g.ID, err)
	}
	g.Status = status
	return nil
}

// journal appends a scheduling event. Journal write failures are logged,
// not fatal: the journal is history, the group tables are truth.
func (e *Executor) journal(g *store.TaskGroup, kind, payload string) {
	_, err := e.store.AppendEvent(&store.Event{
		SessionID:      e.store.SessionID(),
		GroupID:        g.ID,
		IdempotencyKey: journalKey(kind, g, payload),
		Kind:           kind,
		Payload:        payload,
	})
	if err != nil {
		e.logger.Warn("failed to journal %s for group %s: %v", kind, g.ID, err)
	}
}

// journalKey derives the idempotency key from the event's identity: the
// same logical event replayed after a crash-resume produces the same key
// and dedups, while distinct events at the same pipeline position differ
// in payload and keep distinct keys.
func journalKey(kind string, g *store.TaskGroup, payload string) string {
	h := fnv.New64a()
	h.Write([]byte(payload))
	return strings.Join([]string{
		kind, g.ID, string(g.Tier),
		fmt.Sprint(g.ReviewIteration), fmt.Sprint(g.InvestigationIterations),
		fmt.Sprintf("%016x", h.Sum64()),
	}, "-")
}
