// Package escalation tracks per-group review progress and decides when a
// task group moves up the capability tier ladder. Progress is measured on
// one signal only: the blocking issue count must strictly decrease between
// review iterations.
package escalation

import (
	"fmt"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/store"
)

// Tracker applies the no-progress rules to task group counters. It mutates
// only the counter fields of the group; persisting is the caller's job.
type Tracker struct {
	logger *logx.Logger
	// threshold is the consecutive no-progress iterations that trigger
	// escalation.
	threshold int
	// iterationCap forces escalation once a group has consumed this many
	// review iterations at one tier, progress or not.
	iterationCap int
}

// NewTracker creates a tracker with the given threshold and iteration cap.
func NewTracker(threshold, iterationCap int) *Tracker {
	return &Tracker{
		logger:       logx.NewLogger("escalation"),
		threshold:    threshold,
		iterationCap: iterationCap,
	}
}

// Observe records the blocking issue count from a completed review
// iteration. The first iteration at a tier only establishes the baseline;
// after that, the counter resets on any strict decrease (or on reaching
// zero) and increments otherwise.
func (t *Tracker) Observe(g *store.TaskGroup, blockingCount int) {
	if g.TierIteration > 1 {
		if blockingCount == 0 || blockingCount < g.BlockingIssueCount {
			g.NoProgressCount = 0
		} else {
			g.NoProgressCount++
		}
	}
	t.logger.Debug("group %s iteration %d: blocking %d -> %d, no-progress %d",
		g.ID, g.ReviewIteration, g.BlockingIssueCount, blockingCount, g.NoProgressCount)
	g.BlockingIssueCount = blockingCount
}

// AdvanceIteration moves the group to its next review iteration. The
// lifetime counter and the per-tier counter advance together; only the
// latter ever resets.
func (t *Tracker) AdvanceIteration(g *store.TaskGroup) {
	g.ReviewIteration++
	g.TierIteration++
}

// ShouldEscalate reports whether the group's counters warrant a tier bump,
// with a human-readable reason.
func (t *Tracker) ShouldEscalate(g *store.TaskGroup) (bool, string) {
	if g.NoProgressCount >= t.threshold {
		return true, fmt.Sprintf("%d consecutive review iterations without progress", g.NoProgressCount)
	}
	if g.TierIteration >= t.iterationCap {
		return true, fmt.Sprintf("review iteration cap (%d) reached at %s tier", t.iterationCap, g.Tier)
	}
	return false, ""
}

// Escalate bumps the group one tier and resets its per-tier counters. The
// tier order is monotonic: a group never moves back down. Returns false
// when the group is already at the top tier, which means the group goes to
// human arbitration instead.
func (t *Tracker) Escalate(g *store.TaskGroup) (proto.Tier, bool) {
	next, ok := g.Tier.Next()
	if !ok {
		t.logger.Info("group %s already at %s tier, handing to human arbitration", g.ID, g.Tier)
		return g.Tier, false
	}
	t.logger.Info("group %s escalating %s -> %s", g.ID, g.Tier, next)
	g.Tier = next
	// The new tier gets a fresh progress window, including the
	// first-iteration baseline exemption. The lifetime review_iteration
	// keeps counting up.
	g.TierIteration = 1
	g.NoProgressCount = 0
	return next, true
}
