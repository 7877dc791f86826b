package escalation

import (
	"testing"

	"conductor/pkg/proto"
	"conductor/pkg/store"
)

func newGroup() *store.TaskGroup {
	return &store.TaskGroup{ID: "g1", Tier: proto.TierBase, ReviewIteration: 1, TierIteration: 1}
}

func TestNoProgressSequence(t *testing.T) {
	// Blocking counts per iteration and the expected counter after each:
	// the first iteration is baseline, equal counts are no progress, a
	// strict decrease or zero resets.
	blocking := []int{5, 5, 3, 3, 0}
	wantCounts := []int{0, 1, 0, 1, 0}

	tracker := NewTracker(2, 10)
	g := newGroup()
	for i, b := range blocking {
		tracker.Observe(g, b)
		if g.NoProgressCount != wantCounts[i] {
			t.Errorf("iteration %d (blocking=%d): no-progress = %d, want %d",
				i+1, b, g.NoProgressCount, wantCounts[i])
		}
		tracker.AdvanceIteration(g)
	}
}

func TestFirstIterationIsExempt(t *testing.T) {
	tracker := NewTracker(2, 10)
	g := newGroup()
	tracker.Observe(g, 12)
	if g.NoProgressCount != 0 {
		t.Errorf("first iteration must not count as no progress, got %d", g.NoProgressCount)
	}
	if g.BlockingIssueCount != 12 {
		t.Errorf("baseline not recorded: %d", g.BlockingIssueCount)
	}
}

func TestIncreaseIsNoProgress(t *testing.T) {
	tracker := NewTracker(2, 10)
	g := newGroup()
	tracker.Observe(g, 3)
	tracker.AdvanceIteration(g)
	tracker.Observe(g, 7)
	if g.NoProgressCount != 1 {
		t.Errorf("an increase must count as no progress, got %d", g.NoProgressCount)
	}
}

func TestShouldEscalateOnThreshold(t *testing.T) {
	tracker := NewTracker(2, 10)
	g := newGroup()
	for _, b := range []int{4, 4, 4} {
		tracker.Observe(g, b)
		tracker.AdvanceIteration(g)
	}
	should, reason := tracker.ShouldEscalate(g)
	if !should {
		t.Fatal("two consecutive no-progress iterations should escalate")
	}
	if reason == "" {
		t.Error("escalation should carry a reason")
	}
}

func TestShouldEscalateOnIterationCap(t *testing.T) {
	tracker := NewTracker(99, 5)
	g := newGroup()
	// Steady progress every iteration, but the cap still triggers.
	for _, b := range []int{9, 8, 7, 6} {
		tracker.Observe(g, b)
		tracker.AdvanceIteration(g)
	}
	should, _ := tracker.ShouldEscalate(g)
	if !should {
		t.Errorf("iteration %d should hit the cap of 5", g.ReviewIteration)
	}
}

func TestEscalateIsMonotonic(t *testing.T) {
	tracker := NewTracker(2, 5)
	g := newGroup()
	g.NoProgressCount = 2
	g.ReviewIteration = 3
	g.TierIteration = 3

	tier, ok := tracker.Escalate(g)
	if !ok || tier != proto.TierSenior {
		t.Fatalf("Escalate = %q, %v; want senior, true", tier, ok)
	}
	if g.TierIteration != 1 || g.NoProgressCount != 0 {
		t.Errorf("new tier should get a fresh window: tier iter=%d np=%d", g.TierIteration, g.NoProgressCount)
	}
	if g.ReviewIteration != 3 {
		t.Errorf("lifetime review iteration must not change on escalation, got %d", g.ReviewIteration)
	}

	tier, ok = tracker.Escalate(g)
	if !ok || tier != proto.TierLead {
		t.Fatalf("second Escalate = %q, %v; want lead, true", tier, ok)
	}

	// At the top, escalation fails and the tier never moves down.
	tier, ok = tracker.Escalate(g)
	if ok {
		t.Error("escalation above lead must fail")
	}
	if tier != proto.TierLead || g.Tier != proto.TierLead {
		t.Errorf("tier must stay lead, got %q", g.Tier)
	}
}

func TestReviewIterationNeverDecreases(t *testing.T) {
	tracker := NewTracker(2, 10)
	g := newGroup()

	// Three stalled passes trip the threshold.
	prev := 0
	for i := 0; i < 3; i++ {
		tracker.Observe(g, 4)
		if g.ReviewIteration <= prev {
			t.Fatalf("review iteration decreased: %d -> %d", prev, g.ReviewIteration)
		}
		prev = g.ReviewIteration
		tracker.AdvanceIteration(g)
	}

	prev = g.ReviewIteration
	if should, _ := tracker.ShouldEscalate(g); !should {
		t.Fatal("expected escalation after the stalled passes")
	}
	if _, ok := tracker.Escalate(g); !ok {
		t.Fatal("escalation from base must succeed")
	}
	if g.ReviewIteration < prev {
		t.Errorf("review iteration decreased on escalation: %d -> %d", prev, g.ReviewIteration)
	}
	if g.TierIteration != 1 {
		t.Errorf("tier iteration = %d, want a fresh window of 1", g.TierIteration)
	}

	// The new tier's first pass is baseline again, and the lifetime
	// counter keeps climbing.
	tracker.Observe(g, 4)
	if g.NoProgressCount != 0 {
		t.Errorf("first pass at the new tier must be baseline, got np=%d", g.NoProgressCount)
	}
	tracker.AdvanceIteration(g)
	if g.ReviewIteration != prev+1 {
		t.Errorf("review iteration = %d, want %d", g.ReviewIteration, prev+1)
	}
}
