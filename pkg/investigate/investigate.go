// Package investigate runs the bounded root-cause analysis loop a group
// enters when its reviewer requests deep analysis. The loop tests ranked
// hypotheses one at a time and is hard-capped: investigations conclude,
// run out of hypotheses, or exhaust their iteration budget, never spin.
package investigate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// State is the investigation lifecycle state.
type State string

const (
	// StateTesting means a hypothesis is under test.
	StateTesting State = "testing_hypothesis"
	// StateConcluded means the root cause was found.
	StateConcluded State = "concluded"
	// StateIncomplete means the loop ended without a root cause, either
	// by exhausting hypotheses or by hitting the iteration cap.
	StateIncomplete State = "incomplete"
	// StateBlocked means the investigation needs external input.
	StateBlocked State = "blocked"
)

// Outcome is the reviewer's verdict on one investigation iteration.
type Outcome string

const (
	OutcomeRootCauseFound       Outcome = "root_cause_found"
	OutcomeHypothesisEliminated Outcome = "hypothesis_eliminated"
	OutcomeNeedDiagnostic       Outcome = "need_diagnostic"
	OutcomeNeedMoreAnalysis     Outcome = "need_more_analysis"
	OutcomeBlocked              Outcome = "blocked"
)

// ParseOutcome parses a string into an Outcome with validation.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(strings.ToLower(strings.TrimSpace(s))) {
	case OutcomeRootCauseFound, OutcomeHypothesisEliminated, OutcomeNeedDiagnostic, OutcomeNeedMoreAnalysis, OutcomeBlocked:
		return Outcome(strings.ToLower(strings.TrimSpace(s))), nil
	default:
		return "", fmt.Errorf("unknown investigation outcome: %s", s)
	}
}

// LogEntry is one append-only record of the investigation trail.
type LogEntry struct {
	At         time.Time `json:"at"`
	Hypothesis string    `json:"hypothesis"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}

// Investigation is the bounded hypothesis loop for one task group.
type Investigation struct {
	logger     *logx.Logger
	GroupID    string
	hypotheses []proto.Hypothesis
	log        []LogEntry
	state      State
	rootCause  string
	iterations int
	cap        int
}

// New starts an investigation from the reviewer's ranked hypotheses.
// Requires at least one hypothesis and a positive iteration cap.
func New(groupID string, hypotheses []proto.Hypothesis, iterationCap int) (*Investigation, error) {
	if len(hypotheses) == 0 {
		return nil, fmt.Errorf("investigation for group %s needs at least one hypothesis", groupID)
	}
	if iterationCap < 1 {
		return nil, fmt.Errorf("investigation iteration cap must be positive, got %d", iterationCap)
	}

	sorted := make([]proto.Hypothesis, len(hypotheses))
	copy(sorted, hypotheses)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Likelihood > sorted[j].Likelihood
	})

	return &Investigation{
		logger:     logx.NewLogger("investigate"),
		GroupID:    groupID,
		hypotheses: sorted,
		state:      StateTesting,
		cap:        iterationCap,
	}, nil
}

// Current returns the hypothesis under test: the most likely one not yet
// eliminated. Nil when none remain.
func (inv *Investigation) Current() *proto.Hypothesis {
	for i := range inv.hypotheses {
		if !inv.hypotheses[i].Eliminated {
			return &inv.hypotheses[i]
		}
	}
	return nil
}

// RecordOutcome consumes one iteration and advances the loop. Calls after
// the investigation has left the testing state are rejected.
func (inv *Investigation) RecordOutcome(outcome Outcome, detail string) error {
	if inv.state != StateTesting {
		return fmt.Errorf("investigation for group %s is %s, not accepting outcomes", inv.GroupID, inv.state)
	}
	current := inv.Current()
	if current == nil {
		return fmt.Errorf("investigation for group %s has no hypothesis under test", inv.GroupID)
	}

	inv.iterations++
	inv.log = append(inv.log, LogEntry{
		At:         time.Now().UTC(),
		Hypothesis: current.Description,
		Outcome:    outcome,
		Detail:     detail,
	})
	inv.logger.Debug("group %s iteration %d/%d: %s -> %s", inv.GroupID, inv.iterations, inv.cap, current.Description, outcome)

	switch outcome {
	case OutcomeRootCauseFound:
		inv.state = StateConcluded
		inv.rootCause = detail
		if inv.rootCause == "" {
			inv.rootCause = current.Description
		}
		return nil
	case OutcomeHypothesisEliminated:
		current.Eliminated = true
		if inv.Current() == nil {
			inv.state = StateIncomplete
			return nil
		}
	case OutcomeBlocked:
		inv.state = StateBlocked
		return nil
	case OutcomeNeedDiagnostic, OutcomeNeedMoreAnalysis:
		// Same hypothesis, another round.
	default:
		return fmt.Errorf("unknown investigation outcome: %s", outcome)
	}

	if inv.iterations >= inv.cap {
		inv.state = StateIncomplete
	}
	return nil
}

// State returns the investigation lifecycle state.
func (inv *Investigation) State() State {
	return inv.state
}

// RootCause returns the concluded root cause, empty unless concluded.
func (inv *Investigation) RootCause() string {
	return inv.rootCause
}

// Iterations returns the number of iterations consumed.
func (inv *Investigation) Iterations() int {
	return inv.iterations
}

// Log returns a copy of the append-only investigation trail.
func (inv *Investigation) Log() []LogEntry {
	entries := make([]LogEntry, len(inv.log))
	copy(entries, inv.log)
	return entries
}

// Summary renders the trail for the reviewer handoff. Incomplete
// investigations hand their findings back rather than vanish.
func (inv *Investigation) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Investigation for group %s: %s after %d iteration(s).\n", inv.GroupID, inv.state, inv.iterations)
	if inv.rootCause != "" {
		fmt.Fprintf(&b, "Root cause: %s\n", inv.rootCause)
	}
	for i := range inv.log {
		entry := &inv.log[i]
		fmt.Fprintf(&b, "- %s: %s", entry.Hypothesis, entry.Outcome)
		if entry.Detail != "" {
			fmt.Fprintf(&b, " (%s)", entry.Detail)
		}
		b.WriteString("\n")
	}
	return b.String()
}
