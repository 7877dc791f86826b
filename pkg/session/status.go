package session

import (
	"fmt"
	"sort"
	"strings"

	"conductor/pkg/store"
)

// Summary describes a session's progress for an operator.
type Summary struct {
	SessionID   string         `json:"session_id"`
	Status      string         `json:"status"`
	GroupCounts map[string]int `json:"group_counts"`
	Merged      int            `json:"merged"`
	Held        []string       `json:"held,omitempty"`
	TierCounts  map[string]int `json:"tier_counts"`
}

// Status summarizes the store's session. It needs no gateway, so the CLI
// can report on a session without worker credentials.
func Status(st *store.Store) (*Summary, error) {
	sess, err := st.GetSession(st.SessionID())
	if err != nil {
		return nil, err
	}
	groups, err := st.ListGroups(nil)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		SessionID:   sess.ID,
		Status:      sess.Status,
		GroupCounts: make(map[string]int),
		TierCounts:  make(map[string]int),
	}
	for _, g := range groups {
		s.GroupCounts[g.Status]++
		s.TierCounts[string(g.Tier)]++
		if g.MergeStatus == store.MergeMerged {
			s.Merged++
		}
		if g.Status == store.GroupHeld {
			s.Held = append(s.Held, g.ID)
		}
	}
	return s, nil
}

// Render formats the summary for terminal output.
func (s *Summary) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s: %s\n", s.SessionID, s.Status)

	statuses := make([]string, 0, len(s.GroupCounts))
	for status := range s.GroupCounts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(&b, "  %-12s %d\n", status, s.GroupCounts[status])
	}
	fmt.Fprintf(&b, "  merged       %d\n", s.Merged)
	for _, id := range s.Held {
		fmt.Fprintf(&b, "  held: %s (needs human arbitration)\n", id)
	}
	return b.String()
}
