package contextdist

import (
	"encoding/json"
	"fmt"
	"strings"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/store"
)

// Distributor builds context bundles from stored packages and records what
// each invocation produced for the next worker in the pipeline.
type Distributor struct {
	store   *store.Store
	counter *TokenCounter
	logger  *logx.Logger
	budget  int
}

// Bundle is an assembled context bundle plus the package IDs it consumed
// and the role it was assembled for.
type Bundle struct {
	Text       string
	Role       proto.Role
	PackageIDs []string
}

// NewDistributor creates a distributor with the given token budget. A nil
// counter falls back to character-based estimation.
func NewDistributor(st *store.Store, counter *TokenCounter, budget int) *Distributor {
	return &Distributor{
		store:   st,
		counter: counter,
		logger:  logx.NewLogger("contextdist"),
		budget:  budget,
	}
}

// BundleFor assembles the bundle for invoking role on the group: the task
// statement plus the unconsumed packages addressed to role, newest
// retained when the budget forces a trim. The caller marks the bundle
// consumed only after the invocation succeeds.
func (d *Distributor) BundleFor(group *store.TaskGroup, role proto.Role) (*Bundle, error) {
	packages, err := d.store.UnconsumedPackages(group.ID, role)
	if err != nil {
		return nil, fmt.Errorf("failed to load context packages: %w", err)
	}

	var b strings.Builder
	b.WriteString("Task group: " + group.Title + "\n")
	if group.Details != "" {
		b.WriteString(group.Details + "\n")
	}
	header := b.String()
	remaining := d.budget - d.counter.CountTokens(header)

	// Keep newest packages when over budget; drop from the oldest end.
	kept := make([]*store.ContextPackage, 0, len(packages))
	for i := len(packages) - 1; i >= 0; i-- {
		p := packages[i]
		cost := d.counter.CountTokens(p.Content) + 8
		if cost > remaining {
			// The newest package is the most load-bearing context; if
			// even it alone overflows, truncate it rather than send the
			// worker in blind.
			if len(kept) == 0 && i == len(packages)-1 && remaining > 8 {
				trimmed := *p
				trimmed.Content = d.counter.TruncateToTokenLimit(p.Content, remaining-8)
				remaining = 0
				kept = append(kept, &trimmed)
				d.logger.Debug("group %s: truncated package %s to fit the bundle", group.ID, p.ID)
				continue
			}
			d.logger.Debug("group %s: dropping package %s from bundle (over budget)", group.ID, p.ID)
			continue
		}
		remaining -= cost
		kept = append(kept, p)
	}

	bundle := &Bundle{Role: role}
	// Render oldest first.
	for i := len(kept) - 1; i >= 0; i-- {
		p := kept[i]
		b.WriteString(fmt.Sprintf("\n--- from %s ---\n%s\n", p.OriginRole, p.Content))
		bundle.PackageIDs = append(bundle.PackageIDs, p.ID)
	}

	bundle.Text = b.String()
	return bundle, nil
}

// MarkConsumed records the bundle's packages as consumed by the bundle's
// role, so they never re-enter that role's bundles.
func (d *Distributor) MarkConsumed(bundle *Bundle) error {
	if bundle == nil || len(bundle.PackageIDs) == 0 {
		return nil
	}
	if err := d.store.MarkPackagesConsumed(bundle.PackageIDs, bundle.Role); err != nil {
		return fmt.Errorf("failed to mark bundle consumed: %w", err)
	}
	return nil
}

// RecordResult distills a worker result into context packages, each
// addressed to the roles that act on that kind of content. Only payload
// fields with downstream consumers become packages.
func (d *Distributor) RecordResult(result *proto.WorkerResult) error {
	var packages []*store.ContextPackage

	if out := result.Payload.VerificationOutput; out != "" {
		packages = append(packages, &store.ContextPackage{
			GroupID:       result.GroupID,
			OriginRole:    result.Role,
			ConsumerRoles: []proto.Role{proto.RoleImplementer, proto.RoleReviewer},
			Content:       out,
		})
	}
	if len(result.Payload.Issues) > 0 {
		data, err := json.Marshal(result.Payload.Issues)
		if err != nil {
			return fmt.Errorf("failed to marshal issues: %w", err)
		}
		packages = append(packages, &store.ContextPackage{
			GroupID:       result.GroupID,
			OriginRole:    result.Role,
			ConsumerRoles: []proto.Role{proto.RoleImplementer},
			Content:       "Issues raised:\n" + string(data),
		})
	}
	if len(result.Payload.IssueResponses) > 0 {
		data, err := json.Marshal(result.Payload.IssueResponses)
		if err != nil {
			return fmt.Errorf("failed to marshal issue responses: %w", err)
		}
		packages = append(packages, &store.ContextPackage{
			GroupID:       result.GroupID,
			OriginRole:    result.Role,
			ConsumerRoles: []proto.Role{proto.RoleReviewer},
			Content:       "Issue responses:\n" + string(data),
		})
	}
	if out := result.Payload.DiagnosticOutput; out != "" {
		packages = append(packages, &store.ContextPackage{
			GroupID:       result.GroupID,
			OriginRole:    result.Role,
			ConsumerRoles: []proto.Role{proto.RoleImplementer, proto.RoleReviewer},
			Content:       "Diagnostic output:\n" + out,
		})
	}
	if notes := result.Payload.Notes; notes != "" {
		packages = append(packages, &store.ContextPackage{
			GroupID:    result.GroupID,
			OriginRole: result.Role,
			Content:    notes,
		})
	}

	for _, p := range packages {
		if err := d.store.AddContextPackage(p); err != nil {
			return err
		}
	}
	return nil
}
