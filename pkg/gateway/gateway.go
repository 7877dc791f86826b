// Package gateway dispatches worker invocations to LLM backends and parses
// their replies into structured results. Workers are black boxes: the
// orchestration core only sees role, tier, instructions in, and a status
// plus payload out.
package gateway

import (
	"context"
	"fmt"

	"conductor/pkg/proto"
)

// Task is one unit of work handed to a worker.
type Task struct {
	GroupID string
	Role    proto.Role
	Tier    proto.Tier
	// Workspace is the group's working area, the target for quality
	// checks. Empty when the group has none.
	Workspace string
	// Instructions is the role-specific task text (what to do).
	Instructions string
	// Context is the assembled context bundle (what to know).
	Context string
}

// Gateway invokes workers. Implementations must be safe for concurrent use;
// the executor calls Invoke from multiple goroutines.
type Gateway interface {
	Invoke(ctx context.Context, task *Task) (*proto.WorkerResult, error)
}

// Capability lists the checks a role is expected to run. Mandatory checks
// gate the role's success statuses; optional checks are best-effort.
type Capability struct {
	MandatoryChecks []string
	OptionalChecks  []string
}

//nolint:gochecknoglobals // Static role capability table
var roleCapabilities = map[proto.Role]Capability{
	proto.RolePlanner: {},
	proto.RoleImplementer: {
		MandatoryChecks: []string{"build"},
		OptionalChecks:  []string{"unit tests"},
	},
	proto.RoleVerifier: {
		MandatoryChecks: []string{"build", "full test suite"},
		OptionalChecks:  []string{"lint", "coverage"},
	},
	proto.RoleReviewer: {
		OptionalChecks: []string{"diff inspection"},
	},
}

// CapabilityFor returns the check expectations for a role.
func CapabilityFor(role proto.Role) Capability {
	return roleCapabilities[role]
}

// CheckRunner executes one quality check (lint, test suite, coverage)
// against a target and returns its findings. Implementations are
// side-effecting tools outside the orchestration core; their internals
// stay opaque here.
type CheckRunner interface {
	RunCheck(ctx context.Context, kind, target string) ([]proto.CheckFinding, error)
}

// RunMandatoryChecks executes the role's mandatory checks against the
// task's workspace and appends the findings to the result payload. The
// findings sit next to whatever the worker reported itself, so the router
// and reviewers see tool output the worker cannot omit.
func RunMandatoryChecks(ctx context.Context, runner CheckRunner, task *Task, result *proto.WorkerResult) error {
	if runner == nil || task.Workspace == "" {
		return nil
	}
	for _, kind := range CapabilityFor(task.Role).MandatoryChecks {
		findings, err := runner.RunCheck(ctx, kind, task.Workspace)
		if err != nil {
			return fmt.Errorf("check %q on %s: %w", kind, task.Workspace, err)
		}
		result.Payload.CheckFindings = append(result.Payload.CheckFindings, findings...)
	}
	return nil
}
