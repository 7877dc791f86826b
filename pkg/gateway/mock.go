package gateway

import (
	"context"
	"fmt"
	"sync"

	"conductor/pkg/proto"
)

// ScriptedGateway is a Gateway for tests: results are queued per group and
// role, and every invocation is recorded.
type ScriptedGateway struct {
	mu      sync.Mutex
	scripts map[string][]scripted
	calls   []Task
}

type scripted struct {
	result *proto.WorkerResult
	err    error
}

// NewScriptedGateway creates an empty scripted gateway.
func NewScriptedGateway() *ScriptedGateway {
	return &ScriptedGateway{scripts: make(map[string][]scripted)}
}

func scriptKey(groupID string, role proto.Role) string {
	return groupID + "/" + string(role)
}

// Script queues a result for the next invocation of role on groupID.
func (g *ScriptedGateway) Script(groupID string, role proto.Role, result *proto.WorkerResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := scriptKey(groupID, role)
	g.scripts[key] = append(g.scripts[key], scripted{result: result})
}

// ScriptStatus queues a minimal result carrying just a status.
func (g *ScriptedGateway) ScriptStatus(groupID string, role proto.Role, status proto.Status) {
	g.Script(groupID, role, &proto.WorkerResult{GroupID: groupID, Role: role, Status: status})
}

// ScriptError queues an error for the next invocation of role on groupID.
func (g *ScriptedGateway) ScriptError(groupID string, role proto.Role, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := scriptKey(groupID, role)
	g.scripts[key] = append(g.scripts[key], scripted{err: err})
}

// anyGroup is the queue key for results not bound to a specific group.
const anyGroup = "*"

// ScriptAny queues a result for the next invocation of role on any group.
// Group-specific queues take precedence. Useful when group IDs are
// generated at runtime.
func (g *ScriptedGateway) ScriptAny(role proto.Role, result *proto.WorkerResult) {
	g.Script(anyGroup, role, result)
}

// ScriptAnyStatus queues a minimal any-group result carrying just a status.
func (g *ScriptedGateway) ScriptAnyStatus(role proto.Role, status proto.Status) {
	g.Script(anyGroup, role, &proto.WorkerResult{Role: role, Status: status})
}

// Invoke pops the next scripted result for the group and role.
func (g *ScriptedGateway) Invoke(_ context.Context, task *Task) (*proto.WorkerResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, *task)

	key := scriptKey(task.GroupID, task.Role)
	queue := g.scripts[key]
	if len(queue) == 0 {
		key = scriptKey(anyGroup, task.Role)
		queue = g.scripts[key]
	}
	if len(queue) == 0 {
		return nil, fmt.Errorf("no scripted result for %s/%s", task.GroupID, task.Role)
	}
	next := queue[0]
	g.scripts[key] = queue[1:]

	if next.err != nil {
		return nil, next.err
	}
	result := next.result
	result.GroupID = task.GroupID
	result.Role = task.Role
	if result.Tier == "" {
		result.Tier = task.Tier
	}
	return result, nil
}

// Calls returns a copy of all recorded invocations in order.
func (g *ScriptedGateway) Calls() []Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	calls := make([]Task, len(g.calls))
	copy(calls, g.calls)
	return calls
}

// CallCount returns the number of invocations of role on groupID.
func (g *ScriptedGateway) CallCount(groupID string, role proto.Role) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for i := range g.calls {
		if g.calls[i].GroupID == groupID && g.calls[i].Role == role {
			count++
		}
	}
	return count
}
