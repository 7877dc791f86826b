package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// completionRequest is a single plain-text completion call.
type completionRequest struct {
	System      string
	Input       string
	MaxTokens   int
	Temperature float64
}

// completionClient is the minimal surface the gateway needs from a
// provider SDK.
type completionClient interface {
	Complete(ctx context.Context, in completionRequest) (string, error)
	ModelName() string
}

const defaultMaxTokens = 8192

// LLMGateway routes invocations to the model configured for each role and
// tier, and parses replies into structured results.
type LLMGateway struct {
	cfg     config.Config
	logger  *logx.Logger
	checks  CheckRunner
	mu      sync.Mutex
	clients map[string]completionClient
}

// NewLLMGateway creates a gateway using the given config's worker table.
func NewLLMGateway(cfg config.Config, opts ...LLMOption) *LLMGateway {
	g := &LLMGateway{
		cfg:     cfg,
		logger:  logx.NewLogger("gateway"),
		clients: make(map[string]completionClient),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// LLMOption configures optional gateway collaborators.
type LLMOption func(*LLMGateway)

// WithCheckRunner attaches a quality-check runner. When set, a role's
// mandatory checks run against the task workspace after every invocation
// and their findings ride on the result.
func WithCheckRunner(runner CheckRunner) LLMOption {
	return func(g *LLMGateway) { g.checks = runner }
}

// Invoke dispatches one worker invocation. The reply must be a JSON
// envelope with a status from the role's closed enum; replies outside the
// enum come back with RawStatus set so the router can apply its safe
// default.
func (g *LLMGateway) Invoke(ctx context.Context, task *Task) (*proto.WorkerResult, error) {
	wm, err := g.cfg.WorkerFor(task.Role, task.Tier)
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeBadRequest, err, "no worker binding")
	}

	client, err := g.clientFor(wm)
	if err != nil {
		return nil, err
	}

	maxTokens := wm.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	req := completionRequest{
		System:      systemPrompt(task.Role),
		Input:       buildInput(task),
		MaxTokens:   maxTokens,
		Temperature: wm.Temperature,
	}

	invocationID := uuid.New().String()
	g.logger.Debug("invoking %s/%s (%s) for group %s [%s]", task.Role, task.Tier, wm.Model, task.GroupID, invocationID)

	start := time.Now()
	reply, err := client.Complete(ctx, req)
	duration := time.Since(start)
	if err != nil {
		return nil, err
	}

	result := parseReply(task, reply)
	result.InvocationID = invocationID
	result.Model = client.ModelName()
	result.Duration = duration

	if cerr := RunMandatoryChecks(ctx, g.checks, task, result); cerr != nil {
		g.logger.Warn("group %s: quality checks failed to run: %v", task.GroupID, cerr)
	}

	g.logger.Debug("group %s %s reported %q after %s", task.GroupID, task.Role, result.Status, duration.Round(time.Millisecond))
	return result, nil
}

// clientFor returns a cached provider client for the binding, creating it
// on first use.
func (g *LLMGateway) clientFor(wm config.WorkerModel) (completionClient, error) {
	key := wm.Provider + "/" + wm.Model

	g.mu.Lock()
	defer g.mu.Unlock()
	if client, ok := g.clients[key]; ok {
		return client, nil
	}

	var client completionClient
	switch wm.Provider {
	case config.ProviderAnthropic:
		apiKey, err := config.GetSecret(config.SecretAnthropicAPIKey)
		if err != nil {
			return nil, NewErrorWithCause(ErrorTypeAuth, err, "missing Anthropic API key")
		}
		client = newAnthropicClient(apiKey, wm.Model)
	case config.ProviderOpenAI:
		apiKey, err := config.GetSecret(config.SecretOpenAIAPIKey)
		if err != nil {
			return nil, NewErrorWithCause(ErrorTypeAuth, err, "missing OpenAI API key")
		}
		client = newOpenAIClient(apiKey, wm.Model)
	default:
		return nil, NewError(ErrorTypeBadRequest, fmt.Sprintf("unknown provider %q", wm.Provider))
	}

	g.clients[key] = client
	return client, nil
}

// replyEnvelope is the wire format workers must reply with.
type replyEnvelope struct {
	Status  string              `json:"status"`
	Payload proto.ResultPayload `json:"payload"`
}

// parseReply extracts the JSON envelope from a worker reply. Replies that
// carry no parseable envelope, or a status outside the role's enum, return
// a result with RawStatus set and Status empty.
func parseReply(task *Task, reply string) *proto.WorkerResult {
	result := &proto.WorkerResult{
		GroupID: task.GroupID,
		Role:    task.Role,
		Tier:    task.Tier,
	}

	raw := extractJSON(reply)
	if raw == "" {
		result.RawStatus = truncate(strings.TrimSpace(reply), 200)
		return result
	}

	var envelope replyEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		result.RawStatus = truncate(strings.TrimSpace(reply), 200)
		return result
	}

	status, err := proto.ParseStatus(task.Role, envelope.Status)
	if err != nil {
		result.RawStatus = envelope.Status
		result.Payload = envelope.Payload
		return result
	}

	result.Status = status
	result.Payload = envelope.Payload
	return result
}

// extractJSON returns the outermost JSON object in s, or empty string.
// Workers sometimes wrap the envelope in prose or code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// systemPrompt builds the role contract: what the worker is, what checks
// it runs, and the exact reply format.
func systemPrompt(role proto.Role) string {
	var b strings.Builder
	switch role {
	case proto.RolePlanner:
		b.WriteString("You are a planning worker. Decompose the task into independent task groups and machine-checkable success criteria.\n")
	case proto.RoleImplementer:
		b.WriteString("You are an implementation worker. Apply the requested changes and respond to any raised issues, either fixing them or rejecting them with a reason.\n")
	case proto.RoleVerifier:
		b.WriteString("You are a verification worker. Run the checks and report factual output only.\n")
	case proto.RoleReviewer:
		b.WriteString("You are a review worker. Judge the work and raise issues with severities.\n")
	}

	capability := CapabilityFor(role)
	if len(capability.MandatoryChecks) > 0 {
		b.WriteString("Mandatory checks: " + strings.Join(capability.MandatoryChecks, ", ") + ".\n")
	}
	if len(capability.OptionalChecks) > 0 {
		b.WriteString("Optional checks: " + strings.Join(capability.OptionalChecks, ", ") + ".\n")
	}

	b.WriteString("\nReply with a single JSON object: {\"status\": STATUS, \"payload\": {...}}.\n")
	b.WriteString("STATUS must be one of: ")
	statuses := proto.ValidStatusesForRole(role)
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = string(s)
	}
	b.WriteString(strings.Join(parts, ", "))
	b.WriteString(". Any other status is rejected.\n")
	return b.String()
}

// buildInput combines instructions with the context bundle.
func buildInput(task *Task) string {
	if task.Context == "" {
		return task.Instructions
	}
	return fmt.Sprintf("%s\n\n--- Context ---\n%s", task.Instructions, task.Context)
}
