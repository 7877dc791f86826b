package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RunMetrics represents aggregated orchestration metrics for a run.
type RunMetrics struct {
	Invocations    int64   `json:"invocations"`
	Escalations    int64   `json:"escalations"`
	Merges         int64   `json:"merges"`
	MergeConflicts int64   `json:"merge_conflicts"`
	AvgInvocationS float64 `json:"avg_invocation_seconds"`
}

// QueryService provides methods to query orchestration metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetRunMetrics retrieves aggregated invocation, escalation, and merge
// counters. Series that have not been written yet read as zero.
func (q *QueryService) GetRunMetrics(ctx context.Context) (*RunMetrics, error) {
	metrics := &RunMetrics{}

	invocations, err := q.scalarQuery(ctx, `sum(conductor_invocations_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations: %w", err)
	}
	metrics.Invocations = int64(invocations)

	escalations, err := q.scalarQuery(ctx, `sum(conductor_escalations_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	metrics.Escalations = int64(escalations)

	merges, err := q.scalarQuery(ctx, `sum(conductor_merges_total{outcome="merged"})`)
	if err != nil {
		return nil, fmt.Errorf("failed to query merges: %w", err)
	}
	metrics.Merges = int64(merges)

	conflicts, err := q.scalarQuery(ctx, `sum(conductor_merges_total{outcome="conflict"})`)
	if err != nil {
		return nil, fmt.Errorf("failed to query merge conflicts: %w", err)
	}
	metrics.MergeConflicts = int64(conflicts)

	avg, err := q.scalarQuery(ctx,
		`sum(conductor_invocation_duration_seconds_sum) / sum(conductor_invocation_duration_seconds_count)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocation duration: %w", err)
	}
	metrics.AvgInvocationS = avg

	return metrics, nil
}

// GetInvocationsByRole retrieves invocation counts broken down by worker role.
func (q *QueryService) GetInvocationsByRole(ctx context.Context) (map[string]int64, error) {
	result, _, err := q.queryAPI.Query(ctx, `sum by (role) (conductor_invocations_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations by role: %w", err)
	}

	counts := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			if role, ok := sample.Metric["role"]; ok {
				counts[string(role)] = int64(sample.Value)
			}
		}
	}
	return counts, nil
}

// GetEscalationsByTier retrieves escalation counts keyed by destination tier.
func (q *QueryService) GetEscalationsByTier(ctx context.Context) (map[string]int64, error) {
	result, _, err := q.queryAPI.Query(ctx, `sum by (tier) (conductor_escalations_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations by tier: %w", err)
	}

	counts := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			if tier, ok := sample.Metric["tier"]; ok {
				counts[string(tier)] = int64(sample.Value)
			}
		}
	}
	return counts, nil
}

func (q *QueryService) scalarQuery(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
