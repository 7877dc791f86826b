package config

import (
	"os"
	"path/filepath"
	"testing"

	"conductor/pkg/proto"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Orchestration.MaxParallel != 4 {
		t.Errorf("default max_parallel = %d, want 4", cfg.Orchestration.MaxParallel)
	}
	if cfg.Orchestration.EscalationThreshold != 2 {
		t.Errorf("default escalation_threshold = %d, want 2", cfg.Orchestration.EscalationThreshold)
	}
	if cfg.Orchestration.ReviewIterationCap != 5 {
		t.Errorf("default review_iteration_cap = %d, want 5", cfg.Orchestration.ReviewIterationCap)
	}
}

func TestWorkerForTierFallback(t *testing.T) {
	cfg := &Config{
		Workers: map[string]map[string]WorkerModel{
			"reviewer": {
				"base": {Provider: ProviderAnthropic, Model: "claude-3-7-sonnet-20250219"},
				"lead": {Provider: ProviderOpenAI, Model: "o3"},
			},
		},
	}
	// Senior is not pinned, falls back to base.
	wm, err := cfg.WorkerFor(proto.RoleReviewer, proto.TierSenior)
	if err != nil {
		t.Fatalf("WorkerFor senior failed: %v", err)
	}
	if wm.Model != "claude-3-7-sonnet-20250219" {
		t.Errorf("senior fallback model = %q, want base model", wm.Model)
	}
	// Lead is pinned directly.
	wm, err = cfg.WorkerFor(proto.RoleReviewer, proto.TierLead)
	if err != nil {
		t.Fatalf("WorkerFor lead failed: %v", err)
	}
	if wm.Model != "o3" {
		t.Errorf("lead model = %q, want o3", wm.Model)
	}
	if _, err := cfg.WorkerFor(proto.RolePlanner, proto.TierBase); err == nil {
		t.Error("expected error for unconfigured role")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max_parallel", func(c *Config) { c.Orchestration.MaxParallel = 0 }},
		{"zero escalation_threshold", func(c *Config) { c.Orchestration.EscalationThreshold = 0 }},
		{"negative transient_retries", func(c *Config) { c.Orchestration.TransientRetries = -1 }},
		{"unknown provider", func(c *Config) {
			c.Workers["planner"]["base"] = WorkerModel{Provider: "ollama", Model: "llama3"}
		}},
		{"missing base tier", func(c *Config) {
			delete(c.Workers["planner"], "base")
		}},
		{"unknown role", func(c *Config) {
			c.Workers["architect"] = map[string]WorkerModel{
				"base": {Provider: ProviderAnthropic, Model: "claude-3-7-sonnet-20250219"},
			}
		}},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestLoadConfigWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := LoadConfig(dir); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	path := filepath.Join(dir, ".conductor", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config at %s: %v", path, err)
	}
	cfg, err := GetConfig()
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if cfg.Orchestration.InvestigationCap != DefaultInvestigationCap {
		t.Errorf("investigation_cap = %d, want %d", cfg.Orchestration.InvestigationCap, DefaultInvestigationCap)
	}
}

func TestLoadConfigAppliesPartialOverrides(t *testing.T) {
	dir := t.TempDir()
	confDir := filepath.Join(dir, ".conductor")
	if err := os.MkdirAll(confDir, 0755); err != nil {
		t.Fatal(err)
	}
	yaml := `
orchestration:
  max_parallel: 2
`
	if err := os.WriteFile(filepath.Join(confDir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	if err := LoadConfig(dir); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	cfg, err := GetConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Orchestration.MaxParallel != 2 {
		t.Errorf("max_parallel = %d, want override 2", cfg.Orchestration.MaxParallel)
	}
	if cfg.Orchestration.ReviewIterationCap != DefaultReviewIterationCap {
		t.Errorf("review_iteration_cap = %d, want default %d", cfg.Orchestration.ReviewIterationCap, DefaultReviewIterationCap)
	}
	if len(cfg.Workers) == 0 {
		t.Error("workers should default when omitted")
	}
}
