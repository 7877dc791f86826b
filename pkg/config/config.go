// Package config provides configuration loading, validation, and management
// for the conductor orchestration core.
//
// Configuration is strictly separated from state: per-project settings live
// in .conductor/config.yaml, runtime state (group status, counters, journal)
// lives in the database. A single global Config instance is maintained in
// memory behind a mutex; GetConfig returns it by value so callers cannot
// mutate shared state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Provider identifiers for worker backends.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

const (
	configDirName  = ".conductor"
	configFileName = "config.yaml"
)

// Default orchestration tunables. These are starting points, not hard
// limits; config may override any of them.
const (
	DefaultMaxParallel         = 4
	DefaultEscalationThreshold = 2
	DefaultReviewIterationCap  = 5
	DefaultInvestigationCap    = 5
	DefaultTransientRetries    = 1
	DefaultContextTokenBudget  = 48000
)

//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	projectDir string // Immutable after LoadConfig
	logger     *logx.Logger
	mu         sync.RWMutex
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// LogInfo logs an info message using the config logger. Exposed so main can
// log through the same component before other subsystems come up.
func LogInfo(format string, args ...interface{}) {
	getLogger().Info(format, args...)
}

// ModelInfo contains static information about a known worker model. This
// data is hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider         string
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int
	MaxOutputTokens  int
}

// KnownModels contains pricing and provider information for common models.
// Unknown models fall back to provider inference from the model name.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	"claude-3-7-sonnet-20250219": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-sonnet-4-20250514": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-opus-4-1-20250805": {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
	},
	"gpt-4o": {
		Provider:         ProviderOpenAI,
		InputCPM:         2.5,
		OutputCPM:        10.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},
	"o3": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	"o4-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
}

// WorkerModel binds one role/tier slot to a concrete backend model.
type WorkerModel struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
}

// Orchestration holds the scheduler and escalation tunables.
type Orchestration struct {
	// MaxParallel caps concurrently in-flight task groups.
	MaxParallel int `yaml:"max_parallel"`
	// EscalationThreshold is the consecutive no-progress review
	// iterations that trigger a tier bump.
	EscalationThreshold int `yaml:"escalation_threshold"`
	// ReviewIterationCap forces escalation regardless of progress.
	ReviewIterationCap int `yaml:"review_iteration_cap"`
	// InvestigationCap bounds hypothesis-loop iterations.
	InvestigationCap int `yaml:"investigation_cap"`
	// TransientRetries is the retry count for infrastructure failures
	// before the group escalates to the lead tier.
	TransientRetries int `yaml:"transient_retries"`
	// ContextTokenBudget caps the assembled context bundle size.
	ContextTokenBudget int `yaml:"context_token_budget"`
}

// Metrics holds the observability endpoints.
type Metrics struct {
	// ListenAddr serves the Prometheus scrape endpoint. Empty disables it.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// PrometheusURL points the query service at a Prometheus server.
	PrometheusURL string `yaml:"prometheus_url,omitempty"`
}

// Storage holds database settings.
type Storage struct {
	// Path to the sqlite file, relative to the project directory.
	Path string `yaml:"path,omitempty"`
}

// Config is the complete per-project configuration.
type Config struct {
	// Workers maps role -> tier -> model binding. Every role must have a
	// base entry; senior and lead fall back down the tier order.
	Workers map[string]map[string]WorkerModel `yaml:"workers"`

	Orchestration Orchestration `yaml:"orchestration"`
	Metrics       Metrics       `yaml:"metrics,omitempty"`
	Storage       Storage       `yaml:"storage,omitempty"`
}

// DefaultConfig returns a config with every tunable at its default and a
// conservative worker table.
func DefaultConfig() *Config {
	base := WorkerModel{Provider: ProviderAnthropic, Model: "claude-3-7-sonnet-20250219", MaxTokens: 8192}
	senior := WorkerModel{Provider: ProviderAnthropic, Model: "claude-sonnet-4-20250514", MaxTokens: 8192}
	lead := WorkerModel{Provider: ProviderAnthropic, Model: "claude-opus-4-1-20250805", MaxTokens: 16384}

	workers := make(map[string]map[string]WorkerModel)
	for _, role := range proto.ValidRoles() {
		workers[string(role)] = map[string]WorkerModel{
			string(proto.TierBase):   base,
			string(proto.TierSenior): senior,
			string(proto.TierLead):   lead,
		}
	}

	return &Config{
		Workers: workers,
		Orchestration: Orchestration{
			MaxParallel:         DefaultMaxParallel,
			EscalationThreshold: DefaultEscalationThreshold,
			ReviewIterationCap:  DefaultReviewIterationCap,
			InvestigationCap:    DefaultInvestigationCap,
			TransientRetries:    DefaultTransientRetries,
			ContextTokenBudget:  DefaultContextTokenBudget,
		},
		Storage: Storage{Path: filepath.Join(configDirName, "conductor.db")},
	}
}

// WorkerFor resolves the model binding for a role at a tier. Missing tier
// entries fall back down the tier order so a config that only pins base
// models still resolves every tier.
func (c *Config) WorkerFor(role proto.Role, tier proto.Tier) (WorkerModel, error) {
	tiers, ok := c.Workers[string(role)]
	if !ok {
		return WorkerModel{}, fmt.Errorf("no worker configured for role %s", role)
	}
	for t := tier; ; {
		if wm, ok := tiers[string(t)]; ok {
			return wm, nil
		}
		switch t {
		case proto.TierLead:
			t = proto.TierSenior
		case proto.TierSenior:
			t = proto.TierBase
		default:
			return WorkerModel{}, fmt.Errorf("no worker configured for role %s at tier %s or below", role, tier)
		}
	}
}

// Validate checks the config for internal consistency.
func (c *Config) Validate() error {
	if c.Orchestration.MaxParallel < 1 {
		return fmt.Errorf("orchestration.max_parallel must be at least 1, got %d", c.Orchestration.MaxParallel)
	}
	if c.Orchestration.EscalationThreshold < 1 {
		return fmt.Errorf("orchestration.escalation_threshold must be at least 1, got %d", c.Orchestration.EscalationThreshold)
	}
	if c.Orchestration.ReviewIterationCap < 1 {
		return fmt.Errorf("orchestration.review_iteration_cap must be at least 1, got %d", c.Orchestration.ReviewIterationCap)
	}
	if c.Orchestration.InvestigationCap < 1 {
		return fmt.Errorf("orchestration.investigation_cap must be at least 1, got %d", c.Orchestration.InvestigationCap)
	}
	if c.Orchestration.TransientRetries < 0 {
		return fmt.Errorf("orchestration.transient_retries must not be negative, got %d", c.Orchestration.TransientRetries)
	}
	if c.Orchestration.ContextTokenBudget < 1 {
		return fmt.Errorf("orchestration.context_token_budget must be at least 1, got %d", c.Orchestration.ContextTokenBudget)
	}
	for roleName, tiers := range c.Workers {
		role, err := proto.ParseRole(roleName)
		if err != nil {
			return fmt.Errorf("workers: %w", err)
		}
		if _, ok := tiers[string(proto.TierBase)]; !ok {
			return fmt.Errorf("workers.%s: base tier entry is required", role)
		}
		for tierName, wm := range tiers {
			if _, err := proto.ParseTier(tierName); err != nil {
				return fmt.Errorf("workers.%s: %w", role, err)
			}
			if wm.Provider != ProviderAnthropic && wm.Provider != ProviderOpenAI {
				return fmt.Errorf("workers.%s.%s: unknown provider %q", role, tierName, wm.Provider)
			}
			if wm.Model == "" {
				return fmt.Errorf("workers.%s.%s: model is required", role, tierName)
			}
		}
	}
	return nil
}

// applyDefaults fills zero-valued tunables after YAML parse so configs can
// override selectively.
func (c *Config) applyDefaults() {
	if c.Orchestration.MaxParallel == 0 {
		c.Orchestration.MaxParallel = DefaultMaxParallel
	}
	if c.Orchestration.EscalationThreshold == 0 {
		c.Orchestration.EscalationThreshold = DefaultEscalationThreshold
	}
	if c.Orchestration.ReviewIterationCap == 0 {
		c.Orchestration.ReviewIterationCap = DefaultReviewIterationCap
	}
	if c.Orchestration.InvestigationCap == 0 {
		c.Orchestration.InvestigationCap = DefaultInvestigationCap
	}
	if c.Orchestration.ContextTokenBudget == 0 {
		c.Orchestration.ContextTokenBudget = DefaultContextTokenBudget
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(configDirName, "conductor.db")
	}
	if c.Workers == nil {
		c.Workers = DefaultConfig().Workers
	}
}

// LoadConfig reads .conductor/config.yaml under dir into the global
// instance, writing defaults first if the file does not exist.
func LoadConfig(dir string) error {
	mu.Lock()
	defer mu.Unlock()

	path := filepath.Join(dir, configDirName, configFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := writeConfigLocked(dir, cfg); err != nil {
			return err
		}
		config = cfg
		projectDir = dir
		getLogger().Info("wrote default config to %s", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	config = &cfg
	projectDir = dir
	return nil
}

// GetConfig returns a copy of the loaded config.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not loaded; call LoadConfig first")
	}
	return *config, nil
}

// GetProjectDir returns the directory LoadConfig was called with.
func GetProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return projectDir
}

// SetConfigForTest installs a config without touching the filesystem.
func SetConfigForTest(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
}

func writeConfigLocked(dir string, cfg *Config) error {
	confDir := filepath.Join(dir, configDirName)
	if err := os.MkdirAll(confDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", configDirName, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	path := filepath.Join(confDir, configFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveConfig validates and persists the given config, replacing the global
// instance on success.
func SaveConfig(dir string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if err := writeConfigLocked(dir, cfg); err != nil {
		return err
	}
	config = cfg
	return nil
}
