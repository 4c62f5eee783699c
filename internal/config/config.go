// Package config loads the orchestration core's hand-editable TOML
// configuration: policy.toml, config.toml, and routines/*.toml (spec.md §6,
// "Configuration surface"). Parsing uses github.com/BurntSushi/toml, the
// same decoder used throughout the example corpus for flat, human-edited
// settings files.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type (
	// Policy mirrors policy.toml (spec.md §3, "Policy").
	Policy struct {
		Filesystem Filesystem `toml:"filesystem"`
		Shell      Shell      `toml:"shell"`
		Actions    Actions    `toml:"actions"`
		Budget     Budget     `toml:"budget"`
		DryRun     DryRun     `toml:"dry_run"`
	}

	// Filesystem governs path authorization.
	Filesystem struct {
		AllowedPaths   []string `toml:"allowed_paths"`
		DeniedPaths    []string `toml:"denied_paths"`
		FollowSymlinks bool     `toml:"follow_symlinks"`
	}

	// Shell governs command authorization.
	Shell struct {
		Mode                string   `toml:"mode"` // allowlist | denylist | deny_all
		AllowedCommands     []string `toml:"allowed_commands"`
		DeniedCommands      []string `toml:"denied_commands"`
		SplitChainedCommands bool    `toml:"split_chained_commands"`
	}

	// Actions governs always-flag and irreversibility classification.
	Actions struct {
		AlwaysFlag  []string `toml:"always_flag"`
		Irreversible []string `toml:"irreversible"`
	}

	// Budget governs per-session action and token ceilings.
	Budget struct {
		MaxActionsPerSession int            `toml:"max_actions_per_session"`
		MaxActionsPerType    map[string]int `toml:"max_actions_per_type"`
		TokenBudget          int            `toml:"token_budget"`
		OnExceed             string         `toml:"on_exceed"` // block | flag
	}

	// DryRun governs simulated-execution interception.
	DryRun struct {
		Enabled      bool     `toml:"enabled"`
		Tools        []string `toml:"tools"`
		AuditDryRuns bool     `toml:"audit_dry_runs"`
	}

	// Config mirrors config.toml: process-wide orchestrator settings.
	Config struct {
		Providers      []ProviderConfig `toml:"provider"`
		Router         RouterConfig     `toml:"router"`
		Failover       FailoverConfig   `toml:"failover"`
		Retry          RetryConfig      `toml:"retry"`
		Memory         MemoryConfig     `toml:"memory"`
		Scheduler      SchedulerConfig  `toml:"scheduler"`
		BaseDir        string           `toml:"base_dir"`
	}

	// ProviderConfig is one [[provider]] table entry.
	ProviderConfig struct {
		Name         string   `toml:"name"`
		Rank         int      `toml:"rank"`
		Capabilities []string `toml:"capabilities"`
		CostTier     string   `toml:"cost_tier"`
		Model        string   `toml:"model"`
		Enabled      bool     `toml:"enabled"`
	}

	// RouterConfig governs task classification and selection mode.
	RouterConfig struct {
		SelectionMode string `toml:"selection_mode"` // provider_only | respect_ranking | optimize_cost | round_robin
	}

	// FailoverConfig bounds handoff behavior.
	FailoverConfig struct {
		MaxHandoffContextTokens int `toml:"max_handoff_context_tokens"`
		MaxDepth                int `toml:"max_depth"`
	}

	// RetryConfig governs the retry queue's backoff schedule.
	RetryConfig struct {
		MaxAttempts       int     `toml:"max_attempts"`
		BaseDelaySeconds  float64 `toml:"base_delay_seconds"`
		CapSeconds        float64 `toml:"cap_seconds"`
	}

	// MemoryConfig governs consolidation and salience search.
	MemoryConfig struct {
		ConsolidationIntervalHours int     `toml:"consolidation_interval_hours"`
		SalienceThreshold          float64 `toml:"salience_threshold"`
		DedupJaccardThreshold      float64 `toml:"dedup_jaccard_threshold"`
	}

	// SchedulerConfig governs periodic sweeps.
	SchedulerConfig struct {
		HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
		AuthCheckIntervalSeconds int `toml:"auth_check_interval_seconds"`
		RetryPollIntervalSeconds int `toml:"retry_poll_interval_seconds"`
	}

	// Routine is one routines/*.toml cron-scheduled task definition.
	Routine struct {
		Name            string `toml:"name"`
		Cron            string `toml:"cron"`
		Prompt          string `toml:"prompt"`
		Enabled         bool   `toml:"enabled"`
		ModelPreference string `toml:"model_preference"`
		MaxCostTier     string `toml:"max_cost_tier"`
	}
)

// LoadPolicy reads and decodes a policy.toml file.
func LoadPolicy(path string) (Policy, error) {
	var p Policy
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return Policy{}, fmt.Errorf("config: load policy %s: %w", path, err)
	}
	return p, nil
}

// SavePolicy encodes and writes a policy.toml file, used by
// PolicyEngine.expandPolicy to persist runtime grants.
func SavePolicy(path string, p Policy) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: save policy %s: %w", path, err)
	}
	defer f.Close()
	enc := toml.NewEncoder(f)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("config: encode policy %s: %w", path, err)
	}
	return nil
}

// LoadConfig reads and decodes config.toml.
func LoadConfig(path string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("config: load config %s: %w", path, err)
	}
	return c, nil
}

// LoadRoutines reads every routines/*.toml file in dir.
func LoadRoutines(dir string) ([]Routine, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read routines dir %s: %w", dir, err)
	}
	var routines []Routine
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}
		var r Routine
		path := filepath.Join(dir, entry.Name())
		if _, err := toml.DecodeFile(path, &r); err != nil {
			return nil, fmt.Errorf("config: load routine %s: %w", path, err)
		}
		routines = append(routines, r)
	}
	return routines, nil
}
