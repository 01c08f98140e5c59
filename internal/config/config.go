// Package config holds the hivemind configuration: session behavior, request
// limits, provider/model selection, and consensus policy. Config is loaded
// from <workspace>/.hivemind/config.json with environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the root configuration object.
type Config struct {
	Session   SessionConfig   `json:"session"`
	Limits    LimitsConfig    `json:"limits"`
	LLM       LLMConfig       `json:"llm"`
	Consensus ConsensusConfig `json:"consensus"`
	Logging   LoggingConfig   `json:"logging"`
}

// SessionConfig controls run-level behavior.
type SessionConfig struct {
	Workspace       string `json:"workspace"`
	AnalystCount    int    `json:"analyst_count"`     // Analysts seeded per run (default 3)
	MaxGraphNodes   int    `json:"max_graph_nodes"`   // Hard ceiling on total nodes
	MaxNodeFailures int    `json:"max_node_failures"` // Failures before decomposition
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode bool   `json:"debug_mode"`
	Level     string `json:"level"` // debug, info, warn, error
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			AnalystCount:    3,
			MaxGraphNodes:   120,
			MaxNodeFailures: 3,
		},
		Limits:    DefaultLimits(),
		LLM:       DefaultLLM(),
		Consensus: DefaultConsensus(),
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads config from the workspace, falling back to defaults for any
// missing section. A missing file is not an error.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	cfg.Session.Workspace = workspace

	path := filepath.Join(workspace, ".hivemind", "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Session.Workspace = workspace
	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, nil
}

// Save writes the config back to the workspace.
func (c *Config) Save() error {
	dir := filepath.Join(c.Session.Workspace, ".hivemind")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// applyEnvOverrides lets environment variables win over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HIVEMIND_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}
	if v, ok := envInt("HIVEMIND_MAX_CONCURRENT"); ok {
		c.Limits.MaxConcurrent = v
	}
	if v, ok := envInt("HIVEMIND_RPM"); ok {
		c.Limits.RequestsPerMinute = v
	}
	if v, ok := envInt("HIVEMIND_RPD"); ok {
		c.Limits.RequestsPerDay = v
	}
	if os.Getenv("HIVEMIND_DEBUG") == "1" {
		c.Logging.DebugMode = true
	}
}

// normalize clamps nonsense values back to usable defaults.
func (c *Config) normalize() {
	if c.Session.AnalystCount <= 0 {
		c.Session.AnalystCount = 3
	}
	if c.Session.MaxGraphNodes <= 0 {
		c.Session.MaxGraphNodes = 120
	}
	if c.Session.MaxNodeFailures <= 0 {
		c.Session.MaxNodeFailures = 3
	}
	c.Limits.normalize()
	c.Consensus.normalize()
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Duration is a time.Duration that marshals as a string ("3s", "5m").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
