package config

// LLMConfig selects provider models per agent role. Model selection is a pure
// lookup: node kind -> model name, falling back to DefaultModel.
type LLMConfig struct {
	APIKey       string  `json:"api_key,omitempty"`
	DefaultModel string  `json:"default_model"`
	Temperature  float32 `json:"temperature"`

	// Per-role overrides, keyed by node kind (analyst, lead, synthesizer,
	// evaluator, architect, planner).
	Models map[string]string `json:"models,omitempty"`
}

// DefaultLLM returns the default model table.
func DefaultLLM() LLMConfig {
	return LLMConfig{
		DefaultModel: "gemini-2.5-flash",
		Temperature:  0.7,
		Models: map[string]string{
			"synthesizer": "gemini-2.5-pro",
			"architect":   "gemini-2.5-pro",
		},
	}
}

// ModelFor resolves the model for a node kind.
func (l *LLMConfig) ModelFor(kind string) string {
	if m, ok := l.Models[kind]; ok && m != "" {
		return m
	}
	return l.DefaultModel
}
