package config

import "time"

// LimitsConfig bounds traffic against the text-generation provider.
// MaxConcurrent caps parallelism (the gate); RequestsPerMinute/Day cap
// throughput (the rate limiter). Both are adjustable at runtime through the
// session control surface.
type LimitsConfig struct {
	MaxConcurrent     int `json:"max_concurrent"`
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerDay    int `json:"requests_per_day"`

	// Quota backoff: wait base*2^retry, clamped to max.
	BackoffBase Duration `json:"backoff_base"`
	BackoffMax  Duration `json:"backoff_max"`

	// Validation retries at adjusted temperature before accepting output as-is.
	ValidationRetries int `json:"validation_retries"`
}

// DefaultLimits returns provider limits matching a free-tier quota.
func DefaultLimits() LimitsConfig {
	return LimitsConfig{
		MaxConcurrent:     4,
		RequestsPerMinute: 10,
		RequestsPerDay:    1500,
		BackoffBase:       Duration(3 * time.Second),
		BackoffMax:        Duration(30 * time.Second),
		ValidationRetries: 2,
	}
}

func (l *LimitsConfig) normalize() {
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = 4
	}
	if l.MaxConcurrent > 15 {
		l.MaxConcurrent = 15
	}
	if l.RequestsPerMinute <= 0 {
		l.RequestsPerMinute = 10
	}
	if l.RequestsPerDay <= 0 {
		l.RequestsPerDay = 1500
	}
	if l.BackoffBase <= 0 {
		l.BackoffBase = Duration(3 * time.Second)
	}
	if l.BackoffMax <= 0 {
		l.BackoffMax = Duration(30 * time.Second)
	}
	if l.ValidationRetries < 0 {
		l.ValidationRetries = 2
	}
}

// ConsensusConfig holds the judge-voting policy.
type ConsensusConfig struct {
	AcceptThreshold   float64 `json:"accept_threshold"`   // Average score to accept (default 85)
	VarianceThreshold float64 `json:"variance_threshold"` // Population variance that forces escalation
	JudgeTiers        []int   `json:"judge_tiers"`        // Escalation tiers (default 3, 5, 7)
}

// DefaultConsensus returns the published consensus defaults.
func DefaultConsensus() ConsensusConfig {
	return ConsensusConfig{
		AcceptThreshold:   85,
		VarianceThreshold: 400,
		JudgeTiers:        []int{3, 5, 7},
	}
}

func (c *ConsensusConfig) normalize() {
	if c.AcceptThreshold <= 0 {
		c.AcceptThreshold = 85
	}
	if c.VarianceThreshold <= 0 {
		c.VarianceThreshold = 400
	}
	if len(c.JudgeTiers) == 0 {
		c.JudgeTiers = []int{3, 5, 7}
	}
}
