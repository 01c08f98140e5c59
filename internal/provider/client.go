// Package provider defines the text-generation service boundary. The Client
// interface is the minimal surface the executor needs; concrete transports
// live behind it so components can be tested with function-field mocks.
package provider

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Options controls a single generation call.
type Options struct {
	Model        string
	SystemPrompt string
	Temperature  float32
}

// Result is the provider response.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Client generates text for a prompt.
type Client interface {
	Generate(ctx context.Context, prompt string, opts Options) (*Result, error)
}

// QuotaError signals a quota/rate violation from the provider. It is never
// treated as node failure; the executor retries with capped exponential
// backoff.
type QuotaError struct {
	Message    string
	RetryAfter time.Duration // Zero when the provider gave no hint
}

func (e *QuotaError) Error() string {
	if e.Message == "" {
		return "provider quota exceeded"
	}
	return "provider quota exceeded: " + e.Message
}

// IsQuota reports whether err represents a quota/rate violation, either as a
// typed *QuotaError or by transport error text.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	var qe *QuotaError
	if errors.As(err, &qe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"429", "resource_exhausted", "rate limit", "quota", "too many requests"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
