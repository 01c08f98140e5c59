package provider

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"hivemind/internal/logging"
)

// GeminiClient implements Client over the Google GenAI API.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a Gemini-backed provider client.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

// Generate calls the model once. Quota violations surface as *QuotaError so
// the executor can back off instead of failing the node.
func (c *GeminiClient) Generate(ctx context.Context, prompt string, opts Options) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "GeminiClient.Generate")
	defer timer.Stop()

	if opts.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	cfg := &genai.GenerateContentConfig{}
	if opts.Temperature > 0 {
		cfg.Temperature = genai.Ptr(opts.Temperature)
	}
	if opts.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(opts.SystemPrompt, genai.RoleUser)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	resp, err := c.client.Models.GenerateContent(ctx, opts.Model, contents, cfg)
	if err != nil {
		if IsQuota(err) {
			logging.API("Quota error from provider (model=%s): %v", opts.Model, err)
			return nil, &QuotaError{Message: err.Error()}
		}
		return nil, fmt.Errorf("generation failed (model=%s): %w", opts.Model, err)
	}

	result := &Result{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	logging.API("Generated %d tokens (model=%s)", result.OutputTokens, opts.Model)
	return result, nil
}
