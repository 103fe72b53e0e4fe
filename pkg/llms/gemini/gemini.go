// Package gemini implements the generation backend contract on top of the
// Google Gemini API.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/llms"
	"google.golang.org/genai"
)

const defaultModel = "gemini-2.0-flash"

// Config holds the Gemini backend settings.
type Config struct {
	// APIKey authenticates against the Gemini API. Required.
	APIKey string

	// Model is the model name. Defaults to gemini-2.0-flash.
	Model string

	// Temperature is the sampling temperature. Nil means the API default.
	Temperature *float32

	// MaxOutputTokens caps the completion length. Zero means the API default.
	MaxOutputTokens int32
}

// Generator calls the Gemini API, one request per prompt. Stop maps to the
// API's stop sequences and N to the candidate count.
type Generator struct {
	client *genai.Client
	config Config
}

// New creates a Gemini backend.
func New(ctx context.Context, config Config) (*Generator, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if config.Model == "" {
		config.Model = defaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Generator{client: client, config: config}, nil
}

// Generate implements llms.Generator. Prompts are submitted in order, one
// API request each; the slice of results preserves prompt order.
func (g *Generator) Generate(ctx context.Context, prompts []string, opts llms.Options) ([]llms.Result, error) {
	genConfig := &genai.GenerateContentConfig{
		StopSequences:   opts.Stop,
		CandidateCount:  int32(opts.Completions()),
		Temperature:     g.config.Temperature,
		MaxOutputTokens: g.config.MaxOutputTokens,
	}

	results := make([]llms.Result, 0, len(prompts))
	for i, p := range prompts {
		resp, err := g.client.Models.GenerateContent(ctx, g.config.Model, genai.Text(p), genConfig)
		if err != nil {
			return nil, fmt.Errorf("gemini generate for prompt %d: %w", i, err)
		}

		generations := make([]string, 0, len(resp.Candidates))
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			var b strings.Builder
			for _, part := range candidate.Content.Parts {
				b.WriteString(part.Text)
			}
			generations = append(generations, b.String())
		}
		if len(generations) == 0 {
			return nil, fmt.Errorf("gemini returned no candidates for prompt %d", i)
		}
		results = append(results, llms.Result{Generations: generations})
	}
	return results, nil
}

var _ llms.Generator = (*Generator)(nil)
