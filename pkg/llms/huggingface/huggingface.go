// Package huggingface implements the generation backend contract on top of
// the HuggingFace Inference API text-generation task.
package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/llms"
)

const (
	defaultBaseURL = "https://api-inference.huggingface.co/models"
	defaultRepoID  = "gpt2"
)

// Config holds the HuggingFace backend settings.
type Config struct {
	// Token is the HuggingFace API token. Required.
	Token string

	// RepoID is the model repository. Defaults to gpt2.
	RepoID string

	// BaseURL overrides the inference endpoint, e.g. for a dedicated
	// deployment. Defaults to the public inference API.
	BaseURL string

	// Temperature is the sampling temperature.
	Temperature float64

	// MaxNewTokens caps the completion length.
	MaxNewTokens int

	// TopP is the nucleus sampling probability mass.
	TopP float64

	// Timeout bounds one HTTP request. Defaults to two minutes.
	Timeout time.Duration
}

// DefaultConfig returns the defaults the public inference API expects.
func DefaultConfig(token string) Config {
	return Config{
		Token:        token,
		RepoID:       defaultRepoID,
		BaseURL:      defaultBaseURL,
		Temperature:  0.7,
		MaxNewTokens: 200,
		TopP:         1.0,
		Timeout:      2 * time.Minute,
	}
}

// Generator calls the HuggingFace Inference API, one request per prompt.
// The API has no server-side stop sequences, so stop tokens are enforced
// client-side; the echoed prompt prefix is stripped from completions.
type Generator struct {
	config     Config
	httpClient *http.Client
}

// New creates a HuggingFace backend.
func New(config Config) (*Generator, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("huggingface API token is required")
	}
	if config.RepoID == "" {
		config.RepoID = defaultRepoID
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	return &Generator{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

type inferenceRequest struct {
	Inputs     string              `json:"inputs"`
	Parameters inferenceParameters `json:"parameters"`
}

type inferenceParameters struct {
	Temperature        float64 `json:"temperature"`
	MaxNewTokens       int     `json:"max_new_tokens"`
	TopP               float64 `json:"top_p"`
	NumReturnSequences int     `json:"num_return_sequences"`
}

type inferenceChoice struct {
	GeneratedText string `json:"generated_text"`
}

// Generate implements llms.Generator.
func (g *Generator) Generate(ctx context.Context, prompts []string, opts llms.Options) ([]llms.Result, error) {
	results := make([]llms.Result, 0, len(prompts))
	for i, p := range prompts {
		generations, err := g.generateOne(ctx, p, opts)
		if err != nil {
			return nil, fmt.Errorf("huggingface generate for prompt %d: %w", i, err)
		}
		results = append(results, llms.Result{Generations: generations})
	}
	return results, nil
}

func (g *Generator) generateOne(ctx context.Context, prompt string, opts llms.Options) ([]string, error) {
	payload, err := json.Marshal(inferenceRequest{
		Inputs: prompt,
		Parameters: inferenceParameters{
			Temperature:        g.config.Temperature,
			MaxNewTokens:       g.config.MaxNewTokens,
			TopP:               g.config.TopP,
			NumReturnSequences: opts.Completions(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s", strings.TrimRight(g.config.BaseURL, "/"), g.config.RepoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.config.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var choices []inferenceChoice
	if err := json.Unmarshal(body, &choices); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(choices) == 0 {
		return nil, fmt.Errorf("inference API returned no generations")
	}

	generations := make([]string, 0, len(choices))
	for _, choice := range choices {
		// The text-generation task echoes the prompt before the completion.
		text := strings.TrimPrefix(choice.GeneratedText, prompt)
		generations = append(generations, llms.CutAtStopTokens(text, opts.Stop))
	}
	return generations, nil
}

var _ llms.Generator = (*Generator)(nil)
