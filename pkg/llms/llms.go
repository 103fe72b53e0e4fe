// Package llms defines the generation backend contract shared by all chains,
// along with helpers common to backend implementations. Concrete backends
// live in the subpackages gemini, huggingface and remote.
package llms

import (
	"context"
	"strings"
)

// Options carries per-call generation settings. Recognized options are Stop
// and N; anything backend-specific travels opaquely in Extra.
type Options struct {
	// Stop is an ordered list of strings at which generation halts.
	Stop []string

	// N is the number of completions requested per prompt. Zero means the
	// backend default of one.
	N int

	// Extra holds opaque backend-specific options passed through untouched.
	Extra map[string]any
}

// Completions returns the effective number of completions per prompt.
func (o Options) Completions() int {
	if o.N <= 0 {
		return 1
	}
	return o.N
}

// Result is the ordered sequence of generated strings for one dispatched
// prompt. A successful Generate call never returns an empty Result.
type Result struct {
	Generations []string
}

// Generator is the text-generation backend contract. Generate submits a
// batch of prompts in one round trip and returns one Result per prompt, in
// the same order. Implementations may be network-bound and must honor ctx.
type Generator interface {
	Generate(ctx context.Context, prompts []string, opts Options) ([]Result, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompts []string, opts Options) ([]Result, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, prompts []string, opts Options) ([]Result, error) {
	return f(ctx, prompts, opts)
}

// CutAtStopTokens truncates text at the first occurrence of any stop string.
// Backends whose APIs lack server-side stop sequences apply this client-side.
func CutAtStopTokens(text string, stop []string) string {
	cut := len(text)
	for _, s := range stop {
		if s == "" {
			continue
		}
		if idx := strings.Index(text, s); idx >= 0 && idx < cut {
			cut = idx
		}
	}
	return text[:cut]
}
