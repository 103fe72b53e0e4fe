package llms

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
)

// BreakerGenerator wraps a Generator with a circuit breaker so a backend
// that is failing repeatedly is shed instead of being hit by every queued
// branch. The wrapped error is still the backend's own on pass-through
// failures; only a tripped breaker synthesizes an error.
type BreakerGenerator struct {
	generator Generator
	breaker   *concurrency.CircuitBreaker
}

// WithCircuitBreaker decorates generator with breaker. A nil breaker gets
// default thresholds.
func WithCircuitBreaker(generator Generator, breaker *concurrency.CircuitBreaker) *BreakerGenerator {
	if breaker == nil {
		breaker = concurrency.NewCircuitBreaker(0, 0)
	}
	return &BreakerGenerator{generator: generator, breaker: breaker}
}

// Generate implements Generator.
func (g *BreakerGenerator) Generate(ctx context.Context, prompts []string, opts Options) ([]Result, error) {
	if g.breaker.IsOpen() {
		return nil, fmt.Errorf("generation backend circuit breaker is open")
	}

	results, err := g.generator.Generate(ctx, prompts, opts)
	if err != nil {
		g.breaker.RecordFailure()
		return nil, err
	}
	g.breaker.RecordSuccess()
	return results, nil
}
