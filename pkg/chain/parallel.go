package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/llms"
	"github.com/wehubfusion/Daedalus/pkg/parsers"
	"github.com/wehubfusion/Daedalus/pkg/prompt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxBranching is the default upper bound on concurrently in-flight
// backend calls for a parallel chain.
const DefaultMaxBranching = 25

// ParallelConfig carries the settings of a parallel chain.
type ParallelConfig struct {
	Config

	// InputParser, when set, is applied to list-valued input entries before
	// branch expansion. Scalar entries pass through untouched.
	InputParser parsers.Input

	// N is a fixed number of completions requested per branch. When set it
	// takes precedence over the per-call override. Zero means one.
	N int

	// MaxBranching bounds concurrently in-flight backend calls.
	// Defaults to DefaultMaxBranching.
	MaxBranching int
}

// ParallelChain expands list-valued inputs into the cartesian product of
// branches and dispatches one backend call per branch with bounded
// parallelism. Branch results are reassembled in submission order regardless
// of completion order. A ParallelChain is immutable after construction and
// safe for concurrent reuse; the limiter is shared across invocations so the
// branching factor caps backend load for the chain as a whole.
type ParallelChain struct {
	prompt       prompt.Formatter
	llm          llms.Generator
	outputKey    string
	outputParser parsers.Output
	inputParser  parsers.Input
	observer     Observer
	n            int
	limiter      *concurrency.Limiter
	tracer       trace.Tracer
}

// NewParallel creates a parallel chain with default configuration.
func NewParallel(formatter prompt.Formatter, generator llms.Generator) (*ParallelChain, error) {
	return NewParallelWithConfig(formatter, generator, ParallelConfig{})
}

// NewParallelWithConfig creates a parallel chain with custom configuration.
func NewParallelWithConfig(formatter prompt.Formatter, generator llms.Generator, cfg ParallelConfig) (*ParallelChain, error) {
	if formatter == nil {
		return nil, errors.New("formatter cannot be nil")
	}
	if generator == nil {
		return nil, errors.New("generator cannot be nil")
	}
	if cfg.N < 0 {
		return nil, errors.New("n cannot be negative")
	}
	if cfg.MaxBranching < 0 {
		return nil, errors.New("maxBranching cannot be negative")
	}
	cfg.applyDefaults()
	if cfg.MaxBranching == 0 {
		cfg.MaxBranching = DefaultMaxBranching
	}

	return &ParallelChain{
		prompt:       formatter,
		llm:          generator,
		outputKey:    cfg.OutputKey,
		outputParser: cfg.OutputParser,
		inputParser:  cfg.InputParser,
		observer:     cfg.Observer,
		n:            cfg.N,
		limiter:      concurrency.NewLimiter(cfg.MaxBranching),
		tracer:       otel.Tracer("daedalus/chain"),
	}, nil
}

// OutputKey returns the key aggregated generations are returned under.
func (pc *ParallelChain) OutputKey() string {
	return pc.outputKey
}

// MaxBranching returns the configured branching factor.
func (pc *ParallelChain) MaxBranching() int {
	return pc.limiter.Capacity()
}

// Call expands inputs into branches, dispatches them concurrently and
// returns the aggregated Output. Each branch requests one completion unless
// a fixed N is configured.
func (pc *ParallelChain) Call(ctx context.Context, inputs Inputs) (Output, error) {
	return pc.call(ctx, inputs, 1)
}

// CallN is Call with a per-call completions-per-branch override. A fixed N
// configured on the chain takes precedence.
func (pc *ParallelChain) CallN(ctx context.Context, inputs Inputs, n int) (Output, error) {
	return pc.call(ctx, inputs, n)
}

func (pc *ParallelChain) call(ctx context.Context, inputs Inputs, n int) (Output, error) {
	stop, _, err := stopOption(inputs)
	if err != nil {
		return nil, err
	}

	branches, err := pc.ExpandBranches(inputs)
	if err != nil {
		return nil, err
	}

	completions := pc.n
	if completions <= 0 {
		completions = n
	}
	if completions <= 0 {
		completions = 1
	}

	runID := uuid.NewString()
	ctx, span := pc.tracer.Start(ctx, "chain.parallel.Call",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("branches.count", len(branches)),
			attribute.Int("completions.per_branch", completions),
			attribute.Int("branching.max", pc.limiter.Capacity()),
		))
	defer span.End()

	results, err := pc.dispatch(ctx, runID, branches, stop, completions)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Flatten per-branch generations in submission order.
	flattened := make([]string, 0, len(branches)*completions)
	for _, generations := range results {
		flattened = append(flattened, generations...)
	}

	output, err := pc.postProcess(flattened)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "dispatch completed")
	return output, nil
}

// dispatch runs one backend call per branch with at most the branching
// factor in flight. Results are collected into a pre-sized slice indexed by
// branch position, so completion order never reorders the aggregate. The
// first failure cancels the remaining branch calls and is the error
// reported; no partial results are returned.
func (pc *ParallelChain) dispatch(ctx context.Context, runID string, branches []Branch, stop []string, n int) ([][]string, error) {
	results := make([][]string, len(branches))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for i, branch := range branches {
		if err := pc.limiter.Acquire(ctx); err != nil {
			// Cancelled while queued: either a branch already failed, or
			// the caller's context is done.
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(idx int, b Branch) {
			defer wg.Done()
			defer pc.limiter.Release()

			generations, err := pc.callBranch(ctx, runID, idx, b, stop, n)

			mu.Lock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("branch %d: %w", idx, err)
					cancel()
				}
			} else {
				results[idx] = generations
			}
			mu.Unlock()
		}(i, branch)
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// callBranch formats one branch and issues one backend call for it.
func (pc *ParallelChain) callBranch(ctx context.Context, runID string, idx int, branch Branch, stop []string, n int) ([]string, error) {
	ctx, span := pc.tracer.Start(ctx, "chain.parallel.branch",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("branch.index", idx),
		))
	defer span.End()

	formatted, err := pc.prompt.Format(branch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	pc.observer.PromptFormatted(runID, branch, formatted)

	results, err := pc.llm.Generate(ctx, []string{formatted}, llms.Options{Stop: stop, N: n})
	if err != nil {
		wrapped := sdkerrors.Backend(err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped
	}
	if len(results) == 0 || len(results[0].Generations) == 0 {
		err := sdkerrors.NewError("backend", "empty result for branch", sdkerrors.ErrEmptyResult)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	pc.observer.ResponseReceived(runID, results[0].Generations)
	span.SetStatus(codes.Ok, "branch completed")
	return results[0].Generations, nil
}

// postProcess applies the output parser, normalizing every parsed result to
// a list and concatenating in order, so one raw response may expand into
// zero, one or many structured outputs. Without a parser the raw strings are
// returned unchanged.
func (pc *ParallelChain) postProcess(flattened []string) (Output, error) {
	if pc.outputParser == nil {
		return Output{pc.outputKey: flattened}, nil
	}

	parsed := make([]any, 0, len(flattened))
	for _, raw := range flattened {
		value, err := pc.outputParser.Parse(raw)
		if err != nil {
			return nil, asParserError(err)
		}
		parsed = append(parsed, value.Flatten()...)
	}
	return Output{pc.outputKey: parsed}, nil
}

// ExpandBranches computes the cartesian product of the template's input
// variables over the given inputs, in declaration order. Scalar values are
// treated as one-element lists; the input parser, when configured, is
// applied to list-valued entries only. An all-scalar input yields exactly
// one branch.
func (pc *ParallelChain) ExpandBranches(inputs Inputs) ([]Branch, error) {
	vars := pc.prompt.InputVariables()
	lists := make([][]string, len(vars))

	for i, name := range vars {
		raw, ok := inputs[name]
		if !ok {
			return nil, sdkerrors.MissingVariable(name)
		}
		switch v := raw.(type) {
		case string:
			lists[i] = []string{v}
		case []string:
			values := v
			if pc.inputParser != nil {
				transformed, err := pc.inputParser(v)
				if err != nil {
					return nil, asParserError(err)
				}
				values = transformed
			}
			lists[i] = values
		default:
			return nil, sdkerrors.NewError("invalid_input",
				fmt.Sprintf("variable %q must be a string or []string, got %T", name, raw), nil)
		}
	}

	total := 1
	for _, list := range lists {
		total *= len(list)
	}
	if total == 0 {
		return []Branch{}, nil
	}

	// Odometer over the per-variable lists, last variable fastest, yielding
	// lexicographic order of the cartesian product.
	branches := make([]Branch, 0, total)
	indices := make([]int, len(vars))
	for {
		branch := make(Branch, len(vars))
		for i, name := range vars {
			branch[name] = lists[i][indices[i]]
		}
		branches = append(branches, branch)

		pos := len(indices) - 1
		for pos >= 0 {
			indices[pos]++
			if indices[pos] < len(lists[pos]) {
				break
			}
			indices[pos] = 0
			pos--
		}
		if pos < 0 {
			break
		}
	}
	return branches, nil
}
