// Package chain executes templated prompts against a text-generation
// backend. Chain formats one input set into one prompt per input and batches
// them into a single backend round trip; ParallelChain expands list-valued
// inputs into branches and dispatches them concurrently under a bounded
// branching factor.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/llms"
	"github.com/wehubfusion/Daedalus/pkg/parsers"
	"github.com/wehubfusion/Daedalus/pkg/prompt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StopKey is the reserved input key carrying the stop option. It is consumed
// by the chain and never passed to the template.
const StopKey = "stop"

// DefaultOutputKey is the output key used when none is configured.
const DefaultOutputKey = "text"

// Inputs is one invocation's named inputs. Values are strings, or []string
// for list-valued entries on the parallel path. The reserved "stop" key
// holds a []string stop option.
type Inputs map[string]any

// Branch is one fully-resolved, scalar-valued input mapping. One Branch
// formats to exactly one prompt.
type Branch map[string]string

// Output is the record returned by a chain invocation. It holds at least
// the configured output key.
type Output map[string]any

// Config carries the optional settings shared by both chain variants.
type Config struct {
	// OutputKey is the key the generated text is returned under.
	// Defaults to DefaultOutputKey.
	OutputKey string

	// OutputParser, when set, is applied to each raw generated string.
	OutputParser parsers.Output

	// Observer receives formatted prompts and raw responses.
	// Defaults to NoOpObserver.
	Observer Observer
}

func (c *Config) applyDefaults() {
	if c.OutputKey == "" {
		c.OutputKey = DefaultOutputKey
	}
	if c.Observer == nil {
		c.Observer = NoOpObserver{}
	}
}

// Chain pairs a prompt formatter with a generation backend and answers one
// logical query per input set, batching the whole input list into a single
// backend call. A Chain is immutable after construction and safe for
// concurrent reuse.
type Chain struct {
	prompt       prompt.Formatter
	llm          llms.Generator
	outputKey    string
	outputParser parsers.Output
	observer     Observer
	tracer       trace.Tracer
}

// New creates a sequential chain with default configuration.
func New(formatter prompt.Formatter, generator llms.Generator) (*Chain, error) {
	return NewWithConfig(formatter, generator, Config{})
}

// NewWithConfig creates a sequential chain with custom configuration.
func NewWithConfig(formatter prompt.Formatter, generator llms.Generator, cfg Config) (*Chain, error) {
	if formatter == nil {
		return nil, errors.New("formatter cannot be nil")
	}
	if generator == nil {
		return nil, errors.New("generator cannot be nil")
	}
	cfg.applyDefaults()

	return &Chain{
		prompt:       formatter,
		llm:          generator,
		outputKey:    cfg.OutputKey,
		outputParser: cfg.OutputParser,
		observer:     cfg.Observer,
		tracer:       otel.Tracer("daedalus/chain"),
	}, nil
}

// OutputKey returns the key generated text is returned under.
func (c *Chain) OutputKey() string {
	return c.outputKey
}

// InputVariables returns the variable names the chain's template expects.
func (c *Chain) InputVariables() []string {
	return c.prompt.InputVariables()
}

// Apply formats every input set into a prompt and submits all prompts as one
// backend batch, returning one Output per input in the same order. If any
// input carries a stop option, all of them must carry the identical one;
// otherwise Apply fails with ErrStopMismatch before any backend call.
func (c *Chain) Apply(ctx context.Context, inputs []Inputs) ([]Output, error) {
	if len(inputs) == 0 {
		return []Output{}, nil
	}

	stop, err := sharedStop(inputs)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "chain.Apply",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("inputs.count", len(inputs)),
		))
	defer span.End()

	prompts := make([]string, len(inputs))
	for i, in := range inputs {
		branch, err := selectBranch(c.prompt.InputVariables(), in)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		formatted, err := c.prompt.Format(branch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		c.observer.PromptFormatted(runID, branch, formatted)
		prompts[i] = formatted
	}

	results, err := c.llm.Generate(ctx, prompts, llms.Options{Stop: stop})
	if err != nil {
		wrapped := sdkerrors.Backend(err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped
	}
	if len(results) != len(prompts) {
		err := sdkerrors.NewError("backend",
			fmt.Sprintf("backend returned %d results for %d prompts", len(results), len(prompts)),
			sdkerrors.ErrBackend)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	outputs := make([]Output, len(inputs))
	for i, result := range results {
		if len(result.Generations) == 0 {
			err := sdkerrors.NewError("backend",
				fmt.Sprintf("empty result for prompt %d", i), sdkerrors.ErrEmptyResult)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		c.observer.ResponseReceived(runID, result.Generations)
		outputs[i] = Output{c.outputKey: result.Generations[0]}
	}

	span.SetStatus(codes.Ok, "batch completed")
	return outputs, nil
}

// Call runs the chain on a single input set.
func (c *Chain) Call(ctx context.Context, inputs Inputs) (Output, error) {
	outputs, err := c.Apply(ctx, []Inputs{inputs})
	if err != nil {
		return nil, err
	}
	return outputs[0], nil
}

// Predict formats the template with the given values, calls the backend once
// and returns the raw generated string.
func (c *Chain) Predict(ctx context.Context, values map[string]string) (string, error) {
	inputs := make(Inputs, len(values))
	for name, value := range values {
		inputs[name] = value
	}
	out, err := c.Call(ctx, inputs)
	if err != nil {
		return "", err
	}
	text, _ := out[c.outputKey].(string)
	return text, nil
}

// PredictAndParse calls Predict and applies the configured output parser,
// producing a string, list or mapping value. Without a parser the raw text
// is returned as a string value.
func (c *Chain) PredictAndParse(ctx context.Context, values map[string]string) (parsers.Value, error) {
	text, err := c.Predict(ctx, values)
	if err != nil {
		return parsers.Value{}, err
	}
	if c.outputParser == nil {
		return parsers.StringValue(text), nil
	}
	parsed, err := c.outputParser.Parse(text)
	if err != nil {
		return parsers.Value{}, asParserError(err)
	}
	return parsed, nil
}

// selectBranch picks the template's required variables out of an input set,
// requiring each to be a scalar string.
func selectBranch(required []string, inputs Inputs) (Branch, error) {
	branch := make(Branch, len(required))
	for _, name := range required {
		raw, ok := inputs[name]
		if !ok {
			return nil, sdkerrors.MissingVariable(name)
		}
		value, ok := raw.(string)
		if !ok {
			return nil, sdkerrors.NewError("invalid_input",
				fmt.Sprintf("variable %q must be a string, got %T", name, raw), nil)
		}
		branch[name] = value
	}
	return branch, nil
}

// stopOption extracts the reserved stop option from an input set. Returns
// present=false when the key is absent.
func stopOption(inputs Inputs) (stop []string, present bool, err error) {
	raw, ok := inputs[StopKey]
	if !ok {
		return nil, false, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, true, nil
	case string:
		return []string{v}, true, nil
	default:
		return nil, false, sdkerrors.NewError("invalid_input",
			fmt.Sprintf("stop must be a []string, got %T", raw), nil)
	}
}

// sharedStop enforces the batch stop-consistency rule: if stop is present in
// any input, it must be present, and identical, in all of them.
func sharedStop(inputs []Inputs) ([]string, error) {
	var shared []string
	seen := false
	for i, in := range inputs {
		stop, present, err := stopOption(in)
		if err != nil {
			return nil, err
		}
		if !present {
			if seen {
				return nil, sdkerrors.StopMismatch("if stop is present in any input, it must be present in all")
			}
			continue
		}
		if !seen {
			if i > 0 {
				return nil, sdkerrors.StopMismatch("if stop is present in any input, it must be present in all")
			}
			shared = stop
			seen = true
			continue
		}
		if !equalStrings(shared, stop) {
			return nil, sdkerrors.StopMismatch("stop must be identical across the batch")
		}
	}
	return shared, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// asParserError guarantees parser failures surface under the parser error
// code without double-wrapping errors that already carry it.
func asParserError(err error) error {
	if sdkerrors.IsParser(err) {
		return err
	}
	return sdkerrors.Parser(err)
}
