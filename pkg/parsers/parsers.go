// Package parsers provides the input and output parser contracts applied by
// chains, plus ready-made parsers: regex extraction into named keys, string
// splitting, unicode case normalization and sandboxed JavaScript transforms.
package parsers

import (
	"fmt"
	"regexp"
	"strings"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Kind discriminates the variants a parsed output value can take.
type Kind int

const (
	// KindString is a single string result.
	KindString Kind = iota
	// KindList is an ordered list of strings.
	KindList
	// KindMap is a mapping of named output keys to strings.
	KindMap
)

// Value is a tagged variant holding one parsed output: a single string, a
// list of strings, or a string mapping. Exactly the field matching Kind is
// populated.
type Value struct {
	Kind Kind
	Str  string
	List []string
	Map  map[string]string
}

// StringValue wraps a single string.
func StringValue(s string) Value {
	return Value{Kind: KindString, Str: s}
}

// ListValue wraps an ordered list of strings.
func ListValue(items []string) Value {
	return Value{Kind: KindList, List: items}
}

// MapValue wraps a mapping of named output keys to strings.
func MapValue(m map[string]string) Value {
	return Value{Kind: KindMap, Map: m}
}

// Flatten normalizes the value to a list of elements: a string yields one
// element, a list yields one element per item, and a map yields one
// structured element. This is the normalization chains apply before
// concatenating parsed responses.
func (v Value) Flatten() []any {
	switch v.Kind {
	case KindList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = item
		}
		return out
	case KindMap:
		return []any{v.Map}
	default:
		return []any{v.Str}
	}
}

// Output parses one raw generated string into a structured Value. Parsers
// must be safe for repeated use within a single invocation.
type Output interface {
	Parse(text string) (Value, error)
}

// OutputFunc adapts a function to the Output interface.
type OutputFunc func(text string) (Value, error)

// Parse implements Output.
func (f OutputFunc) Parse(text string) (Value, error) {
	return f(text)
}

// Input transforms a list-valued input entry before branch expansion. The
// transform receives the raw list and returns a possibly-different list;
// scalar entries are never passed through it.
type Input func(values []string) ([]string, error)

// Regex extracts named output keys from generated text using capture groups.
type Regex struct {
	re   *regexp.Regexp
	keys []string
}

// NewRegex compiles pattern and pairs its capture groups with outputKeys in
// order. The pattern must have exactly one group per key.
func NewRegex(pattern string, outputKeys []string) (*Regex, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, sdkerrors.Parser(fmt.Errorf("compile %q: %w", pattern, err))
	}
	if re.NumSubexp() != len(outputKeys) {
		return nil, sdkerrors.Parser(fmt.Errorf("pattern has %d groups for %d output keys", re.NumSubexp(), len(outputKeys)))
	}
	keys := make([]string, len(outputKeys))
	copy(keys, outputKeys)
	return &Regex{re: re, keys: keys}, nil
}

// Parse matches the pattern against text and returns a map of output keys to
// the captured groups. Fails with ErrParser if the text does not match.
func (p *Regex) Parse(text string) (Value, error) {
	match := p.re.FindStringSubmatch(text)
	if match == nil {
		return Value{}, sdkerrors.Parser(fmt.Errorf("text does not match pattern %q", p.re.String()))
	}
	out := make(map[string]string, len(p.keys))
	for i, key := range p.keys {
		out[key] = match[i+1]
	}
	return MapValue(out), nil
}

// Split breaks generated text on a separator, yielding a list. A single
// response can this way expand into many structured outputs.
type Split struct {
	// Sep is the separator to split on. Must be non-empty.
	Sep string

	// TrimSpace trims surrounding whitespace from each part.
	TrimSpace bool

	// DropEmpty removes empty parts after any trimming.
	DropEmpty bool
}

// Parse implements Output.
func (p Split) Parse(text string) (Value, error) {
	if p.Sep == "" {
		return Value{}, sdkerrors.Parser(fmt.Errorf("split separator cannot be empty"))
	}
	parts := strings.Split(text, p.Sep)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p.TrimSpace {
			part = strings.TrimSpace(part)
		}
		if p.DropEmpty && part == "" {
			continue
		}
		out = append(out, part)
	}
	return ListValue(out), nil
}

// TrimInputs is an input parser that trims surrounding whitespace from every
// list entry.
func TrimInputs(values []string) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.TrimSpace(v)
	}
	return out, nil
}

// DedupeInputs is an input parser that removes duplicate entries, keeping
// first occurrences in order.
func DedupeInputs(values []string) ([]string, error) {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}
