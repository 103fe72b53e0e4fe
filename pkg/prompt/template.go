// Package prompt provides prompt templates for text-generation backends.
// A template pairs a format string containing {name} placeholders with the
// list of input variables it expects, and is validated at construction time.
package prompt

import (
	"fmt"
	"strings"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Template represents a prompt template for a generation backend.
//
// Placeholders use single braces ({topic}); literal braces are escaped by
// doubling ({{ and }}). Templates are immutable after construction and safe
// for concurrent use.
type Template struct {
	template       string
	inputVariables []string
}

// New creates a Template and verifies that the template string and input
// variables are consistent: every placeholder in the template must be one of
// the declared input variables. Returns ErrInvalidTemplate otherwise.
func New(template string, inputVariables []string) (*Template, error) {
	declared := make(map[string]struct{}, len(inputVariables))
	for _, name := range inputVariables {
		if name == "" {
			return nil, sdkerrors.NewError("invalid_template", "input variable names cannot be empty", sdkerrors.ErrInvalidTemplate)
		}
		declared[name] = struct{}{}
	}

	// Dry-run the interpolation with the declared variables to surface
	// undeclared placeholders and malformed braces before first use.
	_, err := interpolate(template, func(name string) (string, error) {
		if _, ok := declared[name]; !ok {
			return "", sdkerrors.NewError("invalid_template",
				fmt.Sprintf("template references undeclared variable %q", name), sdkerrors.ErrInvalidTemplate)
		}
		return "", nil
	})
	if err != nil {
		return nil, err
	}

	vars := make([]string, len(inputVariables))
	copy(vars, inputVariables)
	return &Template{template: template, inputVariables: vars}, nil
}

// MustNew is like New but panics on error. Intended for package-level
// template literals whose validity is fixed at compile time.
func MustNew(template string, inputVariables []string) *Template {
	t, err := New(template, inputVariables)
	if err != nil {
		panic(err)
	}
	return t
}

// FromExamples assembles a template from a list of examples joined by
// separator, wrapped in a prefix and suffix. The suffix generally sets up the
// user's input and carries the placeholders.
func FromExamples(examples []string, suffix string, inputVariables []string, separator, prefix string) (*Template, error) {
	if separator == "" {
		separator = "\n\n"
	}
	template := prefix + strings.Join(examples, separator) + suffix
	return New(template, inputVariables)
}

// InputVariables returns the variable names the template expects, in
// declaration order. The returned slice is a copy.
func (t *Template) InputVariables() []string {
	vars := make([]string, len(t.inputVariables))
	copy(vars, t.inputVariables)
	return vars
}

// Template returns the raw template string.
func (t *Template) Template() string {
	return t.template
}

// Format renders the template with the given values. Every declared input
// variable must be present in values; excess names are ignored. Returns
// ErrMissingVariable if a required name is absent.
func (t *Template) Format(values map[string]string) (string, error) {
	for _, name := range t.inputVariables {
		if _, ok := values[name]; !ok {
			return "", sdkerrors.MissingVariable(name)
		}
	}
	return interpolate(t.template, func(name string) (string, error) {
		return values[name], nil
	})
}

// interpolate substitutes {name} placeholders using lookup. Doubled braces
// emit a single literal brace.
func interpolate(template string, lookup func(name string) (string, error)) (string, error) {
	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); {
		switch template[i] {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				b.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				return "", sdkerrors.NewError("invalid_template", "unterminated placeholder", sdkerrors.ErrInvalidTemplate)
			}
			name := template[i+1 : i+end]
			if name == "" || strings.ContainsAny(name, "{ \t\r\n") {
				return "", sdkerrors.NewError("invalid_template",
					fmt.Sprintf("malformed placeholder %q", template[i:i+end+1]), sdkerrors.ErrInvalidTemplate)
			}
			value, err := lookup(name)
			if err != nil {
				return "", err
			}
			b.WriteString(value)
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i += 2
				continue
			}
			return "", sdkerrors.NewError("invalid_template", "unmatched closing brace", sdkerrors.ErrInvalidTemplate)
		default:
			b.WriteByte(template[i])
			i++
		}
	}
	return b.String(), nil
}
