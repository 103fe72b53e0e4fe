package prompt

import "strings"

// ExamplesTemplate is a prompt template assembled from a mutable example list
// at format time. Unlike FromExamples, the examples are joined on every
// Format call, so the set can be adjusted between invocations.
type ExamplesTemplate struct {
	examples       []string
	separator      string
	prefix         string
	suffix         string
	inputVariables []string
}

// NewExamplesTemplate creates an ExamplesTemplate. The suffix carries the
// placeholders and is validated against the declared input variables.
func NewExamplesTemplate(examples []string, suffix string, inputVariables []string, separator, prefix string) (*ExamplesTemplate, error) {
	if separator == "" {
		separator = "\n\n"
	}
	// Validate the suffix the same way a static template is validated.
	if _, err := New(suffix, inputVariables); err != nil {
		return nil, err
	}
	vars := make([]string, len(inputVariables))
	copy(vars, inputVariables)
	ex := make([]string, len(examples))
	copy(ex, examples)
	return &ExamplesTemplate{
		examples:       ex,
		separator:      separator,
		prefix:         prefix,
		suffix:         suffix,
		inputVariables: vars,
	}, nil
}

// InputVariables returns the variable names the template expects.
func (t *ExamplesTemplate) InputVariables() []string {
	vars := make([]string, len(t.inputVariables))
	copy(vars, t.inputVariables)
	return vars
}

// Format joins the examples between prefix and suffix and renders the result
// with the given values.
func (t *ExamplesTemplate) Format(values map[string]string) (string, error) {
	assembled, err := New(t.prefix+strings.Join(t.examples, t.separator)+t.suffix, t.inputVariables)
	if err != nil {
		return "", err
	}
	return assembled.Format(values)
}
