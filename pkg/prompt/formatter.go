package prompt

// Formatter is the prompt-formatting contract consumed by chains. Template
// and ExamplesTemplate both satisfy it.
type Formatter interface {
	// Format renders the prompt with the given values, failing with
	// ErrMissingVariable if a required name is absent.
	Format(values map[string]string) (string, error)

	// InputVariables returns the variable names the prompt requires, in
	// declaration order.
	InputVariables() []string
}

var (
	_ Formatter = (*Template)(nil)
	_ Formatter = (*ExamplesTemplate)(nil)
)
