package parsers

import (
	"fmt"
	"strings"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CaseMode selects the unicode case transformation applied by Normalize.
type CaseMode string

const (
	CaseLower CaseMode = "lower"
	CaseUpper CaseMode = "upper"
	CaseTitle CaseMode = "title"
)

// Normalize is an output parser that case-folds generated text using
// language-aware unicode rules.
type Normalize struct {
	// Mode selects the transformation. Defaults to CaseLower.
	Mode CaseMode

	// Tag is the language used for case mapping. Zero value means und.
	Tag language.Tag

	// TrimSpace trims surrounding whitespace before folding.
	TrimSpace bool
}

// Parse implements Output.
func (p Normalize) Parse(text string) (Value, error) {
	if p.TrimSpace {
		text = strings.TrimSpace(text)
	}
	switch p.Mode {
	case CaseLower, "":
		return StringValue(cases.Lower(p.Tag).String(text)), nil
	case CaseUpper:
		return StringValue(cases.Upper(p.Tag).String(text)), nil
	case CaseTitle:
		return StringValue(cases.Title(p.Tag).String(text)), nil
	default:
		return Value{}, sdkerrors.Parser(fmt.Errorf("unknown case mode %q", p.Mode))
	}
}
