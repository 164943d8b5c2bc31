// Package validator is the acceptance gate for generated candidates. It checks
// source under the managed language's own grammar without executing it; any
// syntax error rejects the candidate. Go is parsed in process, Python and
// JavaScript are compiled by their toolchain in check-only mode. Semantics, security and resource use are
// deliberately out of scope here and left to the execution sandbox.
package validator

import (
	"errors"
	"fmt"
	"strings"

	"ouroboros/internal/lang"
)

// ErrEmpty rejects blank candidates, which would otherwise erase the program.
var ErrEmpty = errors.New("empty source")

// Validator checks candidate source for syntactic well-formedness.
type Validator interface {
	// Validate returns nil when source parses cleanly.
	Validate(source string) error
	// Language names the grammar used.
	Language() string
}

// SyntaxError locates the first parse failure.
type SyntaxError struct {
	Language string
	Line     int
	Column   int
	Msg      string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s syntax error at %d:%d: %s", e.Language, e.Line, e.Column, e.Msg)
}

// Valid is the boolean form of v.Validate.
func Valid(v Validator, source string) bool {
	return v.Validate(source) == nil
}

// For returns the validator for a language. interpreter is the configured
// execution command; it is reused for compile checks when it belongs to the
// language's toolchain.
func For(l lang.Language, interpreter []string) (Validator, error) {
	switch l.Name {
	case "go":
		return GoValidator{}, nil
	case "python":
		return NewPythonCompiler(interpreter), nil
	case "javascript":
		return NewJavaScriptCompiler(interpreter), nil
	default:
		return nil, fmt.Errorf("no validator for language %q", l.Name)
	}
}

func checkEmpty(source string) error {
	if strings.TrimSpace(source) == "" {
		return ErrEmpty
	}
	return nil
}
