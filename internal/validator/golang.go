package validator

import (
	"errors"
	"go/parser"
	"go/scanner"
	"go/token"
)

// GoValidator parses Go source with go/parser.
type GoValidator struct{}

// Language returns "go".
func (GoValidator) Language() string { return "go" }

// Validate parses source as a single Go file.
func (GoValidator) Validate(source string) error {
	if err := checkEmpty(source); err != nil {
		return err
	}

	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, "candidate.go", source, parser.AllErrors)
	if err == nil {
		return nil
	}

	var list scanner.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		first := list[0]
		return &SyntaxError{Language: "go", Line: first.Pos.Line, Column: first.Pos.Column, Msg: first.Msg}
	}
	return &SyntaxError{Language: "go", Msg: err.Error()}
}
