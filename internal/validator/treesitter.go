package validator

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// TreeSitterValidator parses source with a tree-sitter grammar and rejects any
// tree containing ERROR or MISSING nodes. Its grammars are more permissive than
// the real compilers, so it only serves when no toolchain is installed.
type TreeSitterValidator struct {
	name    string
	grammar *sitter.Language
}

// NewPythonParser validates Python source with tree-sitter.
func NewPythonParser() *TreeSitterValidator {
	return &TreeSitterValidator{name: "python", grammar: python.GetLanguage()}
}

// NewJavaScriptParser validates JavaScript source with tree-sitter.
func NewJavaScriptParser() *TreeSitterValidator {
	return &TreeSitterValidator{name: "javascript", grammar: javascript.GetLanguage()}
}

// Language returns the grammar name.
func (v *TreeSitterValidator) Language() string { return v.name }

// Validate parses source. Parsers are not safe for concurrent use, so each call
// gets its own.
func (v *TreeSitterValidator) Validate(source string) error {
	if err := checkEmpty(source); err != nil {
		return err
	}

	parser := sitter.NewParser()
	parser.SetLanguage(v.grammar)

	tree, err := parser.ParseCtx(context.Background(), nil, []byte(source))
	if err != nil {
		return fmt.Errorf("%s parse failed: %w", v.name, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil
	}

	bad := firstErrorNode(root)
	if bad == nil {
		return &SyntaxError{Language: v.name, Line: 1, Column: 1, Msg: "unparseable source"}
	}
	pt := bad.StartPoint()
	msg := "unexpected syntax"
	if bad.IsMissing() {
		msg = fmt.Sprintf("missing %s", bad.Type())
	}
	return &SyntaxError{Language: v.name, Line: int(pt.Row) + 1, Column: int(pt.Column) + 1, Msg: msg}
}

// firstErrorNode returns the earliest ERROR or MISSING node in document order.
func firstErrorNode(n *sitter.Node) *sitter.Node {
	if n == nil {
		return nil
	}
	if n.Type() == "ERROR" || n.IsMissing() {
		return n
	}
	if !n.HasError() {
		return nil
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if found := firstErrorNode(n.Child(i)); found != nil {
			return found
		}
	}
	return nil
}
