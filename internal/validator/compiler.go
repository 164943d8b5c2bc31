package validator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ouroboros/internal/sandbox"
)

// checkTimeout bounds one compile-only check.
const checkTimeout = 15 * time.Second

// pythonCheck compiles stdin without running it and reports the first error
// as "line:column:message".
const pythonCheck = `import sys
src = sys.stdin.buffer.read()
try:
    compile(src, "<candidate>", "exec")
except SyntaxError as e:
    sys.stderr.write("%d:%d:%s" % (e.lineno or 1, e.offset or 1, e.msg))
    sys.exit(1)
except (ValueError, TypeError) as e:
    sys.stderr.write("1:1:%s" % e)
    sys.exit(1)
`

// CompilerValidator checks source with the language's own toolchain in
// compile-only mode. When the toolchain is not installed it falls back to a
// tree-sitter parse.
type CompilerValidator struct {
	name        string
	interpreter []string
	check       func(ctx context.Context, interp []string, source string) (*sandbox.Outcome, string, error)
	fallback    Validator
	timeout     time.Duration
}

// NewPythonValidator validates Python with python3's compile().
func NewPythonValidator() *CompilerValidator {
	return NewPythonCompiler(nil)
}

// NewPythonCompiler validates Python with the given interpreter command. A
// nil or non-Python command uses python3.
func NewPythonCompiler(interpreter []string) *CompilerValidator {
	return &CompilerValidator{
		name:        "python",
		interpreter: pick(interpreter, []string{"python3"}, "python", "pypy"),
		check:       checkPython,
		fallback:    NewPythonParser(),
		timeout:     checkTimeout,
	}
}

// NewJavaScriptValidator validates JavaScript with node --check.
func NewJavaScriptValidator() *CompilerValidator {
	return NewJavaScriptCompiler(nil)
}

// NewJavaScriptCompiler validates JavaScript with the given node command.
func NewJavaScriptCompiler(interpreter []string) *CompilerValidator {
	return &CompilerValidator{
		name:        "javascript",
		interpreter: pick(interpreter, []string{"node"}, "node"),
		check:       checkJavaScript,
		fallback:    NewJavaScriptParser(),
		timeout:     checkTimeout,
	}
}

// Language returns the grammar name.
func (v *CompilerValidator) Language() string { return v.name }

// Interpreter returns the command used for checks.
func (v *CompilerValidator) Interpreter() []string { return v.interpreter }

// Available reports whether the toolchain can be found.
func (v *CompilerValidator) Available() bool {
	_, err := exec.LookPath(v.interpreter[0])
	return err == nil
}

// Validate compiles source without executing it.
func (v *CompilerValidator) Validate(source string) error {
	if err := checkEmpty(source); err != nil {
		return err
	}
	if !v.Available() {
		return v.fallback.Validate(source)
	}

	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()

	out, target, err := v.check(ctx, v.interpreter, source)
	if err != nil {
		return err
	}
	switch out.Kind {
	case sandbox.FailureNone:
		return nil
	case sandbox.FailureStart:
		return v.fallback.Validate(source)
	case sandbox.FailureExit:
		if v.name == "python" {
			return parsePythonError(out.Stderr)
		}
		return parseNodeError(out.Stderr, target)
	default:
		return &SyntaxError{Language: v.name, Line: 1, Column: 1, Msg: "syntax check did not finish: " + string(out.Kind)}
	}
}

func checkPython(ctx context.Context, interp []string, source string) (*sandbox.Outcome, string, error) {
	cmd := sandbox.Command{
		Path:    interp[0],
		Args:    append(append([]string{}, interp[1:]...), "-c", pythonCheck),
		Stdin:   source,
		Timeout: checkTimeout,
	}
	return sandbox.Run(ctx, cmd), "<candidate>", nil
}

func checkJavaScript(ctx context.Context, interp []string, source string) (*sandbox.Outcome, string, error) {
	f, err := os.CreateTemp("", "ouroboros-candidate-*.js")
	if err != nil {
		return nil, "", err
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(source); err != nil {
		f.Close()
		return nil, "", err
	}
	if err := f.Close(); err != nil {
		return nil, "", err
	}

	cmd := sandbox.Command{
		Path:    interp[0],
		Args:    append(append([]string{}, interp[1:]...), "--check", f.Name()),
		Timeout: checkTimeout,
	}
	return sandbox.Run(ctx, cmd), f.Name(), nil
}

// parsePythonError reads the "line:column:message" report of pythonCheck.
func parsePythonError(stderr string) error {
	report := strings.TrimSpace(stderr)
	parts := strings.SplitN(report, ":", 3)
	if len(parts) == 3 {
		line, lerr := strconv.Atoi(parts[0])
		col, cerr := strconv.Atoi(parts[1])
		if lerr == nil && cerr == nil {
			return &SyntaxError{Language: "python", Line: line, Column: col, Msg: parts[2]}
		}
	}
	return &SyntaxError{Language: "python", Line: 1, Column: 1, Msg: lastLine(report)}
}

// parseNodeError reads node's "file:line", caret and "SyntaxError: ..." lines.
func parseNodeError(stderr, file string) error {
	e := &SyntaxError{Language: "javascript", Line: 1, Column: 1}
	for _, l := range strings.Split(stderr, "\n") {
		trimmed := strings.TrimSpace(l)
		switch {
		case strings.HasPrefix(l, file+":"):
			if n, err := strconv.Atoi(strings.TrimPrefix(l, file+":")); err == nil {
				e.Line = n
			}
		case trimmed != "" && strings.Trim(trimmed, "^") == "" && e.Msg == "":
			e.Column = strings.Index(l, "^") + 1
		case strings.HasPrefix(trimmed, "SyntaxError:") && e.Msg == "":
			e.Msg = strings.TrimSpace(strings.TrimPrefix(trimmed, "SyntaxError:"))
		}
	}
	if e.Msg == "" {
		e.Msg = lastLine(stderr)
	}
	return e
}

// pick returns configured when its program looks like one of families,
// otherwise def.
func pick(configured, def []string, families ...string) []string {
	if len(configured) == 0 {
		return def
	}
	base := strings.ToLower(filepath.Base(configured[0]))
	for _, f := range families {
		if strings.HasPrefix(base, f) {
			return configured
		}
	}
	return def
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
