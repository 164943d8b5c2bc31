package plugins

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// DefaultAllowedImports are the packages a plugin unit may import. Anything
// touching the filesystem, processes, the network or unsafe memory is absent.
var DefaultAllowedImports = []string{
	"bytes",
	"encoding/base64",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
}

// DefaultLoadTimeout bounds loading one unit: evaluation of its top-level
// declarations and the RegisterPlugin call.
const DefaultLoadTimeout = 10 * time.Second

var (
	// ErrNoEntryPoint means the unit defines neither Handle nor RegisterPlugin.
	ErrNoEntryPoint = errors.New("no Handle or RegisterPlugin function")
	// ErrNotCallable means the factory returned something that is not a handler.
	ErrNotCallable = errors.New("RegisterPlugin result is not a handler")
	// ErrForbiddenImport means the unit imports a package outside the allow-list.
	ErrForbiddenImport = errors.New("forbidden import")
	// ErrLoadTimeout means evaluation or the factory call did not finish in time.
	ErrLoadTimeout = errors.New("load timed out")
)

// Loader compiles plugin units with the yaegi interpreter. Each unit gets a
// fresh interpreter that only sees the allowed stdlib symbols.
type Loader struct {
	allowed map[string]bool
	symbols interp.Exports
	timeout time.Duration
}

// NewLoader creates a loader. A nil allow-list uses DefaultAllowedImports.
func NewLoader(allowed []string) *Loader {
	if allowed == nil {
		allowed = DefaultAllowedImports
	}
	l := &Loader{allowed: make(map[string]bool, len(allowed)), symbols: interp.Exports{}, timeout: DefaultLoadTimeout}
	for _, pkg := range allowed {
		l.allowed[pkg] = true
	}
	// Symbol keys are "<import path>/<package name>".
	for key, syms := range stdlib.Symbols {
		slash := strings.LastIndex(key, "/")
		if slash < 0 {
			continue
		}
		if l.allowed[key[:slash]] {
			l.symbols[key] = syms
		}
	}
	return l
}

// SetTimeout changes the per-unit load bound. Non-positive values restore
// DefaultLoadTimeout.
func (l *Loader) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultLoadTimeout
	}
	l.timeout = d
}

// Compile evaluates one unit and resolves its entry point into a Handler.
func (l *Loader) Compile(name, src string) (h Handler, shape Shape, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			h, shape, err = nil, "", fmt.Errorf("unit %s panicked during load: %v", name, rec)
		}
	}()

	pkg, err := l.checkImports(name, src)
	if err != nil {
		return nil, "", err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(l.symbols); err != nil {
		return nil, "", fmt.Errorf("unit %s: load symbols: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if _, err := i.EvalWithContext(ctx, src); err != nil {
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("unit %s: %w after %s", name, ErrLoadTimeout, l.timeout)
		}
		return nil, "", fmt.Errorf("unit %s: evaluation failed: %w", name, err)
	}

	if v, err := i.Eval(pkg + ".Handle"); err == nil {
		h, err := asHandler(v)
		if err != nil {
			return nil, "", fmt.Errorf("unit %s: Handle: %w", name, err)
		}
		return serialize(h), ShapeDirect, nil
	}

	v, err := i.Eval(pkg + ".RegisterPlugin")
	if err != nil {
		return nil, "", fmt.Errorf("unit %s: %w", name, ErrNoEntryPoint)
	}
	if v.Kind() != reflect.Func || v.Type().NumIn() != 0 || v.Type().NumOut() < 1 {
		return nil, "", fmt.Errorf("unit %s: RegisterPlugin must take no arguments and return a handler", name)
	}
	result, err := callFactory(ctx, v)
	if err != nil {
		if errors.Is(err, ErrLoadTimeout) {
			return nil, "", fmt.Errorf("unit %s: RegisterPlugin: %w after %s", name, err, l.timeout)
		}
		return nil, "", fmt.Errorf("unit %s: %w", name, err)
	}
	h, err = asHandler(result)
	if err != nil {
		return nil, "", fmt.Errorf("unit %s: %w", name, ErrNotCallable)
	}
	return serialize(h), ShapeFactory, nil
}

// callFactory calls RegisterPlugin until ctx is done. A factory that never
// returns is abandoned; its goroutine lives until the process exits.
func callFactory(ctx context.Context, factory reflect.Value) (reflect.Value, error) {
	type reply struct {
		v   reflect.Value
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- reply{err: fmt.Errorf("RegisterPlugin panicked: %v", rec)}
			}
		}()
		ch <- reply{v: factory.Call(nil)[0]}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return reflect.Value{}, ErrLoadTimeout
	}
}

// checkImports parses the unit's header and returns its package name.
func (l *Loader) checkImports(name, src string) (string, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, name+UnitExtension, src, parser.ImportsOnly)
	if err != nil {
		return "", fmt.Errorf("unit %s: %w", name, err)
	}
	var forbidden []string
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil || !l.allowed[path] {
			forbidden = append(forbidden, imp.Path.Value)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return "", fmt.Errorf("unit %s: %w: %s", name, ErrForbiddenImport, strings.Join(forbidden, ", "))
	}
	return f.Name.Name, nil
}

// asHandler accepts func(string) string, where an empty result means no
// finding, and func(string) (string, bool).
func asHandler(v reflect.Value) (Handler, error) {
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, ErrNotCallable
		}
		v = v.Elem()
	}
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return nil, ErrNotCallable
	}
	switch fn := v.Interface().(type) {
	case func(string) string:
		return func(in string) (string, bool) {
			out := fn(in)
			return out, out != ""
		}, nil
	case func(string) (string, bool):
		return fn, nil
	default:
		return nil, fmt.Errorf("unsupported handler signature %s", v.Type())
	}
}

// serialize keeps calls into one interpreter sequential.
func serialize(h Handler) Handler {
	var mu sync.Mutex
	return func(in string) (string, bool) {
		mu.Lock()
		defer mu.Unlock()
		return h(in)
	}
}
