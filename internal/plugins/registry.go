// Package plugins holds the capability registry consulted before requests
// reach the model. Capabilities are either native Go handlers or plugin units:
// Go source files interpreted at load time, each exposing Handle directly or
// returning a handler from a RegisterPlugin factory. Every unit is loaded in
// isolation so one broken file never stops the rest.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCallTimeout bounds a single handler invocation.
const DefaultCallTimeout = 5 * time.Second

// UnitExtension is the file extension of plugin units.
const UnitExtension = ".go"

// Handler inspects one text input. ok is false when there is no finding.
type Handler func(input string) (finding string, ok bool)

// Shape records how a capability was constructed.
type Shape string

const (
	ShapeBuiltin Shape = "builtin"
	ShapeDirect  Shape = "direct"
	ShapeFactory Shape = "factory"
)

// Capability is one registered handler.
type Capability struct {
	Name     string    `json:"name"`
	Source   string    `json:"source"`
	Shape    Shape     `json:"shape"`
	LoadedAt time.Time `json:"loaded_at"`

	handler Handler
}

// Detection is the dispatch result exposed to callers such as the HTTP layer.
type Detection struct {
	Detected bool   `json:"detected"`
	Message  string `json:"message,omitempty"`
}

// LoadReport summarizes one LoadAll scan.
type LoadReport struct {
	Dir     string            `json:"dir"`
	Loaded  []string          `json:"loaded"`
	Skipped []string          `json:"skipped,omitempty"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Registry maps capability names to handlers. Safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	caps        map[string]*Capability
	builtins    map[string]*Capability
	loader      *Loader
	loadTimeout time.Duration
	callTimeout time.Duration
	logger      *zap.Logger
}

// NewRegistry creates a registry with the builtin capabilities registered.
func NewRegistry(callTimeout time.Duration, logger *zap.Logger) *Registry {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		caps:        make(map[string]*Capability),
		builtins:    make(map[string]*Capability),
		loader:      NewLoader(nil),
		callTimeout: callTimeout,
		logger:      logger,
	}
	r.addBuiltin(ParadoxCapability, DetectParadox)
	return r
}

func (r *Registry) addBuiltin(name string, h Handler) {
	c := &Capability{Name: name, Source: "builtin", Shape: ShapeBuiltin, LoadedAt: time.Now(), handler: h}
	r.builtins[name] = c
	r.caps[name] = c
}

// SetAllowedImports replaces the import allow-list used for later loads.
// A nil list restores DefaultAllowedImports.
func (r *Registry) SetAllowedImports(pkgs []string) {
	l := NewLoader(pkgs)
	r.mu.Lock()
	l.SetTimeout(r.loadTimeout)
	r.loader = l
	r.mu.Unlock()
}

// SetLoadTimeout bounds loading each unit in later loads.
func (r *Registry) SetLoadTimeout(d time.Duration) {
	r.mu.Lock()
	r.loadTimeout = d
	l := *r.loader
	l.SetTimeout(d)
	r.loader = &l
	r.mu.Unlock()
}

// Register adds or replaces a native handler.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return errors.New("capability name is required")
	}
	if h == nil {
		return fmt.Errorf("capability %q: nil handler", name)
	}
	r.mu.Lock()
	r.caps[name] = &Capability{Name: name, Source: "native", Shape: ShapeDirect, LoadedAt: time.Now(), handler: h}
	r.mu.Unlock()
	return nil
}

// Unregister removes name. A builtin shadowed by a unit of the same name
// becomes active again.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.caps[name]
	if !ok {
		return false
	}
	if b, isBuiltin := r.builtins[name]; isBuiltin {
		if cur == b {
			return false
		}
		r.caps[name] = b
		return true
	}
	delete(r.caps, name)
	return true
}

// Names returns registered capability names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for n := range r.caps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Capabilities returns copies of all registered capabilities, sorted by name.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		cp := *c
		cp.handler = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name]
	return ok
}

// UnitName maps a unit path to its capability name. ok is false for files that
// are not units: wrong extension, test files, and the reserved "init", "_"
// and "__" prefixes.
func UnitName(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, UnitExtension) || strings.HasSuffix(base, "_test.go") {
		return "", false
	}
	name := strings.TrimSuffix(base, UnitExtension)
	if name == "" || strings.HasPrefix(name, "init") || strings.HasPrefix(name, "_") {
		return "", false
	}
	return name, true
}

// LoadAll scans dir and loads every unit. Failures are recorded per unit and
// never abort the scan. A missing directory yields an empty report.
func (r *Registry) LoadAll(dir string) LoadReport {
	report := LoadReport{Dir: dir, Failed: map[string]string{}}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Info("Plugin directory not found, only builtins active", zap.String("dir", dir))
		} else {
			r.logger.Warn("Failed to scan plugin directory", zap.String("dir", dir), zap.Error(err))
		}
		return report
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := UnitName(e.Name())
		if !ok {
			if strings.HasSuffix(e.Name(), UnitExtension) {
				report.Skipped = append(report.Skipped, e.Name())
			}
			continue
		}
		if _, err := r.LoadFile(filepath.Join(dir, e.Name())); err != nil {
			report.Failed[name] = err.Error()
			continue
		}
		report.Loaded = append(report.Loaded, name)
	}

	r.logger.Info("Plugins loaded",
		zap.String("dir", dir),
		zap.Int("loaded", len(report.Loaded)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("skipped", len(report.Skipped)))
	return report
}

// LoadFile loads a single unit and registers it under its base name.
func (r *Registry) LoadFile(path string) (Capability, error) {
	name, ok := UnitName(path)
	if !ok {
		return Capability{}, fmt.Errorf("%s is not a plugin unit", filepath.Base(path))
	}
	src, err := os.ReadFile(path)
	if err != nil {
		r.logger.Warn("Failed to read plugin unit", zap.String("unit", name), zap.Error(err))
		return Capability{}, fmt.Errorf("read %s: %w", name, err)
	}

	r.mu.RLock()
	loader := r.loader
	r.mu.RUnlock()

	h, shape, err := loader.Compile(name, string(src))
	if err != nil {
		r.logger.Warn("Failed to load plugin unit", zap.String("unit", name), zap.Error(err))
		return Capability{}, err
	}

	c := &Capability{Name: name, Source: path, Shape: shape, LoadedAt: time.Now(), handler: h}
	r.mu.Lock()
	r.caps[name] = c
	r.mu.Unlock()

	r.logger.Info("Plugin registered", zap.String("unit", name), zap.String("shape", string(shape)))
	return *c, nil
}

// Dispatch invokes the named capability. The result is absent when the name
// is unknown, the handler has no finding, panics, or exceeds the call timeout.
// A handler that times out is still running and holds its unit, so the
// capability is withdrawn until the unit is loaded again.
func (r *Registry) Dispatch(ctx context.Context, name, input string) (string, bool) {
	r.mu.RLock()
	c, ok := r.caps[name]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	type reply struct {
		out string
		ok  bool
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Warn("Plugin handler panicked", zap.String("unit", name), zap.Any("panic", rec))
				ch <- reply{}
			}
		}()
		out, ok := c.handler(input)
		ch <- reply{out: out, ok: ok && out != ""}
	}()

	select {
	case rep := <-ch:
		return rep.out, rep.ok
	case <-ctx.Done():
		if r.withdraw(c) {
			r.logger.Warn("Plugin handler timed out, capability withdrawn", zap.String("unit", name), zap.Duration("timeout", r.callTimeout))
		}
		return "", false
	}
}

// withdraw removes c if it is still the registered handler for its name. A
// shadowed builtin becomes active again.
func (r *Registry) withdraw(c *Capability) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.caps[c.Name] != c {
		return false
	}
	if b, ok := r.builtins[c.Name]; ok && b != c {
		r.caps[c.Name] = b
		return true
	}
	delete(r.caps, c.Name)
	return true
}

// Detect is Dispatch in the Detection form.
func (r *Registry) Detect(ctx context.Context, name, input string) Detection {
	msg, ok := r.Dispatch(ctx, name, input)
	return Detection{Detected: ok, Message: msg}
}

// Intercept runs every capability in name order and returns the first finding
// together with the capability that produced it.
func (r *Registry) Intercept(ctx context.Context, prompt string) (Detection, string) {
	for _, name := range r.Names() {
		if msg, ok := r.Dispatch(ctx, name, prompt); ok {
			return Detection{Detected: true, Message: msg}, name
		}
	}
	return Detection{}, ""
}
