// Package lang describes the languages a managed program can be written in:
// file extension, fence tag for prompts, default interpreter, the scaffold used
// when no program exists yet, and the deterministic fallback modification.
package lang

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// StampLayout is the timestamp format written into fallback modifications.
const StampLayout = "2006-01-02 15:04:05"

// Language is the per-language knowledge ouroboros needs.
type Language struct {
	Name          string
	Extension     string
	FenceTag      string
	CommentPrefix string
	Interpreter   []string
	Initial       string

	introspection func(stamp string) string
}

var registry = map[string]Language{
	"python": {
		Name:          "python",
		Extension:     ".py",
		FenceTag:      "python",
		CommentPrefix: "#",
		Interpreter:   []string{"python3"},
		Initial:       pythonInitial,
		introspection: pythonIntrospection,
	},
	"go": {
		Name:          "go",
		Extension:     ".go",
		FenceTag:      "go",
		CommentPrefix: "//",
		Interpreter:   []string{"go", "run"},
		Initial:       goInitial,
		introspection: goIntrospection,
	},
	"javascript": {
		Name:          "javascript",
		Extension:     ".js",
		FenceTag:      "javascript",
		CommentPrefix: "//",
		Interpreter:   []string{"node"},
		Initial:       jsInitial,
		introspection: jsIntrospection,
	},
}

var aliases = map[string]string{
	"py":      "python",
	"python3": "python",
	"golang":  "go",
	"js":      "javascript",
	"node":    "javascript",
}

// Lookup returns the language registered under name or one of its aliases.
func Lookup(name string) (Language, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[key]; ok {
		key = canonical
	}
	l, ok := registry[key]
	if !ok {
		return Language{}, fmt.Errorf("unsupported language %q (supported: %s)", name, strings.Join(Names(), ", "))
	}
	return l, nil
}

// Names lists the canonical language names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (l Language) beginMarker() string {
	return l.CommentPrefix + " --- ouroboros fallback begin ---"
}

func (l Language) endMarker() string {
	return l.CommentPrefix + " --- ouroboros fallback end ---"
}

// Fallback returns the current source annotated with a timestamped fallback
// block that adds an introspection capability. A block left by an earlier
// fallback is replaced, so repeated fallbacks do not grow the program. An empty
// current source starts from the language scaffold.
func (l Language) Fallback(current string, now time.Time) string {
	base := StripFallback(l, current)
	if strings.TrimSpace(base) == "" {
		base = l.Initial
	}
	base = strings.TrimRight(base, " \t\r\n")

	stamp := now.Format(StampLayout)
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n")
	b.WriteString(l.beginMarker())
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s Modified at %s: fallback modification, the model backend produced no candidate.\n", l.CommentPrefix, stamp)
	b.WriteString(l.introspection(stamp))
	b.WriteString(l.endMarker())
	b.WriteString("\n")
	return b.String()
}

// StripFallback removes a fallback block previously added by Fallback.
func StripFallback(l Language, source string) string {
	begin := strings.Index(source, l.beginMarker())
	if begin < 0 {
		return source
	}
	end := strings.Index(source[begin:], l.endMarker())
	if end < 0 {
		return source
	}
	end += begin + len(l.endMarker())
	return strings.TrimRight(source[:begin], " \t\r\n") + "\n" + strings.TrimLeft(source[end:], "\r\n")
}
