// Package diff computes line diffs between versions of the managed program
// using sergi/go-diff, and renders them in unified format.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultContext is the number of unchanged lines kept around each change.
const DefaultContext = 3

// Op is the kind of a diff line.
type Op int

const (
	OpContext Op = iota // Unchanged line
	OpAdded             // Present only in the new version
	OpRemoved           // Present only in the old version
)

// Line is one line of a hunk. Old and New are 1-based line numbers; the side
// a line does not exist on is 0.
type Line struct {
	Op   Op
	Old  int
	New  int
	Text string
}

// Hunk is a run of changes with surrounding context.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// Change is the diff between two versions.
type Change struct {
	From    string
	To      string
	Hunks   []Hunk
	Added   int
	Removed int
}

// Empty reports whether the versions are identical.
func (c *Change) Empty() bool {
	return c.Added == 0 && c.Removed == 0
}

// Compute diffs old against new with DefaultContext lines of context.
func Compute(from, to, old, new string) *Change {
	return ComputeContext(from, to, old, new, DefaultContext)
}

// ComputeContext diffs old against new keeping context unchanged lines around
// each change.
func ComputeContext(from, to, old, new string, context int) *Change {
	if context < 0 {
		context = 0
	}
	c := &Change{From: from, To: to}

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	a, b, lines := dmp.DiffLinesToChars(old, new)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	ops := toLines(diffs)
	for _, l := range ops {
		switch l.Op {
		case OpAdded:
			c.Added++
		case OpRemoved:
			c.Removed++
		}
	}
	c.Hunks = group(ops, context)
	return c
}

// toLines flattens line-mode diffs into numbered lines.
func toLines(diffs []diffmatchpatch.Diff) []Line {
	var out []Line
	oldN, newN := 0, 0
	for _, d := range diffs {
		text := strings.TrimSuffix(d.Text, "\n")
		if d.Text == "" {
			continue
		}
		for _, s := range strings.Split(text, "\n") {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				oldN++
				newN++
				out = append(out, Line{Op: OpContext, Old: oldN, New: newN, Text: s})
			case diffmatchpatch.DiffDelete:
				oldN++
				out = append(out, Line{Op: OpRemoved, Old: oldN, Text: s})
			case diffmatchpatch.DiffInsert:
				newN++
				out = append(out, Line{Op: OpAdded, New: newN, Text: s})
			}
		}
	}
	return out
}

// group cuts lines into hunks. Changes separated by at most 2*context
// unchanged lines share a hunk.
func group(lines []Line, context int) []Hunk {
	var hunks []Hunk
	i := 0
	for i < len(lines) {
		if lines[i].Op == OpContext {
			i++
			continue
		}

		start := max(0, i-context)
		end := i
		for j := i; j < len(lines); j++ {
			if lines[j].Op != OpContext {
				end = j
				continue
			}
			if j-end > 2*context {
				break
			}
		}
		stop := min(len(lines), end+context+1)

		h := Hunk{Lines: append([]Line(nil), lines[start:stop]...)}
		for _, l := range h.Lines {
			if l.Op != OpAdded {
				h.OldCount++
				if h.OldStart == 0 {
					h.OldStart = l.Old
				}
			}
			if l.Op != OpRemoved {
				h.NewCount++
				if h.NewStart == 0 {
					h.NewStart = l.New
				}
			}
		}
		hunks = append(hunks, h)
		i = stop
	}
	return hunks
}

// Unified renders the change in unified diff format. An empty change renders
// as the empty string.
func (c *Change) Unified() string {
	if c.Empty() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", c.From, c.To)
	for _, h := range c.Hunks {
		fmt.Fprintf(&b, "@@ -%s +%s @@\n", span(h.OldStart, h.OldCount), span(h.NewStart, h.NewCount))
		for _, l := range h.Lines {
			switch l.Op {
			case OpAdded:
				b.WriteByte('+')
			case OpRemoved:
				b.WriteByte('-')
			default:
				b.WriteByte(' ')
			}
			b.WriteString(l.Text)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func span(start, count int) string {
	if count == 1 {
		return fmt.Sprint(start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}
