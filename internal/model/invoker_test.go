//go:build !windows

package model

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ouroboros/internal/lang"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// backend writes a shell script acting as the model endpoint. The invoker
// runs "sh <script> <prompt>", so the prompt arrives as $1.
func backend(t *testing.T, body string, timeout time.Duration) *Invoker {
	t.Helper()
	script := filepath.Join(t.TempDir(), "model.sh")
	require.NoError(t, os.WriteFile(script, []byte(body), 0644))

	python, err := lang.Lookup("python")
	require.NoError(t, err)
	inv := New(Config{Service: "sh", Endpoint: script, Timeout: timeout, Language: python}, nil)
	inv.SetClock(func() time.Time { return time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC) })
	return inv
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"tagged fence", "Here:\n```python\nprint(1)\n```\nDone.", "print(1)"},
		{"bare fence", "```\nx = 2\n```", "x = 2"},
		{"first block wins", "```python\na()\n```\n```python\nb()\n```", "a()"},
		{"no fence", "  print(3)\n", "print(3)"},
		{"unterminated fence", "```python\nprint(4)", "```python\nprint(4)"},
		{"other tag", "```go\npackage main\n```", "package main"},
		{"empty block", "```python\n```", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCode(tt.in))
		})
	}
}

func TestPrompt_EmbedsSourceInFence(t *testing.T) {
	inv := New(Config{Language: lang.Language{FenceTag: "python"}}, nil)
	p := inv.Prompt("print('hi')\n")
	assert.Contains(t, p, "```python\nprint('hi')\n```")
	assert.Contains(t, p, "# Task: Improve this code")
}

func TestGenerate_UsesBackendCandidate(t *testing.T) {
	inv := backend(t, "printf 'Sure!\\n```python\\nprint(\"better\")\\n```\\n'\n", 5*time.Second)

	gen := inv.Generate(context.Background(), "print('x')\n")
	assert.False(t, gen.Fallback)
	assert.Empty(t, gen.Reason)
	assert.Equal(t, "print(\"better\")\n", gen.Source)
}

func TestGenerate_PromptReachesBackend(t *testing.T) {
	inv := backend(t, "case \"$1\" in *\"print('marker')\"*) echo 'print(\"seen\")';; *) exit 9;; esac\n", 5*time.Second)

	gen := inv.Generate(context.Background(), "print('marker')\n")
	require.False(t, gen.Fallback, gen.Reason)
	assert.Equal(t, "print(\"seen\")\n", gen.Source)
}

func TestGenerate_FallbackOnFailure(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"non-zero exit", "echo 'quota exceeded' >&2\nexit 2\n", "exited with code 2"},
		{"empty output", "exit 0\n", "empty output"},
		{"whitespace output", "printf '   \\n\\n'\n", "empty output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := backend(t, tt.body, 5*time.Second)
			gen := inv.Generate(context.Background(), "print('x')\n")

			assert.True(t, gen.Fallback)
			assert.Contains(t, gen.Reason, tt.reason)
			assert.Contains(t, gen.Source, "print('x')")
			assert.Contains(t, gen.Source, "Modified at 2026-10-17 09:30:00")
		})
	}
}

func TestGenerate_FallbackOnTimeout(t *testing.T) {
	inv := backend(t, "sleep 30\n", 200*time.Millisecond)

	start := time.Now()
	gen := inv.Generate(context.Background(), "print('x')\n")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, gen.Fallback)
	assert.Contains(t, gen.Reason, "timed out")
}

func TestGenerate_FallbackWhenServiceMissing(t *testing.T) {
	python, err := lang.Lookup("python")
	require.NoError(t, err)
	inv := New(Config{Service: "/nonexistent/model-cli", Language: python}, nil)

	gen := inv.Generate(context.Background(), "")
	assert.True(t, gen.Fallback)
	assert.True(t, strings.HasPrefix(gen.Source, strings.TrimRight(python.Initial, "\n")))
}

func TestGenerate_FallbackIsDeterministic(t *testing.T) {
	inv := backend(t, "exit 1\n", time.Second)
	a := inv.Generate(context.Background(), "print('x')\n")
	b := inv.Generate(context.Background(), "print('x')\n")
	assert.Equal(t, a.Source, b.Source)
}

func TestComplete(t *testing.T) {
	inv := backend(t, "echo \"echo: $1\"\n", 5*time.Second)
	out, err := inv.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)

	_, err = New(Config{}, nil).Complete(context.Background(), "x")
	assert.Error(t, err)
}
