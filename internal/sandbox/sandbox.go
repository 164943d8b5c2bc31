package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a managed-program execution.
const DefaultTimeout = 30 * time.Second

// Result is the outcome of one managed-program execution.
type Result struct {
	Success   bool           `json:"success"`
	Stdout    string         `json:"stdout,omitempty"`
	Stderr    string         `json:"stderr,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
	Kind      FailureKind    `json:"kind,omitempty"`
	ExitCode  int            `json:"exit_code"`
	PID       int            `json:"pid,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Truncated bool           `json:"truncated,omitempty"`
}

// TimedOut reports whether the run was killed at its deadline.
func (r *Result) TimedOut() bool {
	return r.Kind == FailureTimeout
}

// Clone returns a copy that shares nothing mutable with r.
func (r *Result) Clone() *Result {
	cp := *r
	if r.Payload != nil {
		cp.Payload = maps.Clone(r.Payload)
	}
	return &cp
}

// Config configures a Sandbox.
type Config struct {
	Interpreter    []string // e.g. ["python3"]; the program path is appended
	Timeout        time.Duration
	MaxOutputBytes int64
	Dir            string
	Env            []string
}

// Sandbox executes the managed program as an isolated child process.
type Sandbox struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a sandbox. A zero timeout becomes DefaultTimeout.
func New(cfg Config, logger *zap.Logger) *Sandbox {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sandbox{cfg: cfg, logger: logger}
}

// Timeout returns the execution deadline in effect.
func (s *Sandbox) Timeout() time.Duration {
	return s.cfg.Timeout
}

// Run executes programPath under the configured interpreter.
func (s *Sandbox) Run(ctx context.Context, programPath string) *Result {
	cmd := s.command(programPath)
	s.logger.Info("executing managed program", zap.String("command", cmd.String()), zap.Duration("timeout", cmd.Timeout))

	out := Run(ctx, cmd)
	res := &Result{
		Success:   out.OK(),
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		Kind:      out.Kind,
		ExitCode:  out.ExitCode,
		PID:       out.PID,
		Duration:  out.Duration,
		Truncated: out.Truncated,
	}
	res.Payload = ParsePayload(out.Stdout)

	switch out.Kind {
	case FailureNone:
		s.logger.Info("execution succeeded", zap.Duration("duration", out.Duration), zap.Bool("structured", res.Payload != nil))
	case FailureTimeout:
		res.Error = "Execution timed out"
		s.logger.Error("execution timed out", zap.Duration("timeout", cmd.Timeout), zap.Int("pid", out.PID))
	default:
		res.Error = describeFailure(out)
		s.logger.Error("execution failed", zap.String("kind", string(out.Kind)), zap.Int("exit_code", out.ExitCode), zap.String("stderr", truncate(out.Stderr, 512)))
	}
	return res
}

func (s *Sandbox) command(programPath string) Command {
	interp := s.cfg.Interpreter
	cmd := Command{
		Dir:            s.cfg.Dir,
		Env:            s.cfg.Env,
		Timeout:        s.cfg.Timeout,
		MaxOutputBytes: s.cfg.MaxOutputBytes,
	}
	if len(interp) == 0 {
		cmd.Path = programPath
		return cmd
	}
	cmd.Path = interp[0]
	cmd.Args = append(append([]string{}, interp[1:]...), programPath)
	return cmd
}

func describeFailure(out *Outcome) string {
	if stderr := strings.TrimSpace(out.Stderr); stderr != "" {
		return stderr
	}
	if out.Err != nil {
		return out.Err.Error()
	}
	return "execution failed"
}

// ParsePayload decodes stdout when it is exactly one JSON object; anything else
// (empty, plain text, several documents, trailing garbage) yields nil.
func ParsePayload(stdout string) map[string]any {
	trimmed := strings.TrimSpace(stdout)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil
	}
	return payload
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
