// Package model invokes the external model backend that proposes program
// improvements. The backend is an opaque command line: it is started as
// "<service> <endpoint> <prompt>" and whatever it prints on stdout is the
// completion. Generate never fails; when the backend produces nothing usable it
// returns a deterministic fallback modification instead.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ouroboros/internal/lang"
	"ouroboros/internal/sandbox"
)

// DefaultTimeout bounds one backend invocation.
const DefaultTimeout = 60 * time.Second

// ErrEmptyCompletion is returned by Complete when the backend printed nothing.
var ErrEmptyCompletion = errors.New("model backend returned empty output")

// Config configures an Invoker.
type Config struct {
	Service  string // executable, e.g. a CLI wrapper around the model
	Endpoint string // first argument passed to Service
	Timeout  time.Duration
	Language lang.Language
	Dir      string
}

// Generation is the outcome of one Generate call.
type Generation struct {
	Source   string
	Fallback bool
	Reason   string // why the fallback was used; empty otherwise
	Duration time.Duration
}

// Invoker talks to the model backend.
type Invoker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates an Invoker. A zero timeout becomes DefaultTimeout.
func New(cfg Config, logger *zap.Logger) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{cfg: cfg, logger: logger, now: time.Now}
}

// SetClock replaces the time source used for fallback stamps.
func (inv *Invoker) SetClock(now func() time.Time) {
	inv.now = now
}

// Language returns the managed program language.
func (inv *Invoker) Language() lang.Language {
	return inv.cfg.Language
}

// Prompt builds the improvement request for current.
func (inv *Invoker) Prompt(current string) string {
	tag := inv.cfg.Language.FenceTag
	var sb strings.Builder
	sb.WriteString("# Current AI code:\n")
	sb.WriteString("```" + tag + "\n")
	sb.WriteString(strings.TrimRight(current, "\n"))
	sb.WriteString("\n```\n\n")
	sb.WriteString("# Task: Improve this code. Keep its observable behavior working, ")
	sb.WriteString("make it more capable, and return the complete program in a single ```" + tag + " block.\n")
	return sb.String()
}

// Generate asks the backend for an improved version of current. Every failure
// is absorbed into the fallback modification.
func (inv *Invoker) Generate(ctx context.Context, current string) Generation {
	start := time.Now()
	text, err := inv.Complete(ctx, inv.Prompt(current))
	if err == nil {
		if code := ExtractCode(text); code != "" {
			inv.logger.Info("Model produced candidate", zap.Int("bytes", len(code)), zap.Duration("duration", time.Since(start)))
			return Generation{Source: code + "\n", Duration: time.Since(start)}
		}
		err = ErrEmptyCompletion
	}

	inv.logger.Warn("Model generation failed, using fallback", zap.Error(err))
	return Generation{
		Source:   inv.cfg.Language.Fallback(current, inv.now()),
		Fallback: true,
		Reason:   err.Error(),
		Duration: time.Since(start),
	}
}

// Complete sends prompt to the backend and returns its trimmed stdout.
func (inv *Invoker) Complete(ctx context.Context, prompt string) (string, error) {
	if inv.cfg.Service == "" {
		return "", errors.New("model service not configured")
	}
	args := []string{}
	if inv.cfg.Endpoint != "" {
		args = append(args, inv.cfg.Endpoint)
	}
	args = append(args, prompt)

	inv.logger.Debug("Invoking model backend", zap.String("service", inv.cfg.Service), zap.String("endpoint", inv.cfg.Endpoint), zap.Int("prompt_bytes", len(prompt)))
	out := sandbox.Run(ctx, sandbox.Command{
		Path:    inv.cfg.Service,
		Args:    args,
		Dir:     inv.cfg.Dir,
		Timeout: inv.cfg.Timeout,
	})

	switch out.Kind {
	case sandbox.FailureNone:
	case sandbox.FailureTimeout:
		return "", fmt.Errorf("model backend timed out after %v: %w", inv.cfg.Timeout, out.Err)
	case sandbox.FailureExit:
		return "", fmt.Errorf("model backend exited with code %d: %s: %w", out.ExitCode, firstLine(out.Stderr), out.Err)
	default:
		return "", fmt.Errorf("model backend: %w", out.Err)
	}

	text := strings.TrimSpace(out.Stdout)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// ExtractCode returns the body of the first fenced block in text, dropping the
// info string after the opening fence. Without a complete fence pair the
// trimmed text itself is returned.
func ExtractCode(text string) string {
	const fence = "```"
	open := strings.Index(text, fence)
	if open < 0 {
		return strings.TrimSpace(text)
	}
	body := text[open+len(fence):]
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return strings.TrimSpace(text)
	}
	body = body[nl+1:]
	end := strings.Index(body, fence)
	if end < 0 {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(body[:end])
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
