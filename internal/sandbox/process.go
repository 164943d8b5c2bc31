// Package sandbox runs child processes as scoped resources: every process is
// started in its own process group, waited on with a hard deadline, and killed
// and reaped on timeout or when its scope closes, so no child outlives the call
// that created it. The managed program's execution sandbox and the model
// backend invocation are both built on Process.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultMaxOutputBytes caps each captured stream when a Command sets no limit.
const DefaultMaxOutputBytes = 1 << 20

// waitDelay bounds how long Wait keeps draining pipes after the process is gone.
const waitDelay = 2 * time.Second

var (
	// ErrTimeout is reported when the process outlived its deadline and was killed.
	ErrTimeout = errors.New("process timed out")
	// ErrCanceled is reported when the caller's context ended first.
	ErrCanceled = errors.New("process canceled")
	// ErrExit is reported for a non-zero exit status.
	ErrExit = errors.New("process exited with non-zero status")
)

// FailureKind classifies why a process did not succeed.
type FailureKind string

const (
	FailureNone     FailureKind = ""
	FailureExit     FailureKind = "exit"
	FailureTimeout  FailureKind = "timeout"
	FailureCanceled FailureKind = "canceled"
	FailureStart    FailureKind = "start"
)

// Command describes one child process.
type Command struct {
	Path           string
	Args           []string
	Dir            string
	Env            []string // appended to the parent environment
	Stdin          string
	Timeout        time.Duration // zero means no deadline beyond ctx
	MaxOutputBytes int64
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// Outcome is what a finished process left behind.
type Outcome struct {
	PID        int
	ExitCode   int
	Stdout     string
	Stderr     string
	Kind       FailureKind
	Err        error
	Truncated  bool
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// OK reports whether the process exited zero within its deadline.
func (o *Outcome) OK() bool {
	return o.Kind == FailureNone
}

// Process is a started child process. Callers must Close it; Close is safe to
// call more than once and after Wait.
type Process struct {
	cmd     *exec.Cmd
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration

	stdout *limitedWriter
	stderr *limitedWriter

	started  time.Time
	done     chan struct{}
	waitErr  error
	finished time.Time

	closeOnce sync.Once
}

// Start spawns the command in its own process group.
func Start(ctx context.Context, c Command) (*Process, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("%w: empty command path", ErrStart)
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	maxOut := c.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = DefaultMaxOutputBytes
	}

	cmd := exec.CommandContext(runCtx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	p := &Process{
		cmd:     cmd,
		ctx:     runCtx,
		cancel:  cancel,
		timeout: c.Timeout,
		stdout:  &limitedWriter{w: &bytes.Buffer{}, max: maxOut},
		stderr:  &limitedWriter{w: &bytes.Buffer{}, max: maxOut},
		done:    make(chan struct{}),
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s: %v", ErrStart, c.Path, err)
	}
	p.started = time.Now()

	go func() {
		p.waitErr = cmd.Wait()
		p.finished = time.Now()
		close(p.done)
	}()

	return p, nil
}

// ErrStart wraps failures to spawn the process at all.
var ErrStart = errors.New("process failed to start")

// PID returns the child's process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process is reaped and classifies the result.
func (p *Process) Wait() *Outcome {
	<-p.done

	out := &Outcome{
		PID:        p.cmd.Process.Pid,
		ExitCode:   -1,
		Stdout:     p.stdout.String(),
		Stderr:     p.stderr.String(),
		Truncated:  p.stdout.truncated || p.stderr.truncated,
		StartedAt:  p.started,
		FinishedAt: p.finished,
		Duration:   p.finished.Sub(p.started),
	}
	if p.cmd.ProcessState != nil {
		out.ExitCode = p.cmd.ProcessState.ExitCode()
	}

	if p.waitErr == nil {
		out.ExitCode = 0
		return out
	}

	switch {
	case errors.Is(p.ctx.Err(), context.DeadlineExceeded):
		out.Kind = FailureTimeout
		out.Err = fmt.Errorf("%w after %s", ErrTimeout, p.timeout)
	case errors.Is(p.ctx.Err(), context.Canceled):
		out.Kind = FailureCanceled
		out.Err = ErrCanceled
	default:
		var exitErr *exec.ExitError
		if errors.As(p.waitErr, &exitErr) {
			out.Kind = FailureExit
			out.Err = fmt.Errorf("%w: %d", ErrExit, out.ExitCode)
		} else {
			out.Kind = FailureExit
			out.Err = p.waitErr
		}
	}
	return out
}

// Close kills the process group if anything is still running and waits for
// the reaper. It never returns before the child is gone.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
		// Children that escaped the main process's death share its group.
		err = killProcessGroup(p.cmd)
	})
	return err
}

// Run starts the command, waits for it and always cleans it up.
func Run(ctx context.Context, c Command) *Outcome {
	p, err := Start(ctx, c)
	if err != nil {
		now := time.Now()
		return &Outcome{
			ExitCode:   -1,
			Kind:       FailureStart,
			Err:        err,
			StartedAt:  now,
			FinishedAt: now,
		}
	}
	defer p.Close()
	return p.Wait()
}

// limitedWriter is an io.Writer that keeps at most max bytes.
type limitedWriter struct {
	w         *bytes.Buffer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

var _ io.Writer = (*limitedWriter)(nil)

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err // report the full length so the copier does not fail
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}

func (lw *limitedWriter) String() string {
	return lw.w.String()
}
