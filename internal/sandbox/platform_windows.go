//go:build windows

package sandbox

import (
	"errors"
	"os"
	"os/exec"
)

// setupProcessGroup is a no-op on Windows; the child is killed directly.
func setupProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
