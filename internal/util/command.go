package util

import (
	"context"
	"os/exec"
)

// CommandRunner executes external tools: Ethos Suite and the transform steps.
type CommandRunner interface {
	// RunContext runs name in dir (the process cwd when empty) and returns
	// combined stdout/stderr. The process is killed when ctx is done.
	RunContext(ctx context.Context, dir, name string, args ...string) (output []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewCommandRunner returns the real runner.
func NewCommandRunner() ExecRunner {
	return ExecRunner{}
}

func (ExecRunner) RunContext(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:fslint // CommandRunner is the abstraction layer
	cmd.Dir = dir
	return cmd.CombinedOutput()
}
