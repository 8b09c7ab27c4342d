// Package buildrun is the build/verify collaborator: it runs build and
// lint commands in a working copy and captures their output for the
// classifier.
package buildrun

import (
	"bytes"
	"context"
	"log"
	"os/exec"
	"time"
)

// Result is the outcome of one command run
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Passed reports whether the command exited cleanly
func (r *Result) Passed() bool {
	return r.ExitCode == 0
}

// CombinedOutput returns stdout and stderr joined for classification
func (r *Result) CombinedOutput() string {
	if r.Stdout == "" {
		return r.Stderr
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner executes verification commands
type Runner interface {
	Run(ctx context.Context, dir, command string) (*Result, error)
}

// ShellRunner runs commands through the shell with a timeout
type ShellRunner struct {
	Timeout time.Duration
	Debug   bool
}

// NewShellRunner creates a runner with the given per-command timeout
func NewShellRunner(timeout time.Duration) *ShellRunner {
	return &ShellRunner{Timeout: timeout}
}

// Run executes command in dir. A non-zero exit is reported in the Result,
// not as an error; errors are reserved for failures to run at all.
func (r *ShellRunner) Run(ctx context.Context, dir, command string) (*Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	if r.Debug {
		log.Printf("[buildrun] running %q in %s", command, dir)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, err
	}
	return result, nil
}
