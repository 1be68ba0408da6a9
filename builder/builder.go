// Package builder invokes the external chroot/bootstrap tool that performs
// the actual package build, consuming an environment.BuildPlan and
// producing the output directory the orchestrator later verifies.
package builder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/Debian/debrebuild/environment"
)

// ErrBuilderFailed wraps a non-zero exit from the external builder.
type ErrBuilderFailed struct {
	Builder  string
	Target   string
	ExitCode int
	Err      error
}

func (e *ErrBuilderFailed) Error() string {
	return fmt.Sprintf("builder: %s failed building %s (exit %d): %v", e.Builder, e.Target, e.ExitCode, e.Err)
}

func (e *ErrBuilderFailed) Unwrap() error { return e.Err }

// Builder runs an external package builder against a synthesized
// environment.BuildPlan.
type Builder interface {
	// Name identifies the builder kind, e.g. for the --builder CLI flag and
	// for ErrBuilderFailed messages.
	Name() string
	// Build runs the builder, writing the produced artifacts into
	// plan.OutputDir, and streaming stdout/stderr into logDir.
	Build(ctx context.Context, plan *environment.BuildPlan, logDir string) error
}

// None is a no-op Builder (--builder=none, the default): it produces
// nothing, so the orchestrator stops after resolving and synthesizing the
// build environment and skips the build/verify/attest stages entirely.
type None struct{}

func (None) Name() string { return "none" }

func (None) Build(ctx context.Context, plan *environment.BuildPlan, logDir string) error {
	return nil
}

// runCommand starts cmd with stdout/stderr redirected to files under
// logDir, waits for completion, and translates a non-zero exit into
// ErrBuilderFailed carrying the exit code from *exec.ExitError's
// syscall.WaitStatus.
func runCommand(cmd *exec.Cmd, builderName, target, logDir string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("builder: creating log dir: %w", err)
	}
	stdout, err := os.Create(filepath.Join(logDir, builderName+".stdout.log"))
	if err != nil {
		return fmt.Errorf("builder: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(logDir, builderName+".stderr.log"))
	if err != nil {
		return fmt.Errorf("builder: %w", err)
	}
	defer stderr.Close()

	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("builder: starting %s: %w", builderName, err)
	}
	err = cmd.Wait()
	if err == nil {
		return nil
	}
	exitCode := -1
	if ee, ok := err.(*exec.ExitError); ok {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			exitCode = ws.ExitStatus()
		}
	}
	return &ErrBuilderFailed{Builder: builderName, Target: target, ExitCode: exitCode, Err: err}
}

// buildEnviron renders plan.Env as a []string suitable for exec.Cmd.Env.
func buildEnviron(plan *environment.BuildPlan) []string {
	env := make([]string, 0, len(plan.Env))
	for k, v := range plan.Env {
		env = append(env, k+"="+v)
	}
	return env
}
