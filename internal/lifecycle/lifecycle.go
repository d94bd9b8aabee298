// Package lifecycle drives the package build lifecycle: install, user-scoped
// install, test execution and workspace cleanup. Every operation is a short
// fixed sequence of external tool invocations run through a configurable
// interpreter; no state is carried between operations beyond their
// filesystem side effects.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	cevasterrors "github.com/crocs-muni/cert-validataion-stats/internal/errors"
	"github.com/crocs-muni/cert-validataion-stats/internal/logfields"
)

// Operation names.
const (
	OpInstall     = "install"
	OpUserInstall = "user-install"
	OpTest        = "test"
	OpClear       = "clear"
)

// Operations lists all operations.
func Operations() []string {
	return []string{OpInstall, OpUserInstall, OpTest, OpClear}
}

// Workspace directories produced by the build and test tools.
const (
	buildDir       = "build"
	distDir        = "dist"
	metadataDir    = "cevast.egg-info"
	testsDir       = "tests"
	testStorageDir = "test_storage"
)

// Runner executes lifecycle operations in a workspace.
type Runner struct {
	interpreter string
	workDir     string
	stdout      io.Writer
	stderr      io.Writer
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkDir sets the workspace directory, default is the current one.
func WithWorkDir(dir string) Option {
	return func(r *Runner) { r.workDir = dir }
}

// WithOutput redirects the external tools' output streams.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// NewRunner creates a Runner. The interpreter runs the build tool and the
// test runner for every operation; empty means "python3".
func NewRunner(interpreter string, opts ...Option) *Runner {
	if interpreter == "" {
		interpreter = "python3"
	}
	r := &Runner{
		interpreter: interpreter,
		workDir:     ".",
		stdout:      os.Stdout,
		stderr:      os.Stderr,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run dispatches an operation by name.
func (r *Runner) Run(ctx context.Context, op string) error {
	switch op {
	case OpInstall:
		return r.Install(ctx)
	case OpUserInstall:
		return r.UserInstall(ctx)
	case OpTest:
		return r.Test(ctx)
	case OpClear:
		return r.Clear()
	}
	return cevasterrors.ValidationFailed("operation",
		fmt.Sprintf("unknown operation %q, available: %v", op, Operations()))
}

// Install runs the build tool's install action, placing the package into a
// system-wide location. The tool's exit status propagates unchanged.
func (r *Runner) Install(ctx context.Context) error {
	return r.invoke(ctx, OpInstall, "setup.py", "install")
}

// UserInstall runs the build tool's install action with user scope, placing
// the package into a per-user location. Independent of Install; running both
// performs both installations.
func (r *Runner) UserInstall(ctx context.Context) error {
	return r.invoke(ctx, OpUserInstall, "setup.py", "install", "--user")
}

// Test runs test discovery over the tests directory in verbose mode, then
// unconditionally removes the test storage directory the suite materializes
// there. The test run's status decides the overall result; a missing storage
// directory is not an error, any other removal failure surfaces only when
// the test run itself succeeded.
func (r *Runner) Test(ctx context.Context) error {
	testErr := r.invoke(ctx, OpTest, "-m", "pytest", testsDir, "-v")

	storage := filepath.Join(r.workDir, testsDir, testStorageDir)
	rmErr := RemoveTree(storage)
	if rmErr != nil {
		slog.Error("Test storage cleanup failed", logfields.Path(storage), logfields.Error(rmErr))
	}
	if testErr != nil {
		return testErr
	}
	if rmErr != nil {
		return cevasterrors.WorkspaceError(OpTest, rmErr)
	}
	return nil
}

// Clear removes the build output, the distribution output and the package
// metadata directories. Removals are independent and tolerate absence, so
// clearing an already clean workspace succeeds.
func (r *Runner) Clear() error {
	for _, dir := range []string{buildDir, distDir, metadataDir} {
		path := filepath.Join(r.workDir, dir)
		slog.Debug("Removing workspace directory", logfields.Path(path))
		if err := RemoveTree(path); err != nil {
			return cevasterrors.WorkspaceError(OpClear, err)
		}
	}
	return nil
}

// invoke runs the interpreter with the given arguments in the workspace.
func (r *Runner) invoke(ctx context.Context, op string, args ...string) error {
	slog.Info("Running lifecycle step",
		logfields.Operation(op), slog.String("interpreter", r.interpreter), slog.Any("args", args))

	cmd := exec.CommandContext(ctx, r.interpreter, args...)
	cmd.Dir = r.workDir
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	if err := cmd.Run(); err != nil {
		return cevasterrors.LifecycleStepFailed(op, r.interpreter, err)
	}
	return nil
}

// RemoveTree removes a path and everything under it. The call succeeds when
// the end state is "path does not exist", whether or not it existed before.
func RemoveTree(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove tree %s: %w", path, err)
	}
	return nil
}

// ExitCode extracts the external tool's exit code from an operation error.
// It returns 0 for nil and -1 when no exit status is attached.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
