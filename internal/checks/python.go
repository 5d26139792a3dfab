package checks

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultTestTimeout bounds one pytest invocation.
	DefaultTestTimeout = 120 * time.Second
	// DefaultInstallTimeout bounds one pip install.
	DefaultInstallTimeout = 60 * time.Second
)

// PythonTestRunner runs a repository's pytest suite.
type PythonTestRunner struct {
	runner  *Runner
	command string
	timeout time.Duration
}

// NewPythonTestRunner builds a runner for "<python> -m pytest -v --tb=short".
// A non-empty command overrides the default invocation.
func NewPythonTestRunner(cmd CommandRunner, python, command string, timeout time.Duration) *PythonTestRunner {
	if python == "" {
		python = "python"
	}
	if command == "" {
		command = python + " -m pytest -v --tb=short"
	}
	if timeout <= 0 {
		timeout = DefaultTestTimeout
	}
	return &PythonTestRunner{runner: NewRunner(cmd), command: command, timeout: timeout}
}

// Command returns the shell command the runner executes.
func (p *PythonTestRunner) Command() string {
	return p.command
}

// RunTests runs the suite in root. Timeouts come back as a failed Result.
func (p *PythonTestRunner) RunTests(ctx context.Context, root string) (*Result, error) {
	return p.runner.Run(ctx, root, CheckConfig{
		Name:    "pytest",
		Command: p.command,
		Parser:  "pytest",
		Timeout: p.timeout,
	})
}

// PipInstaller installs a missing module with pip.
type PipInstaller struct {
	cmd     CommandRunner
	python  string
	timeout time.Duration
}

// NewPipInstaller creates an installer using "<python> -m pip install".
func NewPipInstaller(cmd CommandRunner, python string, timeout time.Duration) *PipInstaller {
	if python == "" {
		python = "python"
	}
	if timeout <= 0 {
		timeout = DefaultInstallTimeout
	}
	return &PipInstaller{cmd: cmd, python: python, timeout: timeout}
}

// Install runs pip in cwd. Completing the invocation counts as success
// whatever pip's exit status; only a timeout or launch failure is an error.
func (p *PipInstaller) Install(ctx context.Context, module, cwd string) error {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	command := fmt.Sprintf("%s -m pip install %s", p.python, ShellQuote(module))
	if _, _, _, err := p.cmd.Run(runCtx, cwd, command); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("pip install %s: timeout after %s", module, p.timeout)
		}
		return fmt.Errorf("pip install %s: %w", module, err)
	}
	return nil
}
