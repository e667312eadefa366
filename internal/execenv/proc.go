// Package execenv provides the execution-environment collaborators a
// validation context exposes to validators: git access, AST parsing,
// external tool invocation and token counting.
package execenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gated/internal/validation"
)

// ToolCommands configures the external commands the tool runner shells
// out to. Commands are argv slices; {test} in RunSingleTest's command is
// replaced with the test file path.
type ToolCommands struct {
	SingleTest []string
	AllTests   []string
	Compile    []string
	Lint       []string
	Build      []string
}

// DefaultGoToolCommands returns the tool commands for a Go project.
func DefaultGoToolCommands() ToolCommands {
	return ToolCommands{
		SingleTest: []string{"go", "test", "-run", ".", "{test}"},
		AllTests:   []string{"go", "test", "./..."},
		Compile:    []string{"go", "vet", "./..."},
		Lint:       []string{"golangci-lint", "run", "./..."},
		Build:      []string{"go", "build", "./..."},
	}
}

// ToolRunner shells out to project tooling with a bounded timeout per
// invocation. It implements the TestRunner, Compiler, Linter and
// Builder ports.
type ToolRunner struct {
	dir      string
	commands ToolCommands
	timeout  time.Duration
	logger   *zap.Logger
}

// NewToolRunner creates a tool runner rooted at the project directory.
func NewToolRunner(dir string, commands ToolCommands, timeout time.Duration, logger *zap.Logger) *ToolRunner {
	return &ToolRunner{dir: dir, commands: commands, timeout: timeout, logger: logger.Named("tools")}
}

type procResult struct {
	exitCode int
	output   string
	duration time.Duration
	timedOut bool
}

// run executes one command. Timeouts surface as an error wrapping
// context.DeadlineExceeded so the gate executor treats them as
// hard-blocking regardless of the calling validator's class.
func (t *ToolRunner) run(ctx context.Context, argv []string) (procResult, error) {
	if len(argv) == 0 {
		return procResult{}, errors.New("no command configured")
	}

	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var buf bytes.Buffer
	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Dir = t.dir
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	res := procResult{
		output:   buf.String(),
		duration: time.Since(start),
		timedOut: errors.Is(cctx.Err(), context.DeadlineExceeded),
	}

	if res.timedOut {
		res.exitCode = -1
		return res, fmt.Errorf("%s timed out after %s: %w", argv[0], t.timeout, context.DeadlineExceeded)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.exitCode = 0
	case errors.As(err, &exitErr):
		res.exitCode = exitErr.ExitCode()
	default:
		return res, err
	}

	t.logger.Debug("tool finished",
		zap.String("command", strings.Join(argv, " ")),
		zap.Int("exit_code", res.exitCode),
		zap.Duration("duration", res.duration),
		zap.Bool("timed_out", res.timedOut))
	return res, nil
}

func (t *ToolRunner) RunSingleTest(ctx context.Context, path string) (validation.TestResult, error) {
	argv := make([]string, len(t.commands.SingleTest))
	for i, a := range t.commands.SingleTest {
		argv[i] = strings.ReplaceAll(a, "{test}", path)
	}
	res, err := t.run(ctx, argv)
	if err != nil {
		return validation.TestResult{}, err
	}
	return validation.TestResult{
		Passed:   res.exitCode == 0,
		ExitCode: res.exitCode,
		Output:   res.output,
		Duration: res.duration,
	}, nil
}

func (t *ToolRunner) RunAllTests(ctx context.Context) (validation.TestResult, error) {
	res, err := t.run(ctx, t.commands.AllTests)
	if err != nil {
		return validation.TestResult{}, err
	}
	return validation.TestResult{
		Passed:   res.exitCode == 0,
		ExitCode: res.exitCode,
		Output:   res.output,
		Duration: res.duration,
	}, nil
}

func (t *ToolRunner) Compile(ctx context.Context) (validation.CompileResult, error) {
	res, err := t.run(ctx, t.commands.Compile)
	if err != nil {
		return validation.CompileResult{}, err
	}
	cr := validation.CompileResult{
		Success: res.exitCode == 0,
		Output:  res.output,
	}
	if !cr.Success {
		for _, line := range strings.Split(strings.TrimSpace(res.output), "\n") {
			if line != "" {
				cr.Errors = append(cr.Errors, line)
			}
		}
	}
	return cr, nil
}

func (t *ToolRunner) Lint(ctx context.Context) (validation.LintResult, error) {
	res, err := t.run(ctx, t.commands.Lint)
	if err != nil {
		return validation.LintResult{}, err
	}
	lr := validation.LintResult{
		Success: res.exitCode == 0,
		Output:  res.output,
	}
	for _, line := range strings.Split(res.output, "\n") {
		switch {
		case strings.Contains(line, "Error:"), strings.Contains(line, "error:"):
			lr.ErrorCount++
		case strings.Contains(line, "Warning:"), strings.Contains(line, "warning:"):
			lr.WarningCount++
		}
	}
	if !lr.Success && lr.ErrorCount == 0 {
		// Non-zero exit without parseable findings still counts.
		lr.ErrorCount = 1
	}
	return lr, nil
}

func (t *ToolRunner) Build(ctx context.Context) (validation.BuildResult, error) {
	res, err := t.run(ctx, t.commands.Build)
	if err != nil {
		return validation.BuildResult{}, err
	}
	return validation.BuildResult{
		Success:  res.exitCode == 0,
		ExitCode: res.exitCode,
		Output:   res.output,
	}, nil
}

var (
	_ validation.TestRunner = (*ToolRunner)(nil)
	_ validation.Compiler   = (*ToolRunner)(nil)
	_ validation.Linter     = (*ToolRunner)(nil)
	_ validation.Builder    = (*ToolRunner)(nil)
)
