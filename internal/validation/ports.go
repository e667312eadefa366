package validation

import (
	"context"
	"time"
)

// Store is the persistence collaborator. The pipeline core never
// implements durable storage; it records run state and results through
// this port and tolerates store latency without corrupting in-memory
// event sequencing.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, currentGate int) error
	UpdateRunTestFile(ctx context.Context, id string, path string) error
	AppendValidatorResult(ctx context.Context, runID string, gate int, result Result) error
	AppendGateResult(ctx context.Context, runID string, result GateResult) error
	DeleteResultsFromGate(ctx context.Context, runID string, gate int) error

	ConfigValue(ctx context.Context, key string) (string, bool, error)
	SensitiveFilePatterns(ctx context.Context) ([]string, error)
	AmbiguousTerms(ctx context.Context) ([]string, error)
}

// Git is the repository port backing diff-based validators.
type Git interface {
	Diff(ctx context.Context, baseRef, targetRef string) (string, error)
	DiffFiles(ctx context.Context, baseRef, targetRef string) ([]string, error)
	ReadFile(ctx context.Context, ref, path string) (string, error)
	Checkout(ctx context.Context, ref string) error
	CurrentRef(ctx context.Context) (string, error)
}

// ASTParser inspects source files structurally.
type ASTParser interface {
	ParseFile(ctx context.Context, path string) error
	Imports(ctx context.Context, path string) ([]string, error)
}

// TestResult is the outcome of a test runner invocation.
type TestResult struct {
	Passed   bool
	ExitCode int
	Output   string
	Duration time.Duration
}

// TestRunner executes tests in the project under validation.
type TestRunner interface {
	RunSingleTest(ctx context.Context, path string) (TestResult, error)
	RunAllTests(ctx context.Context) (TestResult, error)
}

// CompileResult is the outcome of a compiler invocation.
type CompileResult struct {
	Success bool
	Errors  []string
	Output  string
}

// Compiler type-checks the project under validation.
type Compiler interface {
	Compile(ctx context.Context) (CompileResult, error)
}

// LintResult is the outcome of a linter invocation.
type LintResult struct {
	Success      bool
	ErrorCount   int
	WarningCount int
	Output       string
}

// Linter runs static analysis on the project under validation.
type Linter interface {
	Lint(ctx context.Context) (LintResult, error)
}

// BuildResult is the outcome of a builder invocation.
type BuildResult struct {
	Success  bool
	ExitCode int
	Output   string
}

// Builder produces artifacts from the project under validation.
type Builder interface {
	Build(ctx context.Context) (BuildResult, error)
}

// TokenCounter estimates LLM token usage of a text.
type TokenCounter interface {
	Count(text string) int
}
