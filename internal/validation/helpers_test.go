package validation_test

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/gated/internal/validation"
)

// fakeValidator is a scriptable validator for pipeline tests.
type fakeValidator struct {
	code  string
	gate  int
	order int
	hard  bool
	fn    func(ctx context.Context, vc *validation.Context) (validation.Result, error)
}

func (f *fakeValidator) Code() string    { return f.code }
func (f *fakeValidator) Gate() int       { return f.gate }
func (f *fakeValidator) Order() int      { return f.order }
func (f *fakeValidator) HardBlock() bool { return f.hard }

func (f *fakeValidator) Execute(ctx context.Context, vc *validation.Context) (validation.Result, error) {
	if f.fn == nil {
		return validation.Passed(f.code, "ok"), nil
	}
	return f.fn(ctx, vc)
}

func passingValidator(code string, gate, order int, hard bool) *fakeValidator {
	return &fakeValidator{code: code, gate: gate, order: order, hard: hard}
}

func failingValidator(code string, gate, order int, hard bool) *fakeValidator {
	return &fakeValidator{code: code, gate: gate, order: order, hard: hard,
		fn: func(context.Context, *validation.Context) (validation.Result, error) {
			return validation.Failed(code, "scripted failure", ""), nil
		}}
}

// countingStore wraps a Store and counts calls to selected operations.
type countingStore struct {
	validation.Store

	mu              sync.Mutex
	testFileUpdates int
}

func (c *countingStore) UpdateRunTestFile(ctx context.Context, id, path string) error {
	c.mu.Lock()
	c.testFileUpdates++
	c.mu.Unlock()
	return c.Store.UpdateRunTestFile(ctx, id, path)
}

func (c *countingStore) TestFileUpdates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.testFileUpdates
}

// flakyStore wraps a Store and fails selected operations a scripted
// number of times before succeeding.
type flakyStore struct {
	validation.Store

	mu                  sync.Mutex
	statusFailures      int
	validatorFailures   int
	failValidatorAlways bool
}

type scriptedError string

func (e scriptedError) Error() string { return string(e) }

func (f *flakyStore) UpdateRunStatus(ctx context.Context, id string, status validation.RunStatus, gate int) error {
	f.mu.Lock()
	if f.statusFailures > 0 {
		f.statusFailures--
		f.mu.Unlock()
		return scriptedError("scripted status failure")
	}
	f.mu.Unlock()
	return f.Store.UpdateRunStatus(ctx, id, status, gate)
}

func (f *flakyStore) AppendValidatorResult(ctx context.Context, runID string, gate int, result validation.Result) error {
	f.mu.Lock()
	if f.failValidatorAlways || f.validatorFailures > 0 {
		if f.validatorFailures > 0 {
			f.validatorFailures--
		}
		f.mu.Unlock()
		return scriptedError("scripted result failure")
	}
	f.mu.Unlock()
	return f.Store.AppendValidatorResult(ctx, runID, gate, result)
}

// Fake service ports.

type fakeGit struct {
	diffFiles []string
	err       error
}

func (g *fakeGit) Diff(context.Context, string, string) (string, error) { return "", g.err }
func (g *fakeGit) DiffFiles(context.Context, string, string) ([]string, error) {
	return g.diffFiles, g.err
}
func (g *fakeGit) ReadFile(context.Context, string, string) (string, error) { return "", g.err }
func (g *fakeGit) Checkout(context.Context, string) error                   { return g.err }
func (g *fakeGit) CurrentRef(context.Context) (string, error)               { return "main", g.err }

type fakeAST struct {
	broken map[string]error
}

func (a *fakeAST) ParseFile(_ context.Context, path string) error { return a.broken[path] }
func (a *fakeAST) Imports(context.Context, string) ([]string, error) {
	return nil, nil
}

type fakeTests struct {
	single validation.TestResult
	all    validation.TestResult
	err    error
}

func (t *fakeTests) RunSingleTest(context.Context, string) (validation.TestResult, error) {
	return t.single, t.err
}
func (t *fakeTests) RunAllTests(context.Context) (validation.TestResult, error) {
	return t.all, t.err
}

type fakeCompiler struct {
	result validation.CompileResult
	err    error
}

func (c *fakeCompiler) Compile(context.Context) (validation.CompileResult, error) {
	return c.result, c.err
}

type fakeLinter struct {
	result validation.LintResult
	err    error
}

func (l *fakeLinter) Lint(context.Context) (validation.LintResult, error) { return l.result, l.err }

type fakeBuilder struct {
	result validation.BuildResult
	err    error
}

func (b *fakeBuilder) Build(context.Context) (validation.BuildResult, error) { return b.result, b.err }

type fixedTokens int

func (f fixedTokens) Count(string) int { return int(f) }

const microplanYAML = `version: 1
goal: add widget parser
test_file: widget/parser_test.go
units:
  - id: a
    goal: write failing test
    files:
      - path: widget/parser_test.go
        action: create
  - id: b
    goal: implement parser
    depends_on: [a]
    files:
      - path: widget/parser.go
        action: create
`
