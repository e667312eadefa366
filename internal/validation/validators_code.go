package validation

import (
	"context"
	"fmt"
	"strings"
)

// CompileValidator type-checks the project through the compiler port.
type CompileValidator struct{}

func (v *CompileValidator) Code() string    { return "COMPILE" }
func (v *CompileValidator) Gate() int       { return 2 }
func (v *CompileValidator) Order() int      { return 10 }
func (v *CompileValidator) HardBlock() bool { return true }

func (v *CompileValidator) Execute(ctx context.Context, vc *Context) (Result, error) {
	if vc.Services.Compiler == nil {
		return Skipped(v.Code(), "no compiler configured"), nil
	}
	cr, err := vc.Services.Compiler.Compile(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("compiler invocation: %w", err)
	}
	if !cr.Success {
		res := Failed(v.Code(), fmt.Sprintf("compilation failed with %d errors", len(cr.Errors)), cr.Output)
		res.Details = map[string]any{"errors": cr.Errors}
		return res, nil
	}
	return Passed(v.Code(), "project compiles"), nil
}

// ImportHygieneValidator parses changed source files through the AST
// port to catch structurally broken files before the linter runs.
type ImportHygieneValidator struct{}

func (v *ImportHygieneValidator) Code() string    { return "IMPORT_HYGIENE" }
func (v *ImportHygieneValidator) Gate() int       { return 2 }
func (v *ImportHygieneValidator) Order() int      { return 20 }
func (v *ImportHygieneValidator) HardBlock() bool { return false }

func (v *ImportHygieneValidator) Execute(ctx context.Context, vc *Context) (Result, error) {
	if vc.Services.AST == nil {
		return Skipped(v.Code(), "no AST parser configured"), nil
	}
	if !vc.HasPlan() {
		return Skipped(v.Code(), "no plan on run"), nil
	}

	var broken []string
	parsed := 0
	for _, file := range vc.ChangedFiles() {
		if !strings.HasSuffix(file, ".go") {
			continue
		}
		parsed++
		if err := vc.Services.AST.ParseFile(ctx, file); err != nil {
			broken = append(broken, fmt.Sprintf("%s: %v", file, err))
		}
	}
	if parsed == 0 {
		return Skipped(v.Code(), "no parseable files in change set"), nil
	}
	if len(broken) > 0 {
		return Failed(v.Code(), fmt.Sprintf("%d changed files fail to parse", len(broken)), strings.Join(broken, "\n")), nil
	}
	return Passed(v.Code(), fmt.Sprintf("%d changed files parse cleanly", parsed)), nil
}

// LintValidator runs static analysis through the linter port. Lint
// errors are soft: they surface as warnings on the gate.
type LintValidator struct{}

func (v *LintValidator) Code() string    { return "LINT" }
func (v *LintValidator) Gate() int       { return 2 }
func (v *LintValidator) Order() int      { return 30 }
func (v *LintValidator) HardBlock() bool { return false }

func (v *LintValidator) Execute(ctx context.Context, vc *Context) (Result, error) {
	if vc.Services.Linter == nil {
		return Skipped(v.Code(), "no linter configured"), nil
	}
	lr, err := vc.Services.Linter.Lint(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("linter invocation: %w", err)
	}
	res := Passed(v.Code(), "lint clean")
	if !lr.Success || lr.ErrorCount > 0 {
		res = Failed(v.Code(), fmt.Sprintf("lint found %d errors, %d warnings", lr.ErrorCount, lr.WarningCount), lr.Output)
	} else if lr.WarningCount > 0 {
		res = Warning(v.Code(), fmt.Sprintf("lint found %d warnings", lr.WarningCount), lr.Output)
	}
	res.Metrics = map[string]float64{
		"errors":   float64(lr.ErrorCount),
		"warnings": float64(lr.WarningCount),
	}
	return res, nil
}

// SingleTestValidator runs the resolved test file. Under TDD the test
// must exist and run; whether it passes is checked here, while the full
// suite runs in gate 3.
type SingleTestValidator struct{}

func (v *SingleTestValidator) Code() string    { return "SINGLE_TEST" }
func (v *SingleTestValidator) Gate() int       { return 2 }
func (v *SingleTestValidator) Order() int      { return 40 }
func (v *SingleTestValidator) HardBlock() bool { return true }

func (v *SingleTestValidator) Execute(ctx context.Context, vc *Context) (Result, error) {
	if vc.Services.Tests == nil {
		return Skipped(v.Code(), "no test runner configured"), nil
	}
	if vc.Run.TestFilePath == "" {
		return Skipped(v.Code(), "no resolved test file"), nil
	}
	tr, err := vc.Services.Tests.RunSingleTest(ctx, vc.Run.TestFilePath)
	if err != nil {
		return Result{}, fmt.Errorf("test runner invocation: %w", err)
	}
	res := Passed(v.Code(), fmt.Sprintf("test %s passed in %s", vc.Run.TestFilePath, tr.Duration))
	if !tr.Passed {
		res = Failed(v.Code(), fmt.Sprintf("test %s failed (exit %d)", vc.Run.TestFilePath, tr.ExitCode), tr.Output)
	}
	res.Metrics = map[string]float64{"duration_ms": float64(tr.Duration.Milliseconds())}
	return res, nil
}

// AllTestsValidator runs the full test suite through the runner port.
type AllTestsValidator struct{}

func (v *AllTestsValidator) Code() string    { return "ALL_TESTS" }
func (v *AllTestsValidator) Gate() int       { return 3 }
func (v *AllTestsValidator) Order() int      { return 10 }
func (v *AllTestsValidator) HardBlock() bool { return true }

func (v *AllTestsValidator) Execute(ctx context.Context, vc *Context) (Result, error) {
	if vc.Services.Tests == nil {
		return Skipped(v.Code(), "no test runner configured"), nil
	}
	tr, err := vc.Services.Tests.RunAllTests(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("test runner invocation: %w", err)
	}
	if !tr.Passed {
		res := Failed(v.Code(), fmt.Sprintf("test suite failed (exit %d)", tr.ExitCode), tr.Output)
		res.Metrics = map[string]float64{"duration_ms": float64(tr.Duration.Milliseconds())}
		return res, nil
	}
	res := Passed(v.Code(), fmt.Sprintf("test suite passed in %s", tr.Duration))
	res.Metrics = map[string]float64{"duration_ms": float64(tr.Duration.Milliseconds())}
	return res, nil
}

// BuildValidator produces artifacts through the builder port.
type BuildValidator struct{}

func (v *BuildValidator) Code() string    { return "BUILD" }
func (v *BuildValidator) Gate() int       { return 3 }
func (v *BuildValidator) Order() int      { return 20 }
func (v *BuildValidator) HardBlock() bool { return true }

func (v *BuildValidator) Execute(ctx context.Context, vc *Context) (Result, error) {
	if vc.Services.Builder == nil {
		return Skipped(v.Code(), "no builder configured"), nil
	}
	br, err := vc.Services.Builder.Build(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("builder invocation: %w", err)
	}
	if !br.Success {
		return Failed(v.Code(), fmt.Sprintf("build failed (exit %d)", br.ExitCode), br.Output), nil
	}
	return Passed(v.Code(), "build succeeded"), nil
}

// DiffScopeValidator compares the actual git diff against the planned
// change set and warns on out-of-scope modifications.
type DiffScopeValidator struct{}

func (v *DiffScopeValidator) Code() string    { return "DIFF_SCOPE" }
func (v *DiffScopeValidator) Gate() int       { return 3 }
func (v *DiffScopeValidator) Order() int      { return 30 }
func (v *DiffScopeValidator) HardBlock() bool { return false }

func (v *DiffScopeValidator) Execute(ctx context.Context, vc *Context) (Result, error) {
	if vc.Services.Git == nil {
		return Skipped(v.Code(), "no git service configured"), nil
	}
	if !vc.HasPlan() {
		return Skipped(v.Code(), "no plan on run"), nil
	}

	changed, err := vc.Services.Git.DiffFiles(ctx, vc.Run.BaseRef, vc.Run.TargetRef)
	if err != nil {
		return Result{}, fmt.Errorf("git diff: %w", err)
	}

	planned := make(map[string]struct{})
	for _, f := range vc.ChangedFiles() {
		planned[f] = struct{}{}
	}

	var outOfScope []string
	for _, f := range changed {
		if _, ok := planned[f]; !ok {
			outOfScope = append(outOfScope, f)
		}
	}
	if len(outOfScope) == 0 {
		return Passed(v.Code(), fmt.Sprintf("all %d changed files are in plan scope", len(changed))), nil
	}
	res := Failed(v.Code(), fmt.Sprintf("%d changed files are outside plan scope", len(outOfScope)), strings.Join(outOfScope, ", "))
	res.Details = map[string]any{"files": outOfScope}
	return res, nil
}
