package validation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gated/internal/microplan"
	"github.com/fyrsmithlabs/gated/internal/validation"
)

func planContext(t *testing.T, run *validation.Run) *validation.Context {
	t.Helper()
	vc := &validation.Context{Run: run, Contract: run.Contract, Config: map[string]string{}}
	if run.Microplan != "" {
		doc, err := microplan.Parse([]byte(run.Microplan))
		require.NoError(t, err)
		vc.Microplan = doc
		vc.Manifest = &validation.Manifest{Files: doc.FilePaths(), TestFile: doc.TestFile}
	}
	return vc
}

func TestPlanPresentValidator(t *testing.T) {
	v := &validation.PlanPresentValidator{}
	ctx := context.Background()

	res, err := v.Execute(ctx, planContext(t, &validation.Run{ID: "r1"}))
	require.NoError(t, err)
	assert.Equal(t, validation.StatusFailed, res.Status)

	res, err = v.Execute(ctx, planContext(t, &validation.Run{ID: "r1", Microplan: microplanYAML}))
	require.NoError(t, err)
	assert.Equal(t, validation.StatusPassed, res.Status)

	// Legacy manifest still passes, with a deprecation warning.
	vc := &validation.Context{Run: &validation.Run{ID: "r1"}, Manifest: &validation.Manifest{Files: []string{"a.go"}}}
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusWarning, res.Status)
}

func TestUnitGraphValidator(t *testing.T) {
	v := &validation.UnitGraphValidator{}
	ctx := context.Background()

	res, err := v.Execute(ctx, planContext(t, &validation.Run{ID: "r1", Microplan: microplanYAML}))
	require.NoError(t, err)
	assert.Equal(t, validation.StatusPassed, res.Status)

	cyclic := "version: 1\nunits:\n  - id: a\n    depends_on: [b]\n  - id: b\n    depends_on: [a]\n"
	res, err = v.Execute(ctx, planContext(t, &validation.Run{ID: "r1", Microplan: cyclic}))
	require.NoError(t, err)
	assert.Equal(t, validation.StatusFailed, res.Status)

	res, err = v.Execute(ctx, planContext(t, &validation.Run{ID: "r1"}))
	require.NoError(t, err)
	assert.Equal(t, validation.StatusSkipped, res.Status)
}

func TestTestFileDeclaredValidator(t *testing.T) {
	v := &validation.TestFileDeclaredValidator{}
	ctx := context.Background()

	run := &validation.Run{ID: "r1", Microplan: microplanYAML, TestFilePath: "widget/parser_test.go"}
	res, err := v.Execute(ctx, planContext(t, run))
	require.NoError(t, err)
	assert.Equal(t, validation.StatusPassed, res.Status)

	run = &validation.Run{ID: "r1", Microplan: microplanYAML}
	res, err = v.Execute(ctx, planContext(t, run))
	require.NoError(t, err)
	assert.Equal(t, validation.StatusFailed, res.Status)

	res, err = v.Execute(ctx, planContext(t, &validation.Run{ID: "r1"}))
	require.NoError(t, err)
	assert.Equal(t, validation.StatusSkipped, res.Status)
}

func TestPlanTokenBudgetValidator(t *testing.T) {
	v := &validation.PlanTokenBudgetValidator{}
	ctx := context.Background()

	vc := planContext(t, &validation.Run{ID: "r1", Microplan: microplanYAML})
	vc.Services.Tokens = fixedTokens(100)

	res, err := v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusSkipped, res.Status)

	vc.Config["max_plan_tokens"] = "200"
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusPassed, res.Status)

	vc.Config["max_plan_tokens"] = "50"
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusFailed, res.Status)
	assert.Equal(t, float64(100), res.Metrics["tokens"])

	vc.Config["max_plan_tokens"] = "lots"
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusWarning, res.Status)
}

func TestContractTestableValidator(t *testing.T) {
	v := &validation.ContractTestableValidator{}
	ctx := context.Background()

	res, err := v.Execute(ctx, planContext(t, &validation.Run{ID: "r1"}))
	require.NoError(t, err)
	assert.Equal(t, validation.StatusSkipped, res.Status)

	run := &validation.Run{ID: "r1", Contract: "Acceptance criteria: parser must reject empty input"}
	res, err = v.Execute(ctx, planContext(t, run))
	require.NoError(t, err)
	assert.Equal(t, validation.StatusPassed, res.Status)

	run = &validation.Run{ID: "r1", Contract: "make it nicer"}
	res, err = v.Execute(ctx, planContext(t, run))
	require.NoError(t, err)
	assert.Equal(t, validation.StatusFailed, res.Status)
}

func TestSensitiveFilesValidator(t *testing.T) {
	v := &validation.SensitiveFilesValidator{}
	ctx := context.Background()

	vc := planContext(t, &validation.Run{ID: "r1", Microplan: microplanYAML})
	vc.SensitivePatterns = []string{"*.pem", ".env"}

	res, err := v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusPassed, res.Status)

	vc.Manifest.Files = append(vc.Manifest.Files, "certs/server.pem")
	vc.SensitivePatterns = []string{"certs/*.pem"}
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusFailed, res.Status)
	assert.Contains(t, res.Evidence, "certs/server.pem")

	// Danger mode downgrades the block to a warning.
	vc.Run.DangerMode = true
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusWarning, res.Status)
}

func TestAmbiguousTermsValidator(t *testing.T) {
	v := &validation.AmbiguousTermsValidator{}
	ctx := context.Background()

	res, err := v.Execute(ctx, planContext(t, &validation.Run{ID: "r1"}))
	require.NoError(t, err)
	assert.Equal(t, validation.StatusSkipped, res.Status)

	vc := planContext(t, &validation.Run{ID: "r1", TaskPrompt: "Somehow improve the parser"})
	vc.AmbiguousTerms = []string{"somehow", "improve"}
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusFailed, res.Status)
	assert.Contains(t, res.Evidence, "somehow")

	vc = planContext(t, &validation.Run{ID: "r1", TaskPrompt: "Add a YAML parser for widgets"})
	vc.AmbiguousTerms = []string{"somehow"}
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusPassed, res.Status)
}

func TestCompileValidator(t *testing.T) {
	v := &validation.CompileValidator{}
	ctx := context.Background()

	vc := planContext(t, &validation.Run{ID: "r1"})
	res, err := v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusSkipped, res.Status)

	vc.Services.Compiler = &fakeCompiler{result: validation.CompileResult{Success: true}}
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusPassed, res.Status)

	vc.Services.Compiler = &fakeCompiler{result: validation.CompileResult{
		Success: false, Errors: []string{"main.go:1: undefined: foo"}}}
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusFailed, res.Status)
}

func TestImportHygieneValidator(t *testing.T) {
	v := &validation.ImportHygieneValidator{}
	ctx := context.Background()

	vc := planContext(t, &validation.Run{ID: "r1", Microplan: microplanYAML})
	vc.Services.AST = &fakeAST{}
	res, err := v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusPassed, res.Status)

	vc.Services.AST = &fakeAST{broken: map[string]error{
		"widget/parser.go": scriptedError("expected ';'"),
	}}
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusFailed, res.Status)
	assert.Contains(t, res.Evidence, "widget/parser.go")

	// Non-Go change sets have nothing to parse.
	vc = planContext(t, &validation.Run{ID: "r1"})
	vc.Manifest = &validation.Manifest{Files: []string{"README.md"}}
	vc.Services.AST = &fakeAST{}
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusSkipped, res.Status)
}

func TestLintValidator(t *testing.T) {
	v := &validation.LintValidator{}
	ctx := context.Background()

	vc := planContext(t, &validation.Run{ID: "r1"})
	vc.Services.Linter = &fakeLinter{result: validation.LintResult{Success: true}}
	res, err := v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusPassed, res.Status)

	vc.Services.Linter = &fakeLinter{result: validation.LintResult{Success: true, WarningCount: 2}}
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusWarning, res.Status)

	vc.Services.Linter = &fakeLinter{result: validation.LintResult{Success: false, ErrorCount: 1}}
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusFailed, res.Status)
}

func TestSingleTestValidator(t *testing.T) {
	v := &validation.SingleTestValidator{}
	ctx := context.Background()

	vc := planContext(t, &validation.Run{ID: "r1", TestFilePath: "widget/parser_test.go"})
	vc.Services.Tests = &fakeTests{single: validation.TestResult{Passed: true, Duration: time.Second}}
	res, err := v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusPassed, res.Status)

	vc.Services.Tests = &fakeTests{single: validation.TestResult{Passed: false, ExitCode: 1, Output: "FAIL"}}
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusFailed, res.Status)
	assert.Equal(t, "FAIL", res.Evidence)

	vc = planContext(t, &validation.Run{ID: "r1"})
	vc.Services.Tests = &fakeTests{}
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusSkipped, res.Status)
}

func TestAllTestsAndBuildValidators(t *testing.T) {
	ctx := context.Background()
	vc := planContext(t, &validation.Run{ID: "r1"})

	all := &validation.AllTestsValidator{}
	vc.Services.Tests = &fakeTests{all: validation.TestResult{Passed: true}}
	res, err := all.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusPassed, res.Status)

	vc.Services.Tests = &fakeTests{all: validation.TestResult{Passed: false, ExitCode: 1}}
	res, err = all.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusFailed, res.Status)

	build := &validation.BuildValidator{}
	vc.Services.Builder = &fakeBuilder{result: validation.BuildResult{Success: true}}
	res, err = build.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusPassed, res.Status)

	vc.Services.Builder = &fakeBuilder{result: validation.BuildResult{Success: false, ExitCode: 2}}
	res, err = build.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusFailed, res.Status)
}

func TestDiffScopeValidator(t *testing.T) {
	v := &validation.DiffScopeValidator{}
	ctx := context.Background()

	vc := planContext(t, &validation.Run{ID: "r1", Microplan: microplanYAML})
	vc.Services.Git = &fakeGit{diffFiles: []string{"widget/parser.go", "widget/parser_test.go"}}
	res, err := v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusPassed, res.Status)

	vc.Services.Git = &fakeGit{diffFiles: []string{"widget/parser.go", "unrelated/config.go"}}
	res, err = v.Execute(ctx, vc)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusFailed, res.Status)
	assert.Contains(t, res.Evidence, "unrelated/config.go")

	res, err = v.Execute(ctx, planContext(t, &validation.Run{ID: "r1", Microplan: microplanYAML}))
	require.NoError(t, err)
	assert.Equal(t, validation.StatusSkipped, res.Status)
}
