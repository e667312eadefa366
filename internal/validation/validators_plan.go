package validation

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/gated/internal/scheduler"
)

// PlanPresentValidator requires a plan artifact (microplan or legacy
// manifest) on the run.
type PlanPresentValidator struct{}

func (v *PlanPresentValidator) Code() string    { return "PLAN_PRESENT" }
func (v *PlanPresentValidator) Gate() int       { return 0 }
func (v *PlanPresentValidator) Order() int      { return 10 }
func (v *PlanPresentValidator) HardBlock() bool { return true }

func (v *PlanPresentValidator) Execute(_ context.Context, vc *Context) (Result, error) {
	if !vc.HasPlan() {
		return Failed(v.Code(), "run carries neither a microplan nor a manifest", ""), nil
	}
	if vc.Microplan != nil {
		res := Passed(v.Code(), fmt.Sprintf("microplan with %d units", len(vc.Microplan.Units)))
		res.Metrics = map[string]float64{"units": float64(len(vc.Microplan.Units))}
		return res, nil
	}
	return Warning(v.Code(), "run uses the deprecated manifest format", ""), nil
}

// UnitGraphValidator checks the microplan's dependency graph: every
// depends_on id must exist and the graph must be acyclic.
type UnitGraphValidator struct{}

func (v *UnitGraphValidator) Code() string    { return "UNIT_GRAPH" }
func (v *UnitGraphValidator) Gate() int       { return 0 }
func (v *UnitGraphValidator) Order() int      { return 20 }
func (v *UnitGraphValidator) HardBlock() bool { return true }

func (v *UnitGraphValidator) Execute(_ context.Context, vc *Context) (Result, error) {
	if vc.Microplan == nil {
		return Skipped(v.Code(), "no microplan on run"), nil
	}
	batches, err := scheduler.TopologicalBatches(vc.Microplan.Units)
	if err != nil {
		return Failed(v.Code(), "microplan dependency graph is invalid", err.Error()), nil
	}
	res := Passed(v.Code(), fmt.Sprintf("%d units in %d batches", len(vc.Microplan.Units), len(batches)))
	res.Metrics = map[string]float64{"batches": float64(len(batches))}
	return res, nil
}

// TestFileDeclaredValidator enforces the TDD precondition: the plan
// must declare, or let the builder derive, a test file.
type TestFileDeclaredValidator struct{}

func (v *TestFileDeclaredValidator) Code() string    { return "TEST_FILE_DECLARED" }
func (v *TestFileDeclaredValidator) Gate() int       { return 0 }
func (v *TestFileDeclaredValidator) Order() int      { return 30 }
func (v *TestFileDeclaredValidator) HardBlock() bool { return true }

func (v *TestFileDeclaredValidator) Execute(_ context.Context, vc *Context) (Result, error) {
	if !vc.HasPlan() {
		return Skipped(v.Code(), "no plan on run"), nil
	}
	if vc.Run.TestFilePath == "" {
		return Failed(v.Code(), "plan declares no test file and none could be derived from the change set", ""), nil
	}
	return Passed(v.Code(), "test file "+vc.Run.TestFilePath), nil
}

// PlanTokenBudgetValidator warns when the plan text exceeds the
// configured token budget.
type PlanTokenBudgetValidator struct{}

func (v *PlanTokenBudgetValidator) Code() string    { return "PLAN_TOKEN_BUDGET" }
func (v *PlanTokenBudgetValidator) Gate() int       { return 0 }
func (v *PlanTokenBudgetValidator) Order() int      { return 40 }
func (v *PlanTokenBudgetValidator) HardBlock() bool { return false }

func (v *PlanTokenBudgetValidator) Execute(_ context.Context, vc *Context) (Result, error) {
	if vc.Services.Tokens == nil {
		return Skipped(v.Code(), "no token counter configured"), nil
	}
	budgetStr, ok := vc.Config["max_plan_tokens"]
	if !ok {
		return Skipped(v.Code(), "max_plan_tokens not configured"), nil
	}
	budget, err := strconv.Atoi(budgetStr)
	if err != nil {
		return Warning(v.Code(), "max_plan_tokens is not a number", budgetStr), nil
	}

	text := vc.Run.Microplan
	if text == "" {
		text = vc.Run.Manifest
	}
	count := vc.Services.Tokens.Count(text)
	res := Passed(v.Code(), fmt.Sprintf("plan uses %d of %d tokens", count, budget))
	res.Metrics = map[string]float64{"tokens": float64(count)}
	if count > budget {
		res = Failed(v.Code(), fmt.Sprintf("plan uses %d tokens, budget is %d", count, budget), "")
		res.Metrics = map[string]float64{"tokens": float64(count)}
	}
	return res, nil
}

// ContractTestableValidator checks that the contract names verifiable
// acceptance criteria. It skips when the run has no contract.
type ContractTestableValidator struct{}

func (v *ContractTestableValidator) Code() string    { return "CONTRACT_TESTABLE" }
func (v *ContractTestableValidator) Gate() int       { return 1 }
func (v *ContractTestableValidator) Order() int      { return 10 }
func (v *ContractTestableValidator) HardBlock() bool { return true }

func (v *ContractTestableValidator) Execute(_ context.Context, vc *Context) (Result, error) {
	if !vc.HasContract() {
		return Skipped(v.Code(), "no contract on run"), nil
	}
	lower := strings.ToLower(vc.Contract)
	for _, marker := range []string{"acceptance", "criteria", "must", "verify"} {
		if strings.Contains(lower, marker) {
			return Passed(v.Code(), "contract names acceptance criteria"), nil
		}
	}
	return Failed(v.Code(), "contract has no verifiable acceptance criteria", ""), nil
}

// SensitiveFilesValidator fails when the planned change set touches a
// sensitive file pattern, unless the run is in danger mode.
type SensitiveFilesValidator struct{}

func (v *SensitiveFilesValidator) Code() string    { return "SENSITIVE_FILES" }
func (v *SensitiveFilesValidator) Gate() int       { return 1 }
func (v *SensitiveFilesValidator) Order() int      { return 20 }
func (v *SensitiveFilesValidator) HardBlock() bool { return true }

func (v *SensitiveFilesValidator) Execute(_ context.Context, vc *Context) (Result, error) {
	if !vc.HasPlan() {
		return Skipped(v.Code(), "no plan on run"), nil
	}

	var hits []string
	for _, file := range vc.ChangedFiles() {
		for _, pattern := range vc.SensitivePatterns {
			match, err := filepath.Match(pattern, file)
			if err != nil {
				continue
			}
			if match || strings.Contains(file, strings.Trim(pattern, "*")) {
				hits = append(hits, file)
				break
			}
		}
	}

	if len(hits) == 0 {
		return Passed(v.Code(), "no sensitive files in change set"), nil
	}
	evidence := strings.Join(hits, ", ")
	if vc.Run.DangerMode {
		return Warning(v.Code(), "sensitive files changed under danger mode", evidence), nil
	}
	res := Failed(v.Code(), fmt.Sprintf("%d sensitive files in change set", len(hits)), evidence)
	res.Details = map[string]any{"files": hits}
	return res, nil
}

// AmbiguousTermsValidator warns when the task prompt contains terms
// flagged as ambiguous.
type AmbiguousTermsValidator struct{}

func (v *AmbiguousTermsValidator) Code() string    { return "AMBIGUOUS_TERMS" }
func (v *AmbiguousTermsValidator) Gate() int       { return 1 }
func (v *AmbiguousTermsValidator) Order() int      { return 30 }
func (v *AmbiguousTermsValidator) HardBlock() bool { return false }

func (v *AmbiguousTermsValidator) Execute(_ context.Context, vc *Context) (Result, error) {
	if vc.Run.TaskPrompt == "" {
		return Skipped(v.Code(), "run has no task prompt"), nil
	}
	prompt := strings.ToLower(vc.Run.TaskPrompt)
	var hits []string
	for _, term := range vc.AmbiguousTerms {
		if strings.Contains(prompt, strings.ToLower(term)) {
			hits = append(hits, term)
		}
	}
	if len(hits) == 0 {
		return Passed(v.Code(), "task prompt is unambiguous"), nil
	}
	return Failed(v.Code(), "task prompt contains ambiguous terms", strings.Join(hits, ", ")), nil
}
