// Package validation implements the gated TDD validation pipeline: the
// validator contract, the gate registry, per-run context building, the
// gate pipeline executor and the run concurrency manager.
package validation

import (
	"time"
)

// RunType selects which gate range a run passes through.
type RunType string

const (
	// RunTypeContract validates planning artifacts (gates 0-1).
	RunTypeContract RunType = "CONTRACT"
	// RunTypeExecution validates produced code (gates 2-3).
	RunTypeExecution RunType = "EXECUTION"
)

// RunStatus is the lifecycle state of a validation run.
type RunStatus string

const (
	RunPending RunStatus = "PENDING"
	RunRunning RunStatus = "RUNNING"
	RunPassed  RunStatus = "PASSED"
	RunFailed  RunStatus = "FAILED"
	RunAborted RunStatus = "ABORTED"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunPassed || s == RunFailed || s == RunAborted
}

// Run is one validation run over a task's planned changes.
type Run struct {
	ID          string    `json:"id"`
	OutputID    string    `json:"outputId"`
	ProjectPath string    `json:"projectPath"`
	BaseRef     string    `json:"baseRef"`
	TargetRef   string    `json:"targetRef"`
	TaskPrompt  string    `json:"taskPrompt"`
	RunType     RunType   `json:"runType"`
	Status      RunStatus `json:"status"`
	CurrentGate int       `json:"currentGate"`
	DangerMode  bool      `json:"dangerMode"`

	// Planning artifacts supplied by the agent collaborator. Microplan
	// is the current format; Manifest is the deprecated legacy shape.
	Microplan string `json:"microplan,omitempty"`
	Manifest  string `json:"manifest,omitempty"`
	Contract  string `json:"contract,omitempty"`

	// TestFilePath is set once resolution succeeds and is never
	// recomputed afterwards.
	TestFilePath string `json:"testFilePath,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ResultStatus is the outcome of a single validator invocation.
type ResultStatus string

const (
	StatusPassed  ResultStatus = "PASSED"
	StatusFailed  ResultStatus = "FAILED"
	StatusWarning ResultStatus = "WARNING"
	StatusSkipped ResultStatus = "SKIPPED"
)

// Result is the outcome of one validator invocation.
type Result struct {
	ValidatorCode string             `json:"validatorCode"`
	Status        ResultStatus       `json:"status"`
	Passed        bool               `json:"passed"`
	Message       string             `json:"message"`
	Evidence      string             `json:"evidence,omitempty"`
	Details       map[string]any     `json:"details,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
}

// Passed builds a PASSED result.
func Passed(code, message string) Result {
	return Result{ValidatorCode: code, Status: StatusPassed, Passed: true, Message: message}
}

// Failed builds a FAILED result.
func Failed(code, message, evidence string) Result {
	return Result{ValidatorCode: code, Status: StatusFailed, Message: message, Evidence: evidence}
}

// Warning builds a WARNING result.
func Warning(code, message, evidence string) Result {
	return Result{ValidatorCode: code, Status: StatusWarning, Passed: true, Message: message, Evidence: evidence}
}

// Skipped builds a SKIPPED result. Skips never fail a gate.
func Skipped(code, reason string) Result {
	return Result{ValidatorCode: code, Status: StatusSkipped, Passed: true, Message: reason}
}

// GateStatus is the aggregate outcome of one gate.
type GateStatus string

const (
	GatePassed  GateStatus = "PASSED"
	GateWarning GateStatus = "WARNING"
	GateFailed  GateStatus = "FAILED"
)

// GateResult aggregates the ordered validator results of one gate.
//
// The gate is FAILED if any hard-block validator failed, WARNING if
// only soft-block failures or warnings occurred, PASSED otherwise.
type GateResult struct {
	GateNumber int        `json:"gateNumber"`
	Status     GateStatus `json:"status"`
	Results    []Result   `json:"results"`
}
