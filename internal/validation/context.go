package validation

import (
	"github.com/fyrsmithlabs/gated/internal/microplan"
	"go.uber.org/zap"
)

// Manifest is the legacy, deprecated planning shape: a flattened file
// list plus a resolved test file. When only a microplan exists the
// builder synthesizes this view so downstream validators need only
// understand the legacy shape.
type Manifest struct {
	Files    []string `json:"files"`
	TestFile string   `json:"test_file,omitempty"`
}

// Services bundles the read-only execution-environment ports available
// to validators.
type Services struct {
	Git      Git
	AST      ASTParser
	Tests    TestRunner
	Compiler Compiler
	Linter   Linter
	Builder  Builder
	Tokens   TokenCounter
	Logger   *zap.Logger
}

// Context is the immutable per-run execution snapshot. It is assembled
// once by the Builder and exclusively owned by one run's goroutine;
// validators read it but never mutate it.
type Context struct {
	Run *Run

	// Microplan is non-nil when the run carries a new-format plan.
	Microplan *microplan.Document
	// Manifest is the effective legacy view, synthesized from the
	// microplan when one exists. Nil when the run has no plan at all.
	Manifest *Manifest
	// Contract is empty when the run has no contract; contract-dependent
	// validators skip in that case.
	Contract string

	// Config holds active configuration read from the store.
	Config map[string]string
	// SensitivePatterns are glob patterns for files that must not be
	// touched without danger mode.
	SensitivePatterns []string
	// AmbiguousTerms are task-prompt terms that trigger clarification
	// warnings.
	AmbiguousTerms []string

	Services Services
}

// HasContract reports whether a contract artifact is present.
func (c *Context) HasContract() bool { return c.Contract != "" }

// HasPlan reports whether any plan shape (microplan or manifest) exists.
func (c *Context) HasPlan() bool { return c.Manifest != nil }

// ChangedFiles returns the effective planned file-change set.
func (c *Context) ChangedFiles() []string {
	if c.Manifest == nil {
		return nil
	}
	return c.Manifest.Files
}
