package validation

import (
	"context"
	"fmt"
	"sort"
)

// Validator is the polymorphic unit of executable rule logic.
//
// Implementations are pure with respect to persisted run state: they
// return results and never write them. They may perform filesystem or
// process I/O through the context's service ports. A validator returns
// a SKIPPED result when a required input is absent; SKIPPED never fails
// a gate. Errors escaping Execute are converted by the executor into
// hard-block FAILED results regardless of the validator's declared class.
type Validator interface {
	// Code returns the unique validator identifier.
	Code() string
	// Gate returns the gate number (0-3) this validator belongs to.
	Gate() int
	// Order positions the validator within its gate, ascending. Ties
	// are broken by declaration order in the registry table.
	Order() int
	// HardBlock reports whether a failure stops the whole run.
	HardBlock() bool
	// Execute runs the rule against the immutable run context.
	Execute(ctx context.Context, vc *Context) (Result, error)
}

// GateCount is the number of gates in the pipeline.
const GateCount = 4

// GateName returns the human-readable name of a gate.
func GateName(gate int) string {
	switch gate {
	case 0:
		return "plan-integrity"
	case 1:
		return "contract-safety"
	case 2:
		return "code-integrity"
	case 3:
		return "full-verification"
	default:
		return fmt.Sprintf("gate-%d", gate)
	}
}

// GateRange returns the inclusive gate range for a run type:
// CONTRACT runs pass gates 0-1, EXECUTION runs gates 2-3.
func GateRange(rt RunType) (first, last int) {
	if rt == RunTypeExecution {
		return 2, 3
	}
	return 0, 1
}

// Registry is the fixed, compile-time-checked table of validators.
// It is immutable after construction and safe for concurrent reads.
type Registry struct {
	byGate [GateCount][]Validator
}

// NewRegistry builds a registry from the given validators, ordering
// each gate's entries by (Order, declaration position).
func NewRegistry(validators ...Validator) (*Registry, error) {
	r := &Registry{}
	seen := make(map[string]struct{}, len(validators))

	for _, v := range validators {
		if v.Gate() < 0 || v.Gate() >= GateCount {
			return nil, fmt.Errorf("validator %s declares invalid gate %d", v.Code(), v.Gate())
		}
		if _, dup := seen[v.Code()]; dup {
			return nil, fmt.Errorf("duplicate validator code %s", v.Code())
		}
		seen[v.Code()] = struct{}{}
		r.byGate[v.Gate()] = append(r.byGate[v.Gate()], v)
	}

	for gate := range r.byGate {
		sort.SliceStable(r.byGate[gate], func(i, j int) bool {
			return r.byGate[gate][i].Order() < r.byGate[gate][j].Order()
		})
	}
	return r, nil
}

// ForGate returns the ordered validators of one gate.
func (r *Registry) ForGate(gate int) []Validator {
	if gate < 0 || gate >= GateCount {
		return nil
	}
	return r.byGate[gate]
}

// DefaultRegistry returns the production validator table.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		// Gate 0: plan integrity.
		&PlanPresentValidator{},
		&UnitGraphValidator{},
		&TestFileDeclaredValidator{},
		&PlanTokenBudgetValidator{},
		// Gate 1: contract and safety.
		&ContractTestableValidator{},
		&SensitiveFilesValidator{},
		&AmbiguousTermsValidator{},
		// Gate 2: code integrity.
		&CompileValidator{},
		&ImportHygieneValidator{},
		&LintValidator{},
		&SingleTestValidator{},
		// Gate 3: full verification.
		&AllTestsValidator{},
		&BuildValidator{},
		&DiffScopeValidator{},
	)
	if err != nil {
		// The default table is static; a bad entry is a programming error.
		panic(err)
	}
	return r
}
