// Package scheduler orders dependency-annotated work units into
// topological batches and executes them with bounded parallelism.
package scheduler

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/gated/internal/microplan"
)

var (
	ErrCircularDependency = errors.New("circular dependency")
	ErrMissingDependency  = errors.New("missing dependency")
	ErrDuplicateUnit      = errors.New("duplicate unit id")
)

// GraphError wraps a deterministic dependency-graph validation failure.
type GraphError struct {
	Kind   error
	UnitID string
	// DependsOn names the unresolved id for missing-dependency errors.
	DependsOn string
}

func (e *GraphError) Error() string {
	switch {
	case e.Kind == ErrMissingDependency:
		return fmt.Sprintf("%s: unit %q depends on unknown unit %q", e.Kind, e.UnitID, e.DependsOn)
	case e.UnitID != "":
		return fmt.Sprintf("%s: involving unit %q", e.Kind, e.UnitID)
	default:
		return e.Kind.Error()
	}
}

func (e *GraphError) Unwrap() error { return e.Kind }

// TopologicalBatches groups units into batches such that batch 0 holds
// units with no dependencies and batch k holds units whose dependencies
// are fully satisfied by batches 0..k-1 and no earlier batch. Units
// within a batch are independent and may run in parallel.
//
// Missing dependencies fail fast before any batch is computed. Any
// cycle, including a direct self-reference, fails the whole sort with
// zero batches.
func TopologicalBatches(units []microplan.WorkUnit) ([][]microplan.WorkUnit, error) {
	if len(units) == 0 {
		return nil, nil
	}

	byID := make(map[string]microplan.WorkUnit, len(units))
	for _, u := range units {
		if _, exists := byID[u.ID]; exists {
			return nil, &GraphError{Kind: ErrDuplicateUnit, UnitID: u.ID}
		}
		byID[u.ID] = u
	}

	// Validate every reference before computing anything.
	for _, u := range units {
		for _, dep := range u.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, &GraphError{Kind: ErrMissingDependency, UnitID: u.ID, DependsOn: dep}
			}
			if dep == u.ID {
				return nil, &GraphError{Kind: ErrCircularDependency, UnitID: u.ID}
			}
		}
	}

	indeg := make(map[string]int, len(units))
	dependents := make(map[string][]string, len(units))
	for _, u := range units {
		indeg[u.ID] = len(u.DependsOn)
		for _, dep := range u.DependsOn {
			dependents[dep] = append(dependents[dep], u.ID)
		}
	}

	// Kahn's algorithm, layer by layer. Declaration order is preserved
	// within each batch.
	var batches [][]microplan.WorkUnit
	placed := 0
	frontier := make(map[string]struct{})
	for id, d := range indeg {
		if d == 0 {
			frontier[id] = struct{}{}
		}
	}

	for len(frontier) > 0 {
		var batch []microplan.WorkUnit
		for _, u := range units {
			if _, ok := frontier[u.ID]; ok {
				batch = append(batch, u)
			}
		}

		next := make(map[string]struct{})
		for _, u := range batch {
			for _, dep := range dependents[u.ID] {
				indeg[dep]--
				if indeg[dep] == 0 {
					next[dep] = struct{}{}
				}
			}
		}

		batches = append(batches, batch)
		placed += len(batch)
		frontier = next
	}

	if placed != len(units) {
		// Some unit never reached in-degree zero: it is on a cycle.
		for _, u := range units {
			if indeg[u.ID] > 0 {
				return nil, &GraphError{Kind: ErrCircularDependency, UnitID: u.ID}
			}
		}
	}
	return batches, nil
}

// TransitiveDependents returns the set of unit ids that directly or
// indirectly depend on the given root.
func TransitiveDependents(units []microplan.WorkUnit, root string) map[string]struct{} {
	dependents := make(map[string][]string)
	for _, u := range units {
		for _, dep := range u.DependsOn {
			dependents[dep] = append(dependents[dep], u.ID)
		}
	}

	out := make(map[string]struct{})
	stack := []string{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range dependents[id] {
			if _, seen := out[dep]; !seen {
				out[dep] = struct{}{}
				stack = append(stack, dep)
			}
		}
	}
	return out
}
