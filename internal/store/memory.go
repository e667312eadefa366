package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/gated/internal/validation"
)

// Memory is an in-memory validation.Store.
type Memory struct {
	mu       sync.RWMutex
	runs     map[string]*validation.Run
	results  map[string][]gateRow
	config   map[string]string
	patterns []string
	terms    []string
}

type gateRow struct {
	gate       int
	validator  *validation.Result
	gateResult *validation.GateResult
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:    make(map[string]*validation.Run),
		results: make(map[string][]gateRow),
		config:  make(map[string]string),
	}
}

// SetConfig sets an active configuration value.
func (m *Memory) SetConfig(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[key] = value
}

// SetSensitiveFilePatterns replaces the active sensitive-file patterns.
func (m *Memory) SetSensitiveFilePatterns(patterns []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append([]string(nil), patterns...)
}

// SetAmbiguousTerms replaces the active ambiguous-term list.
func (m *Memory) SetAmbiguousTerms(terms []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terms = append([]string(nil), terms...)
}

func (m *Memory) CreateRun(_ context.Context, run *validation.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*validation.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	cp := *run
	return &cp, nil
}

func (m *Memory) UpdateRunStatus(_ context.Context, id string, status validation.RunStatus, currentGate int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	run.Status = status
	run.CurrentGate = currentGate
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateRunTestFile(_ context.Context, id, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	run.TestFilePath = path
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) AppendValidatorResult(_ context.Context, runID string, gate int, result validation.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[runID] = append(m.results[runID], gateRow{gate: gate, validator: &result})
	return nil
}

func (m *Memory) AppendGateResult(_ context.Context, runID string, result validation.GateResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[runID] = append(m.results[runID], gateRow{gate: result.GateNumber, gateResult: &result})
	return nil
}

func (m *Memory) DeleteResultsFromGate(_ context.Context, runID string, gate int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.results[runID][:0]
	for _, row := range m.results[runID] {
		if row.gate < gate {
			kept = append(kept, row)
		}
	}
	m.results[runID] = kept
	return nil
}

func (m *Memory) ConfigValue(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.config[key]
	return val, ok, nil
}

func (m *Memory) SensitiveFilePatterns(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.patterns...), nil
}

func (m *Memory) AmbiguousTerms(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.terms...), nil
}

// ValidatorResults returns the recorded validator results for a run, in
// append order. Test helper.
func (m *Memory) ValidatorResults(runID string) []validation.Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []validation.Result
	for _, row := range m.results[runID] {
		if row.validator != nil {
			out = append(out, *row.validator)
		}
	}
	return out
}

// GateResults returns the recorded gate results for a run, in append order.
func (m *Memory) GateResults(runID string) []validation.GateResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []validation.GateResult
	for _, row := range m.results[runID] {
		if row.gateResult != nil {
			out = append(out, *row.gateResult)
		}
	}
	return out
}

var _ validation.Store = (*Memory)(nil)
