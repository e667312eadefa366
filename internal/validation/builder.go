package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gated/internal/microplan"
)

// ErrContextBuild marks a failure to assemble a run's execution
// snapshot. The executor fails such runs before gate 0.
var ErrContextBuild = errors.New("context build failed")

// ServiceFactory builds the execution-environment ports for one
// project checkout. Runs against different projects get independent
// port instances.
type ServiceFactory func(projectPath string) Services

// ContextBuilder assembles immutable validation contexts from run data
// and the storage collaborator.
type ContextBuilder struct {
	store    Store
	services Services
	factory  ServiceFactory
	logger   *zap.Logger
}

// BuilderOption configures a ContextBuilder.
type BuilderOption func(*ContextBuilder)

// WithServiceFactory derives each run's service ports from its project
// path instead of the static Services.
func WithServiceFactory(f ServiceFactory) BuilderOption {
	return func(b *ContextBuilder) { b.factory = f }
}

// NewBuilder creates a context builder.
func NewBuilder(store Store, services Services, logger *zap.Logger, opts ...BuilderOption) *ContextBuilder {
	b := &ContextBuilder{store: store, services: services, logger: logger.Named("builder")}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the execution snapshot for a run.
//
// Plan precedence: microplan (new format) wins over the legacy manifest;
// when only a microplan exists a manifest-shaped view is synthesized.
// The contract is optional. Test-file resolution is idempotent: an
// already-resolved existing path is reused without recomputation.
func (b *ContextBuilder) Build(ctx context.Context, run *Run) (*Context, error) {
	if run.ID == "" {
		return nil, fmt.Errorf("%w: run has no id", ErrContextBuild)
	}
	if run.ProjectPath == "" {
		return nil, fmt.Errorf("%w: run %s has no project path", ErrContextBuild, run.ID)
	}

	services := b.services
	if b.factory != nil {
		services = b.factory(run.ProjectPath)
	}
	vc := &Context{
		Run:      run,
		Contract: run.Contract,
		Services: services,
		Config:   make(map[string]string),
	}

	switch {
	case strings.TrimSpace(run.Microplan) != "":
		doc, err := microplan.Parse([]byte(run.Microplan))
		if err != nil {
			return nil, fmt.Errorf("%w: run %s: %v", ErrContextBuild, run.ID, err)
		}
		vc.Microplan = doc
		vc.Manifest = synthesizeManifest(doc)
	case strings.TrimSpace(run.Manifest) != "":
		var m Manifest
		if err := json.Unmarshal([]byte(run.Manifest), &m); err != nil {
			return nil, fmt.Errorf("%w: run %s has malformed manifest: %v", ErrContextBuild, run.ID, err)
		}
		vc.Manifest = &m
	}

	if err := b.resolveTestFile(ctx, vc); err != nil {
		return nil, err
	}

	patterns, err := b.store.SensitiveFilePatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading sensitive file patterns: %v", ErrContextBuild, err)
	}
	vc.SensitivePatterns = patterns

	terms, err := b.store.AmbiguousTerms(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading ambiguous terms: %v", ErrContextBuild, err)
	}
	vc.AmbiguousTerms = terms

	for _, key := range contextConfigKeys {
		val, ok, err := b.store.ConfigValue(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%w: loading config %q: %v", ErrContextBuild, key, err)
		}
		if ok {
			vc.Config[key] = val
		}
	}

	return vc, nil
}

// contextConfigKeys are the active config entries validators consult.
var contextConfigKeys = []string{
	"max_plan_tokens",
	"max_files_per_unit",
}

// synthesizeManifest flattens a microplan into the legacy manifest shape.
func synthesizeManifest(doc *microplan.Document) *Manifest {
	return &Manifest{Files: doc.FilePaths(), TestFile: doc.TestFile}
}

// resolveTestFile fills in the run's test file path. Resolution is
// idempotent: a previously resolved path that still exists is kept.
func (b *ContextBuilder) resolveTestFile(ctx context.Context, vc *Context) error {
	run := vc.Run

	if run.TestFilePath != "" {
		if _, err := os.Stat(filepath.Join(run.ProjectPath, run.TestFilePath)); err == nil {
			return nil
		}
		b.logger.Warn("resolved test file no longer exists, re-resolving",
			zap.String("run_id", run.ID),
			zap.String("path", run.TestFilePath))
	}

	candidate := testFileCandidate(vc)
	if candidate == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(run.ProjectPath, candidate)); err != nil {
		b.logger.Debug("planned test file not present yet",
			zap.String("run_id", run.ID),
			zap.String("path", candidate))
	}

	run.TestFilePath = candidate
	if vc.Manifest != nil && vc.Manifest.TestFile == "" {
		vc.Manifest.TestFile = candidate
	}
	if err := b.store.UpdateRunTestFile(ctx, run.ID, candidate); err != nil {
		return fmt.Errorf("%w: persisting test file for run %s: %v", ErrContextBuild, run.ID, err)
	}
	return nil
}

// testFileCandidate derives the test file from the effective plan:
// the explicit plan field first, then the first test-looking file in
// the flattened change set.
func testFileCandidate(vc *Context) string {
	if vc.Manifest == nil {
		return ""
	}
	if vc.Manifest.TestFile != "" {
		return vc.Manifest.TestFile
	}
	for _, path := range vc.Manifest.Files {
		if isTestFile(path) {
			return path
		}
	}
	return ""
}

func isTestFile(path string) bool {
	base := filepath.Base(path)
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.HasSuffix(base, ".test.ts"),
		strings.HasSuffix(base, ".test.tsx"),
		strings.HasSuffix(base, ".test.js"),
		strings.HasSuffix(base, ".spec.ts"),
		strings.HasSuffix(base, ".spec.js"),
		strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py"):
		return true
	}
	return false
}
