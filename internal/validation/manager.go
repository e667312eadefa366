package validation

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager executes many runs concurrently, one goroutine per run, so a
// slow compiler or test invocation in one run never blocks another's
// progress. Each run exclusively owns its validation context; the
// registry and global config are read-only and shared.
type Manager struct {
	executor *Executor
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a run concurrency manager.
func NewManager(executor *Executor, logger *zap.Logger) *Manager {
	return &Manager{
		executor: executor,
		logger:   logger.Named("manager"),
		active:   make(map[string]context.CancelFunc),
	}
}

// Launch dispatches a run onto its own goroutine. It returns an error
// when the run is already executing.
func (m *Manager) Launch(ctx context.Context, runID string) error {
	return m.launch(ctx, runID, m.executor.ExecuteRun)
}

// LaunchRerun dispatches a re-entry from the given gate onto its own
// goroutine, with the same duplicate-run protection as Launch.
func (m *Manager) LaunchRerun(ctx context.Context, runID string, gateNumber int) error {
	return m.launch(ctx, runID, func(c context.Context, id string) error {
		return m.executor.RerunGate(c, id, gateNumber)
	})
}

func (m *Manager) launch(ctx context.Context, runID string, fn func(context.Context, string) error) error {
	m.mu.Lock()
	if _, running := m.active[runID]; running {
		m.mu.Unlock()
		return fmt.Errorf("run %s is already executing", runID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.active[runID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.active, runID)
			m.mu.Unlock()
			cancel()
		}()

		if err := fn(runCtx, runID); err != nil {
			m.logger.Warn("run did not pass", zap.String("run_id", runID), zap.Error(err))
		}
	}()
	return nil
}

// Abort requests cooperative cancellation of a running run. It returns
// false when the run is not currently executing; aborting an already
// terminated run is a no-op.
func (m *Manager) Abort(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.active[runID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// Active returns the number of currently executing runs.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Wait blocks until all launched runs have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown aborts all active runs and waits for them to finish or the
// context to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with %d runs active: %w", m.Active(), ctx.Err())
	}
}
