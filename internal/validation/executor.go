package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gated/internal/eventlog"
	"github.com/fyrsmithlabs/gated/internal/telemetry"
)

// ErrStorePersist marks a persistence failure that survived the
// bounded retry budget. The executor escalates it to run FAILED rather
// than silently desynchronizing the store from the event stream.
var ErrStorePersist = errors.New("store persistence failed")

// Executor drives one run through its applicable gates, enforcing
// hard/soft-block semantics and appending every transition to the
// event log. It is the single writer for each run's pipeline events.
type Executor struct {
	store    Store
	builder  *ContextBuilder
	registry *Registry
	events   *eventlog.Log
	metrics  *telemetry.Metrics
	logger   *zap.Logger

	validatorTimeout time.Duration
	storeRetries     int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithValidatorTimeout bounds each validator invocation.
func WithValidatorTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.validatorTimeout = d }
}

// WithStoreRetries sets the persistence retry budget.
func WithStoreRetries(n int) ExecutorOption {
	return func(e *Executor) { e.storeRetries = n }
}

// WithExecutorMetrics attaches Prometheus collectors.
func WithExecutorMetrics(m *telemetry.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates a gate pipeline executor.
func NewExecutor(store Store, builder *ContextBuilder, registry *Registry, events *eventlog.Log, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:            store,
		builder:          builder,
		registry:         registry,
		events:           events,
		logger:           logger.Named("executor"),
		validatorTimeout: 2 * time.Minute,
		storeRetries:     3,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteRun loads the run and drives it through the gate range for its
// run type: CONTRACT runs pass gates 0-1, EXECUTION runs gates 2-3.
func (e *Executor) ExecuteRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runID, err)
	}
	first, last := GateRange(run.RunType)
	return e.execute(ctx, run, first, last)
}

// RerunGate discards validator results for gates at or after gateNumber,
// resets the run status and re-enters the pipeline from that gate.
func (e *Executor) RerunGate(ctx context.Context, runID string, gateNumber int) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runID, err)
	}
	first, last := GateRange(run.RunType)
	if gateNumber < first || gateNumber > last {
		return fmt.Errorf("gate %d is outside run %s's range %d-%d", gateNumber, runID, first, last)
	}

	if err := e.store.DeleteResultsFromGate(ctx, runID, gateNumber); err != nil {
		return fmt.Errorf("discarding results for run %s from gate %d: %w", runID, gateNumber, err)
	}
	run.Status = RunPending
	return e.execute(ctx, run, gateNumber, last)
}

// execute is the gate loop. The terminal status is set exactly once;
// an abort observed after a terminal state is a no-op.
func (e *Executor) execute(ctx context.Context, run *Run, firstGate, lastGate int) error {
	log := e.logger.With(zap.String("run_id", run.ID))

	run.Status = RunRunning
	run.CurrentGate = firstGate
	if err := e.persist(ctx, func(c context.Context) error {
		return e.store.UpdateRunStatus(c, run.ID, RunRunning, firstGate)
	}); err != nil {
		return e.failRun(ctx, run, "", fmt.Sprintf("persisting run start: %v", err))
	}
	if e.metrics != nil {
		e.metrics.RunsStarted.Inc()
	}

	e.events.Append(run.ID, eventlog.PipelineEvent{
		Type:  eventlog.TypeRunStarted,
		Stage: GateName(firstGate),
		Level: eventlog.LevelInfo,
		Payload: map[string]any{
			"runType":   string(run.RunType),
			"firstGate": firstGate,
			"lastGate":  lastGate,
		},
	})

	vc, err := e.builder.Build(ctx, run)
	if err != nil {
		log.Error("context build failed", zap.Error(err))
		return e.failRun(ctx, run, "", err.Error())
	}

	for gate := firstGate; gate <= lastGate; gate++ {
		run.CurrentGate = gate
		if err := e.persist(ctx, func(c context.Context) error {
			return e.store.UpdateRunStatus(c, run.ID, RunRunning, gate)
		}); err != nil {
			return e.failRun(ctx, run, "", fmt.Sprintf("persisting gate transition: %v", err))
		}

		e.events.Append(run.ID, eventlog.PipelineEvent{
			Type:    eventlog.TypeGateStarted,
			Stage:   GateName(gate),
			Level:   eventlog.LevelInfo,
			Payload: map[string]any{"gate": gate, "name": GateName(gate)},
		})

		gateResult, failedCode, err := e.runGate(ctx, vc, gate)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return e.abortRun(ctx, run, gate)
			}
			return e.failRun(ctx, run, failedCode, err.Error())
		}

		if err := e.persist(ctx, func(c context.Context) error {
			return e.store.AppendGateResult(c, run.ID, gateResult)
		}); err != nil {
			return e.failRun(ctx, run, "", fmt.Sprintf("persisting gate result: %v", err))
		}

		level := eventlog.LevelInfo
		if gateResult.Status == GateWarning {
			level = eventlog.LevelWarn
		} else if gateResult.Status == GateFailed {
			level = eventlog.LevelError
		}
		e.events.Append(run.ID, eventlog.PipelineEvent{
			Type:    eventlog.TypeGateFinished,
			Stage:   GateName(gate),
			Level:   level,
			Payload: map[string]any{"gate": gate, "status": string(gateResult.Status)},
		})

		if gateResult.Status == GateFailed {
			return e.failRun(ctx, run, failedCode, fmt.Sprintf("gate %d (%s) failed", gate, GateName(gate)))
		}
	}

	return e.passRun(ctx, run)
}

// runGate executes one gate's validators strictly in order. Later
// validators may depend on filesystem side effects of earlier ones, so
// execution is never parallelized within a gate.
//
// Returns the gate result and, when a hard block fired, the failing
// validator's code. A context cancellation surfaces as an error.
func (e *Executor) runGate(ctx context.Context, vc *Context, gate int) (GateResult, string, error) {
	gr := GateResult{GateNumber: gate, Status: GatePassed}

	for _, v := range e.registry.ForGate(gate) {
		// Cooperative abort: checked between validators, never mid-validator.
		if err := ctx.Err(); err != nil {
			return gr, "", err
		}

		res, forceHard, abortErr := e.runValidator(ctx, vc, v)
		if abortErr != nil {
			return gr, "", abortErr
		}
		gr.Results = append(gr.Results, res)

		if e.metrics != nil {
			e.metrics.ValidatorsRun.WithLabelValues(string(res.Status)).Inc()
		}

		level := eventlog.LevelInfo
		if res.Status == StatusFailed {
			level = eventlog.LevelError
			if !v.HardBlock() {
				level = eventlog.LevelWarn
			}
		} else if res.Status == StatusWarning {
			level = eventlog.LevelWarn
		}
		e.events.Append(vc.Run.ID, eventlog.PipelineEvent{
			Type:  eventlog.TypeValidatorResult,
			Stage: GateName(gate),
			Level: level,
			Payload: map[string]any{
				"validator": res.ValidatorCode,
				"status":    string(res.Status),
				"message":   res.Message,
				"hardBlock": v.HardBlock(),
			},
		})

		if err := e.persist(ctx, func(c context.Context) error {
			return e.store.AppendValidatorResult(c, vc.Run.ID, gate, res)
		}); err != nil {
			return gr, res.ValidatorCode, fmt.Errorf("persisting validator result: %w", err)
		}

		switch res.Status {
		case StatusFailed:
			if v.HardBlock() || forceHard {
				gr.Status = GateFailed
				return gr, res.ValidatorCode, nil
			}
			// Soft-block failure: recorded as a gate warning, run continues.
			if gr.Status != GateFailed {
				gr.Status = GateWarning
			}
		case StatusWarning:
			if gr.Status == GatePassed {
				gr.Status = GateWarning
			}
		}
	}
	return gr, "", nil
}

// runValidator invokes one validator with a bounded timeout, converting
// panics, errors and timeouts into FAILED results that block hard
// regardless of the validator's declared class. A non-nil abortErr
// means the run's context was cancelled while the validator ran.
func (e *Executor) runValidator(ctx context.Context, vc *Context, v Validator) (res Result, forceHard bool, abortErr error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("validator panicked",
				zap.String("run_id", vc.Run.ID),
				zap.String("validator", v.Code()),
				zap.Any("panic", r))
			res = Failed(v.Code(), fmt.Sprintf("validator panicked: %v", r), "")
			forceHard = true
			abortErr = nil
		}
	}()

	vctx, cancel := context.WithTimeout(ctx, e.validatorTimeout)
	defer cancel()

	result, err := v.Execute(vctx, vc)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, false, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Failed(v.Code(), fmt.Sprintf("validator timed out after %s", e.validatorTimeout), ""), true, nil
		}
		return Failed(v.Code(), fmt.Sprintf("validator error: %v", err), ""), true, nil
	}
	result.ValidatorCode = v.Code()
	return result, false, nil
}

// persist runs a store operation with a bounded retry budget.
func (e *Executor) persist(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= e.storeRetries; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.StoreRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}
		if err = op(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrStorePersist, err)
}

func (e *Executor) passRun(ctx context.Context, run *Run) error {
	return e.finishRun(ctx, run, RunPassed, eventlog.PipelineEvent{
		Type:    eventlog.TypeRunPassed,
		Stage:   GateName(run.CurrentGate),
		Level:   eventlog.LevelInfo,
		Payload: map[string]any{"message": "all applicable gates passed"},
	})
}

func (e *Executor) failRun(ctx context.Context, run *Run, failedValidator, message string) error {
	payload := map[string]any{"message": message}
	if failedValidator != "" {
		payload["validator"] = failedValidator
	}
	if err := e.finishRun(ctx, run, RunFailed, eventlog.PipelineEvent{
		Type:    eventlog.TypeRunFailed,
		Stage:   GateName(run.CurrentGate),
		Level:   eventlog.LevelError,
		Payload: payload,
	}); err != nil {
		return err
	}
	return nil
}

func (e *Executor) abortRun(ctx context.Context, run *Run, gate int) error {
	return e.finishRun(ctx, run, RunAborted, eventlog.PipelineEvent{
		Type:    eventlog.TypeRunAborted,
		Stage:   GateName(gate),
		Level:   eventlog.LevelWarn,
		Payload: map[string]any{"message": "run aborted", "gate": gate},
	})
}

// finishRun sets the terminal status exactly once and emits the
// terminal event. A second terminal transition is a no-op.
func (e *Executor) finishRun(ctx context.Context, run *Run, status RunStatus, ev eventlog.PipelineEvent) error {
	if run.Status.Terminal() {
		return nil
	}
	run.Status = status

	// The terminal event and persisted status must not drift apart:
	// persistence uses a background-derived context so an aborted run
	// still records its final state.
	pctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := e.persist(pctx, func(c context.Context) error {
		return e.store.UpdateRunStatus(c, run.ID, status, run.CurrentGate)
	}); err != nil {
		e.logger.Error("failed to persist terminal run status",
			zap.String("run_id", run.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}

	e.events.Append(run.ID, ev)
	if e.metrics != nil {
		e.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	}
	e.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)))

	if status == RunFailed {
		return fmt.Errorf("run %s failed", run.ID)
	}
	return nil
}
