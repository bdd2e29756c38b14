package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/metrics"
)

// DriverSource hands out scenario drivers for live calls; the call registry
// implements it.
type DriverSource interface {
	Driver(callID string) (Driver, error)
	AnyCallID() (string, bool)
}

// Runner starts asynchronous scenario executions and persists their results.
type Runner struct {
	store    *Store
	drivers  DriverSource
	counters *metrics.Counters
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRunner creates the runner. counters may be nil.
func NewRunner(store *Store, drivers DriverSource, counters *metrics.Counters, logger *slog.Logger) *Runner {
	return &Runner{
		store:    store,
		drivers:  drivers,
		counters: counters,
		logger:   logger.With("subsystem", "scenario-runner"),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start validates the scenario, records a RUNNING execution, and runs it in
// the background against the named call (or any live call when callID is
// empty). Returns the execution id.
func (r *Runner) Start(ctx context.Context, scenarioID, callID string) (string, error) {
	sc, err := r.store.Load(ctx, scenarioID)
	if err != nil {
		return "", err
	}
	if err := sc.Validate(); err != nil {
		return "", err
	}

	if callID == "" {
		id, ok := r.drivers.AnyCallID()
		if !ok {
			return "", fmt.Errorf("no live call to run scenario against")
		}
		callID = id
	}
	driver, err := r.drivers.Driver(callID)
	if err != nil {
		return "", err
	}

	execID := uuid.NewString()
	pending := &ExecutionResult{
		ID:         execID,
		ScenarioID: sc.ID,
		Status:     ExecutionRunning,
		StartedAt:  time.Now(),
	}
	if err := r.store.CreateExecution(ctx, pending); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[execID] = cancel
	r.mu.Unlock()

	go r.run(runCtx, execID, sc, driver, callID)
	return execID, nil
}

// Cancel stops a running execution. Unknown ids are a no-op.
func (r *Runner) Cancel(execID string) {
	r.mu.Lock()
	cancel := r.cancels[execID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelAll stops every running execution, used at shutdown.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, execID string, sc *Scenario, driver Driver, callID string) {
	defer func() {
		r.mu.Lock()
		delete(r.cancels, execID)
		r.mu.Unlock()
	}()

	r.logger.Info("execution started",
		"execution_id", execID,
		"scenario_id", sc.ID,
		"call_id", callID,
	)

	result := NewExecutor(driver, r.logger).Run(ctx, sc)
	result.ID = execID

	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.FinishExecution(storeCtx, result); err != nil {
		r.logger.Error("persisting execution result", "execution_id", execID, "error", err)
	}

	if r.counters != nil {
		r.counters.ScenarioRuns.WithLabelValues(result.Status).Inc()
	}
	r.logger.Info("execution finished",
		"execution_id", execID,
		"status", result.Status,
		"steps", len(result.Steps),
	)
}
