package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Driver is the in-call surface the executor drives. The call controller
// implements it for a live call.
type Driver interface {
	// Speak hands text to the TTS pipeline; when wait is set it blocks
	// until playback has been queued in full.
	Speak(ctx context.Context, text string, wait bool) error
	// WaitForFinal blocks until the next final transcript or the deadline.
	WaitForFinal(ctx context.Context, maxWait time.Duration) (string, error)
	// SendDTMF plays a digit sequence in-band.
	SendDTMF(ctx context.Context, sequence string) error
	// ClassifyIntent runs the intent service over a transcript.
	ClassifyIntent(ctx context.Context, text string) (string, error)
	// LastFinal is the most recent committed final transcript.
	LastFinal() string
}

// ErrTimeout marks a step that ran out of its allotted time.
var ErrTimeout = fmt.Errorf("step timed out")

// defaultStepTimeout bounds steps that carry no explicit timeout.
const defaultStepTimeout = 30 * time.Second

// Executor runs validated scenarios against a call.
type Executor struct {
	driver Driver
	logger *slog.Logger
}

// NewExecutor creates an executor bound to one call's driver.
func NewExecutor(driver Driver, logger *slog.Logger) *Executor {
	return &Executor{
		driver: driver,
		logger: logger.With("subsystem", "scenario"),
	}
}

// Run executes the scenario and returns the aggregate result. A cancelled
// context stops the run at the current step boundary; no further step
// results are emitted after cancellation. The aggregate is PASS only when
// every executed step succeeded.
func (e *Executor) Run(ctx context.Context, sc *Scenario) *ExecutionResult {
	result := &ExecutionResult{
		ID:         uuid.NewString(),
		ScenarioID: sc.ID,
		Status:     ExecutionRunning,
		StartedAt:  time.Now(),
	}

	if err := sc.Validate(); err != nil {
		e.logger.Error("scenario rejected", "scenario_id", sc.ID, "error", err)
		result.Status = ExecutionFail
		result.FinishedAt = time.Now()
		return result
	}

	e.logger.Info("scenario started",
		"scenario_id", sc.ID,
		"execution_id", result.ID,
		"steps", len(sc.Steps),
	)

	// Branch targets can jump backward, so bound total step executions to
	// keep a mis-written scenario from looping forever.
	maxExecutions := len(sc.Steps) * 4

	allSuccess := true
	next := 1
	for next >= 1 && next <= len(sc.Steps) {
		if ctx.Err() != nil {
			result.Status = ExecutionCancelled
			result.FinishedAt = time.Now()
			e.logger.Info("scenario cancelled", "execution_id", result.ID)
			return result
		}
		if len(result.Steps) >= maxExecutions {
			result.Steps = append(result.Steps, StepResult{
				StepNumber: next,
				Status:     StatusError,
				Error:      "execution limit reached, conditional loop suspected",
			})
			allSuccess = false
			break
		}

		step := sc.Steps[next-1]
		sr := e.runStep(ctx, step)
		if ctx.Err() != nil {
			// Cancelled mid-step: the aborted step's result is not recorded.
			result.Status = ExecutionCancelled
			result.FinishedAt = time.Now()
			e.logger.Info("scenario cancelled", "execution_id", result.ID)
			return result
		}
		result.Steps = append(result.Steps, sr)
		if sr.Status != StatusSuccess {
			allSuccess = false
		}

		e.logger.Info("step finished",
			"execution_id", result.ID,
			"step", step.Number,
			"type", step.Type,
			"status", sr.Status,
			"duration_ms", sr.DurationMs,
		)

		switch {
		case step.Conditional != nil:
			next = e.branch(step, sr, next)
		case sr.Status == StatusSuccess:
			next++
		case sr.Status == StatusTimeout && step.Type == StepASRListen:
			// A listen timeout without a conditional is recorded and the
			// run continues.
			next++
		default:
			// Non-conditional failure aborts the scenario.
			result.Status = ExecutionFail
			result.FinishedAt = time.Now()
			return result
		}
	}

	if allSuccess {
		result.Status = ExecutionPass
	} else {
		result.Status = ExecutionFail
	}
	result.FinishedAt = time.Now()
	return result
}

// branch resolves the conditional target after a step. A zero target falls
// through to the next step.
func (e *Executor) branch(step Step, sr StepResult, current int) int {
	target := step.Conditional.IfFalse
	if e.conditionMet(step, sr) {
		target = step.Conditional.IfTrue
	}
	if target == 0 {
		return current + 1
	}
	return target
}

// conditionMet evaluates a step's conditional: an explicit intent name
// matches the classified intent, anything else means plain step success.
func (e *Executor) conditionMet(step Step, sr StepResult) bool {
	cond := step.Conditional.Condition
	if cond == "" || strings.EqualFold(cond, "success") {
		return sr.Status == StatusSuccess
	}
	return strings.EqualFold(sr.Intent, cond)
}

func (e *Executor) runStep(ctx context.Context, step Step) StepResult {
	timeout := defaultStepTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sr := StepResult{StepNumber: step.Number, Type: step.Type}
	start := time.Now()

	var err error
	switch step.Type {
	case StepTTSPrompt:
		err = e.driver.Speak(stepCtx, step.Text, step.WaitForResponse)
	case StepASRListen:
		err = e.runListen(stepCtx, step, &sr)
	case StepDTMFSend:
		err = e.driver.SendDTMF(stepCtx, step.Sequence)
	case StepIntentValidate:
		err = e.runIntentValidate(stepCtx, step, &sr)
	}

	sr.DurationMs = time.Since(start).Milliseconds()
	switch {
	case err == nil:
		sr.Status = StatusSuccess
	case err == ErrTimeout || stepCtx.Err() == context.DeadlineExceeded:
		sr.Status = StatusTimeout
		sr.Error = ErrTimeout.Error()
	case isValidationFailure(err):
		sr.Status = StatusFailed
		sr.Error = err.Error()
	default:
		sr.Status = StatusError
		sr.Error = err.Error()
	}
	return sr
}

func (e *Executor) runListen(ctx context.Context, step Step, sr *StepResult) error {
	text, err := e.driver.WaitForFinal(ctx, time.Duration(step.MaxDurationMs)*time.Millisecond)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || err == ErrTimeout {
			return ErrTimeout
		}
		return err
	}
	sr.Transcript = text

	if step.ExpectedIntent != "" {
		intent, err := e.driver.ClassifyIntent(ctx, text)
		if err != nil {
			return err
		}
		sr.Intent = intent
		if !strings.EqualFold(intent, step.ExpectedIntent) {
			return validationFailure(fmt.Errorf("intent %q, expected %q", intent, step.ExpectedIntent))
		}
	}
	return nil
}

func (e *Executor) runIntentValidate(ctx context.Context, step Step, sr *StepResult) error {
	text := e.driver.LastFinal()
	if text == "" {
		return validationFailure(fmt.Errorf("no final transcript to validate"))
	}
	sr.Transcript = text

	intent, err := e.driver.ClassifyIntent(ctx, text)
	if err != nil {
		return err
	}
	sr.Intent = intent
	if !strings.EqualFold(intent, step.ExpectedIntent) {
		return validationFailure(fmt.Errorf("intent %q, expected %q", intent, step.ExpectedIntent))
	}
	return nil
}

// failure wraps errors that are assertion failures (status FAILED) rather
// than infrastructure errors (status ERROR).
type failure struct{ err error }

func (f failure) Error() string { return f.err.Error() }

func validationFailure(err error) error { return failure{err: err} }

func isValidationFailure(err error) bool {
	_, ok := err.(failure)
	return ok
}
