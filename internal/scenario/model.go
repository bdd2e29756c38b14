// Package scenario implements scripted IVR test runs: the scenario model and
// its validation, the step executor that drives a live call, and the SQLite
// store for scenarios and execution results.
package scenario

import (
	"fmt"
	"time"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/dtmf"
)

// Step types.
const (
	StepTTSPrompt      = "tts_prompt"
	StepASRListen      = "asr_listen"
	StepDTMFSend       = "dtmf_send"
	StepIntentValidate = "intent_validate"
)

// Step statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
	StatusTimeout = "TIMEOUT"
	StatusError   = "ERROR"
	StatusSkipped = "SKIPPED"
)

// Execution outcomes.
const (
	ExecutionRunning   = "RUNNING"
	ExecutionPass      = "PASS"
	ExecutionFail      = "FAIL"
	ExecutionCancelled = "CANCELLED"
)

// Conditional branches a step's outcome. Branch targets are step numbers;
// zero means fall through to the next step.
type Conditional struct {
	Condition string `json:"condition"`
	IfTrue    int    `json:"if_true,omitempty"`
	IfFalse   int    `json:"if_false,omitempty"`
}

// Step is one action in a scenario. The populated fields depend on Type.
type Step struct {
	Number int    `json:"number"`
	Type   string `json:"type"`

	// tts_prompt
	Text            string `json:"text,omitempty"`
	WaitForResponse bool   `json:"wait_for_response,omitempty"`

	// asr_listen
	MaxDurationMs int `json:"max_duration_ms,omitempty"`

	// asr_listen, intent_validate
	ExpectedIntent string `json:"expected_intent,omitempty"`

	// dtmf_send
	Sequence string `json:"sequence,omitempty"`

	TimeoutMs   int          `json:"timeout_ms,omitempty"`
	Conditional *Conditional `json:"conditional,omitempty"`
}

// Scenario is an ordered test script against an external IVR.
type Scenario struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Steps       []Step    `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate rejects malformed scenarios before execution: steps must be
// numbered 1..N contiguously, carry a known type with that type's required
// fields, and conditional branch targets must stay in range.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario name is empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario has no steps")
	}

	n := len(s.Steps)
	for i, step := range s.Steps {
		if step.Number != i+1 {
			return fmt.Errorf("step %d: number is %d, steps must be numbered 1..%d contiguously", i+1, step.Number, n)
		}
		if err := validateStep(step, n); err != nil {
			return fmt.Errorf("step %d: %w", step.Number, err)
		}
	}
	return nil
}

func validateStep(step Step, total int) error {
	switch step.Type {
	case StepTTSPrompt:
		if step.Text == "" {
			return fmt.Errorf("tts_prompt requires text")
		}
	case StepASRListen:
		if step.MaxDurationMs <= 0 {
			return fmt.Errorf("asr_listen requires a positive max_duration_ms")
		}
	case StepDTMFSend:
		if err := dtmf.ValidateSequence(step.Sequence); err != nil {
			return fmt.Errorf("dtmf_send: %w", err)
		}
	case StepIntentValidate:
		if step.ExpectedIntent == "" {
			return fmt.Errorf("intent_validate requires expected_intent")
		}
	default:
		return fmt.Errorf("unknown step type %q", step.Type)
	}

	if c := step.Conditional; c != nil {
		if c.IfTrue < 0 || c.IfTrue > total {
			return fmt.Errorf("conditional if_true target %d out of range 1..%d", c.IfTrue, total)
		}
		if c.IfFalse < 0 || c.IfFalse > total {
			return fmt.Errorf("conditional if_false target %d out of range 1..%d", c.IfFalse, total)
		}
	}
	return nil
}

// StepResult records one executed step.
type StepResult struct {
	StepNumber int    `json:"step_number"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Intent     string `json:"intent,omitempty"`
}

// ExecutionResult aggregates one scenario run.
type ExecutionResult struct {
	ID         string       `json:"id"`
	ScenarioID string       `json:"scenario_id"`
	Status     string       `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
	Steps      []StepResult `json:"steps"`
}
