// Package model defines the core domain types for Anzen.
//
// Types correspond directly to database tables and API payloads. Strong
// typing throughout (UUIDs, time.Time, enums); map[string]any appears only
// for free-form metadata.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a pipeline run.
//
// PENDING is the only initial state. The four stage states are entered in
// order; COMPLETED, ABSTAINED, FAILED and CANCELLED are terminal.
type RunStatus string

const (
	RunStatusPending      RunStatus = "pending"
	RunStatusRunning      RunStatus = "running"
	RunStatusIntake       RunStatus = "intake"
	RunStatusRetrieval    RunStatus = "retrieval"
	RunStatusSynthesis    RunStatus = "synthesis"
	RunStatusVerification RunStatus = "verification"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusAbstained    RunStatus = "abstained"
	RunStatusFailed       RunStatus = "failed"
	RunStatusCancelled    RunStatus = "cancelled"
)

// Terminal reports whether no further transition may leave the status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusAbstained, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Stage identifies one of the four pipeline stages.
type Stage string

const (
	StageIntake       Stage = "intake"
	StageRetrieval    Stage = "retrieval"
	StageSynthesis    Stage = "synthesis"
	StageVerification Stage = "verification"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageIntake, StageRetrieval, StageSynthesis, StageVerification}

// TotalStages is the fixed pipeline length.
const TotalStages = 4

// StepStatus is the state of a single stage attempt within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// StepResult records the outcome of one stage for one run. Created and
// mutated only by the engine while the stage executes; immutable afterward.
type StepResult struct {
	Stage       Stage          `json:"stage"`
	Status      StepStatus     `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Run is one user request through the four-stage pipeline.
//
// The engine executing a run is its single writer until the run reaches a
// terminal status; afterwards the persisted record in the audit store is the
// source of truth and is never mutated again.
type Run struct {
	ID          uuid.UUID `json:"id"`
	RequestText string    `json:"request_text"`
	UserID      *string   `json:"user_id,omitempty"`
	Status      RunStatus `json:"status"`

	// Per-stage results, populated as each stage is attempted.
	Steps map[Stage]*StepResult `json:"steps"`

	// Terminal outputs. At most one of FinalAnswer, AbstentionReason and
	// ErrorMessage is non-nil once Status is terminal.
	FinalAnswer      *string    `json:"final_answer,omitempty"`
	Citations        []Citation `json:"citations,omitempty"`
	AbstentionReason *string    `json:"abstention_reason,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`

	CurrentStage   *Stage `json:"current_stage,omitempty"`
	StepsCompleted int    `json:"steps_completed"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Metadata map[string]any `json:"metadata"`
}

// NewRun creates a pending run for the given request.
func NewRun(requestText string, userID *string, metadata map[string]any) *Run {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Run{
		ID:          uuid.New(),
		RequestText: requestText,
		UserID:      userID,
		Status:      RunStatusPending,
		Steps:       map[Stage]*StepResult{},
		CreatedAt:   time.Now().UTC(),
		Metadata:    metadata,
	}
}

// Clone returns a deep copy of the run, safe to hand to readers while the
// engine keeps mutating the original.
func (r *Run) Clone() *Run {
	cp := *r
	cp.Steps = make(map[Stage]*StepResult, len(r.Steps))
	for stage, step := range r.Steps {
		sc := *step
		if step.Result != nil {
			sc.Result = make(map[string]any, len(step.Result))
			for k, v := range step.Result {
				sc.Result[k] = v
			}
		}
		cp.Steps[stage] = &sc
	}
	cp.Citations = append([]Citation(nil), r.Citations...)
	cp.Metadata = make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}
