package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// API error codes returned in the error envelope.
const (
	ErrCodeInvalidInput   = "invalid_input"
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeForbidden      = "forbidden"
	ErrCodeNotFound       = "not_found"
	ErrCodeConflict       = "conflict"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeInternal       = "internal_error"
	ErrCodeNotCancellable = "not_cancellable"
)

// MaxRequestTextLen bounds the request text accepted at intake.
const MaxRequestTextLen = 8192

// StartRunRequest is the body of POST /v1/runs.
type StartRunRequest struct {
	RequestText string         `json:"request_text"`
	UserID      *string        `json:"user_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ValidateStartRunRequest checks a run-start request before intake.
func ValidateStartRunRequest(req StartRunRequest) error {
	if req.RequestText == "" {
		return fmt.Errorf("model: request_text is required")
	}
	if len(req.RequestText) > MaxRequestTextLen {
		return fmt.Errorf("model: request_text exceeds %d bytes", MaxRequestTextLen)
	}
	return nil
}

// StartRunResponse is returned with 202 Accepted; the pipeline runs in the
// background and the caller polls GET /v1/runs/{run_id}.
type StartRunResponse struct {
	RunID     uuid.UUID `json:"run_id"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// RunProgress describes how far a non-terminal run has advanced.
type RunProgress struct {
	CurrentStage   string `json:"current_stage"`
	StepsCompleted int    `json:"steps_completed"`
	TotalStages    int    `json:"total_stages"`
}

// RunStatusResponse is the body of GET /v1/runs/{run_id}.
type RunStatusResponse struct {
	RunID            uuid.UUID             `json:"run_id"`
	Status           RunStatus             `json:"status"`
	RequestText      string                `json:"request_text"`
	UserID           *string               `json:"user_id,omitempty"`
	Steps            map[Stage]*StepResult `json:"steps,omitempty"`
	Progress         *RunProgress          `json:"progress,omitempty"`
	FinalAnswer      *string               `json:"final_answer,omitempty"`
	Citations        []Citation            `json:"citations,omitempty"`
	AbstentionReason *string               `json:"abstention_reason,omitempty"`
	ErrorMessage     *string               `json:"error_message,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	StartedAt        *time.Time            `json:"started_at,omitempty"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
	Metadata         map[string]any        `json:"metadata,omitempty"`
}

// RunStatusFromRun builds the caller-facing status view of a run snapshot.
func RunStatusFromRun(r *Run) RunStatusResponse {
	resp := RunStatusResponse{
		RunID:            r.ID,
		Status:           r.Status,
		RequestText:      r.RequestText,
		UserID:           r.UserID,
		Steps:            r.Steps,
		FinalAnswer:      r.FinalAnswer,
		Citations:        r.Citations,
		AbstentionReason: r.AbstentionReason,
		ErrorMessage:     r.ErrorMessage,
		CreatedAt:        r.CreatedAt,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		Metadata:         r.Metadata,
	}
	if !r.Status.Terminal() && r.CurrentStage != nil {
		resp.Progress = &RunProgress{
			CurrentStage:   string(*r.CurrentStage),
			StepsCompleted: r.StepsCompleted,
			TotalStages:    TotalStages,
		}
	}
	return resp
}

// CancelRunResponse is the body of POST /v1/runs/{run_id}/cancel.
type CancelRunResponse struct {
	Cancelled bool      `json:"cancelled"`
	RunID     uuid.UUID `json:"run_id"`
}

// IngestDocumentRequest is the body of POST /v1/documents.
type IngestDocumentRequest struct {
	Title      string            `json:"title"`
	Text       string            `json:"text"`
	Department string            `json:"department,omitempty"`
	Location   string            `json:"location,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ValidateIngestDocumentRequest checks a document before it is hashed and indexed.
func ValidateIngestDocumentRequest(req IngestDocumentRequest) error {
	if req.Title == "" {
		return fmt.Errorf("model: title is required")
	}
	if req.Text == "" {
		return fmt.Errorf("model: text is required")
	}
	return nil
}

// AuthTokenRequest exchanges an API key for a bearer token.
type AuthTokenRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse carries the issued JWT.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ResponseMeta is attached to every API response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// ErrorDetail is the code+message pair inside the error envelope.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}
