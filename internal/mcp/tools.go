package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/anzen-health/anzen/internal/model"
	"github.com/anzen-health/anzen/internal/storage"
)

func (s *Server) registerTools() {
	// ask_policy_question — start a question-answering run.
	s.mcpServer.AddTool(
		mcplib.NewTool("ask_policy_question",
			mcplib.WithDescription(`Ask a question about clinical policies and guidelines.

The question runs through a four-stage pipeline: intake classification,
evidence retrieval, answer synthesis, and safety verification. The pipeline
is asynchronous — this tool returns a run_id immediately.

Poll get_run_status with the run_id until the status is terminal:
- completed: final_answer and citations are available
- abstained: the safety gate withheld the answer (see abstention_reason)
- failed / cancelled: no answer was produced

Answers are only released when the verification stage passes. A run that
retrieves no grounding evidence, or whose draft contains PHI or injection
patterns, abstains rather than answer.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("question",
				mcplib.Description("The policy question, in natural language. Mention the department (e.g. ICU, ER) or location if relevant — constraints are extracted and used as retrieval filters."),
				mcplib.Required(),
			),
			mcplib.WithString("user_id",
				mcplib.Description("Optional identifier of the person asking, recorded in the audit trail"),
			),
		),
		s.handleAsk,
	)

	// get_run_status — poll a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("get_run_status",
			mcplib.WithDescription(`Get the current state of a question-answering run.

Returns the run's status, stage progress, and — once terminal — the final
answer with citations, the abstention reason, or the error message.

Poll this after ask_policy_question. Non-terminal statuses (pending,
running, intake, retrieval, synthesis, verification) mean the pipeline is
still working; check the progress field for the current stage.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run ID returned by ask_policy_question"),
				mcplib.Required(),
			),
		),
		s.handleStatus,
	)

	// cancel_run — cooperatively cancel a live run.
	s.mcpServer.AddTool(
		mcplib.NewTool("cancel_run",
			mcplib.WithDescription(`Cancel a running question-answering run.

Cancellation is cooperative: the pipeline stops at the next stage boundary
or when the in-flight stage observes the cancellation. Runs that already
reached a terminal state cannot be cancelled.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run ID to cancel"),
				mcplib.Required(),
			),
		),
		s.handleCancel,
	)
}

func (s *Server) handleAsk(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	question := request.GetString("question", "")
	if question == "" {
		return errorResult("question is required"), nil
	}

	req := model.StartRunRequest{RequestText: question}
	if userID := request.GetString("user_id", ""); userID != "" {
		req.UserID = &userID
	}
	if err := model.ValidateStartRunRequest(req); err != nil {
		return errorResult(err.Error()), nil
	}

	start := time.Now()
	run, err := s.runs.Start(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to start run: %v", err)), nil
	}

	s.recordToolCall(ctx, storage.ToolCallEntry{
		RunID:      run.ID,
		ToolName:   "ask_policy_question",
		Inputs:     map[string]any{"question": question},
		Outputs:    map[string]any{"run_id": run.ID.String()},
		DurationMS: float64(time.Since(start).Microseconds()) / 1000,
	})

	return textResult(map[string]any{
		"run_id":     run.ID,
		"status":     run.Status,
		"created_at": run.CreatedAt,
	}), nil
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, result := parseRunIDArg(request)
	if result != nil {
		return result, nil
	}

	run, err := s.runs.GetState(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("run %s not found", runID)), nil
		}
		return errorResult(fmt.Sprintf("failed to load run: %v", err)), nil
	}

	return textResult(model.RunStatusFromRun(run)), nil
}

func (s *Server) handleCancel(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, result := parseRunIDArg(request)
	if result != nil {
		return result, nil
	}

	cancelled := s.runs.Cancel(runID)
	if !cancelled {
		if _, err := s.runs.GetState(ctx, runID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return errorResult(fmt.Sprintf("run %s not found", runID)), nil
			}
			return errorResult(fmt.Sprintf("failed to load run: %v", err)), nil
		}
	}

	s.recordToolCall(ctx, storage.ToolCallEntry{
		RunID:    runID,
		ToolName: "cancel_run",
		Inputs:   map[string]any{"run_id": runID.String()},
		Outputs:  map[string]any{"cancelled": cancelled},
	})

	return textResult(map[string]any{
		"run_id":    runID,
		"cancelled": cancelled,
	}), nil
}

func parseRunIDArg(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("run_id", "")
	if raw == "" {
		return uuid.Nil, errorResult("run_id is required")
	}
	runID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult(fmt.Sprintf("invalid run_id: %v", err))
	}
	return runID, nil
}

// recordToolCall appends the invocation to the audit trail. Failures are
// logged, not surfaced: the tool already did its work.
func (s *Server) recordToolCall(ctx context.Context, e storage.ToolCallEntry) {
	if err := s.store.InsertToolCall(ctx, e); err != nil {
		s.logger.Warn("record tool call failed", "tool", e.ToolName, "error", err)
	}
}
