package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/anzen-health/anzen/internal/model"
)

// Classifier plans a request before retrieval.
type Classifier interface {
	Classify(ctx context.Context, requestText string) (model.RequestPlan, error)
}

// Retriever gathers evidence for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, filters map[string]string) (model.RetrievalResult, error)
}

// Synthesizer drafts an answer from evidence.
type Synthesizer interface {
	Synthesize(ctx context.Context, requestText string, evidence []model.EvidenceItem) (model.SynthesisResult, error)
}

// Verifier judges a draft answer for safety and grounding.
type Verifier interface {
	Verify(ctx context.Context, draftAnswer string, citations []model.Citation) (model.VerificationResult, error)
}

// AuditSink receives every state transition and stage artifact. *storage.DB
// satisfies it. The engine never advances past a transition the sink has not
// durably accepted.
type AuditSink interface {
	UpdateRunStatus(ctx context.Context, run *model.Run) error
	SaveStepResult(ctx context.Context, runID uuid.UUID, step *model.StepResult) error
	InsertEvidenceRetrievals(ctx context.Context, runID uuid.UUID, query string, evidence []model.EvidenceItem) error
	InsertCitations(ctx context.Context, runID uuid.UUID, citations []model.Citation) error
	InsertVerification(ctx context.Context, runID uuid.UUID, v model.VerificationResult) error
}

// StageTimeouts bounds each stage with a context deadline.
type StageTimeouts struct {
	Intake       time.Duration
	Retrieval    time.Duration
	Synthesis    time.Duration
	Verification time.Duration
}

// DefaultStageTimeouts returns the production defaults.
func DefaultStageTimeouts() StageTimeouts {
	return StageTimeouts{
		Intake:       60 * time.Second,
		Retrieval:    120 * time.Second,
		Synthesis:    180 * time.Second,
		Verification: 60 * time.Second,
	}
}

// For returns the timeout for a stage.
func (t StageTimeouts) For(stage model.Stage) time.Duration {
	switch stage {
	case model.StageIntake:
		return t.Intake
	case model.StageRetrieval:
		return t.Retrieval
	case model.StageSynthesis:
		return t.Synthesis
	default:
		return t.Verification
	}
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Classifier  Classifier
	Retriever   Retriever
	Synthesizer Synthesizer
	Verifier    Verifier
	Audit       AuditSink
	Timeouts    StageTimeouts
	Logger      *slog.Logger
}

// Engine drives one run through intake, retrieval, synthesis and
// verification. It is stateless across runs; all run state lives on the
// *model.Run it is handed and in the audit sink.
type Engine struct {
	classifier  Classifier
	retriever   Retriever
	synthesizer Synthesizer
	verifier    Verifier
	audit       AuditSink
	timeouts    StageTimeouts
	logger      *slog.Logger
	tracer      trace.Tracer
	runsTotal   metric.Int64Counter
}

// NewEngine creates an engine from its capability adapters.
func NewEngine(cfg EngineConfig) *Engine {
	timeouts := cfg.Timeouts
	if timeouts == (StageTimeouts{}) {
		timeouts = DefaultStageTimeouts()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.Meter("anzen/workflow")
	runsTotal, err := meter.Int64Counter("anzen.runs.total",
		metric.WithDescription("Completed pipeline runs by outcome"))
	if err != nil {
		logger.Warn("workflow: create runs counter", "error", err)
	}

	return &Engine{
		classifier:  cfg.Classifier,
		retriever:   cfg.Retriever,
		synthesizer: cfg.Synthesizer,
		verifier:    cfg.Verifier,
		audit:       cfg.Audit,
		timeouts:    timeouts,
		logger:      logger,
		tracer:      otel.Tracer("anzen/workflow"),
		runsTotal:   runsTotal,
	}
}

// Execute runs the pipeline to a terminal state. The run must be PENDING.
// observe, when non-nil, is invoked with the run after every persisted
// mutation so the executor can publish live snapshots. Execute returns an
// error only for abnormal terminations (failure, cancellation); abstention
// is a normal outcome.
func (e *Engine) Execute(ctx context.Context, run *model.Run, observe func(*model.Run)) error {
	if observe == nil {
		observe = func(*model.Run) {}
	}

	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(attribute.String("run.id", run.ID.String())))
	defer span.End()

	logger := e.logger.With("run_id", run.ID)

	now := time.Now().UTC()
	run.StartedAt = &now
	if err := e.transition(ctx, run, model.RunStatusRunning, observe); err != nil {
		return e.finishFailed(run, err, observe, logger)
	}

	var (
		plan         model.RequestPlan
		retrieval    model.RetrievalResult
		synthesis    model.SynthesisResult
		verification model.VerificationResult
	)

	for _, stage := range model.Stages {
		// Cooperative cancellation point between stages.
		if ctx.Err() != nil {
			return e.finishCancelled(run, observe, logger)
		}

		if err := e.transition(ctx, run, stageStatus(stage), observe); err != nil {
			return e.finishFailed(run, err, observe, logger)
		}

		run.CurrentStage = &stage
		step := &model.StepResult{
			Stage:     stage,
			Status:    model.StepStatusRunning,
			StartedAt: time.Now().UTC(),
		}
		run.Steps[stage] = step
		if err := e.audit.SaveStepResult(ctx, run.ID, step); err != nil {
			return e.finishFailed(run, fmt.Errorf("workflow: persist step start: %w", err), observe, logger)
		}
		observe(run)

		logger.Info("stage started", "stage", stage)
		stageCtx, cancel := context.WithTimeout(ctx, e.timeouts.For(stage))
		result, err := e.runStage(stageCtx, stage, run, &plan, &retrieval, &synthesis, &verification)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				e.closeStep(step, model.StepStatusFailed, nil, "cancelled")
				// The run context is already cancelled; the step row must
				// still close or the audit trail shows it running forever.
				pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
				if perr := e.audit.SaveStepResult(pctx, run.ID, step); perr != nil {
					logger.Error("persist cancelled step", "stage", stage, "error", perr)
				}
				pcancel()
				return e.finishCancelled(run, observe, logger)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("workflow: stage %s timed out after %s: %w", stage, e.timeouts.For(stage), err)
			} else {
				err = fmt.Errorf("workflow: stage %s: %w", stage, err)
			}
			e.closeStep(step, model.StepStatusFailed, nil, err.Error())
			if perr := e.audit.SaveStepResult(ctx, run.ID, step); perr != nil {
				logger.Error("persist failed step", "stage", stage, "error", perr)
			}
			return e.finishFailed(run, err, observe, logger)
		}

		e.closeStep(step, model.StepStatusCompleted, result, "")
		run.StepsCompleted++
		if err := e.audit.SaveStepResult(ctx, run.ID, step); err != nil {
			return e.finishFailed(run, fmt.Errorf("workflow: persist step result: %w", err), observe, logger)
		}
		observe(run)
		logger.Info("stage completed", "stage", stage)
	}

	// Safety gate: an answer is released only on a passing verification.
	if verification.Passed {
		run.FinalAnswer = &synthesis.DraftAnswer
		run.Citations = synthesis.Citations
		e.finish(run, model.RunStatusCompleted, observe, logger)
		return nil
	}

	reason := "verification failed"
	if verification.Reason != nil {
		reason = *verification.Reason
	}
	run.AbstentionReason = &reason
	e.finish(run, model.RunStatusAbstained, observe, logger)
	return nil
}

// runStage invokes the adapter for one stage and records its artifacts in
// the audit sink. Stage outputs flow to later stages through the out params.
func (e *Engine) runStage(
	ctx context.Context,
	stage model.Stage,
	run *model.Run,
	plan *model.RequestPlan,
	retrieval *model.RetrievalResult,
	synthesis *model.SynthesisResult,
	verification *model.VerificationResult,
) (map[string]any, error) {
	switch stage {
	case model.StageIntake:
		p, err := e.classifier.Classify(ctx, run.RequestText)
		if err != nil {
			return nil, err
		}
		*plan = p
		run.Metadata["request_type"] = string(p.RequestType)
		run.Metadata["risk_label"] = string(p.RiskLabel)
		return map[string]any{
			"request_type":   string(p.RequestType),
			"risk_label":     string(p.RiskLabel),
			"required_tools": p.RequiredTools,
			"constraints":    p.Constraints,
			"confidence":     p.Confidence,
		}, nil

	case model.StageRetrieval:
		r, err := e.retriever.Retrieve(ctx, run.RequestText, plan.Constraints)
		if err != nil {
			return nil, err
		}
		*retrieval = r
		if err := e.audit.InsertEvidenceRetrievals(ctx, run.ID, r.Query, r.Evidence); err != nil {
			return nil, fmt.Errorf("persist evidence trail: %w", err)
		}
		return map[string]any{
			"total_results":    r.TotalResults,
			"backends_queried": r.BackendsQueried,
			"selected_backend": r.SelectedBackend,
		}, nil

	case model.StageSynthesis:
		s, err := e.synthesizer.Synthesize(ctx, run.RequestText, retrieval.Evidence)
		if err != nil {
			return nil, err
		}
		*synthesis = s
		if err := e.audit.InsertCitations(ctx, run.ID, s.Citations); err != nil {
			return nil, fmt.Errorf("persist citations: %w", err)
		}
		return map[string]any{
			"citation_count": len(s.Citations),
			"confidence":     s.Confidence,
		}, nil

	default: // verification
		v, err := e.verifier.Verify(ctx, synthesis.DraftAnswer, synthesis.Citations)
		if err != nil {
			return nil, err
		}
		*verification = v
		if err := e.audit.InsertVerification(ctx, run.ID, v); err != nil {
			return nil, fmt.Errorf("persist verification: %w", err)
		}
		return map[string]any{
			"passed":          v.Passed,
			"phi_detected":    v.PHIDetected,
			"injection":       v.InjectionDetected,
			"grounding_score": v.GroundingScore,
		}, nil
	}
}

func (e *Engine) closeStep(step *model.StepResult, status model.StepStatus, result map[string]any, errMsg string) {
	now := time.Now().UTC()
	step.Status = status
	step.Result = result
	step.CompletedAt = &now
	if errMsg != "" {
		step.Error = &errMsg
	}
}

// transition validates and persists a status change. A change the sink
// rejects does not take effect in memory either.
func (e *Engine) transition(ctx context.Context, run *model.Run, to model.RunStatus, observe func(*model.Run)) error {
	if !CanTransition(run.Status, to) {
		return fmt.Errorf("workflow: illegal transition %s -> %s", run.Status, to)
	}
	prev := run.Status
	run.Status = to
	if err := e.audit.UpdateRunStatus(ctx, run); err != nil {
		run.Status = prev
		return fmt.Errorf("workflow: persist transition to %s: %w", to, err)
	}
	observe(run)
	return nil
}

func (e *Engine) finishFailed(run *model.Run, err error, observe func(*model.Run), logger *slog.Logger) error {
	msg := err.Error()
	run.ErrorMessage = &msg
	e.finish(run, model.RunStatusFailed, observe, logger)
	logger.Error("run failed", "error", err)
	return err
}

func (e *Engine) finishCancelled(run *model.Run, observe func(*model.Run), logger *slog.Logger) error {
	e.finish(run, model.RunStatusCancelled, observe, logger)
	logger.Info("run cancelled")
	return context.Canceled
}

// finish records a terminal status. It uses a fresh context: the caller's is
// often already cancelled or expired, and the terminal row must still land.
func (e *Engine) finish(run *model.Run, status model.RunStatus, observe func(*model.Run), logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	run.Status = status
	run.CurrentStage = nil
	run.CompletedAt = &now
	if err := e.audit.UpdateRunStatus(ctx, run); err != nil {
		logger.Error("persist terminal status", "status", status, "error", err)
	}
	observe(run)

	if e.runsTotal != nil {
		e.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(status))))
	}
}
