package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/anzen-health/anzen/internal/model"
	"github.com/anzen-health/anzen/internal/storage"
	"github.com/anzen-health/anzen/internal/workflow"
)

// memAudit is an in-memory AuditSink + RunStore used by engine and executor
// tests. failOn lets a test reject a specific status transition to simulate
// a persistence outage.
type memAudit struct {
	mu            sync.Mutex
	runs          map[uuid.UUID]*model.Run
	steps         map[uuid.UUID]map[model.Stage]*model.StepResult
	evidence      map[uuid.UUID][]model.EvidenceItem
	citations     map[uuid.UUID][]model.Citation
	verifications map[uuid.UUID][]model.VerificationResult
	transitions   map[uuid.UUID][]model.RunStatus

	failOn model.RunStatus
}

func newMemAudit() *memAudit {
	return &memAudit{
		runs:          map[uuid.UUID]*model.Run{},
		steps:         map[uuid.UUID]map[model.Stage]*model.StepResult{},
		evidence:      map[uuid.UUID][]model.EvidenceItem{},
		citations:     map[uuid.UUID][]model.Citation{},
		verifications: map[uuid.UUID][]model.VerificationResult{},
		transitions:   map[uuid.UUID][]model.RunStatus{},
	}
}

func (m *memAudit) CreateRun(_ context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *memAudit) UpdateRunStatus(_ context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != "" && run.Status == m.failOn {
		return errors.New("simulated persistence outage")
	}
	m.runs[run.ID] = run.Clone()
	m.transitions[run.ID] = append(m.transitions[run.ID], run.Status)
	return nil
}

func (m *memAudit) GetRun(_ context.Context, id uuid.UUID) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return run.Clone(), nil
}

func (m *memAudit) SaveStepResult(_ context.Context, runID uuid.UUID, step *model.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps[runID] == nil {
		m.steps[runID] = map[model.Stage]*model.StepResult{}
	}
	sc := *step
	m.steps[runID][step.Stage] = &sc
	return nil
}

func (m *memAudit) InsertEvidenceRetrievals(_ context.Context, runID uuid.UUID, _ string, evidence []model.EvidenceItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evidence[runID] = append(m.evidence[runID], evidence...)
	return nil
}

func (m *memAudit) InsertCitations(_ context.Context, runID uuid.UUID, citations []model.Citation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.citations[runID] = append(m.citations[runID], citations...)
	return nil
}

func (m *memAudit) InsertVerification(_ context.Context, runID uuid.UUID, v model.VerificationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications[runID] = append(m.verifications[runID], v)
	return nil
}

func (m *memAudit) statuses(runID uuid.UUID) []model.RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.RunStatus(nil), m.transitions[runID]...)
}

// Stub adapters with overridable behavior.

type stubClassifier struct {
	fn func(ctx context.Context, text string) (model.RequestPlan, error)
}

func (s *stubClassifier) Classify(ctx context.Context, text string) (model.RequestPlan, error) {
	if s.fn != nil {
		return s.fn(ctx, text)
	}
	return model.RequestPlan{
		RequestType: model.RequestTypePolicyLookup,
		RiskLabel:   model.RiskLow,
		Confidence:  0.8,
	}, nil
}

type stubRetriever struct {
	fn func(ctx context.Context, query string, filters map[string]string) (model.RetrievalResult, error)
}

func (s *stubRetriever) Retrieve(ctx context.Context, query string, filters map[string]string) (model.RetrievalResult, error) {
	if s.fn != nil {
		return s.fn(ctx, query, filters)
	}
	return model.RetrievalResult{
		Query: query,
		Evidence: []model.EvidenceItem{
			{DocumentID: "doc-1", DocHash: "h1", Score: 0.9, Text: "Policy text.", Backend: "pgvector"},
		},
		BackendsQueried: []string{"pgvector"},
		SelectedBackend: "pgvector",
		TotalResults:    1,
	}, nil
}

type stubSynthesizer struct {
	fn func(ctx context.Context, text string, evidence []model.EvidenceItem) (model.SynthesisResult, error)
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, text string, evidence []model.EvidenceItem) (model.SynthesisResult, error) {
	if s.fn != nil {
		return s.fn(ctx, text, evidence)
	}
	return model.SynthesisResult{
		DraftAnswer: "Based on the documentation, do the thing.",
		Citations:   []model.Citation{{DocumentID: "doc-1", DocHash: "h1", Score: 0.9}},
		Confidence:  0.8,
	}, nil
}

type stubVerifier struct {
	fn func(ctx context.Context, draft string, citations []model.Citation) (model.VerificationResult, error)
}

func (s *stubVerifier) Verify(ctx context.Context, draft string, citations []model.Citation) (model.VerificationResult, error) {
	if s.fn != nil {
		return s.fn(ctx, draft, citations)
	}
	return model.VerificationResult{Passed: true, Status: "pass", GroundingScore: 0.9}, nil
}

func newTestEngine(audit *memAudit, opts ...func(*workflow.EngineConfig)) *workflow.Engine {
	cfg := workflow.EngineConfig{
		Classifier:  &stubClassifier{},
		Retriever:   &stubRetriever{},
		Synthesizer: &stubSynthesizer{},
		Verifier:    &stubVerifier{},
		Audit:       audit,
		Logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return workflow.NewEngine(cfg)
}

func TestEngineHappyPath(t *testing.T) {
	audit := newMemAudit()
	engine := newTestEngine(audit)
	run := model.NewRun("What is the visitor policy?", nil, nil)

	err := engine.Execute(context.Background(), run, nil)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.FinalAnswer)
	assert.Nil(t, run.AbstentionReason)
	assert.Nil(t, run.ErrorMessage)
	assert.Equal(t, model.TotalStages, run.StepsCompleted)
	assert.Nil(t, run.CurrentStage)
	require.NotNil(t, run.CompletedAt)
	require.NotNil(t, run.StartedAt)

	// Stage order persisted: running, the four stages, completed.
	assert.Equal(t, []model.RunStatus{
		model.RunStatusRunning,
		model.RunStatusIntake,
		model.RunStatusRetrieval,
		model.RunStatusSynthesis,
		model.RunStatusVerification,
		model.RunStatusCompleted,
	}, audit.statuses(run.ID))

	// Artifacts landed in the audit store.
	assert.Len(t, audit.evidence[run.ID], 1)
	assert.Len(t, audit.citations[run.ID], 1)
	assert.Len(t, audit.verifications[run.ID], 1)

	for _, stage := range model.Stages {
		step := audit.steps[run.ID][stage]
		require.NotNil(t, step, "step %s persisted", stage)
		assert.Equal(t, model.StepStatusCompleted, step.Status)
	}
}

func TestEngineAbstainsOnFailedVerification(t *testing.T) {
	audit := newMemAudit()
	reason := "PHI/PII detected in answer"
	engine := newTestEngine(audit, func(cfg *workflow.EngineConfig) {
		cfg.Verifier = &stubVerifier{fn: func(context.Context, string, []model.Citation) (model.VerificationResult, error) {
			return model.VerificationResult{Passed: false, Status: "fail", Reason: &reason}, nil
		}}
	})
	run := model.NewRun("question", nil, nil)

	err := engine.Execute(context.Background(), run, nil)
	require.NoError(t, err, "abstention is a normal outcome")

	assert.Equal(t, model.RunStatusAbstained, run.Status)
	assert.Nil(t, run.FinalAnswer, "no answer may be released on failed verification")
	require.NotNil(t, run.AbstentionReason)
	assert.Equal(t, reason, *run.AbstentionReason)
	assert.Nil(t, run.ErrorMessage)
}

func TestEngineStageErrorFailsRun(t *testing.T) {
	audit := newMemAudit()
	engine := newTestEngine(audit, func(cfg *workflow.EngineConfig) {
		cfg.Retriever = &stubRetriever{fn: func(context.Context, string, map[string]string) (model.RetrievalResult, error) {
			return model.RetrievalResult{}, errors.New("qdrant exploded")
		}}
	})
	run := model.NewRun("question", nil, nil)

	err := engine.Execute(context.Background(), run, nil)
	require.Error(t, err)

	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "qdrant exploded")
	assert.Nil(t, run.FinalAnswer)
	assert.Nil(t, run.AbstentionReason)
	assert.Equal(t, 1, run.StepsCompleted, "only intake completed")

	step := audit.steps[run.ID][model.StageRetrieval]
	require.NotNil(t, step)
	assert.Equal(t, model.StepStatusFailed, step.Status)
}

func TestEngineStageTimeout(t *testing.T) {
	audit := newMemAudit()
	engine := newTestEngine(audit, func(cfg *workflow.EngineConfig) {
		cfg.Timeouts = workflow.StageTimeouts{
			Intake:       10 * time.Millisecond,
			Retrieval:    time.Second,
			Synthesis:    time.Second,
			Verification: time.Second,
		}
		cfg.Classifier = &stubClassifier{fn: func(ctx context.Context, _ string) (model.RequestPlan, error) {
			<-ctx.Done()
			return model.RequestPlan{}, ctx.Err()
		}}
	})
	run := model.NewRun("question", nil, nil)

	err := engine.Execute(context.Background(), run, nil)
	require.Error(t, err)

	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "timed out")
}

func TestEngineCancellationBetweenStages(t *testing.T) {
	audit := newMemAudit()
	ctx, cancel := context.WithCancel(context.Background())
	engine := newTestEngine(audit, func(cfg *workflow.EngineConfig) {
		cfg.Classifier = &stubClassifier{fn: func(context.Context, string) (model.RequestPlan, error) {
			// Cancel after intake succeeds; the engine must notice at the
			// next stage boundary.
			cancel()
			return model.RequestPlan{RequestType: model.RequestTypePolicyLookup, RiskLabel: model.RiskLow}, nil
		}}
	})
	run := model.NewRun("question", nil, nil)

	err := engine.Execute(ctx, run, nil)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, model.RunStatusCancelled, run.Status)
	assert.Equal(t, 1, run.StepsCompleted)
	assert.Nil(t, run.FinalAnswer)
	assert.Nil(t, run.AbstentionReason)
	assert.Nil(t, run.ErrorMessage)
	assert.Nil(t, audit.steps[run.ID][model.StageRetrieval], "retrieval never started")
}

func TestEngineCancellationMidStage(t *testing.T) {
	audit := newMemAudit()
	ctx, cancel := context.WithCancel(context.Background())
	engine := newTestEngine(audit, func(cfg *workflow.EngineConfig) {
		cfg.Retriever = &stubRetriever{fn: func(ctx context.Context, _ string, _ map[string]string) (model.RetrievalResult, error) {
			cancel()
			<-ctx.Done()
			return model.RetrievalResult{}, ctx.Err()
		}}
	})
	run := model.NewRun("question", nil, nil)

	err := engine.Execute(ctx, run, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.RunStatusCancelled, run.Status)

	// The interrupted stage's audit row must close, not stay running.
	step := audit.steps[run.ID][model.StageRetrieval]
	require.NotNil(t, step)
	assert.Equal(t, model.StepStatusFailed, step.Status)
	require.NotNil(t, step.Error)
	assert.Equal(t, "cancelled", *step.Error)
	require.NotNil(t, step.CompletedAt)
}

func TestEnginePersistenceFailureFailsRun(t *testing.T) {
	audit := newMemAudit()
	audit.failOn = model.RunStatusRetrieval
	engine := newTestEngine(audit)
	run := model.NewRun("question", nil, nil)

	err := engine.Execute(context.Background(), run, nil)
	require.Error(t, err)

	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "persist")
}

func TestEngineObserverSeesEveryTransition(t *testing.T) {
	audit := newMemAudit()
	engine := newTestEngine(audit)
	run := model.NewRun("question", nil, nil)

	var seen []model.RunStatus
	err := engine.Execute(context.Background(), run, func(r *model.Run) {
		seen = append(seen, r.Status)
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, seen[len(seen)-1])
	assert.Contains(t, seen, model.RunStatusIntake)
	assert.Contains(t, seen, model.RunStatusVerification)
}

// Property: the final answer is released iff verification passed, for every
// combination of verifier outcome the adapter can produce.
func TestEngineSafetyGateProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		passed := rapid.Bool().Draw(t, "passed")
		phi := rapid.Bool().Draw(t, "phi")
		grounding := rapid.Float64Range(0, 1).Draw(t, "grounding")

		audit := newMemAudit()
		engine := newTestEngine(audit, func(cfg *workflow.EngineConfig) {
			cfg.Verifier = &stubVerifier{fn: func(context.Context, string, []model.Citation) (model.VerificationResult, error) {
				reason := "blocked"
				v := model.VerificationResult{
					Passed:         passed,
					PHIDetected:    phi,
					GroundingScore: grounding,
				}
				if !passed {
					v.Status = "fail"
					v.Reason = &reason
				} else {
					v.Status = "pass"
				}
				return v, nil
			}}
		})
		run := model.NewRun("question", nil, nil)

		if err := engine.Execute(context.Background(), run, nil); err != nil {
			t.Fatalf("execute: %v", err)
		}

		if passed {
			if run.Status != model.RunStatusCompleted || run.FinalAnswer == nil {
				t.Fatalf("passing verification must complete with an answer, got %s", run.Status)
			}
		} else {
			if run.Status != model.RunStatusAbstained {
				t.Fatalf("failing verification must abstain, got %s", run.Status)
			}
			if run.FinalAnswer != nil {
				t.Fatalf("answer leaked past a failing verification")
			}
		}
	})
}
