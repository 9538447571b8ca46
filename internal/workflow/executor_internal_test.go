package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anzen-health/anzen/internal/model"
)

// gateClassifier holds its run open until the context is cancelled and counts
// how many executions actually reached the pipeline.
type gateClassifier struct {
	started   chan struct{}
	execCount atomic.Int32
}

func (c *gateClassifier) Classify(ctx context.Context, _ string) (model.RequestPlan, error) {
	if c.execCount.Add(1) == 1 {
		close(c.started)
	}
	<-ctx.Done()
	return model.RequestPlan{}, ctx.Err()
}

type nopSink struct{}

func (nopSink) UpdateRunStatus(context.Context, *model.Run) error { return nil }
func (nopSink) SaveStepResult(context.Context, uuid.UUID, *model.StepResult) error {
	return nil
}
func (nopSink) InsertEvidenceRetrievals(context.Context, uuid.UUID, string, []model.EvidenceItem) error {
	return nil
}
func (nopSink) InsertCitations(context.Context, uuid.UUID, []model.Citation) error {
	return nil
}
func (nopSink) InsertVerification(context.Context, uuid.UUID, model.VerificationResult) error {
	return nil
}

type nopStore struct{}

func (nopStore) CreateRun(context.Context, *model.Run) error { return nil }
func (nopStore) GetRun(context.Context, uuid.UUID) (*model.Run, error) {
	return nil, errors.New("not stored")
}

func TestLaunchRejectsDuplicateRunID(t *testing.T) {
	cls := &gateClassifier{started: make(chan struct{})}
	engine := NewEngine(EngineConfig{
		Classifier: cls,
		Audit:      nopSink{},
		Logger:     slog.New(slog.DiscardHandler),
	})
	ex := NewExecutor(engine, nopStore{}, slog.New(slog.DiscardHandler))

	run := model.NewRun("q", nil, nil)
	require.NoError(t, ex.launch(run))
	<-cls.started

	// A second launch of a live run ID must be rejected without spawning
	// another execution.
	err := ex.launch(run)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, ex.LiveCount())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ex.Shutdown(ctx))
	assert.Equal(t, int32(1), cls.execCount.Load(), "exactly one execution per run ID")
}
