package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/anzen-health/anzen/internal/model"
)

// ErrAlreadyRunning is returned when a run ID is already live in the registry.
var ErrAlreadyRunning = errors.New("workflow: run already running")

// RunStore is the durable side of the executor: new runs are recorded before
// execution starts, and finished runs are read back from it once their live
// handle is gone. *storage.DB satisfies it.
type RunStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error)
}

// handle tracks one live run: its cancel function and the latest snapshot
// published by the engine.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.RWMutex
	snap *model.Run
}

func (h *handle) publish(run *model.Run) {
	snap := run.Clone()
	h.mu.Lock()
	h.snap = snap
	h.mu.Unlock()
}

func (h *handle) snapshot() *model.Run {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap
}

// Executor owns the registry of live runs. Each Start spawns one goroutine
// that drives the engine; the registry guarantees at most one live execution
// per run ID.
type Executor struct {
	engine *Engine
	store  RunStore
	logger *slog.Logger

	mu   sync.Mutex
	live map[uuid.UUID]*handle
	wg   sync.WaitGroup
}

// NewExecutor creates an executor.
func NewExecutor(engine *Engine, store RunStore, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		engine: engine,
		store:  store,
		logger: logger,
		live:   map[uuid.UUID]*handle{},
	}
}

// Start records a new pending run and begins executing it in the background.
// The returned run is the caller's snapshot; execution proceeds on its own
// context, detached from the request that started it.
func (ex *Executor) Start(ctx context.Context, req model.StartRunRequest) (*model.Run, error) {
	run := model.NewRun(req.RequestText, req.UserID, req.Metadata)

	if err := ex.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("workflow: record run: %w", err)
	}
	// Snapshot before launch: once the engine goroutine exists it owns run.
	snap := run.Clone()
	if err := ex.launch(run); err != nil {
		return nil, err
	}
	return snap, nil
}

// launch registers the run as live and spawns its goroutine. Split from
// Start so tests can drive pre-built runs.
func (ex *Executor) launch(run *model.Run) error {
	ex.mu.Lock()
	if _, exists := ex.live[run.ID]; exists {
		ex.mu.Unlock()
		return fmt.Errorf("workflow: run %s: %w", run.ID, ErrAlreadyRunning)
	}
	// Clone under the lock: a duplicate launch of a live run must not read
	// the run object its engine goroutine is mutating.
	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		cancel: cancel,
		done:   make(chan struct{}),
		snap:   run.Clone(),
	}
	ex.live[run.ID] = h
	ex.wg.Add(1)
	ex.mu.Unlock()

	go func() {
		defer ex.wg.Done()
		defer cancel()
		defer close(h.done)

		if err := ex.engine.Execute(runCtx, run, h.publish); err != nil && !errors.Is(err, context.Canceled) {
			ex.logger.Error("run execution failed", "run_id", run.ID, "error", err)
		}

		// Keep the terminal snapshot visible briefly via the handle until
		// deregistration; afterwards GetState reads the audit store.
		ex.mu.Lock()
		delete(ex.live, run.ID)
		ex.mu.Unlock()
	}()

	return nil
}

// GetState returns the current state of a run: the live snapshot while the
// run executes, the audit store record afterwards. storage.ErrNotFound
// propagates for unknown IDs.
func (ex *Executor) GetState(ctx context.Context, runID uuid.UUID) (*model.Run, error) {
	ex.mu.Lock()
	h, ok := ex.live[runID]
	ex.mu.Unlock()
	if ok {
		if snap := h.snapshot(); snap != nil {
			return snap, nil
		}
	}
	return ex.store.GetRun(ctx, runID)
}

// Cancel requests cooperative cancellation of a live run. It reports false
// when the run is unknown to the registry or already finished; the engine
// observes the cancellation at the next stage boundary.
func (ex *Executor) Cancel(runID uuid.UUID) bool {
	ex.mu.Lock()
	h, ok := ex.live[runID]
	ex.mu.Unlock()
	if !ok {
		return false
	}

	snap := h.snapshot()
	if snap != nil && snap.Status.Terminal() {
		return false
	}
	h.cancel()
	return true
}

// LiveCount returns the number of currently registered runs.
func (ex *Executor) LiveCount() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return len(ex.live)
}

// Shutdown cancels all live runs and waits for their goroutines, up to the
// context deadline.
func (ex *Executor) Shutdown(ctx context.Context) error {
	ex.mu.Lock()
	for _, h := range ex.live {
		h.cancel()
	}
	ex.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ex.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workflow: shutdown: %w", ctx.Err())
	}
}
