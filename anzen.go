// Package anzen is the public API for embedding the Anzen policy
// question-answering server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := anzen.New(
//	    anzen.WithVersion(version),
//	    anzen.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: anzen (root) imports
// internal/*, but internal/* never imports anzen (root). Public extension
// types (EmbeddingProvider) are standalone interfaces with no internal
// imports; adapters live here because this is the only file that sees both
// sides of the boundary.
package anzen

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/anzen-health/anzen/internal/agents/intake"
	"github.com/anzen-health/anzen/internal/agents/retrieval"
	"github.com/anzen-health/anzen/internal/agents/synthesis"
	"github.com/anzen-health/anzen/internal/agents/verifier"
	"github.com/anzen-health/anzen/internal/auth"
	"github.com/anzen-health/anzen/internal/config"
	"github.com/anzen-health/anzen/internal/mcp"
	"github.com/anzen-health/anzen/internal/ratelimit"
	"github.com/anzen-health/anzen/internal/search"
	"github.com/anzen-health/anzen/internal/server"
	"github.com/anzen-health/anzen/internal/service/embedding"
	"github.com/anzen-health/anzen/internal/storage"
	"github.com/anzen-health/anzen/internal/telemetry"
	"github.com/anzen-health/anzen/internal/workflow"
	"github.com/anzen-health/anzen/migrations"
)

// App is the Anzen server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	executor     *workflow.Executor
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	apiLimiter   ratelimit.Limiter
	authLimiter  ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Anzen server. It connects to the database, runs
// migrations, seeds the admin API client, and wires the pipeline, HTTP API
// and MCP server. It does NOT start any goroutines or accept connections —
// call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("anzen starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Seed the bootstrap admin client so the token exchange has at least one
	// valid credential.
	if cfg.AdminAPIKey != "" {
		hash, err := auth.HashAPIKey(cfg.AdminAPIKey)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("admin seed: %w", err)
		}
		if err := db.UpsertAPIClient(context.Background(), "admin", hash, "admin"); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("admin seed: %w", err)
		}
		logger.Info("admin client seeded", "client_id", "admin")
	} else {
		logger.Warn("ANZEN_ADMIN_API_KEY not set — no API clients seeded, token exchange will reject everything until a client row exists")
	}

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		// Ephemeral per-process secret: tokens stop working on restart.
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		jwtSecret = hex.EncodeToString(raw)
		logger.Warn("ANZEN_JWT_SECRET not set — using an ephemeral secret, issued tokens will not survive a restart")
	}
	jwtMgr := auth.NewJWTManager(jwtSecret, cfg.JWTExpiration)

	// Embedding provider — external override takes priority over config.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &providerAdapter{p: o.embeddingProvider}
		logger.Info("embedding provider: external", "name", embedder.Name())
	} else {
		embedder = embedding.FromConfig(&cfg, logger)
	}

	// Vector backends. The in-database pgvector backend is always available;
	// Qdrant joins the fanout when configured.
	backends := []search.Backend{search.NewPgVectorBackend(db)}
	var qdrantIndex *search.QdrantIndex
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		backends = append(backends, qdrantIndex)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	// Pipeline agents and workflow engine.
	engine := workflow.NewEngine(workflow.EngineConfig{
		Classifier:  intake.New(),
		Retriever:   retrieval.New(embedder, backends, cfg.RetrievalTopK, logger),
		Synthesizer: synthesis.New(),
		Verifier:    verifier.New(),
		Audit:       db,
		Timeouts: workflow.StageTimeouts{
			Intake:       cfg.IntakeTimeout,
			Retrieval:    cfg.RetrievalTimeout,
			Synthesis:    cfg.SynthesisTimeout,
			Verification: cfg.VerificationTimeout,
		},
		Logger: logger,
	})
	executor := workflow.NewExecutor(engine, db, logger)

	// Rate limiters: client-keyed for the API, IP-keyed for the token
	// exchange (which has no client identity yet).
	var apiLimiter, authLimiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		burst := cfg.RateLimitRPM / 10
		if burst < 5 {
			burst = 5
		}
		apiLimiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitRPM)/60, burst)
		authLimiter = ratelimit.NewMemoryLimiter(10.0/60, 5)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rpm", cfg.RateLimitRPM, "burst", burst)
	} else {
		apiLimiter = ratelimit.NoopLimiter{}
		authLimiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(executor, db, logger, version)

	var index server.DocumentIndex
	if qdrantIndex != nil {
		index = qdrantIndex
	}
	handlers := server.NewHandlers(server.HandlersDeps{
		Runs:     executor,
		Store:    db,
		Embedder: embedder,
		Index:    index,
		JWT:      jwtMgr,
		Logger:   logger,
		Version:  version,
	})
	srv := server.New(server.Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Limiter:      apiLimiter,
		AuthLimiter:  authLimiter,
		MCP:          mcpSrv.HTTPHandler(),
	}, handlers, logger)

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		executor:     executor,
		qdrantIndex:  qdrantIndex,
		apiLimiter:   apiLimiter,
		authLimiter:  authLimiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown is called automatically — callers
// should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown: stop accepting HTTP requests and
// drain in-flight ones, then cancel live pipeline runs and wait for their
// terminal states to persist, then close the backends.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("anzen shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	execCtx, execCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.executor.Shutdown(execCtx); err != nil {
		a.logger.Error("executor shutdown incomplete", "error", err,
			"live_runs", a.executor.LiveCount())
	}
	execCancel()

	if a.apiLimiter != nil {
		_ = a.apiLimiter.Close()
	}
	if a.authLimiter != nil {
		_ = a.authLimiter.Close()
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("anzen stopped")
	return nil
}

// providerAdapter wraps a public EmbeddingProvider to satisfy the internal
// embedding.Provider interface.
type providerAdapter struct {
	p EmbeddingProvider
}

func (a *providerAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *providerAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, text := range texts {
		vec, err := a.p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = pgvector.NewVector(vec)
	}
	return out, nil
}

func (a *providerAdapter) Dimensions() int { return a.p.Dimensions() }
func (a *providerAdapter) Name() string    { return a.p.Name() }
