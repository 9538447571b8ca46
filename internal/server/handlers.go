package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/anzen-health/anzen/internal/auth"
	"github.com/anzen-health/anzen/internal/model"
	"github.com/anzen-health/anzen/internal/storage"
)

// RunService drives the question-answering pipeline. Satisfied by
// *workflow.Executor.
type RunService interface {
	Start(ctx context.Context, req model.StartRunRequest) (*model.Run, error)
	GetState(ctx context.Context, runID uuid.UUID) (*model.Run, error)
	Cancel(runID uuid.UUID) bool
}

// Store is the slice of the audit database the handlers need. Satisfied by
// *storage.DB.
type Store interface {
	GetAPIClient(ctx context.Context, clientID string) (*storage.APIClient, error)
	EvidenceTrail(ctx context.Context, runID uuid.UUID) ([]storage.EvidenceTrailEntry, error)
	UpsertDocument(ctx context.Context, doc *model.Document, embedding pgvector.Vector) error
	Ping(ctx context.Context) error
}

// Embedder produces vectors for document ingestion. Satisfied by any
// embedding.Provider.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
	Name() string
}

// DocumentIndex is an optional external vector index that documents are
// mirrored into on ingest. Satisfied by *search.QdrantIndex.
type DocumentIndex interface {
	UpsertDocument(ctx context.Context, doc *model.Document, embedding pgvector.Vector) error
	Healthy(ctx context.Context) error
	Name() string
}

// HandlersDeps wires the handlers' collaborators.
type HandlersDeps struct {
	Runs     RunService
	Store    Store
	Embedder Embedder
	Index    DocumentIndex // nil when no external index is configured
	JWT      *auth.JWTManager
	Logger   *slog.Logger
	Version  string
}

// Handlers holds the HTTP handler methods.
type Handlers struct {
	runs     RunService
	store    Store
	embedder Embedder
	index    DocumentIndex
	jwt      *auth.JWTManager
	logger   *slog.Logger
	version  string
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		runs:     deps.Runs,
		store:    deps.Store,
		embedder: deps.Embedder,
		index:    deps.Index,
		jwt:      deps.JWT,
		logger:   deps.Logger,
		version:  deps.Version,
	}
}

// HandleAuthToken exchanges a client ID + API key for a bearer token.
// POST /auth/token
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, 4096); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.ClientID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id and api_key are required")
		return
	}

	client, err := h.store.GetAPIClient(r.Context(), req.ClientID)
	if err != nil {
		// Burn the same Argon2 work as a real verification so unknown client
		// IDs are not distinguishable by response time.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	ok, err := auth.VerifyAPIKey(req.APIKey, client.APIKeyHash)
	if err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwt.IssueToken(client.ClientID, client.Role)
	if err != nil {
		h.logger.Error("issue token failed", "error", err, "client_id", client.ClientID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version"`
	Components map[string]componentHealth `json:"components"`
}

// HandleHealth reports service and dependency health.
// GET /health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:     "ok",
		Version:    h.version,
		Components: map[string]componentHealth{},
	}

	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = componentHealth{Status: "down", Error: err.Error()}
	} else {
		resp.Components["database"] = componentHealth{Status: "ok"}
	}

	if h.index != nil {
		if err := h.index.Healthy(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[h.index.Name()] = componentHealth{Status: "down", Error: err.Error()}
		} else {
			resp.Components[h.index.Name()] = componentHealth{Status: "ok"}
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}
