package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anzen-health/anzen/internal/auth"
	"github.com/anzen-health/anzen/internal/model"
	"github.com/anzen-health/anzen/internal/ratelimit"
	"github.com/anzen-health/anzen/internal/storage"
)

type fakeRunService struct {
	runs      map[uuid.UUID]*model.Run
	cancelled map[uuid.UUID]bool
}

func newFakeRunService() *fakeRunService {
	return &fakeRunService{
		runs:      map[uuid.UUID]*model.Run{},
		cancelled: map[uuid.UUID]bool{},
	}
}

func (f *fakeRunService) Start(_ context.Context, req model.StartRunRequest) (*model.Run, error) {
	run := model.NewRun(req.RequestText, req.UserID, req.Metadata)
	f.runs[run.ID] = run
	return run.Clone(), nil
}

func (f *fakeRunService) GetState(_ context.Context, runID uuid.UUID) (*model.Run, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, storage.ErrNotFound)
	}
	return run.Clone(), nil
}

func (f *fakeRunService) Cancel(runID uuid.UUID) bool {
	run, ok := f.runs[runID]
	if !ok || run.Status.Terminal() {
		return false
	}
	f.cancelled[runID] = true
	return true
}

type fakeStore struct {
	clients   map[string]*storage.APIClient
	trails    map[uuid.UUID][]storage.EvidenceTrailEntry
	documents []*model.Document
	pingErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clients: map[string]*storage.APIClient{},
		trails:  map[uuid.UUID][]storage.EvidenceTrailEntry{},
	}
}

func (f *fakeStore) GetAPIClient(_ context.Context, clientID string) (*storage.APIClient, error) {
	c, ok := f.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
	}
	return c, nil
}

func (f *fakeStore) EvidenceTrail(_ context.Context, runID uuid.UUID) ([]storage.EvidenceTrailEntry, error) {
	return f.trails[runID], nil
}

func (f *fakeStore) UpsertDocument(_ context.Context, doc *model.Document, _ pgvector.Vector) error {
	f.documents = append(f.documents, doc)
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector([]float32{0.1, 0.2, 0.3}), nil
}

func (fakeEmbedder) Name() string { return "fake" }

type fakeIndex struct {
	upserted  []*model.Document
	healthErr error
}

func (f *fakeIndex) UpsertDocument(_ context.Context, doc *model.Document, _ pgvector.Vector) error {
	f.upserted = append(f.upserted, doc)
	return nil
}

func (f *fakeIndex) Healthy(context.Context) error { return f.healthErr }
func (f *fakeIndex) Name() string                  { return "qdrant" }

type testServer struct {
	handler http.Handler
	runs    *fakeRunService
	store   *fakeStore
	index   *fakeIndex
	jwt     *auth.JWTManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	runs := newFakeRunService()
	store := newFakeStore()
	index := &fakeIndex{}
	jwtMgr := auth.NewJWTManager("test-secret", time.Hour)

	hash, err := auth.HashAPIKey("admin-key")
	require.NoError(t, err)
	store.clients["admin"] = &storage.APIClient{
		ID: uuid.New(), ClientID: "admin", APIKeyHash: hash, Role: "admin",
	}
	hash, err = auth.HashAPIKey("reader-key")
	require.NoError(t, err)
	store.clients["reader"] = &storage.APIClient{
		ID: uuid.New(), ClientID: "reader", APIKeyHash: hash, Role: "reader",
	}

	logger := slog.New(slog.DiscardHandler)
	h := NewHandlers(HandlersDeps{
		Runs:     runs,
		Store:    store,
		Embedder: fakeEmbedder{},
		Index:    index,
		JWT:      jwtMgr,
		Logger:   logger,
		Version:  "test",
	})
	srv := New(Config{Port: 0, ReadTimeout: time.Second, WriteTimeout: time.Second}, h, logger)

	return &testServer{handler: srv.Handler(), runs: runs, store: store, index: index, jwt: jwtMgr}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) token(t *testing.T, clientID, role string) string {
	t.Helper()
	token, _, err := ts.jwt.IssueToken(clientID, role)
	require.NoError(t, err)
	return token
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data
}

func TestAuthTokenExchange(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
		ClientID: "admin", APIKey: "admin-key",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeData[model.AuthTokenResponse](t, rec)
	assert.NotEmpty(t, resp.Token)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	claims, err := ts.jwt.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.ClientID)
	assert.Equal(t, "admin", claims.Role)
}

func TestAuthTokenRejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t)

	t.Run("wrong key", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
			ClientID: "admin", APIKey: "wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown client", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
			ClientID: "nobody", APIKey: "whatever",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAuthRequiredOnAPIRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/runs", "", model.StartRunRequest{RequestText: "q"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeUnauthorized)

	rec = ts.do(t, http.MethodPost, "/v1/runs", "garbage-token", model.StartRunRequest{RequestText: "q"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartRun(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "admin", "admin")

	rec := ts.do(t, http.MethodPost, "/v1/runs", token, model.StartRunRequest{
		RequestText: "What is the hand hygiene policy in the ICU?",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decodeData[model.StartRunResponse](t, rec)
	assert.NotEqual(t, uuid.Nil, resp.RunID)
	assert.Equal(t, model.RunStatusPending, resp.Status)
	assert.Contains(t, ts.runs.runs, resp.RunID)
}

func TestStartRunValidation(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "admin", "admin")

	t.Run("empty text", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/v1/runs", token, model.StartRunRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), model.ErrCodeInvalidInput)
	})

	t.Run("unknown field", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/v1/runs", token, map[string]any{
			"request_text": "q", "bogus": true,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetRun(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "admin", "admin")

	start := ts.do(t, http.MethodPost, "/v1/runs", token, model.StartRunRequest{RequestText: "q"})
	require.Equal(t, http.StatusAccepted, start.Code)
	started := decodeData[model.StartRunResponse](t, start)

	rec := ts.do(t, http.MethodGet, "/v1/runs/"+started.RunID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeData[model.RunStatusResponse](t, rec)
	assert.Equal(t, started.RunID, status.RunID)
	assert.Equal(t, "q", status.RequestText)

	t.Run("unknown run", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/v1/runs/"+uuid.NewString(), token, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), model.ErrCodeNotFound)
	})

	t.Run("malformed run id", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/v1/runs/not-a-uuid", token, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "admin", "admin")

	start := ts.do(t, http.MethodPost, "/v1/runs", token, model.StartRunRequest{RequestText: "q"})
	started := decodeData[model.StartRunResponse](t, start)

	rec := ts.do(t, http.MethodPost, "/v1/runs/"+started.RunID.String()+"/cancel", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeData[model.CancelRunResponse](t, rec)
	assert.True(t, resp.Cancelled)
	assert.True(t, ts.runs.cancelled[started.RunID])

	t.Run("terminal run conflicts", func(t *testing.T) {
		run := ts.runs.runs[started.RunID]
		run.Status = model.RunStatusCompleted

		rec := ts.do(t, http.MethodPost, "/v1/runs/"+started.RunID.String()+"/cancel", token, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), model.ErrCodeNotCancellable)
	})

	t.Run("unknown run", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/v1/runs/"+uuid.NewString()+"/cancel", token, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestEvidenceTrail(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "admin", "admin")

	start := ts.do(t, http.MethodPost, "/v1/runs", token, model.StartRunRequest{RequestText: "q"})
	started := decodeData[model.StartRunResponse](t, start)
	ts.store.trails[started.RunID] = []storage.EvidenceTrailEntry{
		{Query: "q", DocHash: "aaa", Score: 0.91, Backend: "qdrant"},
		{Query: "q", DocHash: "bbb", Score: 0.72, Backend: "pgvector"},
	}

	rec := ts.do(t, http.MethodGet, "/v1/runs/"+started.RunID.String()+"/evidence", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aaa")
	assert.Contains(t, rec.Body.String(), "qdrant")

	t.Run("empty trail is an empty list", func(t *testing.T) {
		other := ts.do(t, http.MethodPost, "/v1/runs", token, model.StartRunRequest{RequestText: "q2"})
		otherStarted := decodeData[model.StartRunResponse](t, other)

		rec := ts.do(t, http.MethodGet, "/v1/runs/"+otherStarted.RunID.String()+"/evidence", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"evidence":[]`)
	})

	t.Run("unknown run", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/v1/runs/"+uuid.NewString()+"/evidence", token, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestIngestDocument(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "admin", "admin")

	rec := ts.do(t, http.MethodPost, "/v1/documents", token, model.IngestDocumentRequest{
		Title:      "Hand Hygiene Policy",
		Text:       "Wash hands before and after patient contact.",
		Department: "ICU",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeData[ingestDocumentResponse](t, rec)
	assert.NotEqual(t, uuid.Nil, resp.DocumentID)
	assert.Len(t, resp.DocHash, 64)
	assert.ElementsMatch(t, []string{"pgvector", "qdrant"}, resp.Indexed)

	require.Len(t, ts.store.documents, 1)
	assert.Equal(t, "ICU", ts.store.documents[0].Department)
	require.Len(t, ts.index.upserted, 1)
	assert.Equal(t, resp.DocHash, ts.index.upserted[0].DocHash)

	t.Run("same text gets same hash", func(t *testing.T) {
		rec2 := ts.do(t, http.MethodPost, "/v1/documents", token, model.IngestDocumentRequest{
			Title: "Renamed", Text: "Wash hands before and after patient contact.",
		})
		require.Equal(t, http.StatusCreated, rec2.Code)
		resp2 := decodeData[ingestDocumentResponse](t, rec2)
		assert.Equal(t, resp.DocHash, resp2.DocHash)
	})
}

func TestIngestDocumentRequiresRole(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "reader", "reader")

	rec := ts.do(t, http.MethodPost, "/v1/documents", token, model.IngestDocumentRequest{
		Title: "t", Text: "x",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeForbidden)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeData[healthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Components["database"].Status)
	assert.Equal(t, "ok", resp.Components["qdrant"].Status)

	t.Run("degraded when index is down", func(t *testing.T) {
		ts.index.healthErr = fmt.Errorf("connection refused")
		rec := ts.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		resp := decodeData[healthResponse](t, rec)
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "down", resp.Components["qdrant"].Status)
	})
}

func TestRequestIDPropagation(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	assert.Contains(t, rec.Body.String(), `"request_id":"req-123"`)
}

func TestRateLimitOnAuthEndpoint(t *testing.T) {
	runs := newFakeRunService()
	store := newFakeStore()
	jwtMgr := auth.NewJWTManager("test-secret", time.Hour)
	logger := slog.New(slog.DiscardHandler)

	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = limiter.Close() }()

	h := NewHandlers(HandlersDeps{
		Runs: runs, Store: store, Embedder: fakeEmbedder{},
		JWT: jwtMgr, Logger: logger, Version: "test",
	})
	srv := New(Config{AuthLimiter: limiter}, h, logger)

	body := func() *bytes.Buffer {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(model.AuthTokenRequest{ClientID: "x", APIKey: "y"})
		return &buf
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/token", body())
	req.RemoteAddr = "203.0.113.9:1000"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "first request reaches the handler")

	req = httptest.NewRequest(http.MethodPost, "/auth/token", body())
	req.RemoteAddr = "203.0.113.9:1001"
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeRateLimited)
}
