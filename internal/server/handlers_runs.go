package server

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/anzen-health/anzen/internal/model"
	"github.com/anzen-health/anzen/internal/storage"
)

// HandleStartRun accepts a question and starts the pipeline asynchronously.
// POST /v1/runs
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req model.StartRunRequest
	if err := decodeJSON(w, r, &req, int64(model.MaxRequestTextLen)*2); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateStartRunRequest(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.runs.Start(r.Context(), req)
	if err != nil {
		h.logger.Error("start run failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to start run")
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.StartRunResponse{
		RunID:     run.ID,
		Status:    run.Status,
		CreatedAt: run.CreatedAt,
	})
}

// HandleGetRun returns the current state of a run, live or persisted.
// GET /v1/runs/{run_id}
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}

	run, err := h.runs.GetState(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load run")
		return
	}

	writeJSON(w, r, http.StatusOK, model.RunStatusFromRun(run))
}

// HandleCancelRun requests cooperative cancellation of a live run.
// POST /v1/runs/{run_id}/cancel
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}

	if !h.runs.Cancel(runID) {
		// Either the run does not exist or it already reached a terminal
		// state. Check which so the caller gets the right error.
		if _, err := h.runs.GetState(r.Context(), runID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
				return
			}
			h.logger.Error("cancel lookup failed", "error", err, "run_id", runID)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load run")
			return
		}
		writeError(w, r, http.StatusConflict, model.ErrCodeNotCancellable, "run is not cancellable")
		return
	}

	writeJSON(w, r, http.StatusOK, model.CancelRunResponse{Cancelled: true, RunID: runID})
}

// HandleEvidence returns the retrieval audit trail for a run.
// GET /v1/runs/{run_id}/evidence
func (h *Handlers) HandleEvidence(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}

	// A run with no evidence rows yet is indistinguishable from an unknown
	// run in the trail table, so confirm the run exists first.
	if _, err := h.runs.GetState(r.Context(), runID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("evidence lookup failed", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load run")
		return
	}

	trail, err := h.store.EvidenceTrail(r.Context(), runID)
	if err != nil {
		h.logger.Error("evidence trail failed", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load evidence")
		return
	}
	if trail == nil {
		trail = []storage.EvidenceTrailEntry{}
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"run_id":   runID,
		"evidence": trail,
	})
}

type ingestDocumentResponse struct {
	DocumentID uuid.UUID `json:"document_id"`
	DocHash    string    `json:"doc_hash"`
	Indexed    []string  `json:"indexed"`
}

// HandleIngestDocument embeds and stores a policy document, mirroring it into
// the external vector index when one is configured.
// POST /v1/documents
func (h *Handlers) HandleIngestDocument(w http.ResponseWriter, r *http.Request) {
	var req model.IngestDocumentRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateIngestDocumentRequest(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	hash := sha256.Sum256([]byte(req.Text))
	doc := &model.Document{
		ID:         uuid.New(),
		Title:      req.Title,
		Text:       req.Text,
		DocHash:    hex.EncodeToString(hash[:]),
		Department: req.Department,
		Location:   req.Location,
		Metadata:   req.Metadata,
		CreatedAt:  time.Now().UTC(),
	}

	embedding, err := h.embedder.Embed(r.Context(), doc.Text)
	if err != nil {
		h.logger.Error("embed document failed", "error", err, "provider", h.embedder.Name())
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to embed document")
		return
	}

	if err := h.store.UpsertDocument(r.Context(), doc, embedding); err != nil {
		h.logger.Error("store document failed", "error", err, "doc_hash", doc.DocHash)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to store document")
		return
	}

	indexed := []string{"pgvector"}
	if h.index != nil {
		// The database row is the source of truth; a failed mirror write is
		// logged and the index catches up on the next ingest of this hash.
		if err := h.index.UpsertDocument(r.Context(), doc, embedding); err != nil {
			h.logger.Warn("index document failed", "error", err,
				"backend", h.index.Name(), "doc_hash", doc.DocHash)
		} else {
			indexed = append(indexed, h.index.Name())
		}
	}

	writeJSON(w, r, http.StatusCreated, ingestDocumentResponse{
		DocumentID: doc.ID,
		DocHash:    doc.DocHash,
		Indexed:    indexed,
	})
}

func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return uuid.Nil, false
	}
	return runID, true
}
