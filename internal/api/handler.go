// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"work-items-sync/internal/database"
	custom_errors "work-items-sync/internal/errors"
	"work-items-sync/internal/model"
	"work-items-sync/internal/publish"
	"work-items-sync/internal/syncer"
)

const maxBodyBytes = 32 << 20

// Engine is the set of engine entry points exposed over HTTP.
type Engine interface {
	Sync(ctx context.Context, sourceKey uuid.UUID, records []*model.Record) (*model.ChangeSet, error)
	Delete(ctx context.Context, sourceKey uuid.UUID, sourceIDs []string) (*model.ChangeSet, error)
	Move(ctx context.Context, sourceKey, targetKey uuid.UUID, rec *model.Record) (*model.MoveResult, error)
	Reprocess(ctx context.Context, sourceKey uuid.UUID, opts syncer.ReprocessOptions) iter.Seq2[*syncer.ReprocessBatch, error]
	CreateSource(ctx context.Context, p syncer.SourceParams) (database.WorkItemsSource, error)
	GetSource(ctx context.Context, key uuid.UUID) (database.WorkItemsSource, error)
	UpdateSource(ctx context.Context, key uuid.UUID, patch syncer.SourcePatch) (database.WorkItemsSource, error)
	GetWorkItem(ctx context.Context, key uuid.UUID) (database.WorkItem, error)
}

// Handler is the container for API dependencies.
type Handler struct {
	engine             Engine
	publisher          publish.Publisher
	logger             *slog.Logger
	reprocessBatchSize int
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(engine Engine, publisher publish.Publisher, logger *slog.Logger, reprocessBatchSize int) http.Handler {
	h := &Handler{
		engine:             engine,
		publisher:          publisher,
		logger:             logger,
		reprocessBatchSize: reprocessBatchSize,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// API Routes
	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/sources", h.createSource)
		r.Route("/sources/{key}", func(r chi.Router) {
			r.Get("/", h.getSource)
			r.Patch("/", h.updateSource)
			r.Post("/work-items", h.syncWorkItems)
			r.Delete("/work-items", h.deleteWorkItems)
			r.Post("/move/{targetKey}", h.moveWorkItem)
			r.Post("/reprocess", h.reprocess)
		})
		r.Get("/work-items/{key}", h.getWorkItem)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createSource registers a new work items source.
// POST /v1/sources
func (h *Handler) createSource(w http.ResponseWriter, r *http.Request) {
	var params syncer.SourceParams
	if !decodeBody(w, r, &params) {
		return
	}
	src, err := h.engine.CreateSource(r.Context(), params)
	if err != nil {
		h.respondWithEngineError(w, err, "Failed to create source")
		return
	}
	respondWithJSON(w, http.StatusCreated, newSourceResponse(src))
}

// getSource returns one work items source.
// GET /v1/sources/{key}
func (h *Handler) getSource(w http.ResponseWriter, r *http.Request) {
	key, ok := urlKey(w, r, "key")
	if !ok {
		return
	}
	src, err := h.engine.GetSource(r.Context(), key)
	if err != nil {
		h.respondWithEngineError(w, err, "Failed to get source")
		return
	}
	respondWithJSON(w, http.StatusOK, newSourceResponse(src))
}

// updateSource patches a work items source.
// PATCH /v1/sources/{key}
func (h *Handler) updateSource(w http.ResponseWriter, r *http.Request) {
	key, ok := urlKey(w, r, "key")
	if !ok {
		return
	}
	var patch syncer.SourcePatch
	if !decodeBody(w, r, &patch) {
		return
	}
	src, err := h.engine.UpdateSource(r.Context(), key, patch)
	if err != nil {
		h.respondWithEngineError(w, err, "Failed to update source")
		return
	}
	respondWithJSON(w, http.StatusOK, newSourceResponse(src))
}

// syncWorkItems upserts a batch of mapped records.
// POST /v1/sources/{key}/work-items
func (h *Handler) syncWorkItems(w http.ResponseWriter, r *http.Request) {
	key, ok := urlKey(w, r, "key")
	if !ok {
		return
	}
	var records []*model.Record
	if !decodeBody(w, r, &records) {
		return
	}
	cs, err := h.engine.Sync(r.Context(), key, records)
	if err != nil {
		h.respondWithEngineError(w, err, "Failed to sync work items")
		return
	}
	h.publish(r.Context(), cs)
	respondWithJSON(w, http.StatusOK, cs)
}

type deleteRequest struct {
	SourceIDs []string `json:"source_ids"`
}

// deleteWorkItems soft-deletes work items by source id.
// DELETE /v1/sources/{key}/work-items
func (h *Handler) deleteWorkItems(w http.ResponseWriter, r *http.Request) {
	key, ok := urlKey(w, r, "key")
	if !ok {
		return
	}
	var req deleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cs, err := h.engine.Delete(r.Context(), key, req.SourceIDs)
	if err != nil {
		h.respondWithEngineError(w, err, "Failed to delete work items")
		return
	}
	h.publish(r.Context(), cs)
	respondWithJSON(w, http.StatusOK, cs)
}

// moveWorkItem relocates one record to another source.
// POST /v1/sources/{key}/move/{targetKey}
func (h *Handler) moveWorkItem(w http.ResponseWriter, r *http.Request) {
	key, ok := urlKey(w, r, "key")
	if !ok {
		return
	}
	targetKey, ok := urlKey(w, r, "targetKey")
	if !ok {
		return
	}
	var rec model.Record
	if !decodeBody(w, r, &rec) {
		return
	}
	res, err := h.engine.Move(r.Context(), key, targetKey, &rec)
	if err != nil {
		h.respondWithEngineError(w, err, "Failed to move work item")
		return
	}
	h.publish(r.Context(), &model.ChangeSet{
		SourceKey: targetKey,
		Results:   append([]model.SyncResult{res.SyncResult}, res.Backfilled...),
	})
	respondWithJSON(w, http.StatusOK, res)
}

type reprocessRequest struct {
	Attributes []string `json:"attributes"`
	BatchSize  int      `json:"batch_size"`
	BeforeID   int64    `json:"before_id"`
}

type reprocessResponse struct {
	Batches  int   `json:"batches"`
	Checked  int   `json:"checked"`
	Changed  int   `json:"changed"`
	Rejected int   `json:"rejected"`
	Cursor   int64 `json:"cursor"`
}

// reprocess replays stored payloads through the current mapping rules.
// POST /v1/sources/{key}/reprocess
func (h *Handler) reprocess(w http.ResponseWriter, r *http.Request) {
	key, ok := urlKey(w, r, "key")
	if !ok {
		return
	}
	var req reprocessRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BatchSize <= 0 {
		req.BatchSize = h.reprocessBatchSize
	}

	var resp reprocessResponse
	for batch, err := range h.engine.Reprocess(r.Context(), key, syncer.ReprocessOptions{
		Attributes: req.Attributes,
		BatchSize:  req.BatchSize,
		BeforeID:   req.BeforeID,
	}) {
		if err != nil {
			h.respondWithEngineError(w, err, "Failed to reprocess work items")
			return
		}
		resp.Batches++
		resp.Checked += batch.Checked
		resp.Changed += len(batch.ChangeSet.Results)
		resp.Rejected += len(batch.ChangeSet.Rejected)
		resp.Cursor = batch.Cursor
		h.publish(r.Context(), batch.ChangeSet)
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// getWorkItem returns one work item.
// GET /v1/work-items/{key}
func (h *Handler) getWorkItem(w http.ResponseWriter, r *http.Request) {
	key, ok := urlKey(w, r, "key")
	if !ok {
		return
	}
	item, err := h.engine.GetWorkItem(r.Context(), key)
	if err != nil {
		h.respondWithEngineError(w, err, "Failed to get work item")
		return
	}
	respondWithJSON(w, http.StatusOK, newWorkItemResponse(item))
}

// publish hands a committed change set to the publisher. Failures are logged;
// the sync has already committed and redelivery is safe.
func (h *Handler) publish(ctx context.Context, cs *model.ChangeSet) {
	if h.publisher == nil || cs == nil {
		return
	}
	if err := h.publisher.Publish(ctx, cs); err != nil {
		h.logger.Error("Failed to publish change set", "source_key", cs.SourceKey, "error", err)
	}
}

func (h *Handler) respondWithEngineError(w http.ResponseWriter, err error, msg string) {
	var (
		sourceNotFound *custom_errors.SourceNotFoundError
		itemNotFound   *custom_errors.WorkItemNotFoundError
		mappingErr     *custom_errors.MappingError
		unknownType    *custom_errors.UnknownIntegrationError
	)
	switch {
	case errors.As(err, &sourceNotFound), errors.As(err, &itemNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &mappingErr), errors.As(err, &unknownType), errors.Is(err, syncer.ErrUnknownAttribute):
		respondWithError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error(msg, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func urlKey(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	key, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid '"+param+"' parameter. Must be a UUID.")
		return uuid.Nil, false
	}
	return key, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return false
	}
	return true
}
