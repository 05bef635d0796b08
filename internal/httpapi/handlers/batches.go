package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	batchv1 "sceneforge/internal/contracts/batch/v1"
	"sceneforge/internal/httpkit"
	"sceneforge/internal/models"
	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/worker/processor"
	"sceneforge/internal/worker/util"
)

// maxRequestBytes bounds a JSON batch submission.
const maxRequestBytes = 4 << 20

func (h *Handler) PostBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		h.fail(w, r, errors.Validation("unreadable body"))
		return
	}
	if len(raw) > maxRequestBytes {
		h.fail(w, r, errors.Newf(errors.CodeResourceExhaust, "request exceeds %d bytes", maxRequestBytes))
		return
	}

	req, err := batchv1.Parse(raw)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.SceneID) == "" {
		h.fail(w, r, errors.ValidationField("scene_id", "scene_id is required"))
		return
	}
	variations, err := req.BuildVariations()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	policy, err := req.BatchPolicy()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.scenes.GetScene(ctx, req.SceneID); err != nil {
		h.fail(w, r, storeErr(err, "batches.create"))
		return
	}

	b := &models.Batch{
		ID:        util.NewID("bat"),
		SceneID:   req.SceneID,
		Status:    models.BatchQueued,
		Request:   raw,
		Total:     len(variations),
		CreatedAt: time.Now().UTC(),
	}
	if policy != nil {
		b.Policy = policy.String()
	}
	if err := h.batches.CreateBatch(ctx, b); err != nil {
		h.fail(w, r, storeErr(err, "batches.create"))
		return
	}
	if err := h.queue.Push(ctx, b.ID); err != nil {
		h.fail(w, r, err)
		return
	}

	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{"batch": b})
}

func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("limit"))); err == nil && v > 0 && v <= 200 {
		limit = v
	}

	batches, err := h.batches.ListBatches(r.Context(), limit)
	if err != nil {
		h.fail(w, r, storeErr(err, "batches.list"))
		return
	}
	for i := range batches {
		batches[i].Request = nil
	}
	if batches == nil {
		batches = []models.Batch{}
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := chi.URLParam(r, "batchId")

	b, err := h.batches.GetBatch(ctx, batchID)
	if err != nil {
		h.fail(w, r, storeErr(err, "batches.get"))
		return
	}
	outcomes, err := h.batches.ListOutcomes(ctx, batchID)
	if err != nil {
		h.fail(w, r, storeErr(err, "batches.get"))
		return
	}
	if outcomes == nil {
		outcomes = []models.Outcome{}
	}

	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"batch":    b,
		"outcomes": outcomes,
	})
}

// GetBatchBundle streams the artifact a finished batch delivered.
func (h *Handler) GetBatchBundle(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchId")

	b, err := h.batches.GetBatch(r.Context(), batchID)
	if err != nil {
		h.fail(w, r, storeErr(err, "batches.bundle"))
		return
	}
	if b.Status != models.BatchDone || b.BundleKey == "" {
		h.fail(w, r, errors.Conflict("batch has no bundle").
			WithField("batch_id", batchID).
			WithField("status", string(b.Status)))
		return
	}
	h.stream(w, r, b.BundleKey, b.BundleName, processor.ContentTypeFor(b.BundleName))
}
