package gateway

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/backfill"
	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/models"
)

// handleStartBackfill kicks off a C12 historical import for the
// caller's org and the {source} path segment. It returns 409 with the
// current progress document if a run is already in flight.
func (g *Gateway) handleStartBackfill(w http.ResponseWriter, r *http.Request) {
	if g.backfill == nil {
		g.writeError(w, http.StatusNotImplemented, "backfill engine not configured")
		return
	}

	key, _ := apiKeyFromContext(r.Context())
	source := models.Source(chi.URLParam(r, "source"))

	runID, err := g.backfill.Start(r.Context(), key.OrgID, source)
	if err != nil {
		if errors.Is(err, backfill.ErrBackfillRunning) {
			progress, _ := g.backfill.Progress(r.Context(), key.OrgID, source)
			g.writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":    "backfill already running for this source",
				"progress": progress,
			})
			return
		}
		g.logger.Error("start backfill failed", zap.String("source", string(source)), zap.Error(err))
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobId":  runID,
		"status": "started",
	})
}

// handleBackfillProgress returns the poll-able progress document for
// the caller's org and {source}, or 404 if no run has ever started.
func (g *Gateway) handleBackfillProgress(w http.ResponseWriter, r *http.Request) {
	if g.backfill == nil {
		g.writeError(w, http.StatusNotImplemented, "backfill engine not configured")
		return
	}

	key, _ := apiKeyFromContext(r.Context())
	source := models.Source(chi.URLParam(r, "source"))

	progress, err := g.backfill.Progress(r.Context(), key.OrgID, source)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			g.writeError(w, http.StatusNotFound, "no backfill run found for this source")
			return
		}
		g.logger.Error("load backfill progress failed", zap.String("source", string(source)), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	g.writeJSON(w, http.StatusOK, progress)
}
