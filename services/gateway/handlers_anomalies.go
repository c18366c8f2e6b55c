package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"l1gw/services/store"
)

func (a *API) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	var filter store.AnomalyFilter

	if raw := r.URL.Query().Get("artifact_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, errors.New("invalid artifact_id"))
			return
		}
		filter.ArtifactID = id
	}
	filter.Severity = r.URL.Query().Get("severity")
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		filter.Limit = limit
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	anomalies, err := a.store.Anomalies(ctx, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
}

func (a *API) handleGetAnomaly(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid anomaly id"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	anomaly, err := a.store.Anomaly(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, errors.New("anomaly not found"))
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"anomaly": anomaly})
}
