package gateway

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"l1gw/services/pipeline"
	"l1gw/services/store"
)

// multipartMemoryLimit is the in-memory buffer for multipart parsing; file
// parts beyond it spill to disk before staging.
const multipartMemoryLimit = 32 << 20

func (a *API) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	if a.pipe == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("ingestion is disabled in degraded mode"))
		return
	}

	// The extra headroom covers multipart framing; the pipeline enforces the
	// exact cap on the file bytes themselves.
	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxUploadBytes+multipartMemoryLimit)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, errors.New("upload exceeds the 3 GiB limit"))
			return
		}
		respondError(w, http.StatusBadRequest, errors.New("multipart field 'file' is required"))
		return
	}
	defer file.Close()
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	artifact, err := a.pipe.Submit(r.Context(), pipeline.Upload{
		Name:    header.Filename,
		Size:    header.Size,
		Content: file,
	})
	switch {
	case errors.Is(err, pipeline.ErrTooLarge):
		respondError(w, http.StatusRequestEntityTooLarge, errors.New("upload exceeds the 3 GiB limit"))
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{"artifact": artifact})
}

func (a *API) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	artifacts, err := a.store.Artifacts(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func (a *API) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid artifact id"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	artifact, err := a.store.Artifact(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, errors.New("artifact not found"))
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"artifact": artifact})
}

func (a *API) handleCancelArtifact(w http.ResponseWriter, r *http.Request) {
	if a.pipe == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("ingestion is disabled in degraded mode"))
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid artifact id"))
		return
	}

	if err := a.pipe.Cancel(id); err != nil {
		if errors.Is(err, pipeline.ErrUnknownArtifact) {
			respondError(w, http.StatusConflict, errors.New("no running analysis for artifact"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (a *API) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	if a.presigner == nil || a.config.ArchiveBucket == "" {
		respondError(w, http.StatusFailedDependency, errors.New("artifact archive is not configured"))
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid artifact id"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	artifact, err := a.store.Artifact(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, errors.New("artifact not found"))
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if artifact.ArchiveKey == "" {
		respondError(w, http.StatusNotFound, errors.New("artifact has not been archived"))
		return
	}

	url, err := a.presigner.PresignGet(ctx, a.config.ArchiveBucket, artifact.ArchiveKey, a.config.PresignTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"download_url":       url,
		"expires_in_seconds": int(a.config.PresignTTL.Seconds()),
	})
}
