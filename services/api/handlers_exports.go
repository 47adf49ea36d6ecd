package api

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"metricsd/services/excel"
	"metricsd/services/exports"
	"metricsd/services/query"
)

func decodeFilter(w http.ResponseWriter, r *http.Request) (query.Filter, error) {
	var filter query.Filter
	if err := decodeJSON(w, r, &filter); err != nil {
		if errors.Is(err, errEmptyBody) {
			return query.Filter{}, nil
		}
		return nil, fmt.Errorf("decode filter: %w", err)
	}
	return filter, nil
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	filter, err := decodeFilter(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	rows, status, err := a.exporter.Preview(r.Context(), filter)
	if err != nil {
		a.logger.Error().Err(err).Str("workspace_id", r.Header.Get(workspaceHeader)).Msg("preview failed")
		respondExportError(w, err)
		return
	}
	if status == exports.StatusPending {
		respondJSON(w, http.StatusAccepted, map[string]any{"status": exports.StatusPending})
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	filter, err := decodeFilter(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	workspace := strings.TrimSpace(r.Header.Get(workspaceHeader))
	a.logger.Info().Str("workspace_id", workspace).Msg("generating export")

	outcome, err := a.exporter.RunAndMaterialize(r.Context(), filter)
	if err != nil {
		respondExportError(w, err)
		return
	}

	switch outcome.Status {
	case exports.StatusPending:
		respondJSON(w, http.StatusAccepted, map[string]any{
			"status":  exports.StatusPending,
			"message": "Query is still running. Retry the export later.",
		})
	default:
		a.logger.Info().
			Str("workspace_id", workspace).
			Str("file_id", outcome.Download.FileID).
			Int64("size_bytes", outcome.Download.FileSizeBytes).
			Msg("export ready")
		respondJSON(w, http.StatusOK, outcome.Download)
	}
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")

	artifact, ok := a.exporter.FetchDownload(fileID)
	if !ok {
		respondError(w, http.StatusNotFound, errors.New("file not found or expired"))
		return
	}

	name := artifact.Name
	if name == "" {
		name = exports.DefaultFileName
	}

	w.Header().Set("Content-Type", excel.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Content)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Content)
}

func respondExportError(w http.ResponseWriter, err error) {
	body := map[string]any{
		"error":   err.Error(),
		"message": "Failed to generate Excel file: " + err.Error(),
	}
	if step, ok := exports.StepOf(err); ok {
		body["step"] = step
	}
	respondJSON(w, exportStatus(err), body)
}

func exportStatus(err error) int {
	switch {
	case errors.Is(err, query.ErrUnknownField):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, exports.ErrConversionFailed):
		return http.StatusInternalServerError
	case errors.Is(err, exports.ErrQueryFailed),
		errors.Is(err, exports.ErrResultUnavailable),
		errors.Is(err, exports.ErrArtifactFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
