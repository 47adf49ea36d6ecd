package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"metricsd/services/history"
)

var errHistoryDisabled = errors.New("export history is not enabled")

func (a *API) handleListExports(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		respondError(w, http.StatusNotFound, errHistoryDisabled)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	records, err := a.history.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"exports": records})
}

func (a *API) handleGetExport(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		respondError(w, http.StatusNotFound, errHistoryDisabled)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid export id"))
		return
	}

	rec, err := a.history.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
