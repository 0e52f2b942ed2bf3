package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"changelogs/common"
	"changelogs/registry"
	"changelogs/store"
)

// Handlers serves the admin API against one registry and its log store.
type Handlers struct {
	registry *registry.Registry
	logs     store.LogStore
}

// NewHandlers creates the admin handler set.
func NewHandlers(reg *registry.Registry, logs store.LogStore) *Handlers {
	return &Handlers{registry: reg, logs: logs}
}

func writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeRegistryError maps the registry's typed errors onto HTTP statuses.
func writeRegistryError(w http.ResponseWriter, err error) {
	var entityErr *registry.EntityNotFoundError
	var attrErr *registry.AttributeNotFoundError
	switch {
	case errors.As(err, &entityErr):
		writeErrorResponse(w, http.StatusNotFound, entityErr.Error())
	case errors.As(err, &attrErr):
		writeErrorResponse(w, http.StatusBadRequest, attrErr.Error())
	default:
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}

func (h *Handlers) listEntities(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.registry.List())
}

func (h *Handlers) getEntity(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	cfg, ok := h.registry.Lookup(entity)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "entity is not tracked")
		return
	}
	writeJSONResponse(w, cfg)
}

type trackRequest struct {
	PrimaryKey string   `json:"primaryKey"`
	Logged     []string `json:"logged"`
	Indexed    []string `json:"indexed"`
}

func (h *Handlers) trackEntity(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PrimaryKey == "" {
		writeErrorResponse(w, http.StatusBadRequest, "primaryKey is required")
		return
	}
	cfg, err := h.registry.Track(entity, req.PrimaryKey, req.Logged, req.Indexed)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSONResponse(w, cfg)
}

func (h *Handlers) untrackEntity(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	removed, err := h.registry.Untrack(entity)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSONResponse(w, removed)
}

type columnsRequest struct {
	Columns []string `json:"columns"`
}

func (h *Handlers) addLoggedColumns(w http.ResponseWriter, r *http.Request) {
	h.addColumns(w, r, h.registry.AddLoggedColumns)
}

func (h *Handlers) addIndexedColumns(w http.ResponseWriter, r *http.Request) {
	h.addColumns(w, r, h.registry.AddIndexedColumns)
}

func (h *Handlers) addColumns(w http.ResponseWriter, r *http.Request, add func(string, []string) (*common.TrackedEntityConfig, error)) {
	entity := chi.URLParam(r, "entity")
	var req columnsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Columns) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "columns is required")
		return
	}
	cfg, err := add(entity, req.Columns)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSONResponse(w, cfg)
}

func (h *Handlers) listPartitions(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.logs.Partitions())
}

func (h *Handlers) recordsByKey(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := h.logs.RecordsByKey(chi.URLParam(r, "entity"), chi.URLParam(r, "pk"), limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, recs)
}

func (h *Handlers) recordsByIndexed(w http.ResponseWriter, r *http.Request) {
	attr := r.URL.Query().Get("attr")
	value := r.URL.Query().Get("value")
	if attr == "" || value == "" {
		writeErrorResponse(w, http.StatusBadRequest, "attr and value are required")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := h.logs.RecordsByIndexed(attr, value, limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, recs)
}
