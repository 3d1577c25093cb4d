package audit

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// Routes mounts the audit endpoints. The router must carry the tenancy
// middleware.
func Routes(store *Store, logger *slog.Logger) func(chi.Router) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(r chi.Router) {
		r.Get("/audit-events", ListEventsHandler(store, logger))
		r.Get("/audit-events/{eventId}", GetEventHandler(store, logger))
	}
}

// ListEventsHandler handles GET /audit-events.
// Query params: actor, resource_type, action, outcome, page_size, page_token
func ListEventsHandler(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := r.URL.Query()
		filter := ListFilter{
			DomainID:     tenancy.DomainFromContext(r.Context()),
			Actor:        params.Get("actor"),
			ResourceType: params.Get("resource_type"),
			Action:       params.Get("action"),
			Outcome:      params.Get("outcome"),
		}

		pageSize := 20
		if ps := params.Get("page_size"); ps != "" {
			v, err := strconv.Atoi(ps)
			if err != nil || v <= 0 {
				writeError(w, logger, errs.InvalidParameter("page_size", "must be a positive integer"))
				return
			}
			pageSize = v
		}

		events, next, total, err := store.List(r.Context(), filter, pageSize, params.Get("page_token"))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if events == nil {
			events = []Event{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"results":         events,
			"next_page_token": next,
			"total_count":     total,
		})
	}
}

// GetEventHandler handles GET /audit-events/{eventId}.
func GetEventHandler(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "eventId")
		e, err := store.Get(r.Context(), eventID, tenancy.DomainFromContext(r.Context()))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if e == nil {
			writeError(w, logger, errs.NotFound("event_id", eventID))
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code, msg := "ERROR_INTERNAL", "internal error"
	var e *errs.Error
	if errors.As(err, &e) {
		code, msg = e.Code, e.Message
	}
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("audit request failed", "error", err)
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}
