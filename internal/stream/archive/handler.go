package archive

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"livestream/internal/stream"
)

const (
	RecentPath     = "/api/events/recent"
	EventPath      = "/api/events/{id}"
	maxRecentLimit = 500
)

// Register mounts the archive routes on mux.
func (a *Archive) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+RecentPath, a.ServeRecent)
	mux.HandleFunc("GET "+EventPath, a.ServeEvent)
}

// ServeEvent answers with a single archived event.
func (a *Archive) ServeEvent(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Event(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrEventNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event not found"})
		return
	}
	if err != nil {
		a.logger.Error("failed to serve event", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load event"})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// ServeRecent answers with a JSON array of archived events. It accepts optional
// topic and limit query parameters.
func (a *Archive) ServeRecent(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := a.config.RecentLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRecentLimit)
	}

	records, err := a.Recent(r.Context(), stream.Topic(query.Get("topic")), limit)
	if err != nil {
		a.logger.Error("failed to serve recent events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load recent events"})
		return
	}

	if records == nil {
		records = []Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
