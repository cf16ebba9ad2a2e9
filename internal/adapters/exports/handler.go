package exports

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"writingstudy/internal/adapters/respond"
)

const exportsPath = "/api/exports"

// Handler serves POST /api/exports, GET /api/exports and
// GET /api/exports/{id}.
type Handler struct {
	Exports Scheduler
}

// NewHandler wraps a scheduler.
func NewHandler(s Scheduler) *Handler { return &Handler{Exports: s} }

type exportRequest struct {
	Formats     []string `json:"formats"`
	RequestedBy string   `json:"requestedBy"`
	Reason      string   `json:"reason"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == exportsPath:
		switch r.Method {
		case http.MethodPost:
			h.handleCreate(w, r)
		case http.MethodGet:
			respond.JSON(w, http.StatusOK, map[string]any{"exports": h.Exports.ListExports()})
		default:
			respond.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case strings.HasPrefix(path, exportsPath+"/"):
		if r.Method != http.MethodGet {
			respond.MethodNotAllowed(w, http.MethodGet)
			return
		}
		id := strings.TrimPrefix(path, exportsPath+"/")
		record, ok := h.Exports.GetExport(id)
		if !ok {
			respond.Error(w, http.StatusNotFound, "Export not found", id)
			return
		}
		respond.JSON(w, http.StatusOK, map[string]any{"export": record})
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respond.Error(w, http.StatusBadRequest, "Failed to queue export", "invalid export request payload")
		return
	}
	formats := make([]Format, 0, len(req.Formats))
	for _, f := range req.Formats {
		formats = append(formats, Format(f))
	}
	record, err := h.Exports.EnqueueExport(r.Context(), Input{
		Formats:     formats,
		RequestedBy: req.RequestedBy,
		Reason:      req.Reason,
	})
	switch {
	case errors.Is(err, ErrUnsupportedFormat):
		respond.Error(w, http.StatusBadRequest, "Failed to queue export", err.Error())
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrStopped):
		respond.Error(w, http.StatusServiceUnavailable, "Failed to queue export", err.Error())
	case err != nil:
		respond.Error(w, http.StatusInternalServerError, "Failed to queue export", err.Error())
	default:
		respond.JSON(w, http.StatusAccepted, map[string]any{"export": record})
	}
}
