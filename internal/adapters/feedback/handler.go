// Package feedback serves POST /api/wcf.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"writingstudy/internal/adapters/respond"
	"writingstudy/internal/feedback"
)

const (
	wcfPath      = "/api/wcf"
	maxBodyBytes = 256 << 10
	msgFailed    = "Failed to generate feedback"
)

// Reviser produces a revision. *feedback.Reviser satisfies it.
type Reviser interface {
	Revise(ctx context.Context, text string) (feedback.Result, error)
}

// Handler serves the written corrective feedback endpoint. A nil Reviser
// answers every request with a configuration error.
type Handler struct {
	Reviser Reviser
}

// NewHandler wraps r.
func NewHandler(r Reviser) *Handler { return &Handler{Reviser: r} }

type wcfRequest struct {
	Text string `json:"text"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != wcfPath {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		respond.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if h.Reviser == nil {
		respond.Error(w, http.StatusInternalServerError, "Server misconfigured", feedback.ErrNotConfigured.Error())
		return
	}
	var req wcfRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, msgFailed, "request body must be a JSON object with text")
		return
	}
	res, err := h.Reviser.Revise(r.Context(), req.Text)
	switch {
	case errors.Is(err, feedback.ErrEmptyText):
		respond.Error(w, http.StatusBadRequest, msgFailed, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respond.Error(w, http.StatusGatewayTimeout, msgFailed, "the feedback service timed out")
	case err != nil:
		respond.Error(w, http.StatusBadGateway, msgFailed, "the feedback service is unavailable")
	default:
		respond.JSON(w, http.StatusOK, res)
	}
}
