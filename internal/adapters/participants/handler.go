// Package participants exposes registration, participant lookup and the
// allocation tally over HTTP.
package participants

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"writingstudy/internal/adapters/respond"
	"writingstudy/internal/core"
	"writingstudy/pkg/domain"
)

const (
	participantPath = "/api/participant"
	tallyPath       = "/api/tally"
	maxBodyBytes    = 1 << 20

	msgSaveFailed   = "Failed to save participant"
	msgLookupFailed = "Failed to load participant"
	msgTallyFailed  = "Failed to load tally"
)

// Registrar is the registration surface the handler needs. *core.Service
// satisfies it.
type Registrar interface {
	Register(ctx context.Context, req core.RegisterRequest) (core.RegisterResult, error)
	GetParticipant(ctx context.Context, id string) (domain.Participant, bool, error)
	Tally(ctx context.Context) (domain.Tally, error)
}

// Handler routes the participant endpoints.
type Handler struct {
	Registrar Registrar
}

// NewHandler wraps r.
func NewHandler(r Registrar) *Handler { return &Handler{Registrar: r} }

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(participantPath, h)
	mux.Handle(participantPath+"/", h)
	mux.Handle(tallyPath, h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == participantPath:
		if r.Method != http.MethodPost {
			respond.MethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleSave(w, r)
	case strings.HasPrefix(path, participantPath+"/"):
		if r.Method != http.MethodGet {
			respond.MethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleGet(w, r, strings.TrimPrefix(path, participantPath+"/"))
	case path == tallyPath:
		if r.Method != http.MethodGet {
			respond.MethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleTally(w, r)
	default:
		http.NotFound(w, r)
	}
}

// saveRequest mirrors the client payload. Pointer display fields
// distinguish "omitted" from "empty".
type saveRequest struct {
	StudentID   string          `json:"studentId"`
	Condition   string          `json:"condition"`
	Name        *string         `json:"name"`
	ClassName   *string         `json:"className"`
	CurrentStep int             `json:"currentStep"`
	Brainstorm  string          `json:"brainstorm"`
	Pretest     string          `json:"pretest"`
	WCFResult   string          `json:"wcfResult"`
	Posttest    string          `json:"posttest"`
	Survey      json.RawMessage `json:"survey"`

	BrainstormElapsed int `json:"brainstormElapsed"`
	PretestElapsed    int `json:"pretestElapsed"`
	ReflectionElapsed int `json:"reflectionElapsed"`
	PosttestElapsed   int `json:"posttestElapsed"`
}

func (req saveRequest) toRegister() (core.RegisterRequest, error) {
	survey, err := domain.DecodeSurvey(req.Survey)
	if err != nil {
		return core.RegisterRequest{}, err
	}
	return core.RegisterRequest{
		ParticipantID: req.StudentID,
		Condition:     req.Condition,
		Fields: domain.ParticipantFields{
			DisplayName:       req.Name,
			GroupLabel:        req.ClassName,
			ProgressMarker:    req.CurrentStep,
			Brainstorm:        req.Brainstorm,
			Pretest:           req.Pretest,
			WCFResult:         req.WCFResult,
			Posttest:          req.Posttest,
			Survey:            survey,
			BrainstormElapsed: req.BrainstormElapsed,
			PretestElapsed:    req.PretestElapsed,
			ReflectionElapsed: req.ReflectionElapsed,
			PosttestElapsed:   req.PosttestElapsed,
		},
	}, nil
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	var body saveRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		respond.Error(w, http.StatusBadRequest, msgSaveFailed, "request body must be a JSON object")
		return
	}
	req, err := body.toRegister()
	if err != nil {
		respond.Error(w, http.StatusBadRequest, msgSaveFailed, "survey must be a JSON object")
		return
	}
	res, err := h.Registrar.Register(r.Context(), req)
	if err != nil {
		status, detail := classify(err)
		respond.Error(w, status, msgSaveFailed, detail)
		return
	}
	respond.JSON(w, http.StatusOK, res.Participant)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	if strings.TrimSpace(id) == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	p, ok, err := h.Registrar.GetParticipant(r.Context(), id)
	if err != nil {
		status, detail := classify(err)
		respond.Error(w, status, msgLookupFailed, detail)
		return
	}
	if !ok {
		respond.Error(w, http.StatusNotFound, "Participant not found", id)
		return
	}
	respond.JSON(w, http.StatusOK, p)
}

type tallyResponse struct {
	Counts domain.Tally `json:"counts"`
	Total  int          `json:"total"`
	Spread int          `json:"spread"`
	Next   string       `json:"next"`
}

func (h *Handler) handleTally(w http.ResponseWriter, r *http.Request) {
	t, err := h.Registrar.Tally(r.Context())
	if err != nil {
		status, detail := classify(err)
		respond.Error(w, status, msgTallyFailed, detail)
		return
	}
	respond.JSON(w, http.StatusOK, tallyResponse{
		Counts: t,
		Total:  t.Total(),
		Spread: t.Spread(),
		Next:   string(t.Least()),
	})
}

// classify maps service errors to a status and a short detail. Storage
// errors are summarised, never echoed.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrRetriesExhausted):
		return http.StatusServiceUnavailable, "the study is busy, please try again"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "the request timed out, please try again"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "the request was cancelled"
	default:
		return http.StatusInternalServerError, "unexpected storage failure"
	}
}
