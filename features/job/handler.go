package job

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"conveyor/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var params CreateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "invalid request body", http.StatusBadRequest)
		return
	}

	slog.InfoContext(ctx, "creating job", "type", params.Type)

	j, err := h.service.Create(ctx, params)
	if err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrConflict):
			h.writeError(ctx, w, "CONFLICT", err.Error(), http.StatusConflict)
		default:
			slog.ErrorContext(ctx, "failed to create job", "type", params.Type, "error", err)
			h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(ctx, w, http.StatusCreated, map[string]interface{}{"data": j})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f := Filter{
		Status: Status(r.URL.Query().Get("status")),
		Type:   Type(r.URL.Query().Get("type")),
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	jobs, total, err := h.service.List(ctx, f, limit, offset)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	if jobs == nil {
		jobs = []Job{}
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": jobs,
		"meta": map[string]int{"total": total},
	})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	j, err := h.service.Get(ctx, id)
	if err != nil {
		h.respondError(ctx, w, "get job", id, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": j})
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	slog.InfoContext(ctx, "retrying job", "id", id)

	j, err := h.service.Retry(ctx, id, actor(r))
	if err != nil {
		h.respondError(ctx, w, "retry job", id, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": j})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	slog.InfoContext(ctx, "cancelling job", "id", id)

	j, err := h.service.Cancel(ctx, id, actor(r))
	if err != nil {
		h.respondError(ctx, w, "cancel job", id, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": j})
}

// Complete is the worker callback for a successful execution.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var body struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "invalid request body", http.StatusBadRequest)
		return
	}

	j, err := h.service.Complete(ctx, id, body.Result)
	if err != nil {
		h.respondError(ctx, w, "complete job", id, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": j})
}

// Fail is the worker callback for a failed execution.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Error == "" {
		body.Error = "worker reported failure without a message"
	}

	j, err := h.service.Fail(ctx, id, body.Error)
	if err != nil {
		h.respondError(ctx, w, "fail job", id, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": j})
}

// Progress is the worker callback for counter deltas.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var body struct {
		Processed int `json:"processed"`
		Failed    int `json:"failed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.Progress(ctx, id, body.Processed, body.Failed); err != nil {
		h.respondError(ctx, w, "record progress", id, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": "progress recorded"})
}

func (h *Handler) respondError(ctx context.Context, w http.ResponseWriter, op, id string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(ctx, w, "NOT_FOUND", "Job not found", http.StatusNotFound)
	case errors.Is(err, ErrConflict):
		h.writeError(ctx, w, "CONFLICT", err.Error(), http.StatusConflict)
	case errors.Is(err, ErrValidation):
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
	default:
		slog.ErrorContext(ctx, "failed to "+op, "id", id, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
	}
}

func actor(r *http.Request) string {
	return r.Header.Get("X-Actor")
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
