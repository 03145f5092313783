package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"conveyor/features/job"
	"conveyor/internal/middleware"
)

type JobRepo interface {
	Count(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context, status job.Status) (int, error)
}

type ImportRepo interface {
	Count(ctx context.Context) (int, error)
}

type Handler struct {
	jobRepo    JobRepo
	importRepo ImportRepo
}

func NewHandler(j JobRepo, i ImportRepo) *Handler {
	return &Handler{jobRepo: j, importRepo: i}
}

type StatsResponse struct {
	Jobs       int `json:"jobs"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	ImportJobs int `json:"import_jobs"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	slog.InfoContext(ctx, "getting queue stats")

	total, err := h.jobRepo.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{Jobs: total}
	for status, dst := range map[job.Status]*int{
		job.StatusPending:    &resp.Pending,
		job.StatusProcessing: &resp.Processing,
		job.StatusFailed:     &resp.Failed,
	} {
		n, err := h.jobRepo.CountByStatus(ctx, status)
		if err != nil {
			slog.ErrorContext(ctx, "failed to count jobs by status", "status", status, "error", err)
			h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
			return
		}
		*dst = n
	}

	imports, err := h.importRepo.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count import jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count import jobs", http.StatusInternalServerError)
		return
	}
	resp.ImportJobs = imports

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
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
