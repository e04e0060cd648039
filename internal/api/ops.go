package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/watchdesk/internal/agent"
	"github.com/ashureev/watchdesk/internal/identity"
)

const (
	defaultParkedLimit = 50
	maxParkedLimit     = 500
)

// RegisterOps registers operator routes. Callers mount them behind auth.
func (h *Handler) RegisterOps(r chi.Router) {
	r.Get("/threads/paused", h.PausedThreads)
	r.Post("/threads/{customerID}/resume", h.ResumeThread)
	r.Get("/parked", h.ListParked)
	r.Post("/parked/replay", h.ReplayParked)
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultParkedLimit
	}
	return min(n, maxParkedLimit)
}

// PausedThreads lists the tenant's threads waiting for a salesperson.
func (h *Handler) PausedThreads(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantFromContext(r.Context())
	threads, err := h.repo.ListPausedThreads(r.Context(), tenantID)
	if err != nil {
		slog.Error("Failed to list paused threads", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list threads")
		return
	}

	out := make([]map[string]interface{}, 0, len(threads))
	for _, t := range threads {
		out = append(out, map[string]interface{}{
			"thread_id":   t.ID,
			"customer_id": t.CustomerID,
			"events":      len(t.Events),
			"updated_at":  t.UpdatedAt,
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"count": len(out), "threads": out})
}

// ResumeThread lets the agent answer a paused customer again.
func (h *Handler) ResumeThread(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantFromContext(r.Context())
	customerID := chi.URLParam(r, "customerID")

	t, err := agent.Resume(r.Context(), h.repo, tenantID, customerID)
	if errors.Is(err, agent.ErrNoThread) {
		Error(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		slog.Error("Failed to resume thread", "customer_id", customerID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to resume thread")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"thread_id": t.ID, "status": string(t.Status)})
}

// ListParked reports parked jobs without removing them.
func (h *Handler) ListParked(w http.ResponseWriter, r *http.Request) {
	parked, err := h.parked.Parked(r.Context(), limitParam(r))
	if err != nil {
		slog.Error("Failed to list parked jobs", "error", err)
		Error(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	jobs := make([]map[string]interface{}, 0, len(parked))
	for _, p := range parked {
		item := map[string]interface{}{
			"id":        p.ID,
			"attempts":  p.Attempts,
			"reason":    p.Reason,
			"parked_at": p.ParkedAt,
		}
		if j := p.Job(); j != nil {
			item["phone"] = identity.MaskPhone(j.Message.From)
			item["tenant_id"] = j.TenantID
		}
		jobs = append(jobs, item)
	}
	JSON(w, http.StatusOK, map[string]interface{}{"count": len(jobs), "jobs": jobs})
}

// ReplayParked moves parked jobs back to the main queue.
func (h *Handler) ReplayParked(w http.ResponseWriter, r *http.Request) {
	n, err := h.parked.Replay(r.Context(), limitParam(r))
	if err != nil {
		slog.Error("Failed to replay parked jobs", "replayed", n, "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "replay interrupted", "replayed": n})
		return
	}
	JSON(w, http.StatusOK, map[string]int{"replayed": n})
}
