package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/watchdesk/internal/identity"
	"github.com/ashureev/watchdesk/internal/messaging"
	"github.com/ashureev/watchdesk/internal/queue"
)

// Webhook accepts an inbound WhatsApp message and enqueues it. It answers
// with empty TwiML; the reply is sent later by a worker. A failed enqueue
// returns 503 so the gateway redelivers.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	msg, err := messaging.ParseWebhook(r, h.now())
	if err != nil {
		slog.Warn("Rejected webhook", "error", err)
		Error(w, http.StatusBadRequest, "invalid webhook")
		return
	}

	tenantID := h.opts.DefaultTenantID
	if msg.To != "" {
		tenant, err := h.repo.GetTenantByNumber(r.Context(), msg.To)
		if err != nil {
			slog.Error("Failed to resolve tenant", "error", err)
			Error(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		if tenant != nil {
			tenantID = tenant.ID
		}
	}

	job := queue.NewJob(tenantID, msg)
	if err := h.queue.Publish(r.Context(), job); err != nil {
		slog.Error("Failed to enqueue message", "phone", identity.MaskPhone(msg.From), "error", err)
		Error(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	slog.Info("Message enqueued",
		"job_id", job.ID,
		"tenant_id", tenantID,
		"phone", identity.MaskPhone(msg.From),
		"media", len(msg.MediaURLs),
	)
	messaging.WriteTwiML(w)
}
