// Package api provides the HTTP surface of watchdesk: the WhatsApp webhook,
// operator routes and health checks.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/identity"
	"github.com/ashureev/watchdesk/internal/middleware"
	"github.com/ashureev/watchdesk/internal/queue"
)

// Repository is the persistence the HTTP layer touches.
type Repository interface {
	GetTenantByNumber(ctx context.Context, number string) (*domain.Tenant, error)
	GetThreadByCustomer(ctx context.Context, tenantID, customerID string) (*domain.Thread, error)
	SetThreadStatus(ctx context.Context, threadID string, status domain.ThreadStatus) error
	ListPausedThreads(ctx context.Context, tenantID string) ([]*domain.Thread, error)
	Ping(ctx context.Context) error
}

// Publisher enqueues inbound jobs.
type Publisher interface {
	Publish(ctx context.Context, job *queue.Job) error
}

// ParkedJobs exposes the parked queue to operators.
type ParkedJobs interface {
	Parked(ctx context.Context, limit int) ([]queue.Parked, error)
	Replay(ctx context.Context, limit int) (int, error)
}

// Options configures the router.
type Options struct {
	DefaultTenantID string
	OpsToken        string
	HealthTimeout   time.Duration

	// QueueConnected reports broker health; nil means always healthy.
	QueueConnected func() bool
}

// Handler provides common handler utilities.
type Handler struct {
	repo   Repository
	queue  Publisher
	parked ParkedJobs
	opts   Options
	now    func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(repo Repository, pub Publisher, parked ParkedJobs, opts Options) *Handler {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	return &Handler{repo: repo, queue: pub, parked: parked, opts: opts, now: time.Now}
}

// Router builds the chi router with every route mounted.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))

	r.Get("/health", h.Health)
	r.With(middleware.MaxBody(1<<20)).Post("/webhooks/whatsapp", h.Webhook)

	r.Route("/api/ops", func(r chi.Router) {
		r.Use(middleware.BearerToken(h.opts.OpsToken))
		r.Use(identity.Middleware(h.opts.DefaultTenantID))
		h.RegisterOps(r)
	})
	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Health returns the health status of the API and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.HealthTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "database": "ok", "queue": "ok"}
	status, code := "healthy", http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		checks["database"] = "unreachable"
		status, code = "degraded", http.StatusServiceUnavailable
	}
	if h.opts.QueueConnected != nil && !h.opts.QueueConnected() {
		checks["queue"] = "disconnected"
		status, code = "degraded", http.StatusServiceUnavailable
	}

	JSON(w, code, map[string]interface{}{"status": status, "checks": checks})
}
