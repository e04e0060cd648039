// Package app wires the watchdesk components from configuration. The
// server, worker and watchctl binaries share it.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/watchdesk/internal/agent"
	"github.com/ashureev/watchdesk/internal/config"
	"github.com/ashureev/watchdesk/internal/dispatch"
	"github.com/ashureev/watchdesk/internal/identity"
	"github.com/ashureev/watchdesk/internal/llm"
	"github.com/ashureev/watchdesk/internal/messaging"
	"github.com/ashureev/watchdesk/internal/queue"
	"github.com/ashureev/watchdesk/internal/rag"
	"github.com/ashureev/watchdesk/internal/scheduling"
	"github.com/ashureev/watchdesk/internal/session"
	"github.com/ashureev/watchdesk/internal/store"
	"github.com/ashureev/watchdesk/internal/workflow/booking"
	"github.com/ashureev/watchdesk/internal/workflow/feedback"
	"github.com/ashureev/watchdesk/internal/workflow/verification"
)

// Components holds everything a process needs to handle messages.
type Components struct {
	Repo       *store.SQLiteStore
	Sender     messaging.Sender
	Scheduler  *scheduling.Service
	Vault      *identity.Vault
	Dispatcher *dispatch.Dispatcher
}

// OpenStore opens and pings the database.
func OpenStore(ctx context.Context, cfg *config.Config) (*store.SQLiteStore, error) {
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return repo, nil
}

// ApplySeed loads STORE_SCHEDULE_FILE into the store when it is set.
func ApplySeed(ctx context.Context, cfg *config.Config, repo *store.SQLiteStore) error {
	if cfg.ScheduleFile == "" {
		return nil
	}
	seed, err := scheduling.LoadSeed(cfg.ScheduleFile)
	if err != nil {
		return err
	}
	if err := seed.Apply(ctx, repo); err != nil {
		return fmt.Errorf("apply schedule seed: %w", err)
	}
	slog.Info("Schedule seed applied", "file", cfg.ScheduleFile, "tenant_id", seed.Tenant.ID)
	return nil
}

// sessionTTL falls back to the default TTL for unset workflow TTLs.
func sessionTTL(s config.SessionConfig, ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.DefaultTTL
	}
	return ttl
}

// NewSender returns the gateway sender, or a log-only sender when no
// credentials are configured.
func NewSender(cfg *config.Config) messaging.Sender {
	m := cfg.Messaging
	if m.AccountSID == "" || m.AuthToken == "" {
		slog.Warn("Gateway credentials missing, replies will only be logged")
		return messaging.LogSender{}
	}
	return messaging.NewTwilioSender(m.AccountSID, m.AuthToken, m.WhatsAppNumber, m.BaseURL, m.Timeout)
}

// NewVault builds the CPF vault. Development runs without a key get an
// ephemeral one; sealed values then do not survive a restart.
func NewVault(cfg *config.Config) (*identity.Vault, error) {
	key := cfg.Identity.CPFKeyHex
	if key == "" {
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("CPF_ENCRYPTION_KEY is required outside development")
		}
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate cpf key: %w", err)
		}
		key = hex.EncodeToString(buf)
		slog.Warn("Using an ephemeral CPF key")
	}
	return identity.NewVault(key)
}

// NewChatModel picks the chat provider.
func NewChatModel(cfg *config.Config, openai *llm.OpenAIClient) llm.ChatCompleter {
	if cfg.LLM.Provider == "anthropic" {
		return llm.NewAnthropicClient(cfg.LLM.AnthropicAPIKey, cfg.LLM.AnthropicModel, cfg.LLM.Timeout)
	}
	return openai
}

// NewQueue connects the configured queue driver. onConnection may be nil.
func NewQueue(ctx context.Context, cfg *config.Config, onConnection func(bool)) (queue.Queue, error) {
	policy := queue.Policy{MaxAttempts: cfg.Worker.MaxAttempts, BackoffBase: cfg.Worker.BackoffBase}
	if cfg.Queue.Driver == "memory" {
		slog.Info("Using in-process queue")
		if onConnection != nil {
			onConnection(true)
		}
		return queue.NewMemory(policy, 1024), nil
	}
	q, err := queue.NewRabbitMQ(ctx, cfg.Queue, queue.Options{
		Policy:         policy,
		AttemptTimeout: cfg.Worker.AttemptTimeout,
		OnConnection:   onConnection,
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Connected reports broker health for queues that track it.
func Connected(q queue.Queue) func() bool {
	if c, ok := q.(interface{ Connected() bool }); ok {
		return c.Connected
	}
	return nil
}

// Build wires the dispatcher and its collaborators on top of repo.
func Build(cfg *config.Config, repo *store.SQLiteStore) (*Components, error) {
	vault, err := NewVault(cfg)
	if err != nil {
		return nil, err
	}
	sender := NewSender(cfg)

	var fetcher llm.MediaFetcher
	if cfg.Messaging.AccountSID != "" {
		fetcher = messaging.NewMediaClient(cfg.Messaging.AccountSID, cfg.Messaging.AuthToken, cfg.Messaging.Timeout)
	}
	openai := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:          cfg.LLM.OpenAIAPIKey,
		BaseURL:         cfg.LLM.OpenAIBaseURL,
		ChatModel:       cfg.LLM.ChatModel,
		VisionModel:     cfg.LLM.VisionModel,
		TranscribeModel: cfg.LLM.TranscribeModel,
		Timeout:         cfg.LLM.Timeout,
	}, fetcher)
	chat := NewChatModel(cfg, openai)

	kv := repo.KV()
	pointers := session.NewPointers(kv)
	sched := scheduling.NewService(repo, sender)
	s := cfg.Sessions

	d := dispatch.New(dispatch.Options{
		DefaultTenantID:    cfg.DefaultTenantID,
		MaxInputCharacters: cfg.Messaging.MaxInputCharacters,
		RatePerSecond:      cfg.Worker.RatePerSecond,
	})
	d.Repo = repo
	d.Pointers = pointers
	d.Locker = session.NewLocker(repo, s.LeaseTTL, 0)
	d.Sender = sender
	d.Scheduler = sched
	d.Booking = booking.New(booking.NewStore(kv, pointers, sessionTTL(s, s.BookingTTL)), sched)
	d.Verification = verification.New(
		verification.NewStore(kv, pointers, sessionTTL(s, s.VerificationTTL)),
		openai, vault, repo, sender, s.CompletedTTL,
	)
	d.Feedback = feedback.New(feedback.NewStore(kv, pointers, sessionTTL(s, s.FeedbackTTL)), repo, chat, openai, sender)
	d.Responder = rag.New(repo, chat)
	if cfg.Agent.Enabled {
		d.Agent = agent.NewRunner(chat, nil, agent.Services{Repo: repo, Scheduler: sched, Sender: sender}, cfg.Agent)
	}

	slog.Info("Dispatcher wired",
		"llm_provider", cfg.LLM.Provider,
		"agent", cfg.Agent.Enabled,
		"queue_driver", cfg.Queue.Driver,
	)
	return &Components{Repo: repo, Sender: sender, Scheduler: sched, Vault: vault, Dispatcher: d}, nil
}

// SweepTasks are the periodic purges of expired rows.
func SweepTasks(cfg *config.Config, repo *store.SQLiteStore) []session.SweepTask {
	return []session.SweepTask{
		{Name: "session_values", Run: repo.PurgeExpiredValues},
		{Name: "leases", Run: repo.PurgeExpiredLeases},
		{Name: "idle_threads", Run: func(ctx context.Context) (int64, error) {
			return repo.PurgeIdleThreads(ctx, cfg.Agent.ThreadRetention)
		}},
	}
}
