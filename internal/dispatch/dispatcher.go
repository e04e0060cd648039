// Package dispatch turns one queued inbound message into at most one reply.
// It screens the message, picks the workflow that owns the sender and runs
// that workflow's step under a per-sender lease.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/identity"
	"github.com/ashureev/watchdesk/internal/messaging"
	"github.com/ashureev/watchdesk/internal/queue"
	"github.com/ashureev/watchdesk/internal/scheduling"
	"github.com/ashureev/watchdesk/internal/session"
	"github.com/ashureev/watchdesk/internal/shared"
	"github.com/ashureev/watchdesk/internal/workflow"
	"github.com/ashureev/watchdesk/internal/workflow/booking"
	"github.com/ashureev/watchdesk/internal/workflow/feedback"
	"github.com/ashureev/watchdesk/internal/workflow/verification"
)

// Route names the handler chosen for a message. It is logged and returned
// to tests.
type Route string

const (
	RouteNone         Route = "none"
	RouteRejected     Route = "rejected"
	RouteThrottled    Route = "throttled"
	RouteFeedback     Route = "feedback"
	RouteVerification Route = "verification"
	RouteBooking      Route = "booking"
	RouteConfirm      Route = "confirm"
	RoutePaused       Route = "paused"
	RouteAgent        Route = "agent"
	RouteRAG          Route = "rag"
)

// Repository is the persistence the dispatcher reads directly.
type Repository interface {
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	GetTenantByNumber(ctx context.Context, number string) (*domain.Tenant, error)
	GetCustomerByPhone(ctx context.Context, tenantID, phone string) (*domain.Customer, error)
	UpsertCustomer(ctx context.Context, c *domain.Customer) error
	TouchLastInteraction(ctx context.Context, customerID string, at time.Time) error
	GetSalespersonByPhone(ctx context.Context, tenantID, phone string) (*domain.Salesperson, error)
	GetThreadByCustomer(ctx context.Context, tenantID, customerID string) (*domain.Thread, error)
}

// Flow is a structured workflow keyed by subject key. S is the session
// type, nil when absent.
type Flow[S any] interface {
	Get(ctx context.Context, key string) (*S, error)
	Start(ctx context.Context, in workflow.Input) (*S, string, error)
	Step(ctx context.Context, sess *S, in workflow.Input) (*S, string, error)
}

// Agent answers with the tool-calling loop.
type Agent interface {
	Run(ctx context.Context, tenantID, customerID, message string) (string, error)
}

// Responder answers with the catalog-grounded default reply.
type Responder interface {
	Reply(ctx context.Context, in workflow.Input) (string, error)
}

// Confirmer confirms a customer's next pending appointment.
type Confirmer interface {
	Confirm(ctx context.Context, tenantID, phone string) (*domain.Appointment, error)
}

// Options holds the dispatcher's knobs.
type Options struct {
	DefaultTenantID    string
	MaxInputCharacters int
	RatePerSecond      float64
	SenderLimit        int
	SenderWindow       time.Duration
}

// Dispatcher routes inbound jobs. Agent may be nil, in which case the
// default reply handles free-form messages.
type Dispatcher struct {
	Repo         Repository
	Pointers     *session.Pointers
	Locker       *session.Locker
	Sender       messaging.Sender
	Verification Flow[verification.Session]
	Booking      Flow[booking.Session]
	Feedback     Flow[feedback.Session]
	Scheduler    Confirmer
	Agent        Agent
	Responder    Responder

	opts    Options
	global  *rate.Limiter
	senders *SenderLimiter
	now     func() time.Time
}

// New creates a Dispatcher. Collaborators are set on the returned value.
func New(opts Options) *Dispatcher {
	if opts.SenderLimit <= 0 {
		opts.SenderLimit = 30
	}
	if opts.SenderWindow <= 0 {
		opts.SenderWindow = time.Minute
	}
	d := &Dispatcher{
		opts:    opts,
		senders: NewSenderLimiter(opts.SenderLimit, opts.SenderWindow),
		now:     time.Now,
	}
	if opts.RatePerSecond > 0 {
		burst := max(1, int(opts.RatePerSecond))
		d.global = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return d
}

// WithClock overrides the clock used for last-interaction stamps.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	d.senders.now = now
	return d
}

// Start runs background housekeeping until ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	d.senders.Start(ctx)
}

// Handler adapts the dispatcher to a queue consumer. Infrastructure errors
// are returned so the queue retries them.
func (d *Dispatcher) Handler() queue.Handler {
	return queue.JSONHandler(func(ctx context.Context, job queue.Job, del queue.Delivery) error {
		_, err := d.Handle(ctx, &job, del.Final)
		return err
	})
}

// Handle processes one job and reports the route taken. When final is true
// and handling fails, the sender gets the generic error message since no
// retry will follow.
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job, final bool) (Route, error) {
	msg := &job.Message
	log := slog.With("job_id", job.ID, "phone", identity.MaskPhone(msg.From))

	if d.global != nil {
		if err := d.global.Wait(ctx); err != nil {
			return RouteNone, fmt.Errorf("wait for rate limit: %w", err)
		}
	}

	tenant, err := d.resolveTenant(ctx, job)
	if err != nil {
		return RouteNone, err
	}
	botNumber := msg.To
	if tenant.WhatsAppNumber != "" {
		botNumber = tenant.WhatsAppNumber
	}

	sc := Screen(msg, botNumber, d.opts.MaxInputCharacters)
	switch sc.Verdict {
	case Drop:
		log.Info("Skipping message", "reason", sc.Reason)
		return RouteNone, nil
	case Reject:
		log.Info("Rejecting message", "reason", sc.Reason)
		d.send(ctx, msg.From, botNumber, sc.Notice)
		return RouteRejected, nil
	}

	subject := identity.NormalizePhone(msg.From)
	if !d.senders.Allow(subject) {
		log.Warn("Sender over message limit")
		d.send(ctx, msg.From, botNumber, TooManyMessagesMessage)
		return RouteThrottled, nil
	}

	var route Route
	err = d.Locker.WithLease(ctx, subject, func(ctx context.Context) error {
		var reply string
		var customer *domain.Customer
		var err error
		route, reply, customer, err = d.route(ctx, tenant.ID, subject, msg)
		if err != nil {
			return err
		}
		if reply == "" {
			log.Info("Message handled without reply", "route", route)
			return nil
		}
		if !d.send(ctx, msg.From, botNumber, reply) {
			return nil
		}
		if customer != nil {
			if err := d.Repo.TouchLastInteraction(ctx, customer.ID, d.now().UTC()); err != nil {
				log.Error("Failed to update last interaction", "customer_id", customer.ID, "error", err)
			}
		}
		log.Info("Response sent", "route", route, "length", len(reply))
		return nil
	})
	if err != nil {
		log.Error("Dispatch failed", "route", route, "final", final, "error", err)
		if final {
			d.send(context.WithoutCancel(ctx), msg.From, botNumber, workflow.ErrorMessage)
		}
		return route, err
	}
	return route, nil
}

func (d *Dispatcher) resolveTenant(ctx context.Context, job *queue.Job) (*domain.Tenant, error) {
	if job.TenantID != "" {
		t, err := d.Repo.GetTenant(ctx, job.TenantID)
		if err != nil {
			return nil, fmt.Errorf("load tenant: %w", err)
		}
		if t != nil {
			return t, nil
		}
	}
	if job.Message.To != "" {
		t, err := d.Repo.GetTenantByNumber(ctx, job.Message.To)
		if err != nil {
			return nil, fmt.Errorf("resolve tenant by number: %w", err)
		}
		if t != nil {
			return t, nil
		}
	}
	id := job.TenantID
	if id == "" {
		id = d.opts.DefaultTenantID
	}
	return &domain.Tenant{ID: id}, nil
}

// send delivers body and reports whether it went out. Gateway failures
// are logged; the job is still acknowledged.
func (d *Dispatcher) send(ctx context.Context, to, from, body string) bool {
	if err := d.Sender.Send(ctx, to, from, body); err != nil {
		slog.Error("Failed to send reply", "phone", identity.MaskPhone(to), "error", err)
		return false
	}
	return true
}

// route picks the owner of the message and runs its step. It returns the
// customer the reply is for, nil for staff.
func (d *Dispatcher) route(ctx context.Context, tenantID, subject string, msg *domain.InboundMessage) (Route, string, *domain.Customer, error) {
	in := workflow.Input{TenantID: tenantID, SubjectKey: subject, Message: msg}

	staff, err := d.Repo.GetSalespersonByPhone(ctx, tenantID, subject)
	if err != nil {
		return RouteNone, "", nil, fmt.Errorf("look up salesperson: %w", err)
	}
	if staff != nil && staff.Active {
		reply, err := runFlow(ctx, d.Feedback, in)
		return RouteFeedback, reply, nil, err
	}

	customer, err := d.customer(ctx, tenantID, subject, msg.ProfileName)
	if err != nil {
		return RouteNone, "", nil, err
	}
	in.Customer = customer

	active, err := d.activeWorkflow(ctx, subject)
	if err != nil {
		return RouteNone, "", nil, err
	}
	if active != "" {
		route, reply, found, err := d.stepActive(ctx, active, in)
		if err != nil {
			return route, "", nil, err
		}
		if found {
			return route, reply, customer, nil
		}
	}

	text := in.Text()
	switch {
	case booking.Wants(text):
		_, reply, err := d.Booking.Start(ctx, in)
		return RouteBooking, reply, customer, err
	case verification.Wants(text):
		_, reply, err := d.Verification.Start(ctx, in)
		return RouteVerification, reply, customer, err
	case wantsConfirm(text):
		appt, err := d.Scheduler.Confirm(ctx, tenantID, subject)
		if err != nil {
			return RouteConfirm, "", customer, err
		}
		if appt != nil {
			return RouteConfirm, scheduling.ConfirmedMessage(appt), customer, nil
		}
	}

	thread, err := d.Repo.GetThreadByCustomer(ctx, tenantID, customer.ID)
	if err != nil {
		return RouteNone, "", nil, fmt.Errorf("load thread: %w", err)
	}
	if thread != nil && thread.IsPaused() {
		return RoutePaused, "", customer, nil
	}

	if d.Agent != nil {
		reply, err := d.Agent.Run(ctx, tenantID, customer.ID, text)
		return RouteAgent, reply, customer, err
	}
	reply, err := d.Responder.Reply(ctx, in)
	return RouteRAG, reply, customer, err
}

// customer returns the sender's customer record, creating it on first
// contact.
func (d *Dispatcher) customer(ctx context.Context, tenantID, phone, profileName string) (*domain.Customer, error) {
	c, err := d.Repo.GetCustomerByPhone(ctx, tenantID, phone)
	if err != nil {
		return nil, fmt.Errorf("load customer: %w", err)
	}
	if c != nil {
		return c, nil
	}
	c = &domain.Customer{TenantID: tenantID, Phone: phone, Name: strings.TrimSpace(profileName)}
	if err := d.Repo.UpsertCustomer(ctx, c); err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	slog.Info("Customer created", "phone", identity.MaskPhone(phone), "customer_id", c.ID)
	return c, nil
}

// activeWorkflow returns the kind owning subject, or "" when none does.
func (d *Dispatcher) activeWorkflow(ctx context.Context, subject string) (session.Kind, error) {
	p, err := d.Pointers.Get(ctx, subject)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", nil
	}
	return p.Kind, nil
}

// stepActive advances the session kind points at. A pointer whose session
// has expired, or that names a workflow customers cannot own, is removed
// and found is false.
func (d *Dispatcher) stepActive(ctx context.Context, kind session.Kind, in workflow.Input) (Route, string, bool, error) {
	var (
		route Route
		reply string
		found bool
		err   error
	)
	switch kind {
	case session.KindVerification:
		route = RouteVerification
		reply, found, err = stepExisting(ctx, d.Verification, in)
	case session.KindBooking:
		route = RouteBooking
		reply, found, err = stepExisting(ctx, d.Booking, in)
	}
	if err != nil || found {
		return route, reply, found, err
	}

	slog.Info("Dropping stale workflow pointer", "phone", identity.MaskPhone(in.SubjectKey), "kind", kind)
	if err := d.Pointers.Drop(ctx, in.SubjectKey); err != nil {
		return route, "", false, err
	}
	return route, "", false, nil
}

// stepExisting runs one step of the subject's session. found is false
// when there is no session.
func stepExisting[S any](ctx context.Context, f Flow[S], in workflow.Input) (string, bool, error) {
	sess, err := f.Get(ctx, in.SubjectKey)
	if err != nil {
		return "", false, err
	}
	if sess == nil {
		return "", false, nil
	}
	_, reply, err := f.Step(ctx, sess, in)
	return reply, true, err
}

// runFlow steps the subject's session, starting one when none exists.
func runFlow[S any](ctx context.Context, f Flow[S], in workflow.Input) (string, error) {
	reply, found, err := stepExisting(ctx, f, in)
	if err != nil || found {
		return reply, err
	}
	_, reply, err = f.Start(ctx, in)
	return reply, err
}

func wantsConfirm(text string) bool {
	folded := shared.Fold(strings.TrimSpace(text))
	return strings.HasPrefix(folded, "confirm")
}
