package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ashureev/watchdesk/internal/config"
)

const (
	headerAttempt  = "x-attempt"
	headerError    = "x-error"
	headerParkedAt = "x-parked-at"

	maxReconnectDelay = 30 * time.Second
)

// Options tunes a RabbitMQ queue.
type Options struct {
	Policy         Policy
	AttemptTimeout time.Duration
	DialAttempts   int
	Logger         *slog.Logger

	// OnConnection is called with true after every successful (re)connect
	// and with false when the connection drops.
	OnConnection func(connected bool)
}

// RabbitMQ is a Queue backed by a topic exchange. Retries go through one
// delay queue per attempt whose TTL is that attempt's backoff; expired
// messages dead-letter back into the main exchange.
type RabbitMQ struct {
	cfg  config.QueueConfig
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
}

// NewRabbitMQ connects and declares the topology.
func NewRabbitMQ(ctx context.Context, cfg config.QueueConfig, opts Options) (*RabbitMQ, error) {
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy.MaxAttempts = 1
	}
	if opts.DialAttempts <= 0 {
		opts.DialAttempts = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	q := &RabbitMQ{cfg: cfg, opts: opts, log: opts.Logger.With("queue", cfg.Queue)}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.connectLocked(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQ) retryQueue(attempt int) string {
	return q.cfg.Queue + ".retry." + strconv.Itoa(attempt)
}

func (q *RabbitMQ) parkedQueue() string {
	return q.cfg.Queue + ".parked"
}

// dial connects with exponential backoff until DialAttempts is used up.
func (q *RabbitMQ) dial(ctx context.Context) (*amqp.Connection, error) {
	var lastErr error
	delay := time.Second
	for i := 1; i <= q.opts.DialAttempts; i++ {
		conn, err := amqp.Dial(q.cfg.URL)
		if err == nil {
			if i > 1 {
				q.log.Info("RabbitMQ connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err
		q.log.Warn("RabbitMQ dial failed", "attempt", i, "retry_in", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, maxReconnectDelay)
	}
	return nil, fmt.Errorf("connect to RabbitMQ after %d attempts: %w", q.opts.DialAttempts, lastErr)
}

func (q *RabbitMQ) connectLocked(ctx context.Context) error {
	if q.closed {
		return ErrClosed
	}
	if q.conn != nil && !q.conn.IsClosed() && q.pubCh != nil && !q.pubCh.IsClosed() {
		return nil
	}
	if q.conn != nil && !q.conn.IsClosed() {
		_ = q.conn.Close()
	}

	conn, err := q.dial(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := q.declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare topology: %w", err)
	}
	q.conn, q.pubCh = conn, ch
	q.notify(true)
	return nil
}

func (q *RabbitMQ) notify(connected bool) {
	if q.opts.OnConnection != nil {
		q.opts.OnConnection(connected)
	}
}

// declare creates the exchange, the main queue, one delay queue per retry
// and the parked queue. Declarations are idempotent.
func (q *RabbitMQ) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(q.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(q.cfg.Queue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(q.cfg.Queue, q.cfg.RoutingKey, q.cfg.Exchange, false, nil); err != nil {
		return err
	}
	for attempt := 1; attempt < q.opts.Policy.MaxAttempts; attempt++ {
		args := amqp.Table{
			"x-message-ttl":             int32(q.opts.Policy.Backoff(attempt) / time.Millisecond),
			"x-dead-letter-exchange":    q.cfg.Exchange,
			"x-dead-letter-routing-key": q.cfg.RoutingKey,
		}
		if _, err := ch.QueueDeclare(q.retryQueue(attempt), true, false, false, false, args); err != nil {
			return err
		}
	}
	_, err := ch.QueueDeclare(q.parkedQueue(), true, false, false, false, nil)
	return err
}

// Publish sends job to the main exchange as a persistent message.
func (q *RabbitMQ) Publish(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.connectLocked(ctx); err != nil {
		return err
	}
	err = q.pubCh.PublishWithContext(ctx, q.cfg.Exchange, q.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return nil
}

// Run consumes until ctx is cancelled, reconnecting with jittered backoff
// whenever the broker connection drops.
func (q *RabbitMQ) Run(ctx context.Context, concurrency int, h Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	backoff := time.Second
	for {
		err := q.consume(ctx, concurrency, h)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		q.notify(false)
		wait := jittered(backoff)
		q.log.Error("Consumer stopped, reconnecting", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, maxReconnectDelay)
	}
}

// consume runs one connection's worth of consumption. It returns when ctx
// ends or the channel closes.
func (q *RabbitMQ) consume(ctx context.Context, concurrency int, h Handler) error {
	q.mu.Lock()
	err := q.connectLocked(ctx)
	conn := q.conn
	q.mu.Unlock()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	tag := "watchdesk-" + uuid.NewString()
	msgs, err := ch.Consume(q.cfg.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.cfg.Queue, err)
	}
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	q.log.Info("Consumer started", "concurrency", concurrency)

	var wg sync.WaitGroup
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range msgs {
				q.handle(ctx, ch, d, h)
			}
		}()
	}

	var result error
	select {
	case <-ctx.Done():
		_ = ch.Cancel(tag, false)
	case amqpErr := <-closeCh:
		if amqpErr != nil {
			result = amqpErr
		} else {
			result = errors.New("consumer channel closed")
		}
	}
	wg.Wait()
	return result
}

func (q *RabbitMQ) handle(ctx context.Context, ch *amqp.Channel, d amqp.Delivery, h Handler) {
	attempt := headerInt(d.Headers, headerAttempt) + 1
	delivery := Delivery{
		ID:      d.MessageId,
		Body:    d.Body,
		Attempt: attempt,
		Final:   attempt >= q.opts.Policy.MaxAttempts,
	}

	actx, cancel := ctx, context.CancelFunc(func() {})
	if q.opts.AttemptTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, q.opts.AttemptTimeout)
	}
	err := h(actx, delivery)
	cancel()

	outcome := q.opts.Policy.Decide(err, attempt)
	log := q.log.With("job_id", d.MessageId, "attempt", attempt, "outcome", outcome.String())
	switch outcome {
	case Ack:
		_ = d.Ack(false)
		return
	case Retry:
		log.Warn("Job failed, scheduling retry", "error", err, "delay", q.opts.Policy.Backoff(attempt))
		err = q.forward(ctx, ch, q.retryQueue(attempt), d, attempt, err)
	case Park:
		log.Error("Job parked", "error", err)
		err = q.forward(ctx, ch, q.parkedQueue(), d, attempt, err)
	}
	if err != nil {
		log.Error("Forward failed, requeueing", "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// forward copies d to queue through the default exchange, recording the
// attempt count and the failure reason.
func (q *RabbitMQ) forward(ctx context.Context, ch *amqp.Channel, queue string, d amqp.Delivery, attempt int, cause error) error {
	headers := amqp.Table{headerAttempt: int32(attempt)}
	if cause != nil {
		headers[headerError] = cause.Error()
	}
	if queue == q.parkedQueue() {
		headers[headerParkedAt] = time.Now().UTC().Format(time.RFC3339)
	}
	return ch.PublishWithContext(context.WithoutCancel(ctx), "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Headers:      headers,
		Body:         d.Body,
	})
}

// Parked peeks at the parked queue. Fetched messages are requeued before
// returning.
func (q *RabbitMQ) Parked(ctx context.Context, limit int) ([]Parked, error) {
	ch, err := q.channel(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ch.Close() }()

	var out []Parked
	var held []amqp.Delivery
	for len(out) < limit {
		d, ok, err := ch.Get(q.parkedQueue(), false)
		if err != nil {
			return nil, fmt.Errorf("get parked: %w", err)
		}
		if !ok {
			break
		}
		held = append(held, d)
		out = append(out, parkedFrom(d))
	}
	for _, d := range held {
		_ = d.Nack(false, true)
	}
	return out, nil
}

// Replay republishes up to limit parked jobs to the main exchange with no
// attempt history.
func (q *RabbitMQ) Replay(ctx context.Context, limit int) (int, error) {
	ch, err := q.channel(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = ch.Close() }()

	n := 0
	for n < limit {
		d, ok, err := ch.Get(q.parkedQueue(), false)
		if err != nil {
			return n, fmt.Errorf("get parked: %w", err)
		}
		if !ok {
			break
		}
		err = ch.PublishWithContext(ctx, q.cfg.Exchange, q.cfg.RoutingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    d.MessageId,
			Timestamp:    time.Now(),
			Body:         d.Body,
		})
		if err != nil {
			_ = d.Nack(false, true)
			return n, fmt.Errorf("replay %s: %w", d.MessageId, err)
		}
		_ = d.Ack(false)
		n++
	}
	if n > 0 {
		q.log.Info("Replayed parked jobs", "count", n)
	}
	return n, nil
}

func (q *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.connectLocked(ctx); err != nil {
		return nil, err
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// Connected reports whether the broker connection is up.
func (q *RabbitMQ) Connected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.conn != nil && !q.conn.IsClosed()
}

// Close shuts the connection down. It is safe to call more than once.
func (q *RabbitMQ) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.conn == nil {
		return nil
	}
	q.notify(false)
	return q.conn.Close()
}

func parkedFrom(d amqp.Delivery) Parked {
	p := Parked{
		ID:       d.MessageId,
		Body:     d.Body,
		Attempts: headerInt(d.Headers, headerAttempt),
	}
	if s, ok := d.Headers[headerError].(string); ok {
		p.Reason = s
	}
	if s, ok := d.Headers[headerParkedAt].(string); ok {
		p.ParkedAt, _ = time.Parse(time.RFC3339, s)
	}
	return p
}

// headerInt reads an integer header. The broker may hand back any integer
// width depending on how it was published.
func headerInt(h amqp.Table, key string) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	}
	return 0
}

func jittered(base time.Duration) time.Duration {
	delta := (rand.Float64()*2 - 1) * 0.25
	wait := time.Duration(float64(base) * (1 + delta))
	if wait <= 0 {
		wait = base
	}
	return min(wait, maxReconnectDelay)
}
