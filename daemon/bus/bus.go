// Package bus adapts the six logical work queues onto an AMQP 0.9.1
// broker: one durable topic exchange, per-queue length caps and message
// TTLs, and a dead-letter exchange catching everything that expires, is
// rejected, or exhausts its redeliveries.
//
// Delivery is at least once. Handlers are expected to be idempotent and
// return a Decision instead of erroring: the dispatch loop owns the
// ack/nack protocol, including bounded republish with exponential backoff
// for requeue decisions.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	Exchange   = "imagevault.topic"
	DLX        = "imagevault.dlx"
	DLQ        = "imagevault.dlq"
	retryHdr   = "x-retries"
	contentTyp = "application/json"
)

// Queue pairs a durable queue with its binding pattern on the topic
// exchange.
type Queue struct {
	Name    string
	Pattern string
}

var (
	QueueScan       = Queue{Name: "collection.scan", Pattern: "collection.scan.*"}
	QueueThumbnail  = Queue{Name: "thumbnail.generation", Pattern: "thumbnail.generation.*"}
	QueueCache      = Queue{Name: "cache.generation", Pattern: "cache.generation.*"}
	QueueCreation   = Queue{Name: "collection.creation", Pattern: "collection.creation.*"}
	QueueBulk       = Queue{Name: "bulk.operation", Pattern: "bulk.operation.*"}
	QueueProcessing = Queue{Name: "image.processing", Pattern: "image.processing.*"}
)

// AllQueues lists every queue Setup declares.
var AllQueues = []Queue{QueueScan, QueueThumbnail, QueueCache, QueueCreation, QueueBulk, QueueProcessing}

// Decision is a handler's verdict on a delivery.
type Decision int

const (
	// Ack removes the message: the work is done or permanently
	// unactionable after being recorded on the owning entity.
	Ack Decision = iota
	// NackRequeue redelivers after backoff, up to the delivery cap, then
	// dead-letters.
	NackRequeue
	// NackDrop dead-letters immediately.
	NackDrop
)

// Handler processes one decoded envelope. The context carries the
// per-message soft deadline.
type Handler func(ctx context.Context, env *Envelope) Decision

// Config tunes queue declaration and dispatch.
type Config struct {
	URL            string
	QueueMaxLength int64
	MessageTTL     time.Duration
	MaxDeliveries  int
	SoftDeadline   time.Duration
	RequeueInitial time.Duration
	RequeueMax     time.Duration
}

// DefaultConfig mirrors the broker policy the daemon ships with.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		QueueMaxLength: 100000,
		MessageTTL:     24 * time.Hour,
		MaxDeliveries:  3,
		SoftDeadline:   60 * time.Second,
		RequeueInitial: 2 * time.Second,
		RequeueMax:     2 * time.Minute,
	}
}

// Bus is the broker adapter. The publish channel is guarded by a mutex;
// every consumer gets a private channel, per AMQP channel threading rules.
type Bus struct {
	cfg  Config
	conn *amqp.Connection

	mu    sync.Mutex
	pubCh *amqp.Channel
}

// Connect dials the broker and opens the confirm-mode publish channel.
func Connect(ctx context.Context, cfg Config) (*Bus, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %v", errdefs.ErrUnavailable, err), "bus: dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "bus: open publish channel")
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "bus: enable publisher confirms")
	}
	return &Bus{cfg: cfg, conn: conn, pubCh: ch}, nil
}

// Close tears down the connection and with it all channels and consumers.
func (b *Bus) Close() error {
	return b.conn.Close()
}

// Setup declares the exchange, the six queues with their bindings, and the
// dead-letter exchange/queue. It is idempotent: redeclaring identical
// entities is a no-op on the broker.
func (b *Bus) Setup(ctx context.Context) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "bus: open setup channel")
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "bus: declare exchange %s", Exchange)
	}
	if err := ch.ExchangeDeclare(DLX, "topic", true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "bus: declare exchange %s", DLX)
	}
	args := amqp.Table{
		"x-max-length":           b.cfg.QueueMaxLength,
		"x-message-ttl":          b.cfg.MessageTTL.Milliseconds(),
		"x-dead-letter-exchange": DLX,
		"x-overflow":             "reject-publish",
	}
	for _, q := range AllQueues {
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, args); err != nil {
			return errors.Wrapf(err, "bus: declare queue %s", q.Name)
		}
		if err := ch.QueueBind(q.Name, q.Pattern, Exchange, false, nil); err != nil {
			return errors.Wrapf(err, "bus: bind queue %s to %s", q.Name, q.Pattern)
		}
	}
	if _, err := ch.QueueDeclare(DLQ, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "bus: declare queue %s", DLQ)
	}
	if err := ch.QueueBind(DLQ, "#", DLX, false, nil); err != nil {
		return errors.Wrap(err, "bus: bind dead-letter queue")
	}
	return nil
}

// ErrQueueFull is returned when the broker reject-publishes due to the
// queue length cap.
var ErrQueueFull = fmt.Errorf("queue full: %w", errdefs.ErrResourceExhausted)

// Publish sends an envelope under the given routing key and waits for the
// broker confirm. A nacked confirm means the target queue overflowed.
func (b *Bus) Publish(ctx context.Context, routingKey string, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "bus: marshal envelope")
	}
	b.mu.Lock()
	conf, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, Exchange, routingKey, true, false, amqp.Publishing{
		ContentType:   contentTyp,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		CorrelationId: env.CorrelationID,
		Timestamp:     env.Timestamp,
		Type:          string(env.Kind),
		Body:          body,
	})
	b.mu.Unlock()
	if err != nil {
		return errors.Wrapf(fmt.Errorf("%w: %v", errdefs.ErrUnavailable, err), "bus: publish %s", routingKey)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return errors.Wrap(err, "bus: await confirm")
	}
	if !ok {
		return ErrQueueFull
	}
	return nil
}

// PublishKind is Publish with the kind's canonical routing key.
func (b *Bus) PublishKind(ctx context.Context, env *Envelope) error {
	return b.Publish(ctx, env.Kind.RoutingKey(), env)
}

// Consume runs `concurrency` workers over one queue until the context is
// cancelled. Prefetch is bounded to the worker count so a slow consumer
// does not hoard messages.
func (b *Bus) Consume(ctx context.Context, q Queue, handler Handler, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return errors.Wrapf(err, "bus: open consumer channel for %s", q.Name)
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		return errors.Wrapf(err, "bus: set prefetch for %s", q.Name)
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return errors.Wrapf(err, "bus: consume %s", q.Name)
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				b.dispatch(ctx, q, d, handler)
			}
		}()
	}
	go func() {
		<-ctx.Done()
		_ = ch.Close()
	}()
	go func() {
		wg.Wait()
		log.G(ctx).WithField("queue", q.Name).Info("consumer drained")
	}()
	return nil
}

func (b *Bus) dispatch(ctx context.Context, q Queue, d amqp.Delivery, handler Handler) {
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		log.G(ctx).WithError(err).WithField("queue", q.Name).Warn("undecodable message, dead-lettering")
		_ = d.Nack(false, false)
		return
	}
	logger := log.G(ctx).WithFields(log.Fields{
		"queue":     q.Name,
		"messageID": env.ID,
		"kind":      env.Kind,
	})

	hctx, cancel := context.WithTimeout(ctx, b.cfg.SoftDeadline)
	decision := handler(hctx, &env)
	if hctx.Err() != nil && decision == Ack {
		// Deadline handlers that gave up mid-flight must not ack.
		decision = NackRequeue
	}
	cancel()

	switch decision {
	case Ack:
		if err := d.Ack(false); err != nil {
			logger.WithError(err).Warn("ack failed")
		}
	case NackDrop:
		logger.Debug("dead-lettering message")
		if err := d.Nack(false, false); err != nil {
			logger.WithError(err).Warn("nack failed")
		}
	case NackRequeue:
		b.requeue(ctx, q, d, &env, logger)
	}
}

// requeue republishes the delivery to the same queue with an incremented
// retry header, after an exponential delay, then acks the original. Once
// the delivery cap is reached the message is dead-lettered instead.
func (b *Bus) requeue(ctx context.Context, q Queue, d amqp.Delivery, env *Envelope, logger *log.Entry) {
	attempt := retriesOf(d.Headers)
	if attempt+1 >= b.cfg.MaxDeliveries {
		logger.WithField("attempts", attempt+1).Warn("delivery cap reached, dead-lettering")
		_ = d.Nack(false, false)
		return
	}

	delay := b.requeueDelay(attempt)
	select {
	case <-ctx.Done():
		// Shutting down: give the message straight back to the broker.
		_ = d.Nack(false, true)
		return
	case <-time.After(delay):
	}

	b.mu.Lock()
	err := b.pubCh.PublishWithContext(ctx, "", q.Name, false, false, amqp.Publishing{
		ContentType:   contentTyp,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		CorrelationId: env.CorrelationID,
		Timestamp:     env.Timestamp,
		Type:          string(env.Kind),
		Headers:       amqp.Table{retryHdr: int32(attempt + 1)},
		Body:          d.Body,
	})
	b.mu.Unlock()
	if err != nil {
		logger.WithError(err).Warn("republish failed, requeueing in place")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (b *Bus) requeueDelay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.cfg.RequeueInitial
	eb.MaxInterval = b.cfg.RequeueMax
	eb.RandomizationFactor = 0.2
	d := eb.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}

func retriesOf(headers amqp.Table) int {
	switch v := headers[retryHdr].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
