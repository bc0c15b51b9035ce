// Package listener consumes document messages from the bus and drives the
// ingest pipeline.
//
// One consumer reads the input queue and dispatches each delivery to a
// worker chosen by hashing the message's history key, so messages for one
// (source, entity) pair are processed in arrival order while distinct
// entities proceed in parallel. Temporary failures are retried in-process
// with exponential backoff; exhausted retries return the message to the bus.
// Permanent failures are published to the error exchange and acknowledged.
package listener

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/inkhouse/collate/colerrors"
	"github.com/inkhouse/collate/document"
	"github.com/inkhouse/collate/identity"
	"github.com/inkhouse/collate/ingestor"
	"github.com/inkhouse/collate/logging"
	"github.com/inkhouse/collate/store"
)

// Ingester is the pipeline contract the listener drives.
type Ingester interface {
	Ingest(ctx context.Context, payload []byte) (*ingestor.Result, error)
}

// IngesterFunc adapts a plain function to the Ingester interface.
type IngesterFunc func(ctx context.Context, payload []byte) (*ingestor.Result, error)

// Ingest calls f.
func (f IngesterFunc) Ingest(ctx context.Context, payload []byte) (*ingestor.Result, error) {
	return f(ctx, payload)
}

// Config holds the bus wiring for one listener.
type Config struct {
	// URL is the bus connection string.
	URL string

	// Queue is the input queue name.
	Queue string
	// Exchange and ExchangeType describe the input exchange the queue is
	// bound to.
	Exchange     string
	ExchangeType string
	// BindingArguments holds one header-match table per binding. For a
	// headers exchange each entry is a content-type filter; x-match
	// defaults to "all".
	BindingArguments []map[string]any
	// Prefetch bounds unacknowledged deliveries per consumer.
	Prefetch int

	// ErrorExchange receives permanently failed messages.
	ErrorExchange string
	// MessageTimeout is the per-message TTL on dead-lettered messages.
	MessageTimeout time.Duration

	// OutputExchange receives merged documents after ingest. Empty disables
	// the distributor.
	OutputExchange string

	// Workers is the size of the processing pool.
	Workers int
	// ActorTimeout bounds the processing of one message, retries included.
	ActorTimeout time.Duration
	// RetryInterval is the pause between reconnection attempts.
	RetryInterval time.Duration
	// InitialRetryInterval and MaxRetryInterval bound the in-process backoff
	// for temporary failures.
	InitialRetryInterval time.Duration
	MaxRetryInterval     time.Duration
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the listener logger.
func WithLogger(l logging.Logger) Option {
	return func(lis *Listener) {
		if l != nil {
			lis.logger = l
		}
	}
}

// WithDialer replaces the bus dialer.
func WithDialer(d Dialer) Option {
	return func(lis *Listener) {
		if d != nil {
			lis.dial = d
		}
	}
}

// Listener owns the bus consumer side of the service.
type Listener struct {
	cfg       Config
	ingest    Ingester
	extractor *identity.Extractor
	dial      Dialer
	logger    logging.Logger

	mu  sync.Mutex
	pub Channel
}

// New builds a Listener. A nil extractor uses the default volatile field
// set; it must match the pipeline's so sharding follows the same keys.
func New(cfg Config, ingest Ingester, extractor *identity.Extractor, opts ...Option) *Listener {
	if extractor == nil {
		extractor = identity.NewExtractor(nil)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	l := &Listener{
		cfg:       cfg,
		ingest:    ingest,
		extractor: extractor,
		dial:      DefaultDialer,
		logger:    logging.NopLogger{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run consumes until ctx is done, redialing whenever the session drops.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("bus session ended, reconnecting",
			"error", err,
			"retryInterval", l.cfg.RetryInterval.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.RetryInterval):
		}
	}
}

// session runs one connection lifetime: dial, declare, consume, dispatch.
func (l *Listener) session(ctx context.Context) error {
	conn, err := l.dial(l.cfg.URL)
	if err != nil {
		return fmt.Errorf("dialing bus: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	if err := l.declareTopology(ch); err != nil {
		return err
	}
	if err := ch.Qos(l.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}

	deliveries, err := ch.Consume(l.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}

	l.setPublisher(ch)
	defer l.clearPublisher()

	l.logger.Info("consuming",
		"queue", l.cfg.Queue,
		"exchange", l.cfg.Exchange,
		"prefetch", l.cfg.Prefetch,
		"workers", l.cfg.Workers)
	return l.dispatch(ctx, conn, deliveries)
}

func (l *Listener) declareTopology(ch Channel) error {
	if err := ch.ExchangeDeclare(l.cfg.Exchange, l.cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring input exchange %s: %w", l.cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(l.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", l.cfg.Queue, err)
	}

	bindings := l.cfg.BindingArguments
	if len(bindings) == 0 {
		bindings = []map[string]any{nil}
	}
	for _, binding := range bindings {
		var args amqp.Table
		if binding != nil {
			args = amqp.Table{}
			for k, v := range binding {
				args[k] = v
			}
			if _, ok := args["x-match"]; !ok {
				args["x-match"] = "all"
			}
		}
		if err := ch.QueueBind(l.cfg.Queue, "", l.cfg.Exchange, false, args); err != nil {
			return fmt.Errorf("binding queue %s: %w", l.cfg.Queue, err)
		}
	}

	if l.cfg.ErrorExchange != "" {
		if err := ch.ExchangeDeclare(l.cfg.ErrorExchange, "fanout", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declaring error exchange %s: %w", l.cfg.ErrorExchange, err)
		}
	}
	if l.cfg.OutputExchange != "" {
		if err := ch.ExchangeDeclare(l.cfg.OutputExchange, "fanout", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declaring output exchange %s: %w", l.cfg.OutputExchange, err)
		}
	}
	return nil
}

// dispatch fans deliveries out to the worker pool, sharded by history key.
func (l *Listener) dispatch(ctx context.Context, conn Connection, deliveries <-chan amqp.Delivery) error {
	queues := make([]chan amqp.Delivery, l.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range queues {
		queues[i] = make(chan amqp.Delivery)
		q := queues[i]
		g.Go(func() error {
			for d := range q {
				l.handle(gctx, d)
			}
			return nil
		})
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	var sessionErr error
loop:
	for {
		select {
		case <-gctx.Done():
			sessionErr = gctx.Err()
			break loop
		case amqpErr := <-closed:
			if amqpErr != nil {
				sessionErr = amqpErr
			}
			break loop
		case d, ok := <-deliveries:
			if !ok {
				break loop
			}
			shard := shardIndex(l.shardKey(d.Body), len(queues))
			select {
			case queues[shard] <- d:
			case <-gctx.Done():
				sessionErr = gctx.Err()
				break loop
			}
		}
	}

	for _, q := range queues {
		close(q)
	}
	if err := g.Wait(); err != nil && sessionErr == nil {
		sessionErr = err
	}
	return sessionErr
}

// shardKey derives the history key of a raw payload. Payloads that cannot
// be keyed all land on shard zero, where handling dead-letters them.
func (l *Listener) shardKey(body []byte) string {
	doc, err := document.Parse(body)
	if err != nil {
		return ""
	}
	keys, err := l.extractor.Keys(doc)
	if err != nil {
		return ""
	}
	return keys.HistoryKey
}

func shardIndex(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// handle processes one delivery and settles it with the broker.
func (l *Listener) handle(ctx context.Context, d amqp.Delivery) {
	err := l.process(ctx, d)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			l.logger.Error("ack failed", "error", ackErr)
		}
	case colerrors.IsPermanent(err):
		l.deadLetter(d, err)
	default:
		l.logger.Warn("temporary failure, returning message to bus", "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			l.logger.Error("nack failed", "error", nackErr)
		}
	}
}

// process runs the pipeline for one delivery, retrying temporary failures
// until the message deadline runs out.
func (l *Listener) process(ctx context.Context, d amqp.Delivery) error {
	if l.cfg.ActorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ActorTimeout)
		defer cancel()
	}

	policy := backoff.NewExponentialBackOff()
	if l.cfg.InitialRetryInterval > 0 {
		policy.InitialInterval = l.cfg.InitialRetryInterval
	}
	if l.cfg.MaxRetryInterval > 0 {
		policy.MaxInterval = l.cfg.MaxRetryInterval
	}
	policy.MaxElapsedTime = l.cfg.ActorTimeout

	op := func() error {
		_, err := l.ingest.Ingest(ctx, d.Body)
		if err != nil && colerrors.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

// deadLetter parks a permanently failed message on the error exchange and
// acknowledges the original.
func (l *Listener) deadLetter(d amqp.Delivery, cause error) {
	msg := amqp.Publishing{
		ContentType: d.ContentType,
		Body:        d.Body,
		Timestamp:   time.Now().UTC(),
		Headers: amqp.Table{
			"x-error":                cause.Error(),
			"x-original-exchange":    d.Exchange,
			"x-original-routing-key": d.RoutingKey,
		},
	}
	if l.cfg.MessageTimeout > 0 {
		msg.Expiration = strconv.FormatInt(l.cfg.MessageTimeout.Milliseconds(), 10)
	}

	if err := l.publish(l.cfg.ErrorExchange, d.RoutingKey, msg); err != nil {
		l.logger.Error("dead-letter publish failed, requeueing", "error", err, "cause", cause.Error())
		if nackErr := d.Nack(false, true); nackErr != nil {
			l.logger.Error("nack failed", "error", nackErr)
		}
		return
	}
	l.logger.Warn("message dead-lettered", "error", cause.Error())
	if ackErr := d.Ack(false); ackErr != nil {
		l.logger.Error("ack failed", "error", ackErr)
	}
}

// CurrentReplaced publishes the merged document's display form to the
// distributor exchange. It implements the ingest pipeline's notifier
// contract; with no output exchange configured it is a no-op.
func (l *Listener) CurrentReplaced(_ context.Context, rec store.Record) error {
	if l.cfg.OutputExchange == "" {
		return nil
	}
	body, err := document.Canonical(document.Display(rec.Doc))
	if err != nil {
		return err
	}
	return l.publish(l.cfg.OutputExchange, "", amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
}

func (l *Listener) publish(exchange, key string, msg amqp.Publishing) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pub == nil {
		return fmt.Errorf("publish to %s: no bus session", exchange)
	}
	return l.pub.Publish(exchange, key, false, false, msg)
}

func (l *Listener) setPublisher(ch Channel) {
	l.mu.Lock()
	l.pub = ch
	l.mu.Unlock()
}

func (l *Listener) clearPublisher() {
	l.mu.Lock()
	l.pub = nil
	l.mu.Unlock()
}
