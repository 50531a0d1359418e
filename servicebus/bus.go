package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	"github.com/next-trace/scg-parking-bus/contract/parking"
)

// Request is one decoded delivery as seen by a handler.
type Request struct {
	cbus.Envelope

	Queue       string
	RoutingKey  string
	Redelivered bool
	Headers     map[string]string
}

// Outbound is a message forwarded to the next step. It always carries the
// request's correlation id; KeepReplyTo also hands over the caller's reply address
// so a later step can answer the original caller.
type Outbound struct {
	To          cbus.Address
	Payload     any
	KeepReplyTo bool
}

// Result is what a handler wants published. A nil Reply publishes no reply.
type Result struct {
	Reply  any
	Events []Outbound
}

// Reply is shorthand for a Result that only answers the caller.
func Reply(v any) Result { return Result{Reply: v} }

// HandlerFunc processes one request.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

// Middleware wraps handler execution. Middlewares are executed in registration order.
type Middleware func(next HandlerFunc) HandlerFunc

// Option configures a Worker.
type Option func(*Worker)

// WithMiddleware registers global middleware.
func WithMiddleware(mw ...Middleware) Option {
	return func(w *Worker) { w.mw = append(w.mw, mw...) }
}

// WithReplyExchange publishes replies on a topic exchange; see cbus.ReplyAddress.
func WithReplyExchange(exchange string) Option {
	return func(w *Worker) { w.replyExchange = exchange }
}

// WithRetryDelay sets the pause before requeueing after a store or transport failure.
func WithRetryDelay(d time.Duration) Option { return func(w *Worker) { w.retryDelay = d } }

// WithResubscribeBackoff bounds the delay between resubscription attempts.
func WithResubscribeBackoff(initial, maxDelay time.Duration) Option {
	return func(w *Worker) { w.backoffMin, w.backoffMax = initial, maxDelay }
}

// Stats are cumulative delivery counters.
type Stats struct {
	Received     uint64 `json:"received"`
	Acked        uint64 `json:"acked"`
	Requeued     uint64 `json:"requeued"`
	DeadLettered uint64 `json:"dead_lettered"`
	Published    uint64 `json:"published"`
}

type counters struct {
	received, acked, requeued, dead, published atomic.Uint64
}

type entry struct {
	binding cbus.Binding
	handler HandlerFunc
}

// Worker is concurrency-safe and contains no global state. Deliveries are handled
// one at a time per process, whatever the number of bindings.
type Worker struct {
	name      string
	transport cbus.Transport
	logger    *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry
	order   []string
	mw      []Middleware

	// serial makes handling strictly sequential across all receive loops.
	serial sync.Mutex

	replyExchange string
	retryDelay    time.Duration
	backoffMin    time.Duration
	backoffMax    time.Duration

	stats     counters
	ready     chan struct{}
	readyOnce sync.Once
}

// New constructs a worker publishing and subscribing through t.
func New(name string, t cbus.Transport, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		name:       name,
		transport:  t,
		logger:     logger.With("worker", name),
		entries:    make(map[string]entry),
		retryDelay: time.Second,
		backoffMin: time.Second,
		backoffMax: 30 * time.Second,
		ready:      make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	return w
}

// Name returns the worker's name.
func (w *Worker) Name() string { return w.name }

// Use appends middleware after construction.
func (w *Worker) Use(mw ...Middleware) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.mw = append(w.mw, mw...)
}

// Bind registers a handler for a queue. Duplicate bindings are rejected.
func (w *Worker) Bind(b cbus.Binding, h HandlerFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if b.Queue == "" {
		return fmt.Errorf("bind: %w: queue name required", berr.ErrValidation)
	}

	if _, exists := w.entries[b.Queue]; exists {
		return fmt.Errorf("bind %s: %w", b.Queue, berr.ErrHandlerExists)
	}

	w.entries[b.Queue] = entry{binding: b, handler: h}
	w.order = append(w.order, b.Queue)

	return nil
}

// Handle registers a handler whose payload is decoded into T first.
// A payload that does not fit T is a validation error.
func Handle[T any](w *Worker, b cbus.Binding, h func(ctx context.Context, req Request, in T) (Result, error)) error {
	return w.Bind(b, func(ctx context.Context, req Request) (Result, error) {
		var in T
		if err := req.Decode(&in); err != nil {
			return Result{}, err
		}

		return h(ctx, req, in)
	})
}

// Bindings returns the bound queues in registration order.
func (w *Worker) Bindings() []cbus.Binding {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]cbus.Binding, 0, len(w.order))
	for _, q := range w.order {
		out = append(out, w.entries[q].binding)
	}

	return out
}

// Stats returns a snapshot of the delivery counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Received:     w.stats.received.Load(),
		Acked:        w.stats.acked.Load(),
		Requeued:     w.stats.requeued.Load(),
		DeadLettered: w.stats.dead.Load(),
		Published:    w.stats.published.Load(),
	}
}

// Ready is closed once every binding has been subscribed.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Run subscribes every binding and blocks until ctx is done. A subscription that
// dies with a transport error is re-established with exponential backoff.
func (w *Worker) Run(ctx context.Context) error {
	bindings := w.Bindings()
	if len(bindings) == 0 {
		return fmt.Errorf("worker %s: %w: no bindings", w.name, berr.ErrHandlerNotFound)
	}

	var up atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range bindings {
		g.Go(func() error {
			return w.consume(gctx, b, func() {
				if int(up.Add(1)) == len(bindings) {
					w.readyOnce.Do(func() { close(w.ready) })
				}
			})
		})
	}

	return g.Wait()
}

func (w *Worker) consume(ctx context.Context, b cbus.Binding, subscribed func()) error {
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // backoff jitter
	backoff := w.backoffMin
	first := true

	for {
		sub, err := w.transport.Subscribe(ctx, b, w.Deliver)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if !errors.Is(err, berr.ErrTransport) {
				return fmt.Errorf("worker %s: %w", w.name, err)
			}

			w.logger.WarnContext(ctx, "subscribe failed, retrying", "queue", b.Queue, "backoff", backoff, "error", err)
		} else {
			if first {
				first = false
				subscribed()
			}

			backoff = w.backoffMin

			select {
			case <-ctx.Done():
				_ = sub.Close()
				return nil
			case <-sub.Done():
			}

			if sub.Err() == nil {
				return nil
			}

			w.logger.WarnContext(ctx, "subscription lost, resubscribing", "queue", b.Queue, "error", sub.Err())
		}

		if !sleep(ctx, backoff+jitter(rng, backoff)) {
			return nil
		}

		backoff = min(backoff*2, w.backoffMax)
	}
}

func jitter(rng *rand.Rand, d time.Duration) time.Duration {
	if d <= 1 {
		return 0
	}

	return time.Duration(rng.Int63n(int64(d / 2)))
}

// sleep pauses for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Deliver processes one delivery and settles it. It is the cbus.DeliveryHandler
// Run subscribes with, exported for transports driven by hand.
func (w *Worker) Deliver(ctx context.Context, d *cbus.Delivery) {
	w.serial.Lock()
	defer w.serial.Unlock()

	w.stats.received.Add(1)

	env, decodeErr := d.Envelope()
	if decodeErr != nil {
		env = cbus.Envelope{CorrelationID: d.CorrelationID, ReplyTo: d.ReplyTo}
	}

	req := Request{
		Envelope:    env,
		Queue:       d.Queue,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Headers:     d.Headers,
	}
	log := w.logger.With("queue", d.Queue, "routing_key", d.RoutingKey, "correlation_id", env.CorrelationID)
	ctx = cbus.WithCorrelationID(ctx, env.CorrelationID)

	if decodeErr != nil {
		w.settleFailure(ctx, log, d, req, decodeErr)
		return
	}

	h, ok := w.handler(d.Queue)
	if !ok {
		log.ErrorContext(ctx, "no handler bound", "error", berr.ErrHandlerNotFound)
		w.nack(ctx, log, d, false)

		return
	}

	res, err := h(ctx, req)
	if err != nil {
		w.settleFailure(ctx, log, d, req, err)
		return
	}

	if err := w.emit(ctx, req, res); err != nil {
		// Whatever was already published may be published again on redelivery.
		log.WarnContext(ctx, "publish failed, requeueing", "error", err)
		w.nack(ctx, log, d, true)

		return
	}

	if err := d.Ack(); err != nil {
		log.WarnContext(ctx, "ack failed", "error", err)
		return
	}

	w.stats.acked.Add(1)
}

// handler returns the chained handler for a queue.
func (w *Worker) handler(queue string) (HandlerFunc, bool) {
	w.mu.RLock()
	e, ok := w.entries[queue]
	chain := append([]Middleware(nil), w.mw...)
	w.mu.RUnlock()

	if !ok {
		return nil, false
	}

	// Build chain so the first registered middleware runs first
	final := e.handler
	for i := len(chain) - 1; i >= 0; i-- {
		final = chain[i](final)
	}

	return final, true
}

// settleFailure applies the ack policy to a failed request.
func (w *Worker) settleFailure(ctx context.Context, log *slog.Logger, d *cbus.Delivery, req Request, err error) {
	switch {
	case errors.Is(err, berr.ErrValidation):
		log.WarnContext(ctx, "rejecting invalid message", "error", err)

		if req.ReplyTo != "" {
			fail := parking.FailureReply{Success: false, Error: err.Error()}
			if perr := w.publish(ctx, w.replyAddress(req.ReplyTo), fail, req.CorrelationID, ""); perr != nil {
				log.WarnContext(ctx, "failure reply not sent, requeueing", "error", perr)
				w.nack(ctx, log, d, true)

				return
			}
		}

		w.nack(ctx, log, d, false)
	case errors.Is(err, berr.ErrDataStore), errors.Is(err, berr.ErrTransport):
		log.WarnContext(ctx, "transient failure, requeueing", "retry_in", w.retryDelay, "error", err)
		sleep(ctx, w.retryDelay)
		w.nack(ctx, log, d, true)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		w.nack(ctx, log, d, true)
	case req.Redelivered:
		log.ErrorContext(ctx, "failed again after redelivery, dead-lettering", "error", err)
		w.nack(ctx, log, d, false)
	default:
		log.WarnContext(ctx, "handler failed, requeueing once", "error", err)
		w.nack(ctx, log, d, true)
	}
}

func (w *Worker) nack(ctx context.Context, log *slog.Logger, d *cbus.Delivery, requeue bool) {
	if err := d.Nack(requeue); err != nil {
		log.WarnContext(ctx, "nack failed", "requeue", requeue, "error", err)
		return
	}

	if requeue {
		w.stats.requeued.Add(1)
	} else {
		w.stats.dead.Add(1)
	}
}

// emit publishes the reply first, then every forwarded event, stopping at the first failure.
func (w *Worker) emit(ctx context.Context, req Request, res Result) error {
	if res.Reply != nil {
		if req.ReplyTo == "" {
			w.logger.DebugContext(ctx, "no reply_to, reply dropped", "queue", req.Queue, "correlation_id", req.CorrelationID)
		} else if err := w.publish(ctx, w.replyAddress(req.ReplyTo), res.Reply, req.CorrelationID, ""); err != nil {
			return err
		}
	}

	for _, ev := range res.Events {
		replyTo := ""
		if ev.KeepReplyTo {
			replyTo = req.ReplyTo
		}

		if err := w.publish(ctx, ev.To, ev.Payload, req.CorrelationID, replyTo); err != nil {
			return err
		}
	}

	return nil
}

func (w *Worker) replyAddress(replyTo string) cbus.Address {
	return cbus.ReplyAddress(replyTo, w.replyExchange)
}

func (w *Worker) publish(ctx context.Context, to cbus.Address, payload any, correlationID, replyTo string) error {
	env, err := envelopeOf(payload)
	if err != nil {
		return err
	}

	env.CorrelationID = correlationID
	env.ReplyTo = replyTo

	if err := w.transport.Publish(ctx, cbus.Message{Address: to, Envelope: env}); err != nil {
		return fmt.Errorf("publish %s: %w", to, err)
	}

	w.stats.published.Add(1)

	return nil
}

func envelopeOf(payload any) (cbus.Envelope, error) {
	if env, ok := payload.(cbus.Envelope); ok {
		env.Payload = maps.Clone(env.Payload)
		return env, nil
	}

	return cbus.NewEnvelope(payload)
}
