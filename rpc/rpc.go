// Package rpc implements request/reply over the bus: every call carries a fresh
// correlation id and this client's private reply address, and waits for the one
// reply that echoes the id.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	"github.com/next-trace/scg-parking-bus/contract/parking"
)

// DefaultTimeout applies when Call is given a non-positive timeout.
const DefaultTimeout = 10 * time.Second

// Transport is the part of cbus.Transport the client needs.
type Transport interface {
	cbus.Publisher
	cbus.Subscriber
}

type Option func(*Client)

// WithTimeout sets the timeout used when Call receives none.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithReplyExchange makes repliers publish to the topic exchange instead of the
// default exchange. The reply queue is bound with the translated key.
func WithReplyExchange(exchange string) Option { return func(c *Client) { c.replyExchange = exchange } }

// WithBreaker guards publishes with a circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker) Option { return func(c *Client) { c.breaker = cb } }

// NewBreaker returns a breaker that opens after five consecutive publish failures.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// Client is safe for concurrent use.
type Client struct {
	transport     Transport
	replyTo       string
	replyExchange string
	timeout       time.Duration
	log           *slog.Logger
	breaker       *gobreaker.CircuitBreaker

	mu      sync.Mutex
	pending map[string]chan cbus.Envelope
	sub     cbus.Subscription
	closed  bool
}

// New sets up the client's exclusive reply queue and starts listening on it.
// It returns once the queue exists, so replies to the first call cannot be lost.
func New(ctx context.Context, t Transport, opts ...Option) (*Client, error) {
	if t == nil {
		return nil, fmt.Errorf("rpc client: %w", berr.ErrTransport)
	}

	c := &Client{
		transport: t,
		replyTo:   parking.ReplyQueuePrefix + uuid.NewString(),
		timeout:   DefaultTimeout,
		log:       slog.Default(),
		pending:   map[string]chan cbus.Envelope{},
	}
	for _, o := range opts {
		o(c)
	}

	b := cbus.Binding{Queue: c.replyTo, Exclusive: true}
	if c.replyExchange != "" {
		b.Exchange = c.replyExchange
		b.Pattern = cbus.ReplyAddress(c.replyTo, c.replyExchange).Key
	}

	// The listener outlives ctx; Close stops it.
	sub, err := t.Subscribe(context.WithoutCancel(ctx), b, c.onReply)
	if err != nil {
		return nil, fmt.Errorf("rpc reply queue %s: %w", c.replyTo, err)
	}

	c.sub = sub

	return c, nil
}

// ReplyTo is the address stamped on every request.
func (c *Client) ReplyTo() string { return c.replyTo }

// Pending reports how many calls are waiting for a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Call publishes payload to target and waits for the matching reply.
// payload may be a cbus.Envelope, a struct with json tags, or a map.
// It returns ErrTimeout when no reply arrives in time; the request itself is not
// withdrawn and a late reply is discarded.
func (c *Client) Call(ctx context.Context, target cbus.Address, payload any, timeout time.Duration) (cbus.Envelope, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	env, err := toEnvelope(payload)
	if err != nil {
		return cbus.Envelope{}, err
	}

	env.CorrelationID = uuid.NewString()
	env.ReplyTo = c.replyTo

	ch, err := c.register(env.CorrelationID)
	if err != nil {
		return cbus.Envelope{}, err
	}
	defer c.deregister(env.CorrelationID)

	// The timeout covers the publish as well as the wait for the reply.
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timedOut := func() error {
		return fmt.Errorf("rpc call %s (correlation_id=%s) after %s: %w", target, env.CorrelationID, timeout, berr.ErrTimeout)
	}

	pubCtx := cbus.WithCorrelationID(callCtx, env.CorrelationID)
	if err := c.publish(pubCtx, cbus.Message{Address: target, Envelope: env}); err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return cbus.Envelope{}, errors.Join(timedOut(), err)
		}

		return cbus.Envelope{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return cbus.Envelope{}, err
		}

		return cbus.Envelope{}, timedOut()
	case <-c.sub.Done():
		return cbus.Envelope{}, fmt.Errorf("rpc call %s: reply listener stopped: %w", target, errors.Join(berr.ErrTransport, c.sub.Err()))
	}
}

// CallAs is Call followed by decoding the reply into T.
func CallAs[T any](ctx context.Context, c *Client, target cbus.Address, payload any, timeout time.Duration) (T, error) {
	var out T

	reply, err := c.Call(ctx, target, payload, timeout)
	if err != nil {
		return out, err
	}

	if err := reply.Decode(&out); err != nil {
		return out, err
	}

	return out, nil
}

// Send publishes payload to target with a fresh correlation id and no reply address.
// It returns the correlation id.
func (c *Client) Send(ctx context.Context, target cbus.Address, payload any) (string, error) {
	env, err := toEnvelope(payload)
	if err != nil {
		return "", err
	}

	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	env.ReplyTo = ""

	pubCtx := cbus.WithCorrelationID(ctx, env.CorrelationID)
	if err := c.publish(pubCtx, cbus.Message{Address: target, Envelope: env}); err != nil {
		return "", err
	}

	return env.CorrelationID, nil
}

// Close stops the reply listener. Calls still waiting fail with ErrTransport.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.sub.Close()
}

func (c *Client) register(id string) (chan cbus.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("rpc client closed: %w", berr.ErrTransport)
	}

	ch := make(chan cbus.Envelope, 1)
	c.pending[id] = ch

	return ch, nil
}

func (c *Client) deregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, id)
}

func (c *Client) publish(ctx context.Context, m cbus.Message) error {
	if c.breaker == nil {
		return c.transport.Publish(ctx, m)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.transport.Publish(ctx, m)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("rpc publish %s: %w", m.Address, errors.Join(berr.ErrTransport, err))
	}

	return err
}

// onReply runs on the listener loop. Each reply resolves at most one pending call;
// the entry is removed on delivery so duplicates find nothing.
func (c *Client) onReply(ctx context.Context, d *cbus.Delivery) {
	defer func() { _ = d.Ack() }()

	env, err := d.Envelope()
	if err != nil {
		c.log.WarnContext(ctx, "rpc: dropping malformed reply", "queue", d.Queue, "error", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[env.CorrelationID]
	if ok {
		delete(c.pending, env.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.DebugContext(ctx, "rpc: dropping unmatched reply", "correlation_id", env.CorrelationID)
		return
	}

	ch <- env
}

func toEnvelope(payload any) (cbus.Envelope, error) {
	if p, ok := payload.(cbus.Envelope); ok {
		p.Payload = maps.Clone(p.Payload)
		if p.Payload == nil {
			p.Payload = map[string]any{}
		}

		return p, nil
	}

	return cbus.NewEnvelope(payload)
}
