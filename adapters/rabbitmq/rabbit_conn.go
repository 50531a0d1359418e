package rabbitmq

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Concrete AMQP connection with auto-reconnect, serving both publishing and consuming.

type Config struct {
	URL         string
	ConnTimeout time.Duration
	// Prefetch bounds unacknowledged deliveries per consumer channel. Defaults to 1,
	// which keeps handling strictly serial per queue.
	Prefetch int
}

type connection struct {
	cfg    Config
	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel // publish channel, in confirm mode
	pubMu  sync.Mutex
	closed chan struct{}
	ready  chan struct{} // closed while a connection is usable
}

func newConnection(cfg Config) (*connection, func()) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 30 * time.Second
	}

	c := &connection{
		cfg:    cfg,
		closed: make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go c.run()
	cleanup := func() { c.close() }

	return c, cleanup
}

// current returns the live connection and publish channel. It waits for a
// reconnect at most cfg.ConnTimeout and then fails with ErrTransport.
func (c *connection) current(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	var deadline <-chan time.Time

	for {
		c.mu.RLock()
		conn, ch, ready := c.conn, c.ch, c.ready
		c.mu.RUnlock()

		if conn != nil && ch != nil && !conn.IsClosed() {
			return conn, ch, nil
		}

		if deadline == nil {
			t := time.NewTimer(c.cfg.ConnTimeout)
			defer t.Stop()
			deadline = t.C
		}

		select {
		case <-ready:
		case <-c.closed:
			return nil, nil, fmt.Errorf("%w: rabbitmq connection closed", berr.ErrTransport)
		case <-deadline:
			return nil, nil, fmt.Errorf("%w: no rabbitmq connection within %s", berr.ErrTransport, c.cfg.ConnTimeout)
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (c *connection) Publish(ctx context.Context, m PubMsg) error {
	_, ch, err := c.current(ctx)
	if err != nil {
		return err
	}

	// One publish in flight per channel keeps confirmation ordering trivial.
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, m.Exchange, m.RoutingKey, false, false, publishing(m))
	if err != nil {
		return fmt.Errorf("%w: %w", berr.ErrTransport, err)
	}

	if dc == nil {
		return nil
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}

	if !acked {
		return fmt.Errorf("%w: broker nacked publish to %q", berr.ErrPublishFailed, m.RoutingKey)
	}

	return nil
}

func (c *connection) Consume(ctx context.Context, b cbus.Binding) (<-chan amqp.Delivery, func() error, error) {
	conn, _, err := c.current(ctx)
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open consumer channel: %w", berr.ErrTransport, err)
	}

	deliveries, cancel, err := consumeOn(ch, b, c.cfg.Prefetch, ch.Close)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}

	return deliveries, cancel, nil
}

func (c *connection) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "scg-parking-bus"},
		Dial:       amqp.DefaultDial(c.cfg.ConnTimeout),
	})
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, nil, err
	}

	return conn, ch, nil
}

func (c *connection) run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		conn, ch, err := c.dial()
		if err != nil {
			// exponential backoff with jitter
			jitter := time.Duration(rng.Int63n(int64(backoff / 2)))
			sleep := backoff + jitter/2
			if sleep > maxBackoff {
				sleep = maxBackoff
			}
			t := time.NewTimer(sleep)
			select {
			case <-c.closed:
				t.Stop()
				return
			case <-t.C:
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}

		// success
		backoff = time.Second

		c.mu.Lock()
		c.conn = conn
		c.ch = ch
		close(c.ready)
		c.mu.Unlock()

		// Block on connection close notifications to trigger reconnect
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closed:
			return
		case <-notify:
			c.mu.Lock()
			c.conn = nil
			c.ch = nil
			c.ready = make(chan struct{})
			c.mu.Unlock()

			_ = ch.Close()
			_ = conn.Close()
			// loop to reconnect
		}
	}
}

func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		// already closed
		return
	default:
		close(c.closed)
	}
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// NewWithAMQPConn dials RabbitMQ with auto-reconnect and returns a Transport and cleanup.
// Publishes and subscribes wait up to cfg.ConnTimeout for a live connection.
func NewWithAMQPConn(cfg Config) (*Transport, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrTransport)
	}
	conn, cleanup := newConnection(cfg)
	t := New(conn, conn)
	t.cleanup = cleanup
	return t, cleanup, nil
}
