package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// PubMsg is the AMQP-level view of one publish.
type PubMsg struct {
	Exchange      string
	RoutingKey    string
	Body          []byte
	Headers       map[string]string
	CorrelationID string
	ReplyTo       string
}

// Publisher sends one message and returns once the broker confirmed it.
type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Consumer opens a delivery stream for a binding. The returned cancel closes the
// stream; unacknowledged deliveries go back to the queue.
type Consumer interface {
	Consume(ctx context.Context, b cbus.Binding) (<-chan amqp.Delivery, func() error, error)
}

// Transport implements cbus.Transport on top of a Publisher and a Consumer.
type Transport struct {
	Publisher  Publisher
	Consumer   Consumer
	Propagator cbus.HeaderPropagator // optional, for context propagation into headers

	closeOnce sync.Once
	cleanup   func()
}

var _ cbus.Transport = (*Transport)(nil)

func New(p Publisher, c Consumer) *Transport { return &Transport{Publisher: p, Consumer: c} }

// NewWithPropagator allows configuring a HeaderPropagator for context propagation.
func NewWithPropagator(p Publisher, c Consumer, hp cbus.HeaderPropagator) *Transport {
	return &Transport{Publisher: p, Consumer: c, Propagator: hp}
}

func (t *Transport) Publish(ctx context.Context, m cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.Publisher == nil {
		return fmt.Errorf("rabbitmq publish: %w", berr.ErrTransport)
	}

	body, err := json.Marshal(m.Envelope)
	if err != nil {
		return fmt.Errorf("rabbitmq publish serialize: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	// copy headers to avoid mutating caller-provided map
	hdrs := make(map[string]string, len(m.Headers)+2)
	for k, v := range m.Headers {
		hdrs[k] = v
	}

	if t.Propagator != nil {
		t.Propagator.Inject(ctx, hdrs)
	}

	msg := PubMsg{
		Exchange:      m.Address.Exchange,
		RoutingKey:    m.Address.Key,
		Body:          body,
		Headers:       hdrs,
		CorrelationID: m.Envelope.CorrelationID,
		ReplyTo:       m.Envelope.ReplyTo,
	}

	if err := t.Publisher.Publish(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq publish %s: %w", m.Address, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func (t *Transport) Subscribe(ctx context.Context, b cbus.Binding, h cbus.DeliveryHandler) (cbus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if t.Consumer == nil {
		return nil, fmt.Errorf("rabbitmq subscribe %s: %w", b, berr.ErrTransport)
	}

	deliveries, cancelConsume, err := t.Consumer.Consume(ctx, b)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		return nil, fmt.Errorf("rabbitmq subscribe %s: %w", b, errors.Join(berr.ErrTransport, err))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s := &subscription{cancel: cancel, cancelConsume: cancelConsume, done: make(chan struct{})}

	go s.loop(loopCtx, b, deliveries, h)

	return s, nil
}

// Close releases the owned connection, if the transport was built with NewWithAMQPConn.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.cleanup != nil {
			t.cleanup()
		}
	})

	return nil
}

type subscription struct {
	cancel        context.CancelFunc
	cancelConsume func() error
	done          chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *subscription) Close() error {
	s.cancel()
	<-s.done

	return nil
}

func (s *subscription) loop(ctx context.Context, b cbus.Binding, deliveries <-chan amqp.Delivery, h cbus.DeliveryHandler) {
	defer close(s.done)
	defer func() {
		if s.cancelConsume != nil {
			_ = s.cancelConsume()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				s.mu.Lock()
				s.err = fmt.Errorf("rabbitmq consume %s: %w: delivery channel closed", b, berr.ErrTransport)
				s.mu.Unlock()

				return
			}

			h(ctx, toDelivery(b, d))
		}
	}
}

func toDelivery(b cbus.Binding, d amqp.Delivery) *cbus.Delivery {
	var hdrs map[string]string
	if len(d.Headers) > 0 {
		hdrs = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			hdrs[k] = fmt.Sprint(v)
		}
	}

	return cbus.NewDelivery(cbus.Delivery{
		Queue:         b.Queue,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		Body:          d.Body,
		Headers:       hdrs,
		Redelivered:   d.Redelivered,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
	}, deliveryAck{d: d})
}

type deliveryAck struct{ d amqp.Delivery }

func (a deliveryAck) Ack() error { return a.d.Ack(false) }

func (a deliveryAck) Nack(requeue bool) error { return a.d.Nack(false, requeue) }

func toTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}

	h := amqp.Table{}
	for k, v := range headers {
		h[k] = v
	}

	return h
}

func publishing(m PubMsg) amqp.Publishing {
	return amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		Headers:       toTable(m.Headers),
		ContentType:   "application/json",
		CorrelationId: m.CorrelationID,
		ReplyTo:       m.ReplyTo,
		Body:          m.Body,
	}
}

// channelClient publishes and consumes on one caller-owned channel, without reconnects.
type channelClient struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	prefetch int
}

func (c *channelClient) Publish(ctx context.Context, m PubMsg) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, false, false, publishing(m))
}

func (c *channelClient) Consume(_ context.Context, b cbus.Binding) (<-chan amqp.Delivery, func() error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return consumeOn(c.ch, b, c.prefetch, nil)
}

// NewWithAMQPChannel builds a transport over an existing channel. The caller keeps
// ownership of the channel and its connection.
func NewWithAMQPChannel(ch *amqp.Channel) *Transport {
	cc := &channelClient{ch: ch, prefetch: 1}
	return New(cc, cc)
}

// consumeOn declares exclusive reply queues when needed and starts a manual-ack consumer.
// closeFn, when non-nil, is what cancelling the consumer runs; otherwise the consumer tag is cancelled.
func consumeOn(ch *amqp.Channel, b cbus.Binding, prefetch int, closeFn func() error) (<-chan amqp.Delivery, func() error, error) {
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return nil, nil, fmt.Errorf("qos: %w", err)
		}
	}

	name := b.Queue
	if b.Exclusive {
		q, err := ch.QueueDeclare(b.Queue, false, true, true, false, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("declare reply queue %s: %w", b.Queue, err)
		}

		name = q.Name

		if b.Exchange != "" {
			if err := ch.QueueBind(name, b.Pattern, b.Exchange, false, nil); err != nil {
				return nil, nil, fmt.Errorf("bind reply queue %s: %w", name, err)
			}
		}
	}

	tag := "scg-parking-bus." + name

	deliveries, err := ch.Consume(name, tag, false, b.Exclusive, false, false, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("consume %s: %w", name, err)
	}

	if closeFn == nil {
		closeFn = func() error { return ch.Cancel(tag, false) }
	}

	return deliveries, closeFn, nil
}
