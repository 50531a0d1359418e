package bus

import (
	"context"
	"fmt"

	berr "github.com/next-trace/scg-parking-bus/contract/errors"
)

// Message is one outbound publish.
type Message struct {
	Address  Address
	Envelope Envelope
	Headers  map[string]string
}

// Binding names the queue a consumer reads from. When Exchange is set the queue is
// bound to it with Pattern. Exclusive bindings describe a private, auto-deleted queue
// owned by one connection (RPC reply channels); transports declare those themselves.
// Durable queues and their bindings are provisioned outside this module.
type Binding struct {
	Queue     string
	Exchange  string
	Pattern   string
	Exclusive bool
}

func (b Binding) String() string {
	if b.Exchange == "" {
		return b.Queue
	}

	return fmt.Sprintf("%s<-%s:%s", b.Queue, b.Exchange, b.Pattern)
}

// Matches reports whether a message published to a would be routed to this binding.
func (b Binding) Matches(a Address) bool {
	if a.IsQueue() {
		return a.Key == b.Queue
	}

	return a.Exchange == b.Exchange && MatchTopic(b.Pattern, a.Key)
}

// Acknowledger settles a delivery with the broker.
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// Delivery is one message handed to a consumer. The handler must settle it exactly once
// with Ack or Nack; unsettled deliveries are redelivered once the subscription ends.
type Delivery struct {
	Queue       string
	Exchange    string
	RoutingKey  string
	Body        []byte
	Headers     map[string]string
	Redelivered bool

	// CorrelationID and ReplyTo carry transport-level properties when the broker has them
	// (AMQP basic properties). They back-fill the envelope fields when those are absent.
	CorrelationID string
	ReplyTo       string

	ack     Acknowledger
	settled bool
}

// NewDelivery attaches an acknowledger to a delivery. Used by transports.
func NewDelivery(d Delivery, ack Acknowledger) *Delivery {
	d.ack = ack
	d.settled = false

	return &d
}

// Ack confirms successful processing.
func (d *Delivery) Ack() error {
	if d.settled {
		return berr.ErrAlreadySettled
	}

	d.settled = true
	if d.ack == nil {
		return nil
	}

	return d.ack.Ack()
}

// Nack rejects the delivery. With requeue the broker redelivers it; without, it is
// dead-lettered (or dropped when no dead-letter route exists).
func (d *Delivery) Nack(requeue bool) error {
	if d.settled {
		return berr.ErrAlreadySettled
	}

	d.settled = true
	if d.ack == nil {
		return nil
	}

	return d.ack.Nack(requeue)
}

// Settled reports whether Ack or Nack was called.
func (d *Delivery) Settled() bool { return d.settled }

// Envelope decodes the body and back-fills correlation/reply from transport properties.
func (d *Delivery) Envelope() (Envelope, error) {
	env, err := DecodeEnvelope(d.Body)
	if err != nil {
		return Envelope{}, err
	}

	if env.CorrelationID == "" {
		env.CorrelationID = d.CorrelationID
	}

	if env.ReplyTo == "" {
		env.ReplyTo = d.ReplyTo
	}

	return env, nil
}

// DeliveryHandler is invoked by a subscription's receive loop, one delivery at a time.
type DeliveryHandler func(ctx context.Context, d *Delivery)

// Subscription is a running receive loop.
type Subscription interface {
	// Done is closed once the receive loop has exited.
	Done() <-chan struct{}
	// Err reports why the loop exited. It is nil after Close or context cancellation
	// and matches ErrTransport when the connection was lost.
	Err() error
	Close() error
}

// Publisher publishes messages. Publish returns once the broker accepted the message;
// an unreachable broker yields an error matching ErrTransport.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
}

// Subscriber starts receive loops. Subscribe returns after the consumer is set up,
// so an exclusive reply queue exists before any request referencing it is published.
type Subscriber interface {
	Subscribe(ctx context.Context, b Binding, h DeliveryHandler) (Subscription, error)
}

// Transport combines publishing and consuming over one owned broker connection.
type Transport interface {
	Publisher
	Subscriber
	Close() error
}
