package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
)

const (
	queuePrefix = "q."
	topicPrefix = "t."

	// HeaderRedelivered marks a message republished by a requeueing nack.
	HeaderRedelivered = "x-redelivered"
	// DeadLetterPrefix is prepended to the subject of messages nacked without requeue.
	DeadLetterPrefix = "dlq."
)

// Client is a minimal NATS-like interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error
	// Subscribe starts a pull-style subscription. An empty group means every
	// subscriber gets its own copy.
	Subscribe(subject, group string) (Inbox, error)
}

// Inbox yields inbound messages for one subscription.
type Inbox interface {
	Next(ctx context.Context) (Inbound, error)
	Unsubscribe() error
}

// Inbound is one received message together with its settlement.
type Inbound struct {
	Subject     string
	Data        []byte
	Headers     map[string]string
	Redelivered bool
	Ack         cbus.Acknowledger
}

// Transport implements cbus.Transport using an injected NATS-like Client.
type Transport struct {
	Client     Client
	Propagator cbus.HeaderPropagator

	closeOnce sync.Once
	cleanup   func()
}

var _ cbus.Transport = (*Transport)(nil)

// New creates a new NATS transport with the provided client.
func New(c Client) *Transport { return &Transport{Client: c} }

// Subject maps a bus address onto a NATS subject. Queue addresses live under "q."
// and topic addresses under "t.<exchange>.".
func Subject(a cbus.Address) string {
	if a.IsQueue() {
		return queuePrefix + a.Key
	}

	return topicPrefix + a.Exchange + "." + a.Key
}

// BindingSubject returns the subject and queue group a binding subscribes with.
// A trailing "#" becomes ">"; "#" anywhere else has no NATS equivalent.
func BindingSubject(b cbus.Binding) (string, string, error) {
	group := b.Queue
	if b.Exclusive {
		group = ""
	}

	if b.Exchange == "" {
		return queuePrefix + b.Queue, group, nil
	}

	words := strings.Split(b.Pattern, ".")
	for i, w := range words {
		if w != "#" {
			continue
		}

		if i != len(words)-1 {
			return "", "", fmt.Errorf("%w: pattern %q: '#' only supported as last word", berr.ErrValidation, b.Pattern)
		}

		words[i] = ">"
	}

	return topicPrefix + b.Exchange + "." + strings.Join(words, "."), group, nil
}

func (t *Transport) Publish(ctx context.Context, m cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.Client == nil {
		return fmt.Errorf("nats publish: %w", berr.ErrTransport)
	}

	body, err := json.Marshal(m.Envelope)
	if err != nil {
		return fmt.Errorf("nats publish serialize: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	headers := make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}

	if t.Propagator != nil {
		t.Propagator.Inject(ctx, headers)
	}

	if err := t.Client.Publish(Subject(m.Address), body, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats publish %s: %w", m.Address, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func (t *Transport) Subscribe(ctx context.Context, b cbus.Binding, h cbus.DeliveryHandler) (cbus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if t.Client == nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", b, berr.ErrTransport)
	}

	subject, group, err := BindingSubject(b)
	if err != nil {
		return nil, err
	}

	inbox, err := t.Client.Subscribe(subject, group)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, errors.Join(berr.ErrTransport, err))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s := &subscription{cancel: cancel, inbox: inbox, done: make(chan struct{})}

	go s.loop(loopCtx, b, h)

	return s, nil
}

// Close drains the owned connection, if the transport was built with NewWithNATS.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.cleanup != nil {
			t.cleanup()
		}
	})

	return nil
}

type subscription struct {
	cancel context.CancelFunc
	inbox  Inbox
	done   chan struct{}

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

func (s *subscription) loop(ctx context.Context, b cbus.Binding, h cbus.DeliveryHandler) {
	defer close(s.done)
	defer func() { _ = s.inbox.Unsubscribe() }()

	for {
		in, err := s.inbox.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			s.mu.Lock()
			s.err = fmt.Errorf("nats consume %s: %w", b, errors.Join(berr.ErrTransport, err))
			s.mu.Unlock()

			return
		}

		d := cbus.NewDelivery(cbus.Delivery{
			Queue:       b.Queue,
			Exchange:    b.Exchange,
			RoutingKey:  routingKey(b, in.Subject),
			Body:        in.Data,
			Headers:     in.Headers,
			Redelivered: in.Redelivered || in.Headers[HeaderRedelivered] == "true",
		}, in.Ack)

		h(ctx, d)
	}
}

// routingKey strips the transport prefix so handlers see the bus-level key.
func routingKey(b cbus.Binding, subject string) string {
	prefix := queuePrefix
	if b.Exchange != "" {
		prefix = topicPrefix + b.Exchange + "."
	}

	if k, ok := strings.CutPrefix(subject, prefix); ok {
		return k
	}

	return subject
}
