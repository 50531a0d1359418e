package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
)

// Concrete NATS connection-backed Client and constructor.

type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int
	// JetStream switches to persisted streams with explicit acks. Core NATS
	// emulates requeue and dead-lettering by republishing.
	JetStream bool
	// Stream is the JetStream stream covering all bus subjects. Created when missing.
	Stream string
}

type natsClient struct{ nc *nats.Conn }

func toMsg(subject string, data []byte, headers map[string]string) *nats.Msg {
	msg := &nats.Msg{Subject: subject, Data: data}

	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}

	return msg
}

func fromHeader(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}

	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}

	return out
}

func (c natsClient) Publish(subject string, data []byte, headers map[string]string) error {
	if err := c.nc.PublishMsg(toMsg(subject, data, headers)); err != nil {
		return err
	}

	return c.nc.Flush()
}

func (c natsClient) Subscribe(subject, group string) (Inbox, error) {
	var (
		sub *nats.Subscription
		err error
	)

	if group == "" {
		sub, err = c.nc.SubscribeSync(subject)
	} else {
		sub, err = c.nc.QueueSubscribeSync(subject, group)
	}

	if err != nil {
		return nil, err
	}

	return coreInbox{c: c, sub: sub}, nil
}

type coreInbox struct {
	c   natsClient
	sub *nats.Subscription
}

func (i coreInbox) Next(ctx context.Context) (Inbound, error) {
	msg, err := i.sub.NextMsgWithContext(ctx)
	if err != nil {
		return Inbound{}, err
	}

	return Inbound{
		Subject: msg.Subject,
		Data:    msg.Data,
		Headers: fromHeader(msg.Header),
		Ack:     coreAck{c: i.c, msg: msg},
	}, nil
}

func (i coreInbox) Unsubscribe() error { return i.sub.Unsubscribe() }

// coreAck settles core NATS messages, which the server never redelivers on its own.
type coreAck struct {
	c   natsClient
	msg *nats.Msg
}

func (a coreAck) Ack() error { return nil }

func (a coreAck) Nack(requeue bool) error {
	headers := fromHeader(a.msg.Header)
	if headers == nil {
		headers = map[string]string{}
	}

	subject := DeadLetterPrefix + a.msg.Subject
	if requeue {
		subject = a.msg.Subject
		headers[HeaderRedelivered] = "true"
	}

	return a.c.Publish(subject, a.msg.Data, headers)
}

type jsClient struct{ js nats.JetStreamContext }

func (c jsClient) Publish(subject string, data []byte, headers map[string]string) error {
	// PublishMsg waits for the stream's ack.
	_, err := c.js.PublishMsg(toMsg(subject, data, headers))
	return err
}

func (c jsClient) Subscribe(subject, group string) (Inbox, error) {
	var (
		sub *nats.Subscription
		err error
	)

	if group == "" {
		sub, err = c.js.SubscribeSync(subject, nats.ManualAck(), nats.AckExplicit())
	} else {
		sub, err = c.js.QueueSubscribeSync(subject, group, nats.ManualAck(), nats.AckExplicit(), nats.Durable(durableName(group)))
	}

	if err != nil {
		return nil, err
	}

	return jsInbox{sub: sub}, nil
}

type jsInbox struct{ sub *nats.Subscription }

func (i jsInbox) Next(ctx context.Context) (Inbound, error) {
	msg, err := i.sub.NextMsgWithContext(ctx)
	if err != nil {
		return Inbound{}, err
	}

	in := Inbound{
		Subject: msg.Subject,
		Data:    msg.Data,
		Headers: fromHeader(msg.Header),
		Ack:     jsAck{msg: msg},
	}

	if md, err := msg.Metadata(); err == nil {
		in.Redelivered = md.NumDelivered > 1
	}

	return in, nil
}

func (i jsInbox) Unsubscribe() error { return i.sub.Unsubscribe() }

type jsAck struct{ msg *nats.Msg }

func (a jsAck) Ack() error { return ignoreUnbound(a.msg.Ack()) }

func (a jsAck) Nack(requeue bool) error {
	if requeue {
		return ignoreUnbound(a.msg.Nak())
	}

	return ignoreUnbound(a.msg.Term())
}

func ignoreUnbound(err error) error {
	if errors.Is(err, nats.ErrMsgNotBound) {
		return nil
	}

	return err
}

// durableName makes a queue name usable as a consumer name, which forbids
// '.', '*', '>' and path separators.
func durableName(queue string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", "/", "_", "\\", "_").Replace(queue)
}

func ensureStream(js nats.JetStreamContext, name string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{queuePrefix + ">", topicPrefix + ">", DeadLetterPrefix + ">"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})

	return err
}

// NewWithNATS creates a real NATS connection and returns a Transport and a cleanup.
func NewWithNATS(cfg Config) (*Transport, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: nats url required", berr.ErrTransport)
	}

	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: nats connect: %w", berr.ErrTransport, err)
	}

	cleanup := func() {
		if nc != nil && !nc.IsClosed() {
			_ = nc.Drain() //nolint:errcheck // best-effort shutdown; cannot return error here
			nc.Close()
		}
	}

	var client Client = natsClient{nc: nc}

	if cfg.JetStream {
		js, err := nc.JetStream()
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("%w: jetstream: %w", berr.ErrTransport, err)
		}

		stream := cfg.Stream
		if stream == "" {
			stream = "PARKING"
		}

		if err := ensureStream(js, stream); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("%w: jetstream stream %s: %w", berr.ErrTransport, stream, err)
		}

		client = jsClient{js: js}
	}

	t := New(client)
	t.cleanup = cleanup

	return t, cleanup, nil
}
