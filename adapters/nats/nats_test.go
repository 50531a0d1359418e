package nats_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-parking-bus/adapters/nats"
	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
)

type publishCall struct {
	subject string
	data    []byte
	headers map[string]string
}

type fakeClient struct {
	calls  []publishCall
	err    error
	inbox  *fakeInbox
	subs   [][2]string
	subErr error
}

func (f *fakeClient) Publish(subject string, data []byte, headers map[string]string) error {
	f.calls = append(f.calls, publishCall{subject, data, headers})

	return f.err
}

func (f *fakeClient) Subscribe(subject, group string) (nats.Inbox, error) {
	f.subs = append(f.subs, [2]string{subject, group})
	if f.subErr != nil {
		return nil, f.subErr
	}

	return f.inbox, nil
}

type fakeInbox struct {
	msgs         chan nats.Inbound
	unsubscribed chan struct{}
	once         sync.Once
}

func newFakeInbox() *fakeInbox {
	return &fakeInbox{msgs: make(chan nats.Inbound, 4), unsubscribed: make(chan struct{})}
}

func (i *fakeInbox) Next(ctx context.Context) (nats.Inbound, error) {
	select {
	case <-ctx.Done():
		return nats.Inbound{}, ctx.Err()
	case m, ok := <-i.msgs:
		if !ok {
			return nats.Inbound{}, errors.New("nats: connection closed")
		}

		return m, nil
	}
}

func (i *fakeInbox) Unsubscribe() error {
	i.once.Do(func() { close(i.unsubscribed) })

	return nil
}

type recAck struct {
	mu    sync.Mutex
	acked bool
	nacks []bool
}

func (a *recAck) Ack() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = true

	return nil
}

func (a *recAck) Nack(requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, requeue)

	return nil
}

func TestNATS_SubjectMapping(t *testing.T) {
	cases := []struct {
		addr cbus.Address
		want string
	}{
		{cbus.Queue("queue_pagamento"), "q.queue_pagamento"},
		{cbus.Queue("replies/abc"), "q.replies/abc"},
		{cbus.Topic("events", "irregularidade.detectada"), "t.events.irregularidade.detectada"},
		{cbus.ReplyAddress("replies/abc", "amq.topic"), "t.amq.topic.replies.abc"},
	}

	for _, c := range cases {
		if got := nats.Subject(c.addr); got != c.want {
			t.Fatalf("Subject(%v)=%q want %q", c.addr, got, c.want)
		}
	}
}

func TestNATS_BindingSubject(t *testing.T) {
	subj, group, err := nats.BindingSubject(cbus.Binding{Queue: "queue_credito"})
	if err != nil || subj != "q.queue_credito" || group != "queue_credito" {
		t.Fatalf("queue binding: %q %q %v", subj, group, err)
	}

	subj, group, err = nats.BindingSubject(cbus.Binding{Queue: "replies/x", Exchange: "amq.topic", Pattern: "replies.x", Exclusive: true})
	if err != nil || subj != "t.amq.topic.replies.x" || group != "" {
		t.Fatalf("exclusive binding: %q %q %v", subj, group, err)
	}

	subj, _, err = nats.BindingSubject(cbus.Binding{Queue: "audit", Exchange: "events", Pattern: "irregularidade.#"})
	if err != nil || subj != "t.events.irregularidade.>" {
		t.Fatalf("wildcard binding: %q %v", subj, err)
	}

	if _, _, err = nats.BindingSubject(cbus.Binding{Queue: "audit", Exchange: "events", Pattern: "#.detectada"}); !errors.Is(err, berr.ErrValidation) {
		t.Fatalf("want ErrValidation for inner '#', got %v", err)
	}
}

func TestNATS_Publish(t *testing.T) {
	fc := &fakeClient{}
	tr := nats.New(fc)
	tr.Propagator = cbus.CorrelationPropagator{}

	env, err := cbus.NewEnvelope(map[string]any{"placa": "ABC1234"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.CorrelationID = "c-1"

	ctx := cbus.WithCorrelationID(t.Context(), "c-1")
	msg := cbus.Message{Address: cbus.Queue("queue_pagamento"), Envelope: env, Headers: map[string]string{"h1": "v1"}}
	if err := tr.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(fc.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(fc.calls))
	}

	c := fc.calls[0]
	if c.subject != "q.queue_pagamento" {
		t.Fatalf("subject mismatch: %s", c.subject)
	}

	if c.headers["h1"] != "v1" || c.headers["x-correlation-id"] != "c-1" {
		t.Fatalf("headers missing or wrong: %+v", c.headers)
	}

	got, err := cbus.DecodeEnvelope(c.data)
	if err != nil || got.CorrelationID != "c-1" {
		t.Fatalf("body: %+v %v", got, err)
	}
}

func TestNATS_NilClientError(t *testing.T) {
	tr := nats.New(nil)

	if err := tr.Publish(t.Context(), cbus.Message{Address: cbus.Queue("q")}); !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("expected ErrTransport for nil client, got %v", err)
	}

	if _, err := tr.Subscribe(t.Context(), cbus.Binding{Queue: "q"}, nil); !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("expected ErrTransport for nil client, got %v", err)
	}
}

func TestNATS_Publish_ErrorWrapping_And_ContextCancel(t *testing.T) {
	// client returns generic error -> should wrap
	fc := &fakeClient{err: errors.New("boom")}
	tr := nats.New(fc)

	if err := tr.Publish(t.Context(), cbus.Message{Address: cbus.Queue("q")}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("expected wrapped error, got %v", err)
	}

	// client returns context.Canceled -> propagate as-is
	tr2 := nats.New(&fakeClient{err: context.Canceled})

	err := tr2.Publish(t.Context(), cbus.Message{Address: cbus.Queue("q")})
	if !errors.Is(err, context.Canceled) || errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestNATS_SubscribeDeliversAndSettles(t *testing.T) {
	inbox := newFakeInbox()
	fc := &fakeClient{inbox: inbox}
	tr := nats.New(fc)

	got := make(chan *cbus.Delivery, 2)
	b := cbus.Binding{Queue: "queue_irregularidade", Exchange: "events", Pattern: "irregularidade.detectada"}
	sub, err := tr.Subscribe(t.Context(), b, func(_ context.Context, d *cbus.Delivery) {
		_ = d.Nack(!d.Redelivered)
		got <- d
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if len(fc.subs) != 1 || fc.subs[0] != [2]string{"t.events.irregularidade.detectada", "queue_irregularidade"} {
		t.Fatalf("subscribed with %v", fc.subs)
	}

	first, second := &recAck{}, &recAck{}
	inbox.msgs <- nats.Inbound{Subject: "t.events.irregularidade.detectada", Data: []byte(`{"placa":"X"}`), Ack: first}
	inbox.msgs <- nats.Inbound{
		Subject: "t.events.irregularidade.detectada",
		Data:    []byte(`{"placa":"X"}`),
		Headers: map[string]string{nats.HeaderRedelivered: "true"},
		Ack:     second,
	}

	d1, d2 := <-got, <-got
	if d1.RoutingKey != "irregularidade.detectada" || d1.Redelivered {
		t.Fatalf("first delivery: %+v", d1)
	}

	if !d2.Redelivered {
		t.Fatalf("redelivered header not honoured")
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-inbox.unsubscribed:
	case <-time.After(time.Second):
		t.Fatalf("inbox not unsubscribed")
	}

	if len(first.nacks) != 1 || !first.nacks[0] {
		t.Fatalf("first nacks: %v", first.nacks)
	}

	if len(second.nacks) != 1 || second.nacks[0] {
		t.Fatalf("second nacks: %v", second.nacks)
	}

	if sub.Err() != nil {
		t.Fatalf("clean close must not record an error: %v", sub.Err())
	}
}

func TestNATS_SubscriptionFailsOnInboxError(t *testing.T) {
	inbox := newFakeInbox()
	tr := nats.New(&fakeClient{inbox: inbox})

	sub, err := tr.Subscribe(t.Context(), cbus.Binding{Queue: "q"}, func(context.Context, *cbus.Delivery) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	close(inbox.msgs)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatalf("subscription did not end")
	}

	if !errors.Is(sub.Err(), berr.ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", sub.Err())
	}
}
