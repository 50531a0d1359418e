package rpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/next-trace/scg-parking-bus/adapters/inmemory"
	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	"github.com/next-trace/scg-parking-bus/rpc"
)

// responder answers requests on queue with reply(env), publishing to the reply
// address resolved against exchange.
func responder(t *testing.T, b *inmemory.Broker, queue, exchange string, reply func(cbus.Envelope) map[string]any) {
	t.Helper()

	sub, err := b.Subscribe(t.Context(), cbus.Binding{Queue: queue}, func(ctx context.Context, d *cbus.Delivery) {
		env, err := d.Envelope()
		if err != nil {
			t.Errorf("request envelope: %v", err)
			return
		}

		out, _ := cbus.NewEnvelope(reply(env))
		out.CorrelationID = env.CorrelationID
		if err := b.Publish(ctx, cbus.Message{Address: cbus.ReplyAddress(env.ReplyTo, exchange), Envelope: out}); err != nil {
			t.Errorf("reply: %v", err)
		}
		_ = d.Ack()
	})
	if err != nil {
		t.Fatalf("responder subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })
}

func newClient(t *testing.T, b *inmemory.Broker, opts ...rpc.Option) *rpc.Client {
	t.Helper()

	c, err := rpc.New(t.Context(), b, opts...)
	if err != nil {
		t.Fatalf("rpc.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestCall_RoundTrip(t *testing.T) {
	b := inmemory.New()
	responder(t, b, "echo", "", func(env cbus.Envelope) map[string]any {
		return map[string]any{"placa": env.String("placa"), "success": true}
	})
	c := newClient(t, b)

	reply, err := c.Call(t.Context(), cbus.Queue("echo"), map[string]any{"placa": "ABC1234"}, time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	if reply.String("placa") != "ABC1234" || reply.CorrelationID == "" {
		t.Fatalf("reply: %+v", reply)
	}

	req := b.MessagesTo(cbus.Queue("echo"))
	if len(req) != 1 || req[0].Envelope.ReplyTo != c.ReplyTo() || req[0].Envelope.CorrelationID != reply.CorrelationID {
		t.Fatalf("request not stamped: %+v", req)
	}

	if c.Pending() != 0 {
		t.Fatalf("pending=%d", c.Pending())
	}
}

func TestCall_TimeoutLeavesNoPendingEntry(t *testing.T) {
	b := inmemory.New()
	b.Declare(cbus.Binding{Queue: "silent"})
	c := newClient(t, b)

	start := time.Now()
	_, err := c.Call(t.Context(), cbus.Queue("silent"), map[string]any{"placa": "X"}, 50*time.Millisecond)
	if !errors.Is(err, berr.ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}

	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("returned before the deadline")
	}

	if c.Pending() != 0 {
		t.Fatalf("pending entry left behind: %d", c.Pending())
	}

	// A late reply for the abandoned call is dropped.
	req := b.MessagesTo(cbus.Queue("silent"))[0]
	late := cbus.Envelope{CorrelationID: req.Envelope.CorrelationID, Payload: map[string]any{"status": true}}
	if err := b.Publish(t.Context(), cbus.Message{Address: cbus.Queue(c.ReplyTo()), Envelope: late}); err != nil {
		t.Fatalf("late publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for b.Depth(c.ReplyTo()) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if c.Pending() != 0 {
		t.Fatalf("late reply created state")
	}
}

func TestCall_ConcurrentRepliesOutOfOrder(t *testing.T) {
	b := inmemory.New()
	c := newClient(t, b)

	// Collect both requests, then answer the second one first.
	requests := make(chan cbus.Envelope, 2)
	sub, err := b.Subscribe(t.Context(), cbus.Binding{Queue: "slow"}, func(_ context.Context, d *cbus.Delivery) {
		env, _ := d.Envelope()
		requests <- env
		_ = d.Ack()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	type result struct {
		n     string
		reply cbus.Envelope
		err   error
	}

	results := make(chan result, 2)

	var wg sync.WaitGroup
	for _, n := range []string{"one", "two"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.Call(t.Context(), cbus.Queue("slow"), map[string]any{"n": n}, 2*time.Second)
			results <- result{n: n, reply: r, err: err}
		}()
	}

	first, second := <-requests, <-requests
	for _, env := range []cbus.Envelope{second, first} {
		out := cbus.Envelope{CorrelationID: env.CorrelationID, Payload: map[string]any{"n": env.String("n")}}
		if err := b.Publish(t.Context(), cbus.Message{Address: cbus.Queue(env.ReplyTo), Envelope: out}); err != nil {
			t.Fatalf("reply: %v", err)
		}
	}

	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			t.Fatalf("call %s: %v", r.n, r.err)
		}

		if got := r.reply.String("n"); got != r.n {
			t.Fatalf("call %s received reply for %s", r.n, got)
		}
	}

	if c.Pending() != 0 {
		t.Fatalf("pending=%d", c.Pending())
	}
}

func TestCall_DuplicateReplyResolvesOnce(t *testing.T) {
	b := inmemory.New()
	sub, err := b.Subscribe(t.Context(), cbus.Binding{Queue: "dup"}, func(ctx context.Context, d *cbus.Delivery) {
		env, _ := d.Envelope()
		for i := range 2 {
			out := cbus.Envelope{CorrelationID: env.CorrelationID, Payload: map[string]any{"i": i}}
			_ = b.Publish(ctx, cbus.Message{Address: cbus.Queue(env.ReplyTo), Envelope: out})
		}
		_ = d.Ack()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	c := newClient(t, b)

	reply, err := c.Call(t.Context(), cbus.Queue("dup"), nil, time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	if n, _ := reply.Payload["i"].(json.Number); n != "0" {
		t.Fatalf("first reply should win, got %v", reply.Payload["i"])
	}

	if c.Pending() != 0 {
		t.Fatalf("pending=%d", c.Pending())
	}
}

func TestCall_ReplyExchangeTranslatesOnce(t *testing.T) {
	b := inmemory.New()
	responder(t, b, "fiscal", "amq.topic", func(cbus.Envelope) map[string]any {
		return map[string]any{"status": true, "mensagem": "Veículo regular."}
	})
	c := newClient(t, b, rpc.WithReplyExchange("amq.topic"))

	type fiscalReply struct {
		Status   bool   `json:"status"`
		Mensagem string `json:"mensagem"`
	}

	got, err := rpc.CallAs[fiscalReply](t.Context(), c, cbus.Queue("fiscal"), map[string]any{"placa": "ABC1234"}, time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	if !got.Status {
		t.Fatalf("reply: %+v", got)
	}

	replies := b.MessagesTo(cbus.ReplyAddress(c.ReplyTo(), "amq.topic"))
	if len(replies) != 1 || replies[0].Address.Exchange != "amq.topic" {
		t.Fatalf("reply not routed through topic exchange: %+v", replies)
	}
}

func TestCall_PublishFailure(t *testing.T) {
	b := inmemory.New()
	c := newClient(t, b)
	b.SetPublishHook(func(cbus.Message) error { return errors.New("connection reset") })

	_, err := c.Call(t.Context(), cbus.Queue("any"), nil, time.Second)
	if !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed, got %v", err)
	}

	if c.Pending() != 0 {
		t.Fatalf("pending=%d", c.Pending())
	}
}

// stalledTransport publishes nothing until ctx is done, the way a transport
// waiting for a broker reconnect behaves.
type stalledTransport struct {
	*inmemory.Broker
}

func (stalledTransport) Publish(ctx context.Context, _ cbus.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCall_TimeoutCoversStalledPublish(t *testing.T) {
	c, err := rpc.New(t.Context(), stalledTransport{Broker: inmemory.New()})
	if err != nil {
		t.Fatalf("rpc.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), cbus.Queue("queue_pagamento"), map[string]any{"placa": "ABC1D23"}, 50*time.Millisecond)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, berr.ErrTimeout) {
			t.Fatalf("want ErrTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Call still blocked after 2s; pending=%d", c.Pending())
	}

	if c.Pending() != 0 {
		t.Fatalf("pending=%d", c.Pending())
	}
}

func TestCall_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	b := inmemory.New()
	c := newClient(t, b, rpc.WithBreaker(rpc.NewBreaker("test")))
	b.SetPublishHook(func(cbus.Message) error { return errors.New("broker down") })

	for range 5 {
		if _, err := c.Call(t.Context(), cbus.Queue("any"), nil, time.Second); !errors.Is(err, berr.ErrPublishFailed) {
			t.Fatalf("want ErrPublishFailed, got %v", err)
		}
	}

	_, err := c.Call(t.Context(), cbus.Queue("any"), nil, time.Second)
	if !errors.Is(err, berr.ErrTransport) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("want open breaker, got %v", err)
	}
}

func TestCall_ContextCanceled(t *testing.T) {
	b := inmemory.New()
	b.Declare(cbus.Binding{Queue: "silent"})
	c := newClient(t, b)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, cbus.Queue("silent"), nil, time.Minute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want context deadline, got %v", err)
	}
}

func TestSend_FireAndForget(t *testing.T) {
	b := inmemory.New()
	b.Declare(cbus.Binding{Queue: "fiscalizacao_multa"})
	c := newClient(t, b)

	id, err := c.Send(t.Context(), cbus.Queue("fiscalizacao_multa"), map[string]any{"placa": "ABC1234"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := b.MessagesTo(cbus.Queue("fiscalizacao_multa"))
	if len(msgs) != 1 || msgs[0].Envelope.CorrelationID != id || msgs[0].Envelope.ReplyTo != "" {
		t.Fatalf("sent: %+v", msgs)
	}

	if b.Depth("fiscalizacao_multa") != 1 {
		t.Fatalf("message not queued")
	}
}

func TestClose_FailsNewCalls(t *testing.T) {
	b := inmemory.New()
	c, err := rpc.New(t.Context(), b)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := c.Call(t.Context(), cbus.Queue("q"), nil, time.Second); !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", err)
	}

	if b.Depth(c.ReplyTo()) != 0 {
		t.Fatalf("exclusive reply queue survived close")
	}
}
