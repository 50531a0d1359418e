package kafka_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-parking-bus/adapters/kafka"
	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
)

type writeCall struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

type fakeWriter struct {
	mu    sync.Mutex
	calls []writeCall
	err   error
}

func (f *fakeWriter) Write(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, writeCall{topic, key, value, headers})

	return f.err
}

func (f *fakeWriter) snapshot() []writeCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]writeCall(nil), f.calls...)
}

type fakeReader struct {
	batches chan []kafka.Record
	mu      sync.Mutex
	commits []string
	closed  chan struct{}
}

func (r *fakeReader) Poll(ctx context.Context) ([]kafka.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-r.batches:
		if !ok {
			return nil, errors.New("client closed")
		}

		return b, nil
	}
}

func (r *fakeReader) Commit(_ context.Context, rec kafka.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, rec.Handle.(string))

	return nil
}

func (r *fakeReader) Close() { close(r.closed) }

type fakeFactory struct {
	reader *fakeReader
	group  string
	topics []string
	regex  bool
}

func (f *fakeFactory) Reader(group string, topics []string, regex bool) (kafka.Reader, error) {
	f.group, f.topics, f.regex = group, topics, regex

	return f.reader, nil
}

func TestKafka_TopicNames(t *testing.T) {
	if got := kafka.TopicName(cbus.Queue("replies/abc")); got != "q.replies-abc" {
		t.Fatalf("queue topic: %s", got)
	}

	if got := kafka.TopicName(cbus.Topic("events", "irregularidade.detectada")); got != "t.events.irregularidade.detectada" {
		t.Fatalf("event topic: %s", got)
	}

	if got := kafka.GroupName(cbus.Binding{Queue: "queue_credito"}); got != "scg-parking-bus.queue_credito" {
		t.Fatalf("group: %s", got)
	}
}

func TestKafka_Publish(t *testing.T) {
	fw := &fakeWriter{}
	tr := kafka.New(fw, nil)

	env, err := cbus.NewEnvelope(map[string]any{"placa": "ABC1234"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.CorrelationID = "c-7"

	if err := tr.Publish(t.Context(), cbus.Message{Address: cbus.Queue("queue_pagamento"), Envelope: env, Headers: map[string]string{"ph": "pv"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	calls := fw.snapshot()
	if len(calls) != 1 {
		t.Fatalf("want 1, got %d", len(calls))
	}

	c := calls[0]
	if c.topic != "q.queue_pagamento" || string(c.key) != "c-7" || c.headers["ph"] != "pv" {
		t.Fatalf("call: %+v", c)
	}
}

func TestKafka_NilWriterError(t *testing.T) {
	tr := kafka.New(nil, nil)

	if err := tr.Publish(t.Context(), cbus.Message{Address: cbus.Queue("q")}); !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", err)
	}

	if _, err := tr.Subscribe(t.Context(), cbus.Binding{Queue: "q"}, nil); !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", err)
	}
}

func TestKafka_PublishErrorWrapping(t *testing.T) {
	tr := kafka.New(&fakeWriter{err: errors.New("broker down")}, nil)
	if err := tr.Publish(t.Context(), cbus.Message{Address: cbus.Queue("q")}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed, got %v", err)
	}

	tr = kafka.New(&fakeWriter{err: context.DeadlineExceeded}, nil)
	if err := tr.Publish(t.Context(), cbus.Message{Address: cbus.Queue("q")}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline, got %v", err)
	}
}

func TestKafka_SubscribeSettlement(t *testing.T) {
	fw := &fakeWriter{}
	reader := &fakeReader{batches: make(chan []kafka.Record, 1), closed: make(chan struct{})}
	factory := &fakeFactory{reader: reader}
	tr := kafka.New(fw, factory)

	handled := make(chan string, 3)
	b := cbus.Binding{Queue: "queue_credito"}
	sub, err := tr.Subscribe(t.Context(), b, func(_ context.Context, d *cbus.Delivery) {
		env, err := d.Envelope()
		if err != nil {
			t.Errorf("envelope: %v", err)
		}

		switch env.String("action") {
		case "ack":
			_ = d.Ack()
		case "retry":
			_ = d.Nack(true)
		default:
			_ = d.Nack(false)
		}
		handled <- env.String("action")
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if factory.group != "scg-parking-bus.queue_credito" || factory.regex || factory.topics[0] != "q.queue_credito" {
		t.Fatalf("reader opened with %q %v %v", factory.group, factory.topics, factory.regex)
	}

	topic := "q.queue_credito"
	reader.batches <- []kafka.Record{
		{Topic: topic, Value: []byte(`{"action":"ack"}`), Handle: "r1"},
		{Topic: topic, Key: []byte("c-1"), Value: []byte(`{"action":"retry"}`), Handle: "r2"},
		{Topic: topic, Value: []byte(`{"action":"drop"}`), Handle: "r3"},
	}

	for range 3 {
		<-handled
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	<-reader.closed

	if got := reader.commits; len(got) != 3 || got[0] != "r1" || got[1] != "r2" || got[2] != "r3" {
		t.Fatalf("commits: %v", got)
	}

	calls := fw.snapshot()
	if len(calls) != 2 {
		t.Fatalf("want 2 re-produced records, got %d", len(calls))
	}

	if calls[0].topic != topic || calls[0].headers[kafka.HeaderRedelivered] != "true" || string(calls[0].key) != "c-1" {
		t.Fatalf("requeue: %+v", calls[0])
	}

	if calls[1].topic != topic+kafka.DeadLetterSuffix {
		t.Fatalf("dead letter: %+v", calls[1])
	}
}

func TestKafka_WildcardBindingFiltersRecords(t *testing.T) {
	reader := &fakeReader{batches: make(chan []kafka.Record, 1), closed: make(chan struct{})}
	factory := &fakeFactory{reader: reader}
	tr := kafka.New(&fakeWriter{}, factory)

	keys := make(chan string, 2)
	b := cbus.Binding{Queue: "audit", Exchange: "events", Pattern: "irregularidade.*"}
	sub, err := tr.Subscribe(t.Context(), b, func(_ context.Context, d *cbus.Delivery) {
		_ = d.Ack()
		keys <- d.RoutingKey
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if !factory.regex || factory.topics[0] != `^t\.events\..*$` {
		t.Fatalf("regex subscription: %v %v", factory.topics, factory.regex)
	}

	reader.batches <- []kafka.Record{
		{Topic: "t.events.pagamento.aprovado", Value: []byte(`{}`), Handle: "skip"},
		{Topic: "t.events.irregularidade.detectada", Value: []byte(`{}`), Handle: "hit"},
	}

	select {
	case k := <-keys:
		if k != "irregularidade.detectada" {
			t.Fatalf("routing key: %s", k)
		}
	case <-time.After(time.Second):
		t.Fatalf("matching record not delivered")
	}

	select {
	case k := <-keys:
		t.Fatalf("unexpected delivery %s", k)
	default:
	}
}

func TestNewWithKgo_Validation(t *testing.T) {
	if _, _, err := kafka.NewWithKgo(kafka.Config{}); !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("want ErrTransport for missing brokers, got %v", err)
	}

	cfg := kafka.Config{Brokers: []string{"localhost:9092"}, SASL: &kafka.SASLConfig{Mechanism: "GSSAPI"}}
	if _, _, err := kafka.NewWithKgo(cfg); !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("want ErrTransport for unsupported SASL, got %v", err)
	}

	cfg = kafka.Config{Brokers: []string{"localhost:9092"}, Acks: "some"}
	if _, _, err := kafka.NewWithKgo(cfg); !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("want ErrTransport for bad acks, got %v", err)
	}
}
