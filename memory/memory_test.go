package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	"github.com/next-trace/scg-parking-bus/contract/parking"
	"github.com/next-trace/scg-parking-bus/memory"
)

func Test_NewMemoryTransport_BasicFlow(t *testing.T) {
	tr, cleanup := memory.New()
	defer cleanup()

	// published before anyone subscribes: the declared queue holds it
	env := cbus.Envelope{CorrelationID: "c1", Payload: map[string]any{"placa": "ABC1234"}}
	if err := tr.Publish(t.Context(), cbus.Message{Address: cbus.Queue(parking.QueueFiscalQuery), Envelope: env}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := make(chan string, 1)

	sub, err := tr.Subscribe(t.Context(), cbus.Binding{Queue: parking.QueueFiscalQuery}, func(_ context.Context, d *cbus.Delivery) {
		_ = d.Ack()
		got <- d.CorrelationID
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	select {
	case id := <-got:
		if id != "c1" {
			t.Fatalf("correlation_id=%q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery")
	}
}

func Test_IrregularityEventsAreRouted(t *testing.T) {
	tr, cleanup := memory.New()
	defer cleanup()

	got := make(chan string, 1)

	sub, err := tr.Subscribe(t.Context(), cbus.Binding{Queue: parking.QueueNotification}, func(_ context.Context, d *cbus.Delivery) {
		_ = d.Ack()
		got <- d.RoutingKey
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	msg := cbus.Message{Address: parking.IrregularityEvents(parking.DefaultEventsExchange), Envelope: cbus.Envelope{Payload: map[string]any{}}}
	if err := tr.Publish(t.Context(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case key := <-got:
		if key != parking.KeyIrregularityDetected {
			t.Fatalf("routing key=%q", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not routed")
	}
}

func Test_CleanupClosesTransport(t *testing.T) {
	tr, cleanup := memory.New()
	cleanup()

	err := tr.Publish(t.Context(), cbus.Message{Address: cbus.Queue(parking.QueuePayment), Envelope: cbus.Envelope{Payload: map[string]any{}}})
	if !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", err)
	}
}
