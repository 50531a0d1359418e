// Package payment accepts credit purchases and forwards them to the credit step.
// It never answers the caller on success: the credit step owns that reply.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	"github.com/next-trace/scg-parking-bus/contract/parking"
	"github.com/next-trace/scg-parking-bus/ledger"
	"github.com/next-trace/scg-parking-bus/servicebus"
)

// orderNamespace scopes order ids derived from correlation ids.
var orderNamespace = uuid.MustParse("6f1c2b8e-4a57-4f0e-9b7d-2f3f3c7a9e41")

// OrderID derives the order id for a purchase request. The same request always
// maps to the same order, so a redelivered request cannot buy credit twice.
func OrderID(correlationID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(correlationID)).String()
}

// ChargeStore remembers which order a request was charged under.
type ChargeStore interface {
	// Charge records orderID for correlationID unless one is recorded already,
	// and returns the recorded order id.
	Charge(ctx context.Context, correlationID, orderID string) (string, error)
}

type Service struct {
	charges ChargeStore
	logger  *slog.Logger
}

// Register binds the purchase handler on the payment queue.
func Register(w *servicebus.Worker, charges ChargeStore, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{charges: charges, logger: logger}

	return servicebus.Handle(w, cbus.Binding{Queue: parking.QueuePayment}, s.Purchase)
}

func (s *Service) Purchase(ctx context.Context, req servicebus.Request, in parking.PurchaseRequest) (servicebus.Result, error) {
	plate := ledger.NormalizePlate(in.Placa)

	switch {
	case req.CorrelationID == "":
		return servicebus.Result{}, fmt.Errorf("payment: %w: correlation_id required", berr.ErrValidation)
	case plate == "":
		return servicebus.Result{}, fmt.Errorf("payment: %w: placa required", berr.ErrValidation)
	case in.DuracaoHoras <= 0:
		return servicebus.Result{}, fmt.Errorf("payment %s: %w: duracao_horas must be positive", plate, berr.ErrValidation)
	}

	orderID, err := s.charges.Charge(ctx, req.CorrelationID, OrderID(req.CorrelationID))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, berr.ErrDataStore) {
			return servicebus.Result{}, err
		}

		return servicebus.Result{}, fmt.Errorf("payment charge %s: %w", plate, errors.Join(berr.ErrDataStore, err))
	}

	s.logger.InfoContext(ctx, "payment accepted", "placa", plate, "order_id", orderID, "correlation_id", req.CorrelationID)

	return servicebus.Result{Events: []servicebus.Outbound{{
		To: cbus.Queue(parking.QueueCredit),
		Payload: parking.CreditPurchased{
			OrderID:      orderID,
			Placa:        plate,
			Zona:         in.Zona,
			DuracaoHoras: in.DuracaoHoras,
			Origem:       in.Origem,
		},
		KeepReplyTo: true,
	}}}, nil
}

// MemoryCharges is an in-process ChargeStore.
type MemoryCharges struct {
	mu     sync.Mutex
	orders map[string]string
}

var _ ChargeStore = (*MemoryCharges)(nil)

func NewMemoryCharges() *MemoryCharges { return &MemoryCharges{orders: map[string]string{}} }

func (m *MemoryCharges) Charge(ctx context.Context, correlationID, orderID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.orders[correlationID]; ok {
		return existing, nil
	}

	m.orders[correlationID] = orderID

	return orderID, nil
}
