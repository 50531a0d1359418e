// Package credit applies purchases to the ledger and answers the original caller.
package credit

import (
	"context"
	"fmt"
	"time"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	"github.com/next-trace/scg-parking-bus/contract/parking"
	"github.com/next-trace/scg-parking-bus/ledger"
	"github.com/next-trace/scg-parking-bus/servicebus"
)

type Service struct{ ledger *ledger.Ledger }

func NewService(l *ledger.Ledger) *Service { return &Service{ledger: l} }

// Register binds the purchase and list handlers.
func Register(w *servicebus.Worker, l *ledger.Ledger) error {
	s := NewService(l)

	if err := servicebus.Handle(w, cbus.Binding{Queue: parking.QueueCredit}, s.Purchase); err != nil {
		return err
	}

	return servicebus.Handle(w, cbus.Binding{Queue: parking.QueueCreditList}, s.List)
}

func (s *Service) Purchase(ctx context.Context, _ servicebus.Request, in parking.CreditPurchased) (servicebus.Result, error) {
	res, err := s.ledger.Purchase(ctx, ledger.Purchase{
		OrderID: in.OrderID,
		Plate:   in.Placa,
		Zone:    in.Zona,
		Origin:  in.Origem,
		Hours:   in.DuracaoHoras,
	})
	if err != nil {
		return servicebus.Result{}, err
	}

	expiry := res.Window.ExpiresAt

	return servicebus.Reply(parking.CreditReply{
		Success:  true,
		OrderID:  in.OrderID,
		Message:  message(res.Outcome, expiry),
		ExpiraEm: &expiry,
	}), nil
}

func message(o ledger.Outcome, expiry time.Time) string {
	stamp := expiry.UTC().Format(time.RFC3339)

	switch o {
	case ledger.Extended:
		return fmt.Sprintf("Crédito estendido com sucesso. Expira em %s.", stamp)
	case ledger.Replayed:
		return fmt.Sprintf("Pedido já processado. Expira em %s.", stamp)
	default:
		return fmt.Sprintf("Crédito comprado com sucesso. Expira em %s.", stamp)
	}
}

func (s *Service) List(ctx context.Context, _ servicebus.Request, in parking.CreditListRequest) (servicebus.Result, error) {
	ws, err := s.ledger.List(ctx, in.Placa)
	if err != nil {
		return servicebus.Result{}, err
	}

	now := s.ledger.Now()
	credits := make([]parking.Credit, 0, len(ws))

	for _, w := range ws {
		credits = append(credits, parking.Credit{
			ID:         w.ID,
			Placa:      w.Plate,
			Zona:       w.Zone,
			CompradoEm: w.PurchasedAt,
			ExpiraEm:   w.ExpiresAt,
			Origem:     w.Origin,
			OrderID:    w.OrderID,
			Ativo:      w.Active(now),
		})
	}

	return servicebus.Reply(parking.CreditListReply{Success: true, Credits: credits}), nil
}
