// Package fiscal answers enforcement queries and reports irregular vehicles.
package fiscal

import (
	"context"
	"fmt"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	"github.com/next-trace/scg-parking-bus/contract/parking"
	"github.com/next-trace/scg-parking-bus/ledger"
	"github.com/next-trace/scg-parking-bus/servicebus"
)

const (
	MsgRegular   = "Veículo regular."
	MsgIrregular = "Veículo irregular: Sem crédito ativo."
	// ReasonNoCredit is the motivo of every irregularity event.
	ReasonNoCredit = "crédito expirado ou inexistente"
)

type Service struct {
	ledger *ledger.Ledger
	events cbus.Address
}

// Register binds the query handler. Irregularity events go to eventsExchange.
func Register(w *servicebus.Worker, l *ledger.Ledger, eventsExchange string) error {
	if eventsExchange == "" {
		eventsExchange = parking.DefaultEventsExchange
	}

	s := &Service{ledger: l, events: parking.IrregularityEvents(eventsExchange)}

	return servicebus.Handle(w, cbus.Binding{Queue: parking.QueueFiscalQuery}, s.Query)
}

// Query replies regular while the vehicle holds an active window. Otherwise it
// replies irregular and emits exactly one irregularity event.
func (s *Service) Query(ctx context.Context, _ servicebus.Request, in parking.FiscalQuery) (servicebus.Result, error) {
	plate := ledger.NormalizePlate(in.Placa)
	if plate == "" {
		return servicebus.Result{}, fmt.Errorf("fiscal query: %w: placa required", berr.ErrValidation)
	}

	w, ok, err := s.ledger.Active(ctx, plate)
	if err != nil {
		return servicebus.Result{}, err
	}

	if ok {
		expiry := w.ExpiresAt
		return servicebus.Reply(parking.FiscalReply{Status: true, Mensagem: MsgRegular, ExpiraEm: &expiry}), nil
	}

	return servicebus.Result{
		Reply: parking.FiscalReply{Status: false, Mensagem: MsgIrregular},
		Events: []servicebus.Outbound{{
			To: s.events,
			Payload: parking.IrregularityDetected{
				Placa:       plate,
				Localizacao: in.Localizacao,
				Timestamp:   s.ledger.Now(),
				Motivo:      ReasonNoCredit,
			},
		}},
	}, nil
}
