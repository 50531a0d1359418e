// Package vehicles exposes the vehicle registry on the bus.
package vehicles

import (
	"context"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	"github.com/next-trace/scg-parking-bus/contract/parking"
	"github.com/next-trace/scg-parking-bus/registry"
	"github.com/next-trace/scg-parking-bus/servicebus"
)

type Service struct {
	registry *registry.Registry
	events   cbus.Address
}

func NewService(r *registry.Registry, eventsExchange string) *Service {
	return &Service{registry: r, events: parking.VehicleRegisteredEvents(eventsExchange)}
}

// Register binds the register and list handlers. New registrations are announced
// on eventsExchange.
func Register(w *servicebus.Worker, r *registry.Registry, eventsExchange string) error {
	s := NewService(r, eventsExchange)

	if err := servicebus.Handle(w, cbus.Binding{Queue: parking.QueueVehicleRegister}, s.Register); err != nil {
		return err
	}

	return servicebus.Handle(w, cbus.Binding{Queue: parking.QueueVehicleList}, s.List)
}

func (s *Service) Register(ctx context.Context, _ servicebus.Request, in parking.VehicleRegisterRequest) (servicebus.Result, error) {
	v, created, err := s.registry.Register(ctx, registry.Vehicle{UserID: in.UserID, Plate: in.Placa, Model: in.Modelo, Color: in.Cor})
	if err != nil {
		return servicebus.Result{}, err
	}

	if !created {
		return servicebus.Reply(parking.VehicleRegisterReply{Success: true, Message: "Veículo já cadastrado.", VehicleID: v.ID}), nil
	}

	return servicebus.Result{
		Reply:  parking.VehicleRegisterReply{Success: true, Message: "Veículo cadastrado com sucesso.", VehicleID: v.ID},
		Events: []servicebus.Outbound{{To: s.events, Payload: toVehicle(v)}},
	}, nil
}

func toVehicle(v registry.Vehicle) parking.Vehicle {
	return parking.Vehicle{
		ID:           v.ID,
		UserID:       v.UserID,
		Placa:        v.Plate,
		Modelo:       v.Model,
		Cor:          v.Color,
		RegistradoEm: v.RegisteredAt,
	}
}

func (s *Service) List(ctx context.Context, _ servicebus.Request, in parking.VehicleListRequest) (servicebus.Result, error) {
	vs, err := s.registry.List(ctx, in.UserID)
	if err != nil {
		return servicebus.Result{}, err
	}

	out := make([]parking.Vehicle, 0, len(vs))
	for _, v := range vs {
		out = append(out, toVehicle(v))
	}

	return servicebus.Reply(parking.VehicleListReply{Success: true, Veiculos: out}), nil
}
