// Package memory wires an in-process transport for single-binary runs, demos and tests.
package memory

import (
	"github.com/next-trace/scg-parking-bus/adapters/inmemory"
	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	"github.com/next-trace/scg-parking-bus/contract/parking"
)

// New returns a transport with the durable parking queues and the irregularity
// binding already declared, along with a cleanup function that closes it.
func New() (cbus.Transport, func()) { //nolint:ireturn
	b := inmemory.New()

	for _, q := range []string{
		parking.QueuePayment,
		parking.QueueCredit,
		parking.QueueCreditList,
		parking.QueueFiscalQuery,
		parking.QueueFineNotice,
		parking.QueueVehicleRegister,
		parking.QueueVehicleList,
	} {
		b.Declare(cbus.Binding{Queue: q})
	}

	b.Declare(cbus.Binding{
		Queue:    parking.QueueNotification,
		Exchange: parking.DefaultEventsExchange,
		Pattern:  parking.KeyIrregularityDetected,
	})

	cleanup := func() { _ = b.Close() }

	return b, cleanup
}
