// Package notification is the terminal consumer of the saga: it records
// irregularity events and fine notices and acknowledges them.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	"github.com/next-trace/scg-parking-bus/contract/parking"
	"github.com/next-trace/scg-parking-bus/ledger"
	"github.com/next-trace/scg-parking-bus/servicebus"
)

type Kind string

const (
	KindIrregularity Kind = "irregularity"
	KindFine         Kind = "fine"
)

// Record is one stored notice. Its ID is derived from the correlation id and
// kind, so a redelivered notice overwrites itself.
type Record struct {
	ID            string
	Kind          Kind
	Plate         string
	Location      string
	Reason        string
	DetectedAt    time.Time
	CorrelationID string
	ReceivedAt    time.Time
}

type Store interface {
	Save(ctx context.Context, r Record) error
	ByPlate(ctx context.Context, plate string) ([]Record, error)
}

type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

var recordNamespace = uuid.MustParse("0b6d2b1e-8f63-4a7e-a0d4-5f0a7c1e2d93")

// Register binds irregularity events (through a topic binding on eventsExchange)
// and fine notices.
func Register(w *servicebus.Worker, store Store, eventsExchange string, logger *slog.Logger) error {
	if eventsExchange == "" {
		eventsExchange = parking.DefaultEventsExchange
	}

	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}

	events := cbus.Binding{Queue: parking.QueueNotification, Exchange: eventsExchange, Pattern: parking.KeyIrregularityDetected}
	if err := servicebus.Handle(w, events, s.Irregularity); err != nil {
		return err
	}

	return servicebus.Handle(w, cbus.Binding{Queue: parking.QueueFineNotice}, s.Fine)
}

func (s *Service) Irregularity(ctx context.Context, req servicebus.Request, in parking.IrregularityDetected) (servicebus.Result, error) {
	detected := in.Timestamp
	if detected.IsZero() {
		detected = s.now()
	}

	return servicebus.Result{}, s.save(ctx, req, Record{
		Kind:       KindIrregularity,
		Plate:      in.Placa,
		Location:   in.Localizacao,
		Reason:     in.Motivo,
		DetectedAt: detected,
	})
}

func (s *Service) Fine(ctx context.Context, req servicebus.Request, in parking.FineNotice) (servicebus.Result, error) {
	return servicebus.Result{}, s.save(ctx, req, Record{
		Kind:       KindFine,
		Plate:      in.Placa,
		Location:   in.Localizacao,
		Reason:     in.Motivo,
		DetectedAt: s.now(),
	})
}

func (s *Service) save(ctx context.Context, req servicebus.Request, r Record) error {
	r.Plate = ledger.NormalizePlate(r.Plate)
	if r.Plate == "" {
		return fmt.Errorf("notification %s: %w: placa required", r.Kind, berr.ErrValidation)
	}

	r.CorrelationID = req.CorrelationID
	r.ReceivedAt = s.now()

	if r.CorrelationID != "" {
		r.ID = uuid.NewSHA1(recordNamespace, []byte(string(r.Kind)+"/"+r.CorrelationID)).String()
	} else {
		r.ID = uuid.NewString()
	}

	if err := s.store.Save(ctx, r); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, berr.ErrDataStore) {
			return err
		}

		return fmt.Errorf("notification save %s: %w", r.Plate, errors.Join(berr.ErrDataStore, err))
	}

	s.logger.InfoContext(ctx, "notice recorded", "kind", r.Kind, "placa", r.Plate, "localizacao", r.Location, "correlation_id", r.CorrelationID)

	return nil
}

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	order   []string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore { return &MemoryStore{records: map[string]Record{}} }

func (m *MemoryStore) Save(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[r.ID]; !exists {
		m.order = append(m.order, r.ID)
	}

	m.records[r.ID] = r

	return nil
}

func (m *MemoryStore) ByPlate(ctx context.Context, plate string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record

	for _, id := range m.order {
		if r := m.records[id]; r.Plate == plate {
			out = append(out, r)
		}
	}

	return out, nil
}
