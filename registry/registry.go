// Package registry records which vehicles a user has registered.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	"github.com/next-trace/scg-parking-bus/ledger"
)

type Vehicle struct {
	ID           string
	UserID       string
	Plate        string
	Model        string
	Color        string
	RegisteredAt time.Time
}

// Store persists vehicles. Add must be atomic on (UserID, Plate): registering the
// same pair twice returns the first record with created=false.
type Store interface {
	Add(ctx context.Context, v Vehicle) (stored Vehicle, created bool, err error)
	ByUser(ctx context.Context, userID string) ([]Vehicle, error)
}

type Registry struct {
	store Store
	now   func() time.Time
}

func New(s Store) *Registry {
	return &Registry{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Register adds a vehicle for a user. Re-registering is harmless, so redelivered
// requests do not create duplicates.
func (r *Registry) Register(ctx context.Context, v Vehicle) (Vehicle, bool, error) {
	v.UserID = strings.TrimSpace(v.UserID)
	v.Plate = ledger.NormalizePlate(v.Plate)

	if v.UserID == "" {
		return Vehicle{}, false, fmt.Errorf("register: %w: user_id required", berr.ErrValidation)
	}

	if v.Plate == "" {
		return Vehicle{}, false, fmt.Errorf("register: %w: placa required", berr.ErrValidation)
	}

	v.ID = uuid.NewString()
	v.RegisteredAt = r.now()

	stored, created, err := r.store.Add(ctx, v)
	if err != nil {
		return Vehicle{}, false, storeErr("register "+v.Plate, err)
	}

	return stored, created, nil
}

// List returns the user's vehicles in registration order.
func (r *Registry) List(ctx context.Context, userID string) ([]Vehicle, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("list: %w: user_id required", berr.ErrValidation)
	}

	vs, err := r.store.ByUser(ctx, userID)
	if err != nil {
		return nil, storeErr("list "+userID, err)
	}

	return vs, nil
}

func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, berr.ErrDataStore) {
		return err
	}

	return fmt.Errorf("registry %s: %w", op, errors.Join(berr.ErrDataStore, err))
}

// MemoryStore keeps vehicles in process.
type MemoryStore struct {
	mu     sync.Mutex
	byUser map[string][]Vehicle
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore { return &MemoryStore{byUser: map[string][]Vehicle{}} }

func (s *MemoryStore) Add(ctx context.Context, v Vehicle) (Vehicle, bool, error) {
	if err := ctx.Err(); err != nil {
		return Vehicle{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byUser[v.UserID] {
		if existing.Plate == v.Plate {
			return existing, false, nil
		}
	}

	s.byUser[v.UserID] = append(s.byUser[v.UserID], v)

	return v, true, nil
}

func (s *MemoryStore) ByUser(ctx context.Context, userID string) ([]Vehicle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Vehicle(nil), s.byUser[userID]...), nil
}
