// Package ledger owns credit windows: at most one active window per vehicle,
// extended by new purchases and never deleted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	berr "github.com/next-trace/scg-parking-bus/contract/errors"
)

// DefaultOrigin is recorded when a purchase does not name its channel.
const DefaultOrigin = "app"

// Window is one credit period for a vehicle. It is active while ExpiresAt is in the future.
type Window struct {
	ID          string
	Plate       string
	Zone        string
	Origin      string
	OrderID     string
	PurchasedAt time.Time
	ExpiresAt   time.Time
}

// Active reports whether the window still covers now.
func (w Window) Active(now time.Time) bool { return w.ExpiresAt.After(now) }

// Purchase is one paid order of Hours for a vehicle.
type Purchase struct {
	OrderID string
	Plate   string
	Zone    string
	Origin  string
	Hours   int
}

// Validate normalizes the plate and checks the order is usable.
func (p Purchase) Validate() (Purchase, error) {
	p.Plate = NormalizePlate(p.Plate)
	if p.Origin == "" {
		p.Origin = DefaultOrigin
	}

	switch {
	case p.OrderID == "":
		return p, fmt.Errorf("purchase: %w: order id required", berr.ErrValidation)
	case p.Plate == "":
		return p, fmt.Errorf("purchase: %w: plate required", berr.ErrValidation)
	case p.Hours <= 0:
		return p, fmt.Errorf("purchase %s: %w: duration must be positive, got %d", p.Plate, berr.ErrValidation, p.Hours)
	}

	return p, nil
}

// NormalizePlate upper-cases a plate and strips punctuation and whitespace.
func NormalizePlate(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}

		return -1
	}, s)
}

// Outcome says which transition a purchase took.
type Outcome int

const (
	Created Outcome = iota + 1
	Extended
	Replayed
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Extended:
		return "extended"
	case Replayed:
		return "replayed"
	default:
		return "unknown"
	}
}

// Result is the window after a purchase and how it got there.
type Result struct {
	Window  Window
	Outcome Outcome
}

// Plan computes the transition for p given the vehicle's active window, if any.
// Extending adds the hours to max(expiry, now); creating starts at now.
func Plan(now time.Time, active Window, hasActive bool, p Purchase, newID func() string) Result {
	d := time.Duration(p.Hours) * time.Hour

	if hasActive && active.Active(now) {
		w := active
		start := w.ExpiresAt
		if now.After(start) {
			start = now
		}

		w.ExpiresAt = start.Add(d)
		w.OrderID = p.OrderID

		return Result{Window: w, Outcome: Extended}
	}

	return Result{
		Window: Window{
			ID:          newID(),
			Plate:       p.Plate,
			Zone:        p.Zone,
			Origin:      p.Origin,
			OrderID:     p.OrderID,
			PurchasedAt: now,
			ExpiresAt:   now.Add(d),
		},
		Outcome: Created,
	}
}

// Tx is a store transaction scoped to one vehicle. Everything read and written
// through it commits together or not at all.
type Tx interface {
	// Applied returns the window an order was applied to.
	Applied(orderID string) (Window, bool, error)
	// Active returns the vehicle's window with expiry after now.
	Active(plate string, now time.Time) (Window, bool, error)
	// Put inserts or replaces a window by ID.
	Put(w Window) error
	// MarkApplied records that orderID has been applied to windowID.
	MarkApplied(orderID, windowID string) error
}

// Store persists windows. Update must serialize transactions for the same plate.
type Store interface {
	Update(ctx context.Context, plate string, fn func(tx Tx) error) error
	Active(ctx context.Context, plate string, now time.Time) (Window, bool, error)
	List(ctx context.Context, plate string) ([]Window, error)
}

type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithIDs replaces the window id generator.
func WithIDs(newID func() string) Option { return func(l *Ledger) { l.newID = newID } }

type Ledger struct {
	store Store
	now   func() time.Time
	newID func() string
}

func New(s Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(l)
	}

	return l
}

// Purchase applies p exactly once. Replaying an applied order returns the
// current window unchanged.
func (l *Ledger) Purchase(ctx context.Context, p Purchase) (Result, error) {
	p, err := p.Validate()
	if err != nil {
		return Result{}, err
	}

	var res Result

	err = l.store.Update(ctx, p.Plate, func(tx Tx) error {
		if w, ok, err := tx.Applied(p.OrderID); err != nil {
			return err
		} else if ok {
			res = Result{Window: w, Outcome: Replayed}
			return nil
		}

		now := l.now()

		active, ok, err := tx.Active(p.Plate, now)
		if err != nil {
			return err
		}

		res = Plan(now, active, ok, p, l.newID)

		if err := tx.Put(res.Window); err != nil {
			return err
		}

		return tx.MarkApplied(p.OrderID, res.Window.ID)
	})
	if err != nil {
		return Result{}, storeErr("purchase "+p.Plate, err)
	}

	return res, nil
}

// Active returns the vehicle's active window. Validity is computed on every call.
func (l *Ledger) Active(ctx context.Context, plate string) (Window, bool, error) {
	plate = NormalizePlate(plate)
	if plate == "" {
		return Window{}, false, fmt.Errorf("active: %w: plate required", berr.ErrValidation)
	}

	w, ok, err := l.store.Active(ctx, plate, l.now())
	if err != nil {
		return Window{}, false, storeErr("active "+plate, err)
	}

	return w, ok, nil
}

// List returns every window recorded for the vehicle, oldest first.
func (l *Ledger) List(ctx context.Context, plate string) ([]Window, error) {
	plate = NormalizePlate(plate)
	if plate == "" {
		return nil, fmt.Errorf("list: %w: plate required", berr.ErrValidation)
	}

	ws, err := l.store.List(ctx, plate)
	if err != nil {
		return nil, storeErr("list "+plate, err)
	}

	return ws, nil
}

// Now is the ledger's clock.
func (l *Ledger) Now() time.Time { return l.now() }

// storeErr tags store failures with ErrDataStore; context errors pass through.
func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, berr.ErrDataStore) {
		return err
	}

	return fmt.Errorf("ledger %s: %w", op, errors.Join(berr.ErrDataStore, err))
}
