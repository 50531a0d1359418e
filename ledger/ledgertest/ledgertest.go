// Package ledgertest holds behaviour checks every ledger.Store must pass.
package ledgertest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-parking-bus/ledger"
)

// Clock is a settable clock for ledger.WithClock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{t: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}

// Run exercises a store through the ledger. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Helper()

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) (*ledger.Ledger, *Clock) {
		t.Helper()
		clk := NewClock(start)

		return ledger.New(newStore(t), ledger.WithClock(clk.Now)), clk
	}

	t.Run("CreateStartsAtNow", func(t *testing.T) {
		l, _ := setup(t)

		res, err := l.Purchase(t.Context(), ledger.Purchase{OrderID: "o1", Plate: "abc-1234", Hours: 2})
		if err != nil {
			t.Fatalf("purchase: %v", err)
		}

		if res.Outcome != ledger.Created || !res.Window.ExpiresAt.Equal(start.Add(2*time.Hour)) {
			t.Fatalf("result=%+v", res)
		}

		if res.Window.Plate != "ABC1234" || res.Window.Origin != ledger.DefaultOrigin {
			t.Fatalf("window=%+v", res.Window)
		}
	})

	t.Run("ExtendAddsToExistingExpiry", func(t *testing.T) {
		l, clk := setup(t)

		first, err := l.Purchase(t.Context(), ledger.Purchase{OrderID: "o1", Plate: "ABC1234", Hours: 2})
		if err != nil {
			t.Fatalf("first: %v", err)
		}

		clk.Advance(30 * time.Minute)

		second, err := l.Purchase(t.Context(), ledger.Purchase{OrderID: "o2", Plate: "ABC1234", Hours: 3})
		if err != nil {
			t.Fatalf("second: %v", err)
		}

		if second.Outcome != ledger.Extended || second.Window.ID != first.Window.ID {
			t.Fatalf("second=%+v", second)
		}

		if want := first.Window.ExpiresAt.Add(3 * time.Hour); !second.Window.ExpiresAt.Equal(want) {
			t.Fatalf("expiry %v, want %v", second.Window.ExpiresAt, want)
		}

		if second.Window.OrderID != "o2" {
			t.Fatalf("order id not replaced: %s", second.Window.OrderID)
		}

		ws, err := l.List(t.Context(), "ABC1234")
		if err != nil || len(ws) != 1 {
			t.Fatalf("list=%v err=%v", ws, err)
		}
	})

	t.Run("ReplayIsIdempotent", func(t *testing.T) {
		l, _ := setup(t)
		p := ledger.Purchase{OrderID: "o1", Plate: "ABC1234", Hours: 2}

		once, err := l.Purchase(t.Context(), p)
		if err != nil {
			t.Fatalf("first: %v", err)
		}

		again, err := l.Purchase(t.Context(), p)
		if err != nil {
			t.Fatalf("replay: %v", err)
		}

		if again.Outcome != ledger.Replayed || !again.Window.ExpiresAt.Equal(once.Window.ExpiresAt) {
			t.Fatalf("replay changed state: %+v vs %+v", again, once)
		}

		// A replay of an older order after a newer one still changes nothing.
		newer, err := l.Purchase(t.Context(), ledger.Purchase{OrderID: "o2", Plate: "ABC1234", Hours: 1})
		if err != nil {
			t.Fatalf("newer: %v", err)
		}

		late, err := l.Purchase(t.Context(), p)
		if err != nil {
			t.Fatalf("late replay: %v", err)
		}

		if late.Outcome != ledger.Replayed || !late.Window.ExpiresAt.Equal(newer.Window.ExpiresAt) {
			t.Fatalf("late replay: %+v", late)
		}
	})

	t.Run("LapsedWindowIsNotExtended", func(t *testing.T) {
		l, clk := setup(t)

		if _, err := l.Purchase(t.Context(), ledger.Purchase{OrderID: "o1", Plate: "XYZ9876", Hours: 1}); err != nil {
			t.Fatalf("first: %v", err)
		}

		clk.Advance(time.Hour) // expiry == now is no longer active

		if _, ok, err := l.Active(t.Context(), "XYZ9876"); err != nil || ok {
			t.Fatalf("window still active at its expiry: ok=%v err=%v", ok, err)
		}

		res, err := l.Purchase(t.Context(), ledger.Purchase{OrderID: "o2", Plate: "XYZ9876", Hours: 2})
		if err != nil {
			t.Fatalf("second: %v", err)
		}

		if res.Outcome != ledger.Created || !res.Window.ExpiresAt.Equal(clk.Now().Add(2*time.Hour)) {
			t.Fatalf("res=%+v", res)
		}

		ws, err := l.List(t.Context(), "xyz 9876")
		if err != nil || len(ws) != 2 {
			t.Fatalf("history not kept: %v %v", ws, err)
		}
	})

	t.Run("ActiveIsPerPlate", func(t *testing.T) {
		l, _ := setup(t)

		if _, err := l.Purchase(t.Context(), ledger.Purchase{OrderID: "o1", Plate: "AAA1111", Hours: 1}); err != nil {
			t.Fatalf("purchase: %v", err)
		}

		if _, ok, _ := l.Active(t.Context(), "BBB2222"); ok {
			t.Fatalf("other plate reported active")
		}

		w, ok, err := l.Active(t.Context(), "aaa1111")
		if err != nil || !ok || w.OrderID != "o1" {
			t.Fatalf("active: %+v %v %v", w, ok, err)
		}
	})

	t.Run("ConcurrentPurchasesKeepOneWindow", func(t *testing.T) {
		l, _ := setup(t)

		const n = 8

		var wg sync.WaitGroup

		errs := make(chan error, n)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Purchase(t.Context(), ledger.Purchase{OrderID: fmt.Sprintf("order-%d", i), Plate: "CON0001", Hours: 1})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil {
				t.Fatalf("purchase: %v", err)
			}
		}

		ws, err := l.List(t.Context(), "CON0001")
		if err != nil {
			t.Fatalf("list: %v", err)
		}

		if len(ws) != 1 || !ws[0].ExpiresAt.Equal(start.Add(n*time.Hour)) {
			t.Fatalf("windows=%+v", ws)
		}
	})
}
