package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps windows in process. One mutex serializes every transaction.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]Window   // by id
	byPlate map[string][]string // plate -> window ids, creation order
	applied map[string]string   // order id -> window id
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: map[string]Window{},
		byPlate: map[string][]string{},
		applied: map[string]string{},
	}
}

func (s *MemoryStore) Update(ctx context.Context, plate string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, puts: map[string]Window{}, marks: map[string]string{}}
	if err := fn(tx); err != nil {
		return err
	}

	for id, w := range tx.puts {
		if _, exists := s.windows[id]; !exists {
			s.byPlate[w.Plate] = append(s.byPlate[w.Plate], id)
		}

		s.windows[id] = w
	}

	for order, id := range tx.marks {
		s.applied[order] = id
	}

	return nil
}

func (s *MemoryStore) Active(ctx context.Context, plate string, now time.Time) (Window, bool, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.active(plate, now)

	return w, ok, nil
}

func (s *MemoryStore) List(ctx context.Context, plate string) ([]Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Window, 0, len(s.byPlate[plate]))
	for _, id := range s.byPlate[plate] {
		out = append(out, s.windows[id])
	}

	return out, nil
}

// active picks the latest-expiring active window. Must be called with s.mu held.
func (s *MemoryStore) active(plate string, now time.Time) (Window, bool) {
	var (
		best  Window
		found bool
	)

	for _, id := range s.byPlate[plate] {
		w := s.windows[id]
		if w.Active(now) && (!found || w.ExpiresAt.After(best.ExpiresAt)) {
			best, found = w, true
		}
	}

	return best, found
}

// memTx stages writes until fn returns without error.
type memTx struct {
	s     *MemoryStore
	puts  map[string]Window
	marks map[string]string
}

func (t *memTx) window(id string) (Window, bool) {
	if w, ok := t.puts[id]; ok {
		return w, true
	}

	w, ok := t.s.windows[id]

	return w, ok
}

func (t *memTx) Applied(orderID string) (Window, bool, error) {
	id, ok := t.marks[orderID]
	if !ok {
		id, ok = t.s.applied[orderID]
	}

	if !ok {
		return Window{}, false, nil
	}

	w, ok := t.window(id)

	return w, ok, nil
}

func (t *memTx) Active(plate string, now time.Time) (Window, bool, error) {
	w, ok := t.s.active(plate, now)

	for _, staged := range t.puts {
		if staged.Plate == plate && staged.Active(now) && (!ok || staged.ExpiresAt.After(w.ExpiresAt)) {
			w, ok = staged, true
		}
	}

	return w, ok, nil
}

func (t *memTx) Put(w Window) error {
	t.puts[w.ID] = w
	return nil
}

func (t *memTx) MarkApplied(orderID, windowID string) error {
	t.marks[orderID] = windowID
	return nil
}
