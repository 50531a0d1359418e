package registry_test

import (
	"context"
	"errors"
	"testing"

	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	"github.com/next-trace/scg-parking-bus/registry"
)

func TestRegisterAndList(t *testing.T) {
	r := registry.New(registry.NewMemoryStore())

	v, created, err := r.Register(t.Context(), registry.Vehicle{UserID: "u1", Plate: "abc-1234", Model: "Gol", Color: "prata"})
	if err != nil || !created {
		t.Fatalf("register: %v created=%v", err, created)
	}

	if v.Plate != "ABC1234" || v.ID == "" || v.RegisteredAt.IsZero() {
		t.Fatalf("vehicle=%+v", v)
	}

	again, created, err := r.Register(t.Context(), registry.Vehicle{UserID: "u1", Plate: "ABC 1234"})
	if err != nil || created || again.ID != v.ID {
		t.Fatalf("re-register: %+v created=%v err=%v", again, created, err)
	}

	if _, _, err := r.Register(t.Context(), registry.Vehicle{UserID: "u1", Plate: "XYZ9876"}); err != nil {
		t.Fatalf("second vehicle: %v", err)
	}

	vs, err := r.List(t.Context(), "u1")
	if err != nil || len(vs) != 2 || vs[0].Plate != "ABC1234" || vs[1].Plate != "XYZ9876" {
		t.Fatalf("list=%+v err=%v", vs, err)
	}

	if vs, _ := r.List(t.Context(), "u2"); len(vs) != 0 {
		t.Fatalf("other user sees %v", vs)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := registry.New(registry.NewMemoryStore())

	if _, _, err := r.Register(t.Context(), registry.Vehicle{Plate: "ABC1234"}); !errors.Is(err, berr.ErrValidation) {
		t.Fatalf("missing user: %v", err)
	}

	if _, _, err := r.Register(t.Context(), registry.Vehicle{UserID: "u", Plate: "  "}); !errors.Is(err, berr.ErrValidation) {
		t.Fatalf("missing plate: %v", err)
	}

	if _, err := r.List(t.Context(), ""); !errors.Is(err, berr.ErrValidation) {
		t.Fatalf("list without user: %v", err)
	}
}

type brokenStore struct{}

func (brokenStore) Add(context.Context, registry.Vehicle) (registry.Vehicle, bool, error) {
	return registry.Vehicle{}, false, errors.New("disk full")
}

func (brokenStore) ByUser(context.Context, string) ([]registry.Vehicle, error) {
	return nil, errors.New("disk full")
}

func TestStoreErrors(t *testing.T) {
	r := registry.New(brokenStore{})

	if _, _, err := r.Register(t.Context(), registry.Vehicle{UserID: "u", Plate: "A1"}); !errors.Is(err, berr.ErrDataStore) {
		t.Fatalf("want ErrDataStore, got %v", err)
	}

	if _, err := r.List(t.Context(), "u"); !errors.Is(err, berr.ErrDataStore) {
		t.Fatalf("want ErrDataStore, got %v", err)
	}
}
