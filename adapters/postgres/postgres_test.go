package postgres_test

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/next-trace/scg-parking-bus/adapters/postgres"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	"github.com/next-trace/scg-parking-bus/ledger"
	"github.com/next-trace/scg-parking-bus/ledger/ledgertest"
	"github.com/next-trace/scg-parking-bus/registry"
)

func Test_IsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505"}

	if !postgres.IsUniqueViolation(fmt.Errorf("insert: %w", dup)) {
		t.Fatalf("wrapped 23505 not detected")
	}

	if postgres.IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation reported as unique")
	}

	if postgres.IsUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error reported as unique")
	}
}

func Test_ConnectRequiresDSN(t *testing.T) {
	if _, err := postgres.Connect(""); !errors.Is(err, berr.ErrDataStore) {
		t.Fatalf("want ErrDataStore, got %v", err)
	}
}

// connect needs PARKING_TEST_POSTGRES_DSN pointing at a disposable database.
func connect(t *testing.T) *postgres.DB {
	t.Helper()

	dsn := os.Getenv("PARKING_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARKING_TEST_POSTGRES_DSN not set")
	}

	db, err := postgres.Connect(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(t.Context()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return db
}

func Test_LedgerStore(t *testing.T) {
	db := connect(t)

	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		if err := db.Truncate(t.Context()); err != nil {
			t.Fatalf("truncate: %v", err)
		}

		return db.Ledger()
	})
}

func Test_VehicleStore(t *testing.T) {
	db := connect(t)
	if err := db.Truncate(t.Context()); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	r := registry.New(db.Vehicles())

	first, created, err := r.Register(t.Context(), registry.Vehicle{UserID: "u1", Plate: "ABC1234"})
	if err != nil || !created {
		t.Fatalf("first=%+v created=%v err=%v", first, created, err)
	}

	again, created, err := r.Register(t.Context(), registry.Vehicle{UserID: "u1", Plate: "ABC1234"})
	if err != nil || created || again.ID != first.ID {
		t.Fatalf("again=%+v created=%v err=%v", again, created, err)
	}
}
