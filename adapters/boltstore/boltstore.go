// Package boltstore persists parking state in a single BoltDB file. Bolt runs one
// writer at a time, which gives the ledger its per-vehicle serialization for free.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	"github.com/next-trace/scg-parking-bus/ledger"
	"github.com/next-trace/scg-parking-bus/registry"
	"github.com/next-trace/scg-parking-bus/services/notification"
)

var (
	bucketWindows      = []byte("windows")       // window id -> window
	bucketPlateWindows = []byte("plate_windows") // plate -> seq -> window id
	bucketApplied      = []byte("applied")       // order id -> window id
	bucketVehicles     = []byte("vehicles")      // user id -> plate -> vehicle
	bucketNotices      = []byte("notices")       // record id -> record
	bucketPlateNotices = []byte("plate_notices") // plate -> seq -> record id
)

// DB wraps an open bolt database.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path and ensures every bucket exists.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore open %s: %w", path, errors.Join(berr.ErrDataStore, err))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketWindows, bucketPlateWindows, bucketApplied, bucketVehicles, bucketNotices, bucketPlateNotices} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore init: %w", errors.Join(berr.ErrDataStore, err))
	}

	return &DB{db: db}, nil
}

// Close releases the file lock.
func (d *DB) Close() error { return d.db.Close() }

func (d *DB) Ledger() *LedgerStore { return &LedgerStore{db: d.db} }

func (d *DB) Vehicles() *VehicleStore { return &VehicleStore{db: d.db} }

func (d *DB) Notices() *NoticeStore { return &NoticeStore{db: d.db} }

func seqKey(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)

	return b
}

// appendIndex adds id under parent/name with the next sequence number.
func appendIndex(parent *bolt.Bucket, name, id []byte) error {
	b, err := parent.CreateBucketIfNotExists(name)
	if err != nil {
		return err
	}

	n, err := b.NextSequence()
	if err != nil {
		return err
	}

	return b.Put(seqKey(n), id)
}

func getJSON(b *bolt.Bucket, key []byte, dst any) (bool, error) {
	v := b.Get(key)
	if v == nil {
		return false, nil
	}

	return true, json.Unmarshal(v, dst)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.Put(key, data)
}

// LedgerStore implements ledger.Store.
type LedgerStore struct{ db *bolt.DB }

var _ ledger.Store = (*LedgerStore)(nil)

func (s *LedgerStore) Update(ctx context.Context, _ string, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error { return fn(&ledgerTx{tx: tx}) })
}

func (s *LedgerStore) Active(ctx context.Context, plate string, now time.Time) (ledger.Window, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Window{}, false, err
	}

	var (
		w  ledger.Window
		ok bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		w, ok, err = (&ledgerTx{tx: tx}).Active(plate, now)

		return err
	})

	return w, ok, err
}

func (s *LedgerStore) List(ctx context.Context, plate string) ([]ledger.Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []ledger.Window

	err := s.db.View(func(tx *bolt.Tx) error {
		return (&ledgerTx{tx: tx}).each(plate, func(w ledger.Window) { out = append(out, w) })
	})

	return out, err
}

type ledgerTx struct{ tx *bolt.Tx }

func (t *ledgerTx) window(id []byte) (ledger.Window, bool, error) {
	var w ledger.Window
	ok, err := getJSON(t.tx.Bucket(bucketWindows), id, &w)

	return w, ok, err
}

// each visits the plate's windows in creation order.
func (t *ledgerTx) each(plate string, fn func(ledger.Window)) error {
	idx := t.tx.Bucket(bucketPlateWindows).Bucket([]byte(plate))
	if idx == nil {
		return nil
	}

	return idx.ForEach(func(_, id []byte) error {
		w, ok, err := t.window(id)
		if err != nil {
			return err
		}

		if ok {
			fn(w)
		}

		return nil
	})
}

func (t *ledgerTx) Applied(orderID string) (ledger.Window, bool, error) {
	id := t.tx.Bucket(bucketApplied).Get([]byte(orderID))
	if id == nil {
		return ledger.Window{}, false, nil
	}

	return t.window(id)
}

func (t *ledgerTx) Active(plate string, now time.Time) (ledger.Window, bool, error) {
	var (
		best  ledger.Window
		found bool
	)

	err := t.each(plate, func(w ledger.Window) {
		if w.Active(now) && (!found || w.ExpiresAt.After(best.ExpiresAt)) {
			best, found = w, true
		}
	})

	return best, found, err
}

func (t *ledgerTx) Put(w ledger.Window) error {
	windows := t.tx.Bucket(bucketWindows)
	isNew := windows.Get([]byte(w.ID)) == nil

	if err := putJSON(windows, []byte(w.ID), w); err != nil {
		return err
	}

	if !isNew {
		return nil
	}

	return appendIndex(t.tx.Bucket(bucketPlateWindows), []byte(w.Plate), []byte(w.ID))
}

func (t *ledgerTx) MarkApplied(orderID, windowID string) error {
	return t.tx.Bucket(bucketApplied).Put([]byte(orderID), []byte(windowID))
}

// VehicleStore implements registry.Store.
type VehicleStore struct{ db *bolt.DB }

var _ registry.Store = (*VehicleStore)(nil)

func (s *VehicleStore) Add(ctx context.Context, v registry.Vehicle) (registry.Vehicle, bool, error) {
	if err := ctx.Err(); err != nil {
		return registry.Vehicle{}, false, err
	}

	stored, created := v, false

	err := s.db.Update(func(tx *bolt.Tx) error {
		user, err := tx.Bucket(bucketVehicles).CreateBucketIfNotExists([]byte(v.UserID))
		if err != nil {
			return err
		}

		if ok, err := getJSON(user, []byte(v.Plate), &stored); err != nil || ok {
			return err
		}

		created = true

		return putJSON(user, []byte(v.Plate), v)
	})
	if err != nil {
		return registry.Vehicle{}, false, err
	}

	return stored, created, nil
}

func (s *VehicleStore) ByUser(ctx context.Context, userID string) ([]registry.Vehicle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []registry.Vehicle

	err := s.db.View(func(tx *bolt.Tx) error {
		user := tx.Bucket(bucketVehicles).Bucket([]byte(userID))
		if user == nil {
			return nil
		}

		return user.ForEach(func(_, v []byte) error {
			var veh registry.Vehicle
			if err := json.Unmarshal(v, &veh); err != nil {
				return err
			}

			out = append(out, veh)

			return nil
		})
	})

	return out, err
}

// NoticeStore implements notification.Store.
type NoticeStore struct{ db *bolt.DB }

var _ notification.Store = (*NoticeStore)(nil)

func (s *NoticeStore) Save(ctx context.Context, r notification.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		notices := tx.Bucket(bucketNotices)
		isNew := notices.Get([]byte(r.ID)) == nil

		if err := putJSON(notices, []byte(r.ID), r); err != nil {
			return err
		}

		if !isNew {
			return nil
		}

		return appendIndex(tx.Bucket(bucketPlateNotices), []byte(r.Plate), []byte(r.ID))
	})
}

func (s *NoticeStore) ByPlate(ctx context.Context, plate string) ([]notification.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []notification.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketPlateNotices).Bucket([]byte(plate))
		if idx == nil {
			return nil
		}

		notices := tx.Bucket(bucketNotices)

		return idx.ForEach(func(_, id []byte) error {
			var r notification.Record
			if ok, err := getJSON(notices, id, &r); err != nil || !ok {
				return err
			}

			out = append(out, r)

			return nil
		})
	})

	return out, err
}
