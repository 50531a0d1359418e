// Package postgres persists parking state with gorm on PostgreSQL. Ledger
// transactions take a transaction-scoped advisory lock on the plate, so purchases
// for one vehicle run one after another across every credit process.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	"github.com/next-trace/scg-parking-bus/ledger"
	"github.com/next-trace/scg-parking-bus/registry"
	"github.com/next-trace/scg-parking-bus/services/notification"
)

// DB wraps a gorm handle.
type DB struct {
	gorm *gorm.DB
}

// Connect opens and pings a PostgreSQL database.
func Connect(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: %w: dsn is required", berr.ErrDataStore)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", errors.Join(berr.ErrDataStore, err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", errors.Join(berr.ErrDataStore, err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", errors.Join(berr.ErrDataStore, err))
	}

	return &DB{gorm: db}, nil
}

// Wrap uses an existing gorm handle.
func Wrap(db *gorm.DB) *DB { return &DB{gorm: db} }

// Migrate creates or updates the tables.
func (d *DB) Migrate(ctx context.Context) error {
	err := d.gorm.WithContext(ctx).AutoMigrate(&windowModel{}, &appliedModel{}, &vehicleModel{}, &noticeModel{})
	if err != nil {
		return fmt.Errorf("postgres migrate: %w", errors.Join(berr.ErrDataStore, err))
	}

	return nil
}

// Truncate empties every table. Meant for tests against a disposable database.
func (d *DB) Truncate(ctx context.Context) error {
	return d.gorm.WithContext(ctx).Exec("TRUNCATE credit_windows, applied_orders, vehicles, notices").Error
}

func (d *DB) Close() error {
	if d == nil || d.gorm == nil {
		return nil
	}

	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func (d *DB) Ledger() *LedgerStore { return &LedgerStore{db: d.gorm} }

func (d *DB) Vehicles() *VehicleStore { return &VehicleStore{db: d.gorm} }

func (d *DB) Notices() *NoticeStore { return &NoticeStore{db: d.gorm} }

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type windowModel struct {
	ID          string    `gorm:"column:id;primaryKey"`
	Plate       string    `gorm:"column:plate;index:idx_credit_windows_plate_expiry,priority:1"`
	Zone        string    `gorm:"column:zone"`
	Origin      string    `gorm:"column:origin"`
	OrderID     string    `gorm:"column:order_id"`
	PurchasedAt time.Time `gorm:"column:purchased_at"`
	ExpiresAt   time.Time `gorm:"column:expires_at;index:idx_credit_windows_plate_expiry,priority:2"`
}

func (windowModel) TableName() string { return "credit_windows" }

func windowModelFrom(w ledger.Window) windowModel {
	return windowModel{
		ID:          w.ID,
		Plate:       w.Plate,
		Zone:        w.Zone,
		Origin:      w.Origin,
		OrderID:     w.OrderID,
		PurchasedAt: w.PurchasedAt.UTC(),
		ExpiresAt:   w.ExpiresAt.UTC(),
	}
}

func (m windowModel) window() ledger.Window {
	return ledger.Window{
		ID:          m.ID,
		Plate:       m.Plate,
		Zone:        m.Zone,
		Origin:      m.Origin,
		OrderID:     m.OrderID,
		PurchasedAt: m.PurchasedAt.UTC(),
		ExpiresAt:   m.ExpiresAt.UTC(),
	}
}

type appliedModel struct {
	OrderID  string `gorm:"column:order_id;primaryKey"`
	WindowID string `gorm:"column:window_id"`
}

func (appliedModel) TableName() string { return "applied_orders" }

// LedgerStore implements ledger.Store.
type LedgerStore struct{ db *gorm.DB }

var _ ledger.Store = (*LedgerStore)(nil)

func (s *LedgerStore) Update(ctx context.Context, plate string, fn func(tx ledger.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", plate).Error; err != nil {
			return err
		}

		return fn(&ledgerTx{db: tx})
	})
}

func (s *LedgerStore) Active(ctx context.Context, plate string, now time.Time) (ledger.Window, bool, error) {
	return (&ledgerTx{db: s.db.WithContext(ctx)}).Active(plate, now)
}

func (s *LedgerStore) List(ctx context.Context, plate string) ([]ledger.Window, error) {
	var rows []windowModel

	err := s.db.WithContext(ctx).
		Where("plate = ?", plate).
		Order("purchased_at ASC, id ASC").
		Find(&rows).
		Error
	if err != nil {
		return nil, err
	}

	out := make([]ledger.Window, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.window())
	}

	return out, nil
}

type ledgerTx struct{ db *gorm.DB }

func (t *ledgerTx) Applied(orderID string) (ledger.Window, bool, error) {
	var a appliedModel

	res := t.db.Where("order_id = ?", orderID).Limit(1).Find(&a)
	if res.Error != nil || res.RowsAffected == 0 {
		return ledger.Window{}, false, res.Error
	}

	var w windowModel

	res = t.db.Where("id = ?", a.WindowID).Limit(1).Find(&w)
	if res.Error != nil || res.RowsAffected == 0 {
		return ledger.Window{}, false, res.Error
	}

	return w.window(), true, nil
}

func (t *ledgerTx) Active(plate string, now time.Time) (ledger.Window, bool, error) {
	var w windowModel

	res := t.db.
		Where("plate = ? AND expires_at > ?", plate, now.UTC()).
		Order("expires_at DESC").
		Limit(1).
		Find(&w)
	if res.Error != nil || res.RowsAffected == 0 {
		return ledger.Window{}, false, res.Error
	}

	return w.window(), true, nil
}

func (t *ledgerTx) Put(w ledger.Window) error {
	row := windowModelFrom(w)

	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"zone", "origin", "order_id", "expires_at"}),
	}).Create(&row).Error
}

func (t *ledgerTx) MarkApplied(orderID, windowID string) error {
	err := t.db.Create(&appliedModel{OrderID: orderID, WindowID: windowID}).Error
	if IsUniqueViolation(err) {
		// applied under another plate's lock
		return fmt.Errorf("order %s: %w: already applied", orderID, berr.ErrValidation)
	}

	return err
}

type vehicleModel struct {
	ID           string    `gorm:"column:id;primaryKey"`
	UserID       string    `gorm:"column:user_id;uniqueIndex:idx_vehicles_user_plate,priority:1"`
	Plate        string    `gorm:"column:plate;uniqueIndex:idx_vehicles_user_plate,priority:2"`
	Model        string    `gorm:"column:model"`
	Color        string    `gorm:"column:color"`
	RegisteredAt time.Time `gorm:"column:registered_at"`
}

func (vehicleModel) TableName() string { return "vehicles" }

func (m vehicleModel) vehicle() registry.Vehicle {
	return registry.Vehicle{
		ID:           m.ID,
		UserID:       m.UserID,
		Plate:        m.Plate,
		Model:        m.Model,
		Color:        m.Color,
		RegisteredAt: m.RegisteredAt.UTC(),
	}
}

// VehicleStore implements registry.Store.
type VehicleStore struct{ db *gorm.DB }

var _ registry.Store = (*VehicleStore)(nil)

func (s *VehicleStore) Add(ctx context.Context, v registry.Vehicle) (registry.Vehicle, bool, error) {
	row := vehicleModel{
		ID:           v.ID,
		UserID:       v.UserID,
		Plate:        v.Plate,
		Model:        v.Model,
		Color:        v.Color,
		RegisteredAt: v.RegisteredAt.UTC(),
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return registry.Vehicle{}, false, res.Error
	}

	if res.RowsAffected == 1 {
		return row.vehicle(), true, nil
	}

	var existing vehicleModel
	if err := s.db.WithContext(ctx).Where("user_id = ? AND plate = ?", v.UserID, v.Plate).First(&existing).Error; err != nil {
		return registry.Vehicle{}, false, err
	}

	return existing.vehicle(), false, nil
}

func (s *VehicleStore) ByUser(ctx context.Context, userID string) ([]registry.Vehicle, error) {
	var rows []vehicleModel

	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("registered_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]registry.Vehicle, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.vehicle())
	}

	return out, nil
}

type noticeModel struct {
	ID            string    `gorm:"column:id;primaryKey"`
	Kind          string    `gorm:"column:kind"`
	Plate         string    `gorm:"column:plate;index"`
	Location      string    `gorm:"column:location"`
	Reason        string    `gorm:"column:reason"`
	DetectedAt    time.Time `gorm:"column:detected_at"`
	CorrelationID string    `gorm:"column:correlation_id"`
	ReceivedAt    time.Time `gorm:"column:received_at"`
}

func (noticeModel) TableName() string { return "notices" }

// NoticeStore implements notification.Store.
type NoticeStore struct{ db *gorm.DB }

var _ notification.Store = (*NoticeStore)(nil)

// Save keeps the first copy of a notice; redeliveries are no-ops.
func (s *NoticeStore) Save(ctx context.Context, r notification.Record) error {
	row := noticeModel{
		ID:            r.ID,
		Kind:          string(r.Kind),
		Plate:         r.Plate,
		Location:      r.Location,
		Reason:        r.Reason,
		DetectedAt:    r.DetectedAt.UTC(),
		CorrelationID: r.CorrelationID,
		ReceivedAt:    r.ReceivedAt.UTC(),
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (s *NoticeStore) ByPlate(ctx context.Context, plate string) ([]notification.Record, error) {
	var rows []noticeModel

	if err := s.db.WithContext(ctx).Where("plate = ?", plate).Order("received_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]notification.Record, 0, len(rows))
	for _, m := range rows {
		out = append(out, notification.Record{
			ID:            m.ID,
			Kind:          notification.Kind(m.Kind),
			Plate:         m.Plate,
			Location:      m.Location,
			Reason:        m.Reason,
			DetectedAt:    m.DetectedAt.UTC(),
			CorrelationID: m.CorrelationID,
			ReceivedAt:    m.ReceivedAt.UTC(),
		})
	}

	return out, nil
}
