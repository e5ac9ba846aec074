package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
)

const (
	arrivalColumn     = "arrival_at_server"
	tenantClockRowID  = 1
	queryDefaultLimit = 500
)

// tenantClock persists the highest arrival timestamp handed out for a tenant.
type tenantClock struct {
	ID          int64 `gorm:"column:id;primaryKey"`
	LastArrival int64 `gorm:"column:last_arrival;not null;default:0"`
}

func (tenantClock) TableName() string {
	return "tenant_clock"
}

// StampFunc hands out the next arrival timestamp inside a write transaction.
// Values are unix milliseconds and strictly increase per tenant.
type StampFunc func() int64

// Tenant is the open store of one tenant. Writes are serialized; reads are not.
type Tenant struct {
	id    string
	db    *gorm.DB
	clock func() time.Time

	writeMu     sync.Mutex
	lastArrival int64
	closed      atomic.Bool
}

func newTenant(ctx context.Context, id string, db *gorm.DB, clock func() time.Time, models []any) (*Tenant, error) {
	watermark, err := loadWatermark(db.WithContext(ctx), models)
	if err != nil {
		return nil, err
	}
	return &Tenant{
		id:          id,
		db:          db,
		clock:       clock,
		lastArrival: watermark,
	}, nil
}

// ID returns the tenant identifier.
func (t *Tenant) ID() string {
	return t.id
}

// Write runs fn in a transaction while holding the tenant write lock.
func (t *Tenant) Write(ctx context.Context, fn func(tx *gorm.DB, stamp StampFunc) error) error {
	if t.closed.Load() {
		return t.closedError()
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed.Load() {
		return t.closedError()
	}

	next := t.lastArrival
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stamped := false
		stamp := func() int64 {
			now := t.clock().UnixMilli()
			if now <= next {
				now = next + 1
			}
			next = now
			stamped = true
			return now
		}
		if err := fn(tx, stamp); err != nil {
			return err
		}
		if !stamped {
			return nil
		}
		return tx.Save(&tenantClock{ID: tenantClockRowID, LastArrival: next}).Error
	})
	if err != nil {
		return classify(err)
	}
	t.lastArrival = next
	return nil
}

// Read runs fn in a transaction without taking the write lock. Every query in
// fn sees the same committed snapshot.
func (t *Tenant) Read(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if t.closed.Load() {
		return t.closedError()
	}
	return classify(t.db.WithContext(ctx).Transaction(fn))
}

// Watermark returns the highest committed arrival timestamp.
func (t *Tenant) Watermark() int64 {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.lastArrival
}

func (t *Tenant) closedError() error {
	return fmt.Errorf("%w: tenant %s store closed", ErrStoreUnavailable, t.id)
}

// close waits for an in-flight write to commit before releasing the pool.
func (t *Tenant) close() error {
	t.closed.Store(true)
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	sqlDB, err := t.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Query returns rows of T whose arrival timestamp is greater than since, in
// ascending arrival order.
func Query[T any](ctx context.Context, tenant *Tenant, since int64, limit int) ([]T, error) {
	if limit <= 0 {
		limit = queryDefaultLimit
	}
	var rows []T
	err := tenant.Read(ctx, func(tx *gorm.DB) error {
		var err error
		rows, err = QueryTx[T](tx, since, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// QueryTx is Query inside an open Read or Write transaction.
func QueryTx[T any](tx *gorm.DB, since int64, limit int) ([]T, error) {
	if limit <= 0 {
		limit = queryDefaultLimit
	}
	var rows []T
	err := tx.Where(arrivalColumn+" > ?", since).
		Order(arrivalColumn + " ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func loadWatermark(db *gorm.DB, models []any) (int64, error) {
	var clock tenantClock
	err := db.Where("id = ?", tenantClockRowID).Take(&clock).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("load tenant clock: %w", err)
	}
	watermark := clock.LastArrival

	migrator := db.Migrator()
	for _, model := range models {
		if !migrator.HasColumn(model, arrivalColumn) {
			continue
		}
		var highest int64
		row := db.Model(model).Select("COALESCE(MAX(" + arrivalColumn + "), 0)").Row()
		if err := row.Scan(&highest); err != nil {
			return 0, fmt.Errorf("load arrival watermark: %w", err)
		}
		if highest > watermark {
			watermark = highest
		}
	}
	return watermark, nil
}
