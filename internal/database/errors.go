package database

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrStoreUnavailable reports that a tenant store could not be opened or written.
	ErrStoreUnavailable = errors.New("database: store unavailable")
	// ErrConstraintViolation reports a foreign-key or uniqueness breach.
	ErrConstraintViolation = errors.New("database: constraint violation")
	// ErrTenantUnknown reports that no store exists for the tenant.
	ErrTenantUnknown = errors.New("database: tenant unknown")
	// ErrInvalidTenantID reports a tenant identifier that cannot name a store file.
	ErrInvalidTenantID = errors.New("database: invalid tenant id")
)

// sqlite primary result codes.
const (
	sqliteReadOnly   = 8
	sqliteIOErr      = 10
	sqliteCorrupt    = 11
	sqliteFull       = 13
	sqliteCantOpen   = 14
	sqliteConstraint = 19
	sqliteNotADB     = 26
)

type codedError interface {
	Code() int
}

// classify maps driver failures onto the store error taxonomy. Errors that are
// already classified, or that are not storage failures, pass through unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConstraintViolation), errors.Is(err, ErrStoreUnavailable):
		return err
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	}

	var coded codedError
	if !errors.As(err, &coded) {
		return err
	}
	switch coded.Code() & 0xff {
	case sqliteConstraint:
		return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	case sqliteReadOnly, sqliteIOErr, sqliteCorrupt, sqliteFull, sqliteCantOpen, sqliteNotADB:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
