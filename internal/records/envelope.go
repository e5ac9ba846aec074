package records

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntity indicates a row payload that cannot be stored.
	ErrInvalidEntity = errors.New("records: invalid entity")
	// ErrInvalidEntityID indicates an empty or oversized entity identifier.
	ErrInvalidEntityID = errors.New("records: invalid entity id")
)

// Entity is implemented by every synchronized row type of this package.
type Entity interface {
	Kind() Kind
	Meta() *Envelope
	references() []reference
}

// Envelope carries the synchronization metadata shared by every entity.
type Envelope struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	LastEdit        int64  `gorm:"column:last_edit;not null" json:"lastEdit"`
	ArrivalAtServer int64  `gorm:"column:arrival_at_server;not null;default:0;index" json:"arrivalAtServer"`
	Deleted         Flag   `gorm:"column:deleted;not null;default:0" json:"deleted"`
	LastEditorID    string `gorm:"column:last_editor_id;size:190;not null;default:''" json:"lastEditorId"`
}

// Meta exposes the envelope of the embedding entity.
func (e *Envelope) Meta() *Envelope {
	return e
}

// NewEntityID validates raw input and returns a trimmed identifier.
func NewEntityID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return trimmed, nil
}

// Flag is a boolean stored as 0/1 and encoded on the wire as 0/1.
// JSON input also accepts true/false and quoted numbers.
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = false
		return nil
	}
	raw := strings.Trim(string(trimmed), `"`)
	switch strings.ToLower(raw) {
	case "true":
		*f = true
		return nil
	case "false", "":
		*f = false
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("flag: unexpected value %s", string(trimmed))
	}
	*f = value != 0
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// Value implements driver.Valuer.
func (f Flag) Value() (driver.Value, error) {
	if f {
		return int64(1), nil
	}
	return int64(0), nil
}

// Scan implements sql.Scanner.
func (f *Flag) Scan(src any) error {
	switch value := src.(type) {
	case nil:
		*f = false
	case int64:
		*f = value != 0
	case bool:
		*f = Flag(value)
	case []byte:
		return f.UnmarshalJSON(value)
	case string:
		return f.UnmarshalJSON([]byte(value))
	default:
		return fmt.Errorf("flag: unsupported scan type %T", src)
	}
	return nil
}

// Role is the privilege level of a tenant user.
type Role int

const (
	RoleDriver Role = 0
	RoleBoss   Role = 1
	RoleAdmin  Role = 2
)

// Valid reports whether the role is one of the known levels.
func (r Role) Valid() bool {
	return r >= RoleDriver && r <= RoleAdmin
}

func (r Role) String() string {
	switch r {
	case RoleDriver:
		return "driver"
	case RoleBoss:
		return "boss"
	case RoleAdmin:
		return "admin"
	}
	return "unknown"
}

type reference struct {
	field string
	kind  Kind
	id    string
}

// Decode parses a wire payload into an entity of the kind and validates it.
func Decode(kind Kind, raw []byte) (Entity, error) {
	entity, err := kind.New()
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, entity); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEntity, kind, err)
	}
	normalize(entity)
	if err := validate(entity); err != nil {
		return nil, err
	}
	return entity, nil
}

func normalize(entity Entity) {
	meta := entity.Meta()
	meta.ID = strings.TrimSpace(meta.ID)
	if location, ok := entity.(*Location); ok {
		location.SawmillIDs = sortedUnique(location.SawmillIDs)
		location.OversizeSawmillIDs = sortedUnique(location.OversizeSawmillIDs)
	}
}

func validate(entity Entity) error {
	meta := entity.Meta()
	if _, err := NewEntityID(meta.ID); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEntity, entity.Kind(), err)
	}
	if meta.LastEdit <= 0 {
		return fmt.Errorf("%w: %s %s: lastEdit must be positive", ErrInvalidEntity, entity.Kind(), meta.ID)
	}
	if user, ok := entity.(*User); ok && !user.Role.Valid() {
		return fmt.Errorf("%w: user %s: unknown role %d", ErrInvalidEntity, meta.ID, user.Role)
	}
	return nil
}

// Clone returns a deep copy of the entity.
func Clone(entity Entity) (Entity, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	copied, err := entity.Kind().New()
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, copied); err != nil {
		return nil, err
	}
	normalize(copied)
	return copied, nil
}
