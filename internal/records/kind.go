package records

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the synchronized entity tables.
type Kind string

const (
	KindUser     Kind = "user"
	KindContract Kind = "contract"
	KindSawmill  Kind = "sawmill"
	KindLocation Kind = "location"
	KindNote     Kind = "note"
	KindPhoto    Kind = "photo"
	KindShipment Kind = "shipment"
)

const (
	updateSuffix   = "_update"
	deletionSuffix = "_deletion"
)

// ErrUnknownKind indicates an entity kind outside the closed set.
var ErrUnknownKind = errors.New("records: unknown entity kind")

// Kinds lists every entity kind with parents ahead of the rows that reference them.
func Kinds() []Kind {
	return []Kind{KindUser, KindContract, KindSawmill, KindLocation, KindNote, KindPhoto, KindShipment}
}

// ParseKind validates a raw kind name.
func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case KindUser, KindContract, KindSawmill, KindLocation, KindNote, KindPhoto, KindShipment:
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
}

// New returns an empty entity of the kind.
func (k Kind) New() (Entity, error) {
	switch k {
	case KindUser:
		return &User{}, nil
	case KindContract:
		return &Contract{}, nil
	case KindSawmill:
		return &Sawmill{}, nil
	case KindLocation:
		return &Location{}, nil
	case KindNote:
		return &Note{}, nil
	case KindPhoto:
		return &Photo{}, nil
	case KindShipment:
		return &Shipment{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
}

// UpdateMessage is the wire message type carrying rows of this kind.
func (k Kind) UpdateMessage() string {
	return string(k) + updateSuffix
}

// DeletionMessage is the wire message type carrying tombstones of this kind.
func (k Kind) DeletionMessage() string {
	return string(k) + deletionSuffix
}

// ParseMessageType splits "<kind>_update" and "<kind>_deletion" message types.
func ParseMessageType(messageType string) (Kind, bool, error) {
	switch {
	case strings.HasSuffix(messageType, updateSuffix):
		kind, err := ParseKind(strings.TrimSuffix(messageType, updateSuffix))
		return kind, false, err
	case strings.HasSuffix(messageType, deletionSuffix):
		kind, err := ParseKind(strings.TrimSuffix(messageType, deletionSuffix))
		return kind, true, err
	}
	return "", false, fmt.Errorf("%w: message type %q", ErrUnknownKind, messageType)
}
