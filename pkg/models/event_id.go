package models

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EventID is a 128-bit event identifier. The low half is stored first so the
// in-memory layout matches a little-endian u128.
type EventID struct {
	Lo uint64
	Hi uint64
}

// NewEventID builds an identifier from its high and low 64-bit halves.
func NewEventID(hi, lo uint64) EventID {
	return EventID{Lo: lo, Hi: hi}
}

// EventIDFromUUID interprets the UUID bytes as a big-endian 128-bit integer.
func EventIDFromUUID(u uuid.UUID) EventID {
	return EventID{
		Hi: binary.BigEndian.Uint64(u[0:8]),
		Lo: binary.BigEndian.Uint64(u[8:16]),
	}
}

// ParseEventID accepts a UUID string or a 32-digit hex string.
func ParseEventID(s string) (EventID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return EventID{}, fmt.Errorf("empty event id")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return EventID{}, fmt.Errorf("parse event id %q: %w", s, err)
	}
	return EventIDFromUUID(u), nil
}

// UUID returns the identifier in UUID form.
func (id EventID) UUID() uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint64(u[0:8], id.Hi)
	binary.BigEndian.PutUint64(u[8:16], id.Lo)
	return u
}

// IsZero reports whether both halves are zero.
func (id EventID) IsZero() bool {
	return id.Hi == 0 && id.Lo == 0
}

func (id EventID) String() string {
	return id.UUID().String()
}
