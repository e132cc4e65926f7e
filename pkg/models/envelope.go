package models

import "time"

// TimeFromNanos converts an unsigned nanosecond count since the Unix epoch
// to UTC without wrapping for values above math.MaxInt64.
func TimeFromNanos(ns uint64) time.Time {
	return time.Unix(int64(ns/1_000_000_000), int64(ns%1_000_000_000)).UTC()
}

// Envelope is a normalized inbound event before it is reduced to a packet.
type Envelope struct {
	EventID       EventID
	Sequence      uint64
	TimestampNs   uint64
	Subject       string
	Type          string
	CorrelationID string
	SecurityLevel string
	SourceAgent   string // hex Ed25519 public key of the signer
	Signature     string // base64url Ed25519 signature
	Flags         uint16
	Payload       []byte

	Raw map[string]interface{} `json:"-"`
}

// Timestamp returns the envelope time as a UTC time.Time.
func (e *Envelope) Timestamp() time.Time {
	return TimeFromNanos(e.TimestampNs)
}
