package models

import (
	"encoding/hex"
	"encoding/json"
	"time"
)

// PacketRecord is the JSON row written for each drained packet.
type PacketRecord struct {
	Timestamp   time.Time `json:"ts"`
	EventID     string    `json:"event_id"`
	Sequence    uint64    `json:"sequence"`
	TimestampNs uint64    `json:"timestamp_ns"`
	PayloadLen  uint32    `json:"payload_len"`
	Flags       uint16    `json:"flags"`
	PayloadHead string    `json:"payload_head"`
	Truncated   bool      `json:"truncated,omitempty"`
}

// RecordFromPacket converts a drained packet into an output row.
func RecordFromPacket(p *EventPacket) *PacketRecord {
	return &PacketRecord{
		Timestamp:   TimeFromNanos(p.TimestampNs),
		EventID:     p.EventID.String(),
		Sequence:    p.Sequence,
		TimestampNs: p.TimestampNs,
		PayloadLen:  p.PayloadLen,
		Flags:       p.Flags,
		PayloadHead: hex.EncodeToString(p.Payload()),
		Truncated:   p.Truncated(),
	}
}

// RecordsFromPackets converts a drained batch, preserving order.
func RecordsFromPackets(packets []EventPacket) []*PacketRecord {
	out := make([]*PacketRecord, 0, len(packets))
	for i := range packets {
		out = append(out, RecordFromPacket(&packets[i]))
	}
	return out
}

// QuarantineRecord describes an envelope rejected at intake.
type QuarantineRecord struct {
	ReceivedAt    time.Time `json:"received_at"`
	EventID       string    `json:"event_id,omitempty"`
	Subject       string    `json:"subject,omitempty"`
	Sequence      uint64    `json:"sequence,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	PayloadLen    int       `json:"payload_len"`
	Reason        string    `json:"reason"`

	// CanonicalEnvelope is the signed canonical form, when one was computed.
	CanonicalEnvelope json.RawMessage `json:"canonical_envelope,omitempty"`
}
