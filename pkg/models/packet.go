package models

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unsafe"
)

const (
	// PacketSize is the exact size of an EventPacket in memory and on the wire.
	PacketSize = 64

	// PayloadHeadSize is the number of payload bytes captured in a packet.
	PayloadHeadSize = 20
)

// Packet flag bits set by the ingest pipeline. Other bits are caller-defined.
const (
	FlagSigmaMatch uint16 = 1 << 0
)

// ErrPayloadOverflow is returned when a payload length does not fit the 32-bit length field.
var ErrPayloadOverflow = errors.New("payload exceeds u32::MAX")

// ErrPacketSize is returned when decoding a buffer that is not exactly PacketSize bytes.
var ErrPacketSize = errors.New("packet buffer must be 64 bytes")

// EventPacket is a fixed-layout 64-byte record for one ingested event.
//
// Layout (little-endian, byte offsets):
//
//	 0  event_id low 64 bits
//	 8  event_id high 64 bits
//	16  sequence
//	24  timestamp_ns
//	32  payload_len
//	36  flags
//	38  reserved
//	40  payload_head[20]
//	60  padding[4]
type EventPacket struct {
	EventID     EventID
	Sequence    uint64
	TimestampNs uint64
	PayloadLen  uint32
	Flags       uint16
	Reserved    uint16
	PayloadHead [PayloadHeadSize]byte
	_           [4]byte
}

// Compile-time layout checks: both array lengths must be non-negative constants.
var (
	_ [PacketSize - unsafe.Sizeof(EventPacket{})]byte
	_ [unsafe.Sizeof(EventPacket{}) - PacketSize]byte
	_ [40 - unsafe.Offsetof(EventPacket{}.PayloadHead)]byte
	_ [unsafe.Offsetof(EventPacket{}.PayloadHead) - 40]byte
)

// NewEventPacket captures the first PayloadHeadSize bytes of payload and records
// its full length. Longer payloads are truncated silently.
func NewEventPacket(id EventID, sequence, timestampNs uint64, payload []byte, flags uint16) (EventPacket, error) {
	payloadLen, err := PayloadLength(len(payload))
	if err != nil {
		return EventPacket{}, err
	}

	p := EventPacket{
		EventID:     id,
		Sequence:    sequence,
		TimestampNs: timestampNs,
		PayloadLen:  payloadLen,
		Flags:       flags,
	}
	copy(p.PayloadHead[:], payload)
	return p, nil
}

// PayloadLength converts a byte count to the packet's 32-bit length field.
func PayloadLength(n int) (uint32, error) {
	if n < 0 || uint64(n) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadOverflow, n)
	}
	return uint32(n), nil
}

// Payload returns the captured payload prefix.
func (p *EventPacket) Payload() []byte {
	n := int(min(p.PayloadLen, PayloadHeadSize))
	out := make([]byte, n)
	copy(out, p.PayloadHead[:n])
	return out
}

// Truncated reports whether the original payload was longer than the captured prefix.
func (p *EventPacket) Truncated() bool {
	return p.PayloadLen > PayloadHeadSize
}

// HasFlag reports whether every bit in flag is set.
func (p *EventPacket) HasFlag(flag uint16) bool {
	return p.Flags&flag == flag
}

// MarshalBinary encodes the packet into exactly PacketSize bytes.
func (p EventPacket) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PacketSize)
	p.encode(buf)
	return buf, nil
}

// AppendBinary appends the PacketSize-byte encoding of p to b.
func (p EventPacket) AppendBinary(b []byte) ([]byte, error) {
	start := len(b)
	b = append(b, make([]byte, PacketSize)...)
	p.encode(b[start:])
	return b, nil
}

func (p EventPacket) encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], p.EventID.Lo)
	le.PutUint64(buf[8:16], p.EventID.Hi)
	le.PutUint64(buf[16:24], p.Sequence)
	le.PutUint64(buf[24:32], p.TimestampNs)
	le.PutUint32(buf[32:36], p.PayloadLen)
	le.PutUint16(buf[36:38], p.Flags)
	le.PutUint16(buf[38:40], p.Reserved)
	copy(buf[40:60], p.PayloadHead[:])
	clear(buf[60:64])
}

// UnmarshalBinary decodes a PacketSize-byte buffer produced by MarshalBinary.
func (p *EventPacket) UnmarshalBinary(data []byte) error {
	if len(data) != PacketSize {
		return fmt.Errorf("%w: got %d", ErrPacketSize, len(data))
	}
	le := binary.LittleEndian
	*p = EventPacket{
		EventID:     EventID{Lo: le.Uint64(data[0:8]), Hi: le.Uint64(data[8:16])},
		Sequence:    le.Uint64(data[16:24]),
		TimestampNs: le.Uint64(data[24:32]),
		PayloadLen:  le.Uint32(data[32:36]),
		Flags:       le.Uint16(data[36:38]),
		Reserved:    le.Uint16(data[38:40]),
	}
	copy(p.PayloadHead[:], data[40:60])
	return nil
}
