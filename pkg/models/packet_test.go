package models

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"strconv"
	"testing"
	"unsafe"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventPacketIs64Bytes(t *testing.T) {
	require.Equal(t, uintptr(PacketSize), unsafe.Sizeof(EventPacket{}))
	require.Equal(t, uintptr(40), unsafe.Offsetof(EventPacket{}.PayloadHead))
	require.Equal(t, uintptr(32), unsafe.Offsetof(EventPacket{}.PayloadLen))
}

func TestNewEventPacketShortPayloadIsZeroPadded(t *testing.T) {
	for n := 0; n <= PayloadHeadSize; n++ {
		payload := bytes.Repeat([]byte{0xAB}, n)
		p, err := NewEventPacket(NewEventID(1, 2), 3, 4, payload, 0x1)
		require.NoError(t, err)

		assert.Equal(t, uint32(n), p.PayloadLen)
		var want [PayloadHeadSize]byte
		copy(want[:], payload)
		assert.Equal(t, want, p.PayloadHead, "payload length %d", n)
		assert.Equal(t, payload, p.Payload())
		assert.False(t, p.Truncated())
		assert.Zero(t, p.Reserved)
	}
}

func TestNewEventPacketLongPayloadIsTruncated(t *testing.T) {
	payload := []byte("abcdefghijklmnopqrstuvwxyz")
	p, err := NewEventPacket(NewEventID(0, 9), 10, 11, payload, 0x1)
	require.NoError(t, err)

	assert.Equal(t, uint32(len(payload)), p.PayloadLen)
	assert.Equal(t, payload[:PayloadHeadSize], p.PayloadHead[:])
	assert.Equal(t, payload[:PayloadHeadSize], p.Payload())
	assert.True(t, p.Truncated())
}

func TestNewEventPacketDoesNotAliasPayload(t *testing.T) {
	payload := []byte("mutable")
	p, err := NewEventPacket(EventID{}, 1, 1, payload, 0)
	require.NoError(t, err)

	payload[0] = 'X'
	assert.Equal(t, byte('m'), p.PayloadHead[0])
}

func TestPayloadLengthOverflow(t *testing.T) {
	n, err := PayloadLength(math.MaxInt32)
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxInt32), n)

	if strconv.IntSize == 64 {
		_, err = PayloadLength(math.MaxInt)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPayloadOverflow))
	}

	_, err = PayloadLength(-1)
	assert.ErrorIs(t, err, ErrPayloadOverflow)
}

func TestMarshalBinaryLayout(t *testing.T) {
	id := NewEventID(0x0102030405060708, 0x1112131415161718)
	p, err := NewEventPacket(id, 42, 1700000000000000000, []byte("hello"), 0xBEEF)
	require.NoError(t, err)

	buf, err := p.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, PacketSize)

	le := binary.LittleEndian
	assert.Equal(t, id.Lo, le.Uint64(buf[0:8]))
	assert.Equal(t, id.Hi, le.Uint64(buf[8:16]))
	assert.Equal(t, uint64(42), le.Uint64(buf[16:24]))
	assert.Equal(t, uint64(1700000000000000000), le.Uint64(buf[24:32]))
	assert.Equal(t, uint32(5), le.Uint32(buf[32:36]))
	assert.Equal(t, uint16(0xBEEF), le.Uint16(buf[36:38]))
	assert.Equal(t, []byte("hello"), buf[40:45])
	assert.Equal(t, make([]byte, 19), buf[45:64])

	var decoded EventPacket
	require.NoError(t, decoded.UnmarshalBinary(buf))
	assert.True(t, decoded == p)

	appended, err := p.AppendBinary([]byte{0xFF})
	require.NoError(t, err)
	assert.Equal(t, buf, appended[1:])
}

func TestUnmarshalBinaryRejectsWrongSize(t *testing.T) {
	var p EventPacket
	err := p.UnmarshalBinary(make([]byte, 63))
	assert.ErrorIs(t, err, ErrPacketSize)
}

func TestEventIDUUIDConversion(t *testing.T) {
	u := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	id := EventIDFromUUID(u)
	assert.Equal(t, uint64(0x0011223344556677), id.Hi)
	assert.Equal(t, uint64(0x8899aabbccddeeff), id.Lo)
	assert.Equal(t, u, id.UUID())
	assert.Equal(t, u.String(), id.String())

	parsed, err := ParseEventID("00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseEventID("")
	assert.Error(t, err)
	_, err = ParseEventID("not-a-uuid")
	assert.Error(t, err)
}

func TestRecordFromPacket(t *testing.T) {
	p, err := NewEventPacket(NewEventID(0, 1), 7, 2_000_000_000, []byte("abcdefghijklmnopqrstuvwxyz"), FlagSigmaMatch)
	require.NoError(t, err)

	rec := RecordFromPacket(&p)
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", rec.EventID)
	assert.Equal(t, uint64(7), rec.Sequence)
	assert.Equal(t, int64(2), rec.Timestamp.Unix())
	assert.Equal(t, "6162636465666768696a6b6c6d6e6f7071727374", rec.PayloadHead)
	assert.True(t, rec.Truncated)
	assert.True(t, p.HasFlag(FlagSigmaMatch))
}

func TestTimeFromNanosDoesNotWrap(t *testing.T) {
	assert.Equal(t, int64(0), TimeFromNanos(0).UnixNano())
	assert.Equal(t, int64(math.MaxInt64), TimeFromNanos(math.MaxInt64).UnixNano())

	far := TimeFromNanos(math.MaxUint64)
	assert.True(t, far.After(TimeFromNanos(math.MaxInt64)))
	assert.Equal(t, int64(18446744073), far.Unix())
	assert.Equal(t, 709551615, far.Nanosecond())
}
