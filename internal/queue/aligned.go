package queue

import (
	"unsafe"

	"tachyon/pkg/models"
)

// alignedPackets returns an empty slice with the given capacity whose backing
// array starts on a 64-byte boundary. Because a packet is exactly 64 bytes,
// every element is then cache-line aligned.
func alignedPackets(capacity int) []models.EventPacket {
	if capacity <= 0 {
		capacity = 1
	}
	raw := make([]byte, (capacity+1)*models.PacketSize)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	off := int((models.PacketSize - addr%models.PacketSize) % models.PacketSize)
	base := (*models.EventPacket)(unsafe.Pointer(&raw[off]))
	return unsafe.Slice(base, capacity)[:0]
}
