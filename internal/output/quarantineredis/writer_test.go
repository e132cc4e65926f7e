package quarantineredis

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon/pkg/models"
)

func quarantineRecords(from, to int) []*models.QuarantineRecord {
	var out []*models.QuarantineRecord
	for i := from; i <= to; i++ {
		out = append(out, &models.QuarantineRecord{
			ReceivedAt: time.Unix(int64(i), 0).UTC(),
			Subject:    "svc.denied",
			PayloadLen: i,
			Reason:     fmt.Sprintf("reason-%d", i),
		})
	}
	return out
}

func reasons(t *testing.T, mr *miniredis.Miniredis, key string) []string {
	t.Helper()
	items, err := mr.List(key)
	require.NoError(t, err)
	out := make([]string, 0, len(items))
	for _, item := range items {
		var rec models.QuarantineRecord
		require.NoError(t, json.Unmarshal([]byte(item), &rec))
		out = append(out, rec.Reason)
	}
	return out
}

func TestWriteQuarantineTrimsToNewest(t *testing.T) {
	mr := miniredis.RunT(t)
	w, err := NewWriter(Config{Addr: mr.Addr(), MaxLen: 3})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteQuarantine(quarantineRecords(1, 2)))
	assert.Equal(t, []string{"reason-1", "reason-2"}, reasons(t, mr, "tachyon:quarantine"))

	require.NoError(t, w.WriteQuarantine(quarantineRecords(3, 5)))
	assert.Equal(t, []string{"reason-3", "reason-4", "reason-5"}, reasons(t, mr, "tachyon:quarantine"))

	require.NoError(t, w.WriteQuarantine(nil))
	assert.Len(t, reasons(t, mr, "tachyon:quarantine"), 3)
}

func TestWriteQuarantineUnbounded(t *testing.T) {
	mr := miniredis.RunT(t)
	w, err := NewWriter(Config{Addr: mr.Addr(), Key: "q"})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteQuarantine(quarantineRecords(1, 10)))
	assert.Len(t, reasons(t, mr, "q"), 10)
}

func TestWriteQuarantineKeepsCanonicalEnvelope(t *testing.T) {
	mr := miniredis.RunT(t)
	w, err := NewWriter(Config{Addr: mr.Addr(), Key: "q"})
	require.NoError(t, err)
	defer w.Close()

	rec := &models.QuarantineRecord{
		Reason:            "signature verification failed",
		CanonicalEnvelope: json.RawMessage(`{"header":{"type":"t"},"meta":{},"payload":{}}`),
	}
	require.NoError(t, w.WriteQuarantine([]*models.QuarantineRecord{rec}))

	items, err := mr.List("q")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0], `"canonical_envelope":{"header":{"type":"t"},"meta":{},"payload":{}}`)
}

func TestNewWriterFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewWriter(Config{Addr: addr})
	assert.Error(t, err)
}
