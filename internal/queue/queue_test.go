package queue

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon/pkg/models"
)

func packet(t *testing.T, seq uint64) models.EventPacket {
	t.Helper()
	p, err := models.NewEventPacket(models.NewEventID(0, seq), seq, seq*1000, []byte("payload"), 0)
	require.NoError(t, err)
	return p
}

func sequences(packets []models.EventPacket) []uint64 {
	out := make([]uint64, 0, len(packets))
	for _, p := range packets {
		out = append(out, p.Sequence)
	}
	return out
}

func TestSubmitThenDrainPreservesOrder(t *testing.T) {
	q, err := New(0)
	require.NoError(t, err)

	for i, seq := range []uint64{1, 2, 3} {
		depth, err := q.Submit(packet(t, seq))
		require.NoError(t, err)
		assert.Equal(t, i+1, depth)
	}

	drained, err := q.DrainAll()
	require.NoError(t, err)
	assert.Len(t, drained, 3)
	assert.Equal(t, []uint64{1, 2, 3}, sequences(drained))

	again, err := q.DrainAll()
	require.NoError(t, err)
	assert.Empty(t, again)

	depth, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestGrowthKeepsOrderAndAlignment(t *testing.T) {
	q, err := New(2)
	require.NoError(t, err)

	for seq := uint64(1); seq <= 100; seq++ {
		_, err := q.Submit(packet(t, seq))
		require.NoError(t, err)
		if seq%10 == 0 {
			batch, err := q.DrainBatch(3)
			require.NoError(t, err)
			require.Len(t, batch, 3)
		}
	}

	q.mu.Lock()
	require.NotEmpty(t, q.packets)
	first := &q.packets[:cap(q.packets)][0]
	q.mu.Unlock()
	assert.Zero(t, uintptr(unsafe.Pointer(first))%models.PacketSize)

	rest, err := q.DrainAll()
	require.NoError(t, err)
	assert.Len(t, rest, 70)
	for i := 1; i < len(rest); i++ {
		assert.Less(t, rest[i-1].Sequence, rest[i].Sequence)
	}
}

func TestAlignedPackets(t *testing.T) {
	for _, n := range []int{0, 1, 7, 4096} {
		s := alignedPackets(n)
		require.Zero(t, len(s))
		require.GreaterOrEqual(t, cap(s), 1)
		base := unsafe.SliceData(s[:cap(s)])
		assert.Zero(t, uintptr(unsafe.Pointer(base))%models.PacketSize, "capacity %d", n)
	}
}

func TestDrainBatchTakesFromHead(t *testing.T) {
	q, err := New(8)
	require.NoError(t, err)
	for seq := uint64(1); seq <= 5; seq++ {
		_, err := q.Submit(packet(t, seq))
		require.NoError(t, err)
	}

	first, err := q.DrainBatch(2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, sequences(first))

	depth, err := q.Submit(packet(t, 6))
	require.NoError(t, err)
	assert.Equal(t, 4, depth)

	rest, err := q.DrainBatch(0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5, 6}, sequences(rest))
}

func TestConcurrentSubmitAndDrainLosesNothing(t *testing.T) {
	const producers = 8
	const perProducer = 2000

	q, err := New(64)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				seq := uint64(w*perProducer + i)
				p, err := models.NewEventPacket(models.NewEventID(uint64(w), uint64(i)), seq, 0, nil, 0)
				if err != nil {
					t.Error(err)
					return
				}
				if _, err := q.Submit(p); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}

	var mu sync.Mutex
	var collected []models.EventPacket
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			batch, err := q.DrainAll()
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			collected = append(collected, batch...)
			n := len(collected)
			mu.Unlock()
			if n == producers*perProducer {
				return
			}
		}
	}()

	wg.Wait()
	<-done

	final, err := q.DrainAll()
	require.NoError(t, err)
	collected = append(collected, final...)
	require.Len(t, collected, producers*perProducer)

	seen := make(map[uint64]struct{}, len(collected))
	lastByProducer := make(map[uint64]uint64)
	for _, p := range collected {
		_, dup := seen[p.Sequence]
		require.False(t, dup, "duplicate sequence %d", p.Sequence)
		seen[p.Sequence] = struct{}{}

		if last, ok := lastByProducer[p.EventID.Hi]; ok {
			require.Less(t, last, p.EventID.Lo, "producer %d out of order", p.EventID.Hi)
		}
		lastByProducer[p.EventID.Hi] = p.EventID.Lo
	}

	stats := q.Stats()
	assert.Equal(t, uint64(producers*perProducer), stats.Submitted)
	assert.Equal(t, uint64(producers*perProducer), stats.Drained)
	assert.Zero(t, stats.Depth)
}

func TestMaxDepthRejectsWhenFull(t *testing.T) {
	q, err := New(4, WithMaxDepth(2))
	require.NoError(t, err)

	_, err = q.Submit(packet(t, 1))
	require.NoError(t, err)
	_, err = q.Submit(packet(t, 2))
	require.NoError(t, err)

	_, err = q.Submit(packet(t, 3))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), q.Stats().Rejected)

	_, err = q.DrainAll()
	require.NoError(t, err)
	depth, err := q.Submit(packet(t, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	_, err = New(4, WithMaxDepth(-1))
	assert.Error(t, err)
}

func TestPanicInsideCriticalSectionPoisonsQueue(t *testing.T) {
	q, err := New(4)
	require.NoError(t, err)
	_, err = q.Submit(packet(t, 1))
	require.NoError(t, err)

	commitHook = func() { panic("boom") }
	assert.Panics(t, func() { _, _ = q.Submit(packet(t, 2)) })
	commitHook = nil

	_, err = q.Submit(packet(t, 3))
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = q.DrainAll()
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = q.Len()
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, -1, q.Stats().Depth)
}

func TestMetricsAreRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	q, err := New(4, WithMetrics(reg, "ingest"), WithMaxDepth(2))
	require.NoError(t, err)

	for seq := uint64(1); seq <= 3; seq++ {
		_, _ = q.Submit(packet(t, seq))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(q.metrics.submitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(q.metrics.rejected))
	assert.Equal(t, 2.0, testutil.ToFloat64(q.metrics.depth))

	_, err = q.DrainAll()
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(q.metrics.drained))
	assert.Equal(t, 0.0, testutil.ToFloat64(q.metrics.depth))

	_, err = New(4, WithMetrics(reg, "ingest"))
	assert.Error(t, err, "duplicate registration must fail")
}

func TestDrainReusesStorage(t *testing.T) {
	q, err := New(8)
	require.NoError(t, err)
	base := unsafe.Pointer(unsafe.SliceData(q.packets))

	for round := uint64(0); round < 4; round++ {
		for seq := uint64(1); seq <= 5; seq++ {
			_, err := q.Submit(packet(t, round*10+seq))
			require.NoError(t, err)
		}
		drained, err := q.DrainAll()
		require.NoError(t, err)
		assert.Equal(t, []uint64{round*10 + 1, round*10 + 2, round*10 + 3, round*10 + 4, round*10 + 5}, sequences(drained))
		assert.Equal(t, base, unsafe.Pointer(unsafe.SliceData(q.packets)), "storage must not be reallocated")
		assert.Equal(t, 8, cap(q.packets))
	}

	_, err = q.Submit(packet(t, 99))
	require.NoError(t, err)
	drained, err := q.DrainAll()
	require.NoError(t, err)
	_, err = q.Submit(packet(t, 100))
	require.NoError(t, err)
	assert.Equal(t, []uint64{99}, sequences(drained), "drained packets must not alias queue storage")
}

func TestDrainShrinksAfterBurst(t *testing.T) {
	q, err := New(2)
	require.NoError(t, err)
	for seq := uint64(1); seq <= 64; seq++ {
		_, err := q.Submit(packet(t, seq))
		require.NoError(t, err)
	}
	require.Greater(t, cap(q.packets), shrinkFactor*2)

	drained, err := q.DrainBatch(60)
	require.NoError(t, err)
	assert.Len(t, drained, 60)
	assert.Greater(t, cap(q.packets), shrinkFactor*2, "storage kept while packets remain")

	_, err = q.DrainAll()
	require.NoError(t, err)
	assert.Equal(t, 2, cap(q.packets))
	assert.Zero(t, uintptr(unsafe.Pointer(unsafe.SliceData(q.packets)))%64)
}

func TestDepthGaugeMatchesQueueUnderConcurrency(t *testing.T) {
	reg := prometheus.NewRegistry()
	q, err := New(16, WithMetrics(reg, "ingest"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				p, err := models.NewEventPacket(models.NewEventID(uint64(w), uint64(i)), uint64(i), 0, nil, 0)
				if err == nil {
					_, _ = q.Submit(p)
				}
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = q.DrainBatch(3)
			}
		}()
	}
	wg.Wait()

	depth, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, float64(depth), testutil.ToFloat64(q.metrics.depth))
	assert.Equal(t, float64(q.Stats().Drained), testutil.ToFloat64(q.metrics.drained))
}
