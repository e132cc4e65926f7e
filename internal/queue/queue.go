// Package queue implements the packet ingest queue: a mutex-guarded FIFO of
// fixed-size EventPacket records supporting single appends and batch drains.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"

	"tachyon/pkg/models"
)

// DefaultCapacityHint is the initial reserved capacity when none is given.
const DefaultCapacityHint = 4096

// shrinkFactor bounds retained storage to this multiple of the capacity hint
// once the queue empties.
const shrinkFactor = 4

var (
	// ErrUnavailable is returned once a panic has escaped a critical section.
	// The queue contents can no longer be trusted and every later call fails.
	ErrUnavailable = errors.New("packet queue lock poisoned")

	// ErrQueueFull is returned by Submit when a maximum depth is configured and reached.
	ErrQueueFull = errors.New("packet queue full")
)

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Depth     int
	Submitted uint64
	Drained   uint64
	Rejected  uint64
}

// Queue is a FIFO of EventPacket values. Packets are copied in on Submit and
// ownership passes to the caller on drain.
type Queue struct {
	mu       sync.Mutex
	packets  []models.EventPacket
	head     int
	poisoned bool

	capacityHint int
	maxDepth     int
	metrics      *queueMetrics

	submitted atomic.Uint64
	drained   atomic.Uint64
	rejected  atomic.Uint64
}

// commitHook runs inside every critical section when set. Tests use it to
// inject panics.
var commitHook func()

// New creates a queue with capacityHint slots reserved up front.
func New(capacityHint int, opts ...Option) (*Queue, error) {
	if capacityHint <= 0 {
		capacityHint = DefaultCapacityHint
	}
	q := &Queue{capacityHint: capacityHint}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(q); err != nil {
			return nil, err
		}
	}
	q.packets = alignedPackets(capacityHint)
	return q, nil
}

// Submit appends one packet and returns the depth immediately after the append.
func (q *Queue) Submit(p models.EventPacket) (int, error) {
	var depth int
	err := q.withLock(func() error {
		if q.maxDepth > 0 && len(q.packets)-q.head >= q.maxDepth {
			q.rejected.Add(1)
			q.metrics.recordReject()
			return ErrQueueFull
		}
		if len(q.packets) == cap(q.packets) {
			q.grow()
		}
		q.packets = append(q.packets, p)
		depth = len(q.packets) - q.head
		q.submitted.Add(1)
		q.metrics.recordSubmit(depth)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return depth, nil
}

// DrainAll removes and returns every queued packet in submission order.
func (q *Queue) DrainAll() ([]models.EventPacket, error) {
	return q.drain(0)
}

// DrainBatch removes and returns up to limit packets from the head of the queue.
// A non-positive limit drains everything.
func (q *Queue) DrainBatch(limit int) ([]models.EventPacket, error) {
	return q.drain(limit)
}

// drain copies packets out of the queue storage, which is kept for reuse.
func (q *Queue) drain(limit int) ([]models.EventPacket, error) {
	var out []models.EventPacket
	err := q.withLock(func() error {
		n := len(q.packets) - q.head
		if limit > 0 {
			n = min(limit, n)
		}
		if n > 0 {
			out = make([]models.EventPacket, n)
			copy(out, q.packets[q.head:q.head+n])
			q.head += n
		}
		if q.head == len(q.packets) {
			q.reset()
		}
		q.drained.Add(uint64(n))
		q.metrics.recordDrain(n, len(q.packets)-q.head)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// reset empties the storage, releasing it only when a burst grew it well past
// the capacity hint.
func (q *Queue) reset() {
	if cap(q.packets) > shrinkFactor*q.capacityHint {
		q.packets = alignedPackets(q.capacityHint)
	} else {
		q.packets = q.packets[:0]
	}
	q.head = 0
}

// Len returns the current depth.
func (q *Queue) Len() (int, error) {
	var depth int
	err := q.withLock(func() error {
		depth = len(q.packets) - q.head
		return nil
	})
	return depth, err
}

// Stats returns the current counters. Depth is -1 when the queue is poisoned.
func (q *Queue) Stats() Stats {
	depth, err := q.Len()
	if err != nil {
		depth = -1
	}
	return Stats{
		Depth:     depth,
		Submitted: q.submitted.Load(),
		Drained:   q.drained.Load(),
		Rejected:  q.rejected.Load(),
	}
}

// withLock runs fn under the queue mutex. A panic inside fn poisons the queue
// before the mutex is released and is then re-raised to the caller.
func (q *Queue) withLock(fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.poisoned {
		return ErrUnavailable
	}

	completed := false
	defer func() {
		if !completed {
			q.poisoned = true
		}
	}()
	if commitHook != nil {
		commitHook()
	}
	err := fn()
	completed = true
	return err
}

// grow makes room for one more packet, compacting consumed head slots in
// place when that frees enough space and doubling the storage otherwise.
func (q *Queue) grow() {
	live := len(q.packets) - q.head
	if q.head > 0 && live < cap(q.packets)/2 {
		n := copy(q.packets[:cap(q.packets)], q.packets[q.head:])
		q.packets = q.packets[:n]
		q.head = 0
		return
	}
	next := alignedPackets(max(2*cap(q.packets), q.capacityHint))
	q.packets = append(next, q.packets[q.head:]...)
	q.head = 0
}
