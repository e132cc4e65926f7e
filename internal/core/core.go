// Package core exposes the ingest primitives to a host layer: packet
// submission and draining over one shared queue, and subject queries and
// whole-ruleset replacement over one rule engine.
//
// Core performs no logging and no retries. Errors are returned as-is so the
// host can map models.ErrPayloadOverflow, queue.ErrUnavailable and
// queue.ErrQueueFull onto its own error model.
package core

import (
	"tachyon/internal/queue"
	"tachyon/internal/rules"
	"tachyon/pkg/models"
)

// Core binds one packet queue and one rule engine.
type Core struct {
	queue  *queue.Queue
	engine *rules.RCUEngine
}

// New creates a Core over explicitly owned collaborators.
func New(q *queue.Queue, engine *rules.RCUEngine) *Core {
	return &Core{queue: q, engine: engine}
}

// NewDefault creates a Core with an unbounded queue and an empty ruleset.
func NewDefault() *Core {
	q, _ := queue.New(queue.DefaultCapacityHint)
	return New(q, rules.NewRCUEngine())
}

// SubmitEvent builds a packet and appends it, returning the new queue depth.
func (c *Core) SubmitEvent(id models.EventID, sequence, timestampNs uint64, payload []byte, flags uint16) (int, error) {
	p, err := models.NewEventPacket(id, sequence, timestampNs, payload, flags)
	if err != nil {
		return 0, err
	}
	return c.queue.Submit(p)
}

// SubmitPacket appends an already constructed packet.
func (c *Core) SubmitPacket(p models.EventPacket) (int, error) {
	return c.queue.Submit(p)
}

// DrainEvents discards every queued packet and returns how many were removed.
func (c *Core) DrainEvents() (int, error) {
	packets, err := c.queue.DrainAll()
	return len(packets), err
}

// DrainPackets removes and returns up to limit queued packets in submission
// order. A non-positive limit drains everything.
func (c *Core) DrainPackets(limit int) ([]models.EventPacket, error) {
	return c.queue.DrainBatch(limit)
}

// QueryRule reports whether subject is allowed by the current ruleset.
// Unknown subjects are denied.
func (c *Core) QueryRule(subject string) bool {
	return c.engine.Allows(subject)
}

// ReplaceRuleset installs a new ruleset built from subjects.
func (c *Core) ReplaceRuleset(subjects []string) {
	c.engine.Replace(subjects)
}

// Ruleset returns the active ruleset snapshot for inspection.
func (c *Core) Ruleset() *rules.Snapshot {
	return c.engine.Current()
}

// QueueStats returns the queue counters.
func (c *Core) QueueStats() queue.Stats {
	return c.queue.Stats()
}
