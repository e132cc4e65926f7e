package rules

import (
	"sync"
	"sync/atomic"

	"tachyon/pkg/models"
)

// Tagger computes packet flag bits for an envelope.
type Tagger interface {
	Apply(env *models.Envelope) uint16
}

// NoopTagger sets no flags.
type NoopTagger struct{}

// Apply returns zero.
func (NoopTagger) Apply(*models.Envelope) uint16 {
	return 0
}

// RCUEngine holds the active ruleset snapshot behind an atomic pointer.
//
// Readers load the pointer and consult the snapshot without taking any lock.
// Writers build a complete replacement off to the side and publish it with a
// single atomic store; superseded snapshots are reclaimed by the garbage
// collector once the last reader drops its reference.
type RCUEngine struct {
	current atomic.Pointer[Snapshot]

	// writeMu serializes writers so generations are published in order.
	writeMu sync.Mutex
}

// NewRCUEngine returns an engine whose initial snapshot allows nothing.
func NewRCUEngine() *RCUEngine {
	e := &RCUEngine{}
	e.current.Store(newSnapshot(nil, 0))
	return e
}

// Allows checks subject against the current snapshot. It never blocks.
func (e *RCUEngine) Allows(subject string) bool {
	return e.current.Load().Allows(subject)
}

// Current returns the active snapshot. The result is immutable and remains
// valid for as long as the caller holds it.
func (e *RCUEngine) Current() *Snapshot {
	return e.current.Load()
}

// Generation returns the generation of the active snapshot.
func (e *RCUEngine) Generation() uint64 {
	return e.current.Load().Generation()
}

// Replace builds a new snapshot from subjects and installs it atomically.
func (e *RCUEngine) Replace(subjects []string) *Snapshot {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.publish(subjects)
}

// Update performs a read-modify-write of the subject list. fn receives a
// private copy of the current subjects and returns the full replacement.
func (e *RCUEngine) Update(fn func(subjects []string) []string) *Snapshot {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.publish(fn(e.current.Load().Subjects()))
}

// Allow adds subjects by publishing a new snapshot.
func (e *RCUEngine) Allow(subjects ...string) *Snapshot {
	return e.Update(func(current []string) []string {
		return append(current, subjects...)
	})
}

// Revoke removes subjects by publishing a new snapshot.
func (e *RCUEngine) Revoke(subjects ...string) *Snapshot {
	drop := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		drop[s] = struct{}{}
	}
	return e.Update(func(current []string) []string {
		kept := current[:0]
		for _, s := range current {
			if _, ok := drop[s]; !ok {
				kept = append(kept, s)
			}
		}
		return kept
	})
}

// publish must be called with writeMu held.
func (e *RCUEngine) publish(subjects []string) *Snapshot {
	next := newSnapshot(subjects, e.current.Load().Generation()+1)
	e.current.Store(next)
	return next
}
