package rules

import (
	"context"
	"fmt"
	"time"

	"tachyon/internal/logger"
)

// Reloader periodically rebuilds the ruleset from its sources and installs it
// when the subject set changed.
type Reloader struct {
	engine   *RCUEngine
	sources  []Source
	interval time.Duration
	onSwap   func(*Snapshot)
}

// NewReloader creates a reloader. The subject lists of all sources are merged.
func NewReloader(engine *RCUEngine, interval time.Duration, sources ...Source) *Reloader {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reloader{engine: engine, sources: sources, interval: interval}
}

// OnSwap registers a callback invoked after each installed snapshot.
func (r *Reloader) OnSwap(fn func(*Snapshot)) {
	r.onSwap = fn
}

// Reload loads every source once. If any source fails the active snapshot is
// kept. It reports whether a new snapshot was installed.
func (r *Reloader) Reload(ctx context.Context) (bool, error) {
	var merged []string
	for _, src := range r.sources {
		subjects, err := src.Load(ctx)
		if err != nil {
			return false, fmt.Errorf("load %s: %w", src.Name(), err)
		}
		merged = append(merged, subjects...)
	}

	candidate := NewSnapshot(merged)
	if candidate.SameSubjects(r.engine.Current()) {
		return false, nil
	}

	installed := r.engine.Replace(merged)
	if r.onSwap != nil {
		r.onSwap(installed)
	}
	return true, nil
}

// Run reloads on every tick until ctx is done.
func (r *Reloader) Run(ctx context.Context) error {
	logger.Infof("Ruleset reloader started: sources=%d interval=%s", len(r.sources), r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			swapped, err := r.Reload(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warnf("Ruleset reload failed, keeping generation %d: %v", r.engine.Generation(), err)
				continue
			}
			if swapped {
				cur := r.engine.Current()
				logger.Infof("Ruleset replaced: generation=%d subjects=%d", cur.Generation(), cur.Len())
			}
		}
	}
}
