package queue

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Queue.
type Option func(*Queue) error

// WithMaxDepth bounds the queue. Submit returns ErrQueueFull once depth
// reaches n. Zero leaves the queue unbounded.
func WithMaxDepth(n int) Option {
	return func(q *Queue) error {
		if n < 0 {
			return fmt.Errorf("max depth must not be negative: %d", n)
		}
		q.maxDepth = n
		return nil
	}
}

// WithMetrics registers queue collectors on reg, labelled with name.
// A nil registerer disables metrics.
func WithMetrics(reg prometheus.Registerer, name string) Option {
	return func(q *Queue) error {
		if reg == nil {
			return nil
		}
		m, err := newQueueMetrics(reg, name)
		if err != nil {
			return err
		}
		q.metrics = m
		return nil
	}
}
