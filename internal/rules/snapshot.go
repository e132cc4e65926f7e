package rules

import "sort"

// Snapshot is an immutable set of allowed subjects. It is never modified after
// construction, so any number of readers may share it without locking.
type Snapshot struct {
	allowed    map[string]struct{}
	generation uint64
}

// NewSnapshot builds a snapshot from subjects. Duplicates collapse.
func NewSnapshot(subjects []string) *Snapshot {
	return newSnapshot(subjects, 0)
}

func newSnapshot(subjects []string, generation uint64) *Snapshot {
	allowed := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		allowed[s] = struct{}{}
	}
	return &Snapshot{allowed: allowed, generation: generation}
}

// Allows reports whether subject is in the allowed set. A nil snapshot allows nothing.
func (s *Snapshot) Allows(subject string) bool {
	if s == nil {
		return false
	}
	_, ok := s.allowed[subject]
	return ok
}

// Len returns the number of allowed subjects.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.allowed)
}

// Generation returns the install sequence number assigned by the engine.
// The initial empty snapshot is generation 0.
func (s *Snapshot) Generation() uint64 {
	if s == nil {
		return 0
	}
	return s.generation
}

// Subjects returns a sorted copy of the allowed subjects.
func (s *Snapshot) Subjects() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.allowed))
	for subject := range s.allowed {
		out = append(out, subject)
	}
	sort.Strings(out)
	return out
}

// SameSubjects reports whether both snapshots allow exactly the same subjects.
func (s *Snapshot) SameSubjects(other *Snapshot) bool {
	if s.Len() != other.Len() {
		return false
	}
	if s == nil || other == nil {
		return true
	}
	for subject := range s.allowed {
		if _, ok := other.allowed[subject]; !ok {
			return false
		}
	}
	return true
}
