package tele

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Region is implemented by everything that can be stored in a RegionSet.
type Region interface {
	Span() MemoryRegion
}

// RegionSet is an address ordered index of non overlapping regions.
//
// Writers are serialized by an internal mutex and publish a fresh sorted
// slice on every change; readers load the current slice atomically and
// never observe a partially updated set.
type RegionSet[T Region] struct {
	mu      sync.Mutex
	entries atomic.Pointer[[]T]
}

// NewRegionSet returns an empty set.
func NewRegionSet[T Region]() *RegionSet[T] {
	return &RegionSet[T]{}
}

func (s *RegionSet[T]) load() []T {
	if p := s.entries.Load(); p != nil {
		return *p
	}
	return nil
}

// Add inserts r. It returns a *RegionOverlapError, and leaves the set
// unchanged, if r intersects any existing entry.
func (s *RegionSet[T]) Add(r T) error {
	span := r.Span()
	if span.Size == 0 {
		return fmt.Errorf("can not register empty region %v", span)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.load()
	i := sort.Search(len(old), func(i int) bool { return old[i].Span().Start >= span.Start })
	if i > 0 && old[i-1].Span().Overlaps(span) {
		return &RegionOverlapError{New: span, Existing: old[i-1].Span()}
	}
	if i < len(old) && old[i].Span().Overlaps(span) {
		return &RegionOverlapError{New: span, Existing: old[i].Span()}
	}
	entries := make([]T, 0, len(old)+1)
	entries = append(entries, old[:i]...)
	entries = append(entries, r)
	entries = append(entries, old[i:]...)
	s.entries.Store(&entries)
	return nil
}

// Remove deletes the entry starting at start and returns it.
func (s *RegionSet[T]) Remove(start Address) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.load()
	i := sort.Search(len(old), func(i int) bool { return old[i].Span().Start >= start })
	if i >= len(old) || old[i].Span().Start != start {
		var zero T
		return zero, false
	}
	removed := old[i]
	entries := make([]T, 0, len(old)-1)
	entries = append(entries, old[:i]...)
	entries = append(entries, old[i+1:]...)
	s.entries.Store(&entries)
	return removed, true
}

// Find returns the entry whose span contains addr.
func (s *RegionSet[T]) Find(addr Address) (T, bool) {
	entries := s.load()
	// first entry starting after addr, the candidate is the one before it
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Span().Start > addr })
	if i > 0 && entries[i-1].Span().Contains(addr) {
		return entries[i-1], true
	}
	var zero T
	return zero, false
}

// Contains returns true if some entry contains addr.
func (s *RegionSet[T]) Contains(addr Address) bool {
	_, ok := s.Find(addr)
	return ok
}

// Len returns the number of entries.
func (s *RegionSet[T]) Len() int {
	return len(s.load())
}

// All returns the entries sorted by start address. The returned slice is
// shared and must not be modified.
func (s *RegionSet[T]) All() []T {
	return s.load()
}
