package btree

import (
	"iter"

	"github.com/tunnelmesh/bucketdb/internal/generation"
)

// Snapshot is a pinned, immutable view of one published generation. It is
// safe for concurrent use by multiple readers. After Release every lookup
// reports nothing and Range yields nothing.
type Snapshot[V any] struct {
	guard *generation.Guard[version[V]]
}

func (s *Snapshot[V]) version() (version[V], bool) {
	v, err := s.guard.Value()
	return v, err == nil
}

// Generation returns the pinned generation.
func (s *Snapshot[V]) Generation() uint64 {
	return s.guard.Generation()
}

// Len returns the number of items in the snapshot.
func (s *Snapshot[V]) Len() int {
	v, _ := s.version()
	return v.length
}

// Get looks key up in the snapshot.
func (s *Snapshot[V]) Get(key uint64) (V, bool) {
	v, ok := s.version()
	if !ok {
		var zero V
		return zero, false
	}
	return get(v.root, key)
}

// Iter returns an iterator over the snapshot.
func (s *Snapshot[V]) Iter() Iterator[V] {
	v, _ := s.version()
	return Iterator[V]{root: v.root, pos: -1}
}

// Range yields the items with lo <= key <= hi in ascending order.
func (s *Snapshot[V]) Range(lo, hi uint64) iter.Seq2[uint64, V] {
	return func(yield func(uint64, V) bool) {
		it := s.Iter()
		for it.SeekGE(lo); it.Valid() && it.Key() <= hi; it.Next() {
			if !yield(it.Key(), it.Value()) {
				return
			}
		}
	}
}

// All yields every item in ascending order.
func (s *Snapshot[V]) All() iter.Seq2[uint64, V] {
	return s.Range(0, ^uint64(0))
}

// Released reports whether Release has been called.
func (s *Snapshot[V]) Released() bool {
	return s.guard.Released()
}

// Release unpins the generation. Releasing twice returns
// generation.ErrGuardReleased.
func (s *Snapshot[V]) Release() error {
	return s.guard.Release()
}
