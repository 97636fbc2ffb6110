package bucketdb

import (
	"iter"
	"slices"
	"sort"
	"unsafe"

	"github.com/tunnelmesh/bucketdb/internal/btree"
	"github.com/tunnelmesh/bucketdb/internal/generation"
	"github.com/tunnelmesh/bucketdb/internal/replica"
)

// store is the writer side of an engine. Values are owned by the store once
// set and are never modified afterwards.
type store interface {
	engine() string
	get(key uint64) (replica.Info, bool)
	set(key uint64, info replica.Info)
	delete(key uint64) bool
	reset()
	publish() uint64
	acquire() view
	// guards is safe to call from any goroutine.
	guards() int64
	stats() Stats
}

// view is a pinned, read-only version of a store.
type view interface {
	get(key uint64) (replica.Info, bool)
	// lowerBound returns the first item with a key >= key.
	lowerBound(key uint64) (uint64, replica.Info, bool)
	ascend(lo, hi uint64) iter.Seq2[uint64, replica.Info]
	size() int
	generation() uint64
	release() error
	released() bool
}

type btreeStore struct {
	tree *btree.Tree[replica.Info]
}

func newBTreeStore(maxFreeNodes int) *btreeStore {
	return &btreeStore{tree: btree.New[replica.Info](btree.Options{MaxFreeNodes: maxFreeNodes})}
}

func (s *btreeStore) engine() string { return "btree" }

func (s *btreeStore) get(key uint64) (replica.Info, bool) { return s.tree.Get(key) }

func (s *btreeStore) set(key uint64, info replica.Info) { s.tree.Set(key, info) }

func (s *btreeStore) delete(key uint64) bool { return s.tree.Delete(key) }

func (s *btreeStore) reset() { s.tree.Reset() }

func (s *btreeStore) publish() uint64 { return s.tree.Publish() }

func (s *btreeStore) acquire() view { return btreeView{s.tree.Acquire()} }

func (s *btreeStore) guards() int64 { return s.tree.Snapshots() }

func (s *btreeStore) stats() Stats {
	ts := s.tree.Stats()
	nodeSize := int64(btree.NodeSize[replica.Info]())
	return Stats{
		Engine:          s.engine(),
		Entries:         ts.Len,
		Generation:      ts.Generation,
		OldestUsed:      ts.OldestUsed,
		HeldGenerations: ts.HeldGenerations,
		Guards:          ts.Snapshots,
		Height:          ts.Height,
		RetiredNodes:    ts.RetiredNodes,
		FreeNodes:       ts.FreeNodes,
		AllocatedNodes:  ts.AllocatedNodes,
		RecycledNodes:   ts.RecycledNodes,
		HeldBytes:       int64(ts.RetiredNodes+ts.FreeNodes) * nodeSize,
	}
}

type btreeView struct {
	snap *btree.Snapshot[replica.Info]
}

func (v btreeView) get(key uint64) (replica.Info, bool) { return v.snap.Get(key) }

func (v btreeView) lowerBound(key uint64) (uint64, replica.Info, bool) {
	it := v.snap.Iter()
	it.SeekGE(key)
	if !it.Valid() {
		return 0, replica.Info{}, false
	}
	return it.Key(), it.Value(), true
}

func (v btreeView) ascend(lo, hi uint64) iter.Seq2[uint64, replica.Info] {
	return v.snap.Range(lo, hi)
}

func (v btreeView) size() int          { return v.snap.Len() }
func (v btreeView) generation() uint64 { return v.snap.Generation() }
func (v btreeView) release() error     { return v.snap.Release() }
func (v btreeView) released() bool     { return v.snap.Released() }

type sortedItem struct {
	key  uint64
	info replica.Info
}

// sortedStore publishes an immutable sorted slice per generation. The
// writer replaces the slice on every change and never modifies a published
// one.
type sortedStore struct {
	items   []sortedItem
	handler *generation.Handler[[]sortedItem]
}

func newSortedStore() *sortedStore {
	return &sortedStore{handler: generation.NewHandler[[]sortedItem](nil)}
}

func (s *sortedStore) engine() string { return "sorted" }

func search(items []sortedItem, key uint64) (int, bool) {
	i := sort.Search(len(items), func(i int) bool { return items[i].key >= key })
	return i, i < len(items) && items[i].key == key
}

func (s *sortedStore) get(key uint64) (replica.Info, bool) {
	if i, ok := search(s.items, key); ok {
		return s.items[i].info, true
	}
	return replica.Info{}, false
}

func (s *sortedStore) set(key uint64, info replica.Info) {
	i, found := search(s.items, key)
	if found {
		next := slices.Clone(s.items)
		next[i].info = info
		s.items = next
		return
	}
	next := make([]sortedItem, len(s.items)+1)
	copy(next, s.items[:i])
	next[i] = sortedItem{key: key, info: info}
	copy(next[i+1:], s.items[i:])
	s.items = next
}

func (s *sortedStore) delete(key uint64) bool {
	i, found := search(s.items, key)
	if !found {
		return false
	}
	next := make([]sortedItem, 0, len(s.items)-1)
	next = append(next, s.items[:i]...)
	s.items = append(next, s.items[i+1:]...)
	return true
}

func (s *sortedStore) reset() { s.items = nil }

func (s *sortedStore) publish() uint64 {
	gen := s.handler.Publish(s.items)
	s.handler.Reclaim()
	return gen
}

func (s *sortedStore) acquire() view { return sortedView{s.handler.TakeGuard()} }

func (s *sortedStore) guards() int64 { return s.handler.Guards() }

func (s *sortedStore) stats() Stats {
	gen, _ := s.handler.Current()
	return Stats{
		Engine:          s.engine(),
		Entries:         len(s.items),
		Generation:      gen,
		OldestUsed:      s.handler.OldestUsed(),
		HeldGenerations: s.handler.Held(),
		Guards:          s.handler.Guards(),
		HeldBytes:       int64(cap(s.items)) * int64(unsafe.Sizeof(sortedItem{})),
	}
}

type sortedView struct {
	guard *generation.Guard[[]sortedItem]
}

func (v sortedView) items() []sortedItem {
	items, _ := v.guard.Value()
	return items
}

func (v sortedView) get(key uint64) (replica.Info, bool) {
	items := v.items()
	if i, ok := search(items, key); ok {
		return items[i].info, true
	}
	return replica.Info{}, false
}

func (v sortedView) lowerBound(key uint64) (uint64, replica.Info, bool) {
	items := v.items()
	i, _ := search(items, key)
	if i == len(items) {
		return 0, replica.Info{}, false
	}
	return items[i].key, items[i].info, true
}

func (v sortedView) ascend(lo, hi uint64) iter.Seq2[uint64, replica.Info] {
	return func(yield func(uint64, replica.Info) bool) {
		items := v.items()
		i, _ := search(items, lo)
		for ; i < len(items) && items[i].key <= hi; i++ {
			if !yield(items[i].key, items[i].info) {
				return
			}
		}
	}
}

func (v sortedView) size() int          { return len(v.items()) }
func (v sortedView) generation() uint64 { return v.guard.Generation() }
func (v sortedView) release() error     { return v.guard.Release() }
func (v sortedView) released() bool     { return v.guard.Released() }
