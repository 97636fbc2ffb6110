// Package btree implements a persistent, copy-on-write B-tree keyed by
// uint64.
//
// A single writer mutates the tree through a Tree handle and makes its
// changes visible with Publish. Readers Acquire a Snapshot of the most
// recently published root and may traverse it while the writer keeps
// mutating. Nodes reachable from a published root are never modified: the
// writer clones a node the first time it touches it after a publish and
// retires the original. Retired nodes are recycled once no snapshot can
// still reach them.
package btree

import (
	"unsafe"

	"github.com/tunnelmesh/bucketdb/internal/generation"
)

const (
	degree   = 16
	maxItems = 2*degree - 1
	minItems = degree - 1
)

type item[V any] struct {
	key   uint64
	value V
}

// node is owned by the working tree when gen equals the tree's working
// generation. Only owned nodes may be modified in place.
type node[V any] struct {
	gen      uint64
	count    int16
	leaf     bool
	items    [maxItems]item[V]
	children [maxItems + 1]*node[V]
}

// version is what a generation publishes.
type version[V any] struct {
	root   *node[V]
	length int
}

// Options configures a Tree.
type Options struct {
	// MaxFreeNodes caps the number of recycled nodes kept for reuse.
	// Zero disables recycling; retired nodes are left to the garbage
	// collector once unreachable.
	MaxFreeNodes int
}

// Tree is the writer handle. It is not safe for concurrent use; Snapshots
// acquired from it are.
type Tree[V any] struct {
	root   *node[V]
	length int

	// gen is the working generation: one past the last published one.
	gen     uint64
	handler *generation.Handler[version[V]]
	hold    generation.HoldList[*node[V]]
	scratch []*node[V]

	free    []*node[V]
	maxFree int

	allocated uint64
	recycled  uint64
}

// New returns an empty tree.
func New[V any](opts Options) *Tree[V] {
	return &Tree[V]{
		gen:     1,
		handler: generation.NewHandler(version[V]{}),
		maxFree: max(opts.MaxFreeNodes, 0),
	}
}

// NodeSize returns the in-memory size of one tree node in bytes.
func NodeSize[V any]() int {
	return int(unsafe.Sizeof(node[V]{}))
}

// Len returns the number of items in the working tree.
func (t *Tree[V]) Len() int {
	return t.length
}

// Get looks key up in the working tree.
func (t *Tree[V]) Get(key uint64) (V, bool) {
	return get(t.root, key)
}

// Set inserts or replaces the value stored under key. It reports whether an
// existing value was replaced.
func (t *Tree[V]) Set(key uint64, value V) bool {
	if t.root == nil {
		t.root = t.alloc(true)
	} else if t.root.count >= maxItems {
		splitItem, splitNode := t.mut(&t.root).split(t, maxItems/2)
		newRoot := t.alloc(false)
		newRoot.count = 1
		newRoot.items[0] = splitItem
		newRoot.children[0] = t.root
		newRoot.children[1] = splitNode
		t.root = newRoot
	}
	replaced := t.mut(&t.root).insert(t, item[V]{key: key, value: value})
	if !replaced {
		t.length++
	}
	return replaced
}

// Delete removes key. Removing an absent key leaves the tree untouched.
func (t *Tree[V]) Delete(key uint64) bool {
	if _, ok := t.Get(key); !ok {
		return false
	}
	if _, ok := t.mut(&t.root).remove(t, key); !ok {
		return false
	}
	t.length--
	if t.root.count == 0 {
		old := t.root
		if old.leaf {
			t.root = nil
		} else {
			t.root = old.children[0]
		}
		t.discard(old)
	}
	return true
}

// Reset empties the working tree. Nodes of the old tree are left to the
// garbage collector.
func (t *Tree[V]) Reset() {
	t.root = nil
	t.length = 0
}

// Iter returns an iterator over the working tree. It is invalidated by the
// next mutation.
func (t *Tree[V]) Iter() Iterator[V] {
	return Iterator[V]{root: t.root, pos: -1}
}

// Publish makes the working tree visible to new snapshots, then recycles
// whatever retired nodes no snapshot can reach anymore. It returns the
// published generation.
func (t *Tree[V]) Publish() uint64 {
	gen := t.handler.Publish(version[V]{root: t.root, length: t.length})
	t.gen = gen + 1
	t.Reclaim()
	return gen
}

// Reclaim recycles retired nodes that are no longer reachable from any
// pinned generation and returns how many were released.
func (t *Tree[V]) Reclaim() int {
	oldest := t.handler.Reclaim()
	t.scratch = t.hold.Trim(oldest, t.scratch[:0])
	n := len(t.scratch)
	for _, nd := range t.scratch {
		t.release(nd)
	}
	clear(t.scratch)
	t.scratch = t.scratch[:0]
	return n
}

// Acquire pins the most recently published root.
func (t *Tree[V]) Acquire() *Snapshot[V] {
	return &Snapshot[V]{guard: t.handler.TakeGuard()}
}

// Snapshots returns the number of unreleased snapshots. Unlike the rest of
// Tree it is safe to call from any goroutine.
func (t *Tree[V]) Snapshots() int64 {
	return t.handler.Guards()
}

// Generation returns the last published generation.
func (t *Tree[V]) Generation() uint64 {
	return t.gen - 1
}

// Stats describes the tree and its reclamation state.
type Stats struct {
	Len             int
	Height          int
	Generation      uint64
	OldestUsed      uint64
	HeldGenerations int
	Snapshots       int64
	RetiredNodes    int
	FreeNodes       int
	AllocatedNodes  uint64
	RecycledNodes   uint64
}

// Stats returns a point-in-time view of the tree.
func (t *Tree[V]) Stats() Stats {
	return Stats{
		Len:             t.length,
		Height:          height(t.root),
		Generation:      t.Generation(),
		OldestUsed:      t.handler.OldestUsed(),
		HeldGenerations: t.handler.Held(),
		Snapshots:       t.handler.Guards(),
		RetiredNodes:    t.hold.Len(),
		FreeNodes:       len(t.free),
		AllocatedNodes:  t.allocated,
		RecycledNodes:   t.recycled,
	}
}

func (t *Tree[V]) alloc(leaf bool) *node[V] {
	var n *node[V]
	if k := len(t.free); k > 0 {
		n = t.free[k-1]
		t.free[k-1] = nil
		t.free = t.free[:k-1]
		t.recycled++
	} else {
		n = new(node[V])
		t.allocated++
	}
	n.gen = t.gen
	n.leaf = leaf
	return n
}

// mut returns a node the working tree owns, cloning *n into the working
// generation if it may be reachable from a published root. The original is
// retired and *n is redirected to the clone.
func (t *Tree[V]) mut(n **node[V]) *node[V] {
	if (*n).gen == t.gen {
		return *n
	}
	orig := *n
	c := t.alloc(orig.leaf)
	c.count = orig.count
	c.items = orig.items
	if !orig.leaf {
		c.children = orig.children
	}
	t.retire(orig)
	*n = c
	return c
}

// retire hands a node that published roots may reach to the hold list,
// tagged with the newest generation that can reach it.
func (t *Tree[V]) retire(n *node[V]) {
	t.hold.Hold(t.gen-1, n)
}

// discard drops a node that has been unlinked from the working tree.
func (t *Tree[V]) discard(n *node[V]) {
	if n.gen == t.gen {
		t.release(n)
		return
	}
	t.retire(n)
}

func (t *Tree[V]) release(n *node[V]) {
	*n = node[V]{}
	if len(t.free) < t.maxFree {
		t.free = append(t.free, n)
	}
}

func get[V any](n *node[V], key uint64) (V, bool) {
	for n != nil {
		i, found := n.find(key)
		if found {
			return n.items[i].value, true
		}
		if n.leaf {
			break
		}
		n = n.children[i]
	}
	var zero V
	return zero, false
}

func height[V any](n *node[V]) int {
	h := 0
	for n != nil {
		h++
		if n.leaf {
			break
		}
		n = n.children[0]
	}
	return h
}

// find returns the index where key is or would be inserted.
func (n *node[V]) find(key uint64) (int, bool) {
	i, j := 0, int(n.count)
	for i < j {
		h := int(uint(i+j) >> 1)
		switch k := n.items[h].key; {
		case k == key:
			return h, true
		case k < key:
			i = h + 1
		default:
			j = h
		}
	}
	return i, false
}

func (n *node[V]) insertAt(index int, it item[V], nd *node[V]) {
	if index < int(n.count) {
		copy(n.items[index+1:n.count+1], n.items[index:n.count])
		if !n.leaf {
			copy(n.children[index+2:n.count+2], n.children[index+1:n.count+1])
		}
	}
	n.items[index] = it
	if !n.leaf {
		n.children[index+1] = nd
	}
	n.count++
}

func (n *node[V]) pushBack(it item[V], nd *node[V]) {
	n.items[n.count] = it
	if !n.leaf {
		n.children[n.count+1] = nd
	}
	n.count++
}

func (n *node[V]) pushFront(it item[V], nd *node[V]) {
	if !n.leaf {
		copy(n.children[1:n.count+2], n.children[:n.count+1])
		n.children[0] = nd
	}
	copy(n.items[1:n.count+1], n.items[:n.count])
	n.items[0] = it
	n.count++
}

func (n *node[V]) removeAt(index int) (item[V], *node[V]) {
	var child *node[V]
	if !n.leaf {
		child = n.children[index+1]
		copy(n.children[index+1:n.count], n.children[index+2:n.count+1])
		n.children[n.count] = nil
	}
	n.count--
	out := n.items[index]
	copy(n.items[index:n.count], n.items[index+1:n.count+1])
	n.items[n.count] = item[V]{}
	return out, child
}

func (n *node[V]) popBack() (item[V], *node[V]) {
	n.count--
	out := n.items[n.count]
	n.items[n.count] = item[V]{}
	if n.leaf {
		return out, nil
	}
	child := n.children[n.count+1]
	n.children[n.count+1] = nil
	return out, child
}

func (n *node[V]) popFront() (item[V], *node[V]) {
	n.count--
	var child *node[V]
	if !n.leaf {
		child = n.children[0]
		copy(n.children[:n.count+1], n.children[1:n.count+2])
		n.children[n.count+1] = nil
	}
	out := n.items[0]
	copy(n.items[:n.count], n.items[1:n.count+1])
	n.items[n.count] = item[V]{}
	return out, child
}

// split moves everything after index i into a new node and returns the item
// at i together with that node.
func (n *node[V]) split(t *Tree[V], i int) (item[V], *node[V]) {
	out := n.items[i]
	next := t.alloc(n.leaf)
	next.count = n.count - int16(i+1)
	copy(next.items[:], n.items[i+1:n.count])
	for j := int16(i); j < n.count; j++ {
		n.items[j] = item[V]{}
	}
	if !n.leaf {
		copy(next.children[:], n.children[i+1:n.count+1])
		for j := int16(i + 1); j <= n.count; j++ {
			n.children[j] = nil
		}
	}
	n.count = int16(i)
	return out, next
}

// insert places it in the subtree rooted at n, which must be owned. It
// reports whether an existing item was replaced.
func (n *node[V]) insert(t *Tree[V], it item[V]) bool {
	i, found := n.find(it.key)
	if found {
		n.items[i].value = it.value
		return true
	}
	if n.leaf {
		n.insertAt(i, it, nil)
		return false
	}
	if n.children[i].count >= maxItems {
		splitItem, splitNode := t.mut(&n.children[i]).split(t, maxItems/2)
		n.insertAt(i, splitItem, splitNode)

		switch k := n.items[i].key; {
		case it.key < k:
		case it.key > k:
			i++
		default:
			n.items[i].value = it.value
			return true
		}
	}
	return t.mut(&n.children[i]).insert(t, it)
}

func (n *node[V]) removeMax(t *Tree[V]) item[V] {
	if n.leaf {
		n.count--
		out := n.items[n.count]
		n.items[n.count] = item[V]{}
		return out
	}
	if n.children[n.count].count <= minItems {
		n.rebalanceOrMerge(t, int(n.count))
		return n.removeMax(t)
	}
	return t.mut(&n.children[n.count]).removeMax(t)
}

func (n *node[V]) remove(t *Tree[V], key uint64) (item[V], bool) {
	i, found := n.find(key)
	if n.leaf {
		if found {
			out, _ := n.removeAt(i)
			return out, true
		}
		return item[V]{}, false
	}
	if n.children[i].count <= minItems {
		n.rebalanceOrMerge(t, i)
		return n.remove(t, key)
	}
	child := t.mut(&n.children[i])
	if found {
		out := n.items[i]
		n.items[i] = child.removeMax(t)
		return out, true
	}
	return child.remove(t, key)
}

// rebalanceOrMerge grows child i so an item can be removed from it without
// dropping below minItems.
func (n *node[V]) rebalanceOrMerge(t *Tree[V], i int) {
	switch {
	case i > 0 && n.children[i-1].count > minItems:
		// Borrow from the left sibling through the separator.
		left := t.mut(&n.children[i-1])
		child := t.mut(&n.children[i])
		moved, grandChild := left.popBack()
		child.pushFront(n.items[i-1], grandChild)
		n.items[i-1] = moved

	case i < int(n.count) && n.children[i+1].count > minItems:
		// Borrow from the right sibling.
		right := t.mut(&n.children[i+1])
		child := t.mut(&n.children[i])
		moved, grandChild := right.popFront()
		child.pushBack(n.items[i], grandChild)
		n.items[i] = moved

	default:
		// Merge child i with its right sibling, pulling the separator down.
		if i >= int(n.count) {
			i = int(n.count - 1)
		}
		child := t.mut(&n.children[i])
		sep, mergeChild := n.removeAt(i)
		child.items[child.count] = sep
		copy(child.items[child.count+1:], mergeChild.items[:mergeChild.count])
		if !child.leaf {
			copy(child.children[child.count+1:], mergeChild.children[:mergeChild.count+1])
		}
		child.count += mergeChild.count + 1
		t.discard(mergeChild)
	}
}
