package btree

type iterFrame[V any] struct {
	n   *node[V]
	pos int16
}

// Iterator walks a tree in ascending key order. The zero value is an
// exhausted iterator.
type Iterator[V any] struct {
	root  *node[V]
	n     *node[V]
	pos   int16
	stack []iterFrame[V]
}

func (it *Iterator[V]) reset() {
	it.n = it.root
	it.pos = -1
	it.stack = it.stack[:0]
}

func (it *Iterator[V]) descend(n *node[V], pos int16) {
	it.stack = append(it.stack, iterFrame[V]{n: n, pos: pos})
	it.n = n.children[pos]
	it.pos = 0
}

func (it *Iterator[V]) ascend() {
	f := it.stack[len(it.stack)-1]
	it.stack = it.stack[:len(it.stack)-1]
	it.n = f.n
	it.pos = f.pos
}

// SeekGE positions the iterator at the first key >= key.
func (it *Iterator[V]) SeekGE(key uint64) {
	it.reset()
	if it.n == nil {
		return
	}
	for {
		i, found := it.n.find(key)
		it.pos = int16(i)
		if found {
			return
		}
		if it.n.leaf {
			if it.pos == it.n.count {
				it.Next()
			}
			return
		}
		it.descend(it.n, it.pos)
	}
}

// First positions the iterator at the smallest key.
func (it *Iterator[V]) First() {
	it.reset()
	if it.n == nil {
		return
	}
	for !it.n.leaf {
		it.descend(it.n, 0)
	}
	it.pos = 0
}

// Next advances to the following key.
func (it *Iterator[V]) Next() {
	if it.n == nil {
		return
	}
	if it.n.leaf {
		if it.pos < it.n.count {
			it.pos++
		}
		if it.pos < it.n.count {
			return
		}
		for len(it.stack) > 0 && it.pos >= it.n.count {
			it.ascend()
		}
		return
	}
	it.descend(it.n, it.pos+1)
	for !it.n.leaf {
		it.descend(it.n, 0)
	}
	it.pos = 0
}

// Valid reports whether the iterator is positioned at an item.
func (it *Iterator[V]) Valid() bool {
	return it.n != nil && it.pos >= 0 && it.pos < it.n.count
}

// Key returns the current key. The iterator must be valid.
func (it *Iterator[V]) Key() uint64 {
	return it.n.items[it.pos].key
}

// Value returns the current value. The iterator must be valid.
func (it *Iterator[V]) Value() V {
	return it.n.items[it.pos].value
}
