package generation

// HoldList keeps retired items until no guard can reach them. It is owned
// by the writer and is not safe for concurrent use.
type HoldList[T any] struct {
	items []held[T]
}

type held[T any] struct {
	gen  uint64
	item T
}

// Hold retires item under gen, the newest generation that can still reach
// it.
func (l *HoldList[T]) Hold(gen uint64, item T) {
	l.items = append(l.items, held[T]{gen: gen, item: item})
}

// Trim removes and returns every item retired under a generation older than
// oldestUsed, in the order they were held.
func (l *HoldList[T]) Trim(oldestUsed uint64, out []T) []T {
	n := 0
	for _, h := range l.items {
		if h.gen >= oldestUsed {
			break
		}
		out = append(out, h.item)
		n++
	}
	if n == 0 {
		return out
	}
	clear(l.items[:n])
	l.items = l.items[n:]
	return out
}

// Len returns the number of items still held.
func (l *HoldList[T]) Len() int {
	return len(l.items)
}
