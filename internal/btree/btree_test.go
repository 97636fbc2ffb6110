package btree

import (
	"math/rand"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// verify checks ordering, node fill and uniform leaf depth.
func verify[V any](t *testing.T, tr *Tree[V]) {
	t.Helper()
	if tr.root == nil {
		require.Equal(t, 0, tr.length)
		return
	}
	leafDepth := -1
	count := 0
	var walk func(n *node[V], depth int, lo, hi uint64, isRoot bool)
	walk = func(n *node[V], depth int, lo, hi uint64, isRoot bool) {
		require.LessOrEqual(t, int(n.count), maxItems)
		if !isRoot {
			require.GreaterOrEqual(t, int(n.count), minItems, "underfull node")
		}
		for i := 0; i < int(n.count); i++ {
			k := n.items[i].key
			require.GreaterOrEqual(t, k, lo)
			require.LessOrEqual(t, k, hi)
			if i > 0 {
				require.Less(t, n.items[i-1].key, k)
			}
		}
		count += int(n.count)
		if n.leaf {
			if leafDepth == -1 {
				leafDepth = depth
			}
			require.Equal(t, leafDepth, depth, "leaves at different depths")
			return
		}
		for i := 0; i <= int(n.count); i++ {
			clo, chi := lo, hi
			if i > 0 {
				clo = n.items[i-1].key + 1
			}
			if i < int(n.count) {
				chi = n.items[i].key - 1
			}
			walk(n.children[i], depth+1, clo, chi, false)
		}
	}
	walk(tr.root, 0, 0, ^uint64(0), true)
	require.Equal(t, tr.length, count)
}

func collect[V any](s *Snapshot[V]) []uint64 {
	var keys []uint64
	for k := range s.All() {
		keys = append(keys, k)
	}
	return keys
}

func TestTree_SetGetDelete(t *testing.T) {
	tr := New[string](Options{})

	assert.False(t, tr.Set(10, "a"))
	assert.False(t, tr.Set(5, "b"))
	assert.True(t, tr.Set(10, "c"), "second set replaces")
	assert.Equal(t, 2, tr.Len())

	v, ok := tr.Get(10)
	require.True(t, ok)
	assert.Equal(t, "c", v)

	assert.True(t, tr.Delete(10))
	assert.False(t, tr.Delete(10))
	_, ok = tr.Get(10)
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Len())

	assert.True(t, tr.Delete(5))
	assert.Nil(t, tr.root)
}

func TestTree_RandomOpsAgainstMap(t *testing.T) {
	for _, maxFree := range []int{0, 64} {
		rng := rand.New(rand.NewSource(int64(maxFree) + 1))
		tr := New[int](Options{MaxFreeNodes: maxFree})
		model := make(map[uint64]int)

		for i := range 20000 {
			k := uint64(rng.Intn(3000))
			if rng.Intn(3) == 0 {
				_, had := model[k]
				assert.Equal(t, had, tr.Delete(k))
				delete(model, k)
			} else {
				_, had := model[k]
				assert.Equal(t, had, tr.Set(k, i))
				model[k] = i
			}
			if i%97 == 0 {
				tr.Publish()
			}
			if i%2500 == 0 {
				verify(t, tr)
			}
		}
		verify(t, tr)
		tr.Publish()

		snap := tr.Acquire()
		want := make([]uint64, 0, len(model))
		for k := range model {
			want = append(want, k)
		}
		slices.Sort(want)
		assert.Equal(t, want, collect(snap))
		for k, v := range model {
			got, ok := snap.Get(k)
			require.True(t, ok)
			require.Equal(t, v, got)
		}
		require.NoError(t, snap.Release())
	}
}

func TestSnapshot_IsolatedFromLaterWrites(t *testing.T) {
	tr := New[int](Options{MaxFreeNodes: 1024})
	for k := range uint64(1000) {
		tr.Set(k, int(k))
	}
	tr.Publish()

	snap := tr.Acquire()
	defer func() { _ = snap.Release() }()

	for k := range uint64(1000) {
		if k%2 == 0 {
			tr.Delete(k)
		} else {
			tr.Set(k, -1)
		}
		tr.Set(k+5000, 0)
		tr.Publish()
	}
	verify(t, tr)

	assert.Equal(t, 1000, snap.Len())
	for k := range uint64(1000) {
		v, ok := snap.Get(k)
		require.True(t, ok, "key %d", k)
		require.Equal(t, int(k), v)
	}
	_, ok := snap.Get(5000)
	assert.False(t, ok)

	stats := tr.Stats()
	assert.Greater(t, stats.RetiredNodes, 0, "nodes reachable from the pinned root stay retired")
	assert.Greater(t, stats.HeldGenerations, 0)
}

func TestTree_RecyclesAfterRelease(t *testing.T) {
	tr := New[int](Options{MaxFreeNodes: 1 << 20})
	for k := range uint64(5000) {
		tr.Set(k, 0)
	}
	tr.Publish()

	snap := tr.Acquire()
	for k := range uint64(5000) {
		tr.Set(k, 1)
	}
	tr.Publish()
	require.Greater(t, tr.Stats().RetiredNodes, 0)
	assert.Equal(t, 0, tr.Stats().FreeNodes)

	require.NoError(t, snap.Release())
	assert.Greater(t, tr.Reclaim(), 0)
	stats := tr.Stats()
	assert.Equal(t, 0, stats.RetiredNodes)
	assert.Greater(t, stats.FreeNodes, 0)
	assert.Equal(t, 0, stats.HeldGenerations)

	before := stats.RecycledNodes
	for k := range uint64(5000) {
		tr.Set(k, 2)
	}
	tr.Publish()
	assert.Greater(t, tr.Stats().RecycledNodes, before)
	verify(t, tr)
}

func TestTree_ZeroFreeListDropsRetired(t *testing.T) {
	tr := New[int](Options{})
	for k := range uint64(500) {
		tr.Set(k, 0)
		tr.Publish()
	}
	stats := tr.Stats()
	assert.Equal(t, 0, stats.FreeNodes)
	assert.Equal(t, uint64(0), stats.RecycledNodes)
	assert.Equal(t, 0, stats.RetiredNodes)
}

func TestSnapshot_Range(t *testing.T) {
	tr := New[int](Options{})
	for k := uint64(0); k < 200; k += 2 {
		tr.Set(k, int(k))
	}
	tr.Publish()
	snap := tr.Acquire()
	defer func() { _ = snap.Release() }()

	var got []uint64
	for k, v := range snap.Range(11, 21) {
		assert.Equal(t, int(k), v)
		got = append(got, k)
	}
	assert.Equal(t, []uint64{12, 14, 16, 18, 20}, got)

	got = got[:0]
	for k := range snap.Range(190, 1000) {
		got = append(got, k)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []uint64{190, 192}, got)

	empty := New[int](Options{}).Acquire()
	assert.Empty(t, collect(empty))
	assert.Equal(t, 0, empty.Len())
}

func TestSnapshot_Released(t *testing.T) {
	tr := New[int](Options{})
	tr.Set(1, 1)
	tr.Publish()

	snap := tr.Acquire()
	require.NoError(t, snap.Release())
	assert.Error(t, snap.Release())
	_, ok := snap.Get(1)
	assert.False(t, ok)
	assert.Empty(t, collect(snap))
}

func TestIterator_SeekGE(t *testing.T) {
	tr := New[int](Options{})
	for k := uint64(10); k <= 1000; k += 10 {
		tr.Set(k, 0)
	}
	it := tr.Iter()
	for _, tc := range []struct{ seek, want uint64 }{{0, 10}, {10, 10}, {11, 20}, {995, 1000}} {
		it.SeekGE(tc.seek)
		require.True(t, it.Valid())
		assert.Equal(t, tc.want, it.Key())
	}
	it.SeekGE(1001)
	assert.False(t, it.Valid())
}

func TestTree_ConcurrentReaders(t *testing.T) {
	tr := New[uint64](Options{MaxFreeNodes: 4096})
	const n = 2000
	for k := range uint64(n) {
		tr.Set(k, k)
	}
	tr.Publish()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := tr.Acquire()
				prev, count := uint64(0), 0
				for k, v := range snap.All() {
					if count > 0 && k <= prev {
						t.Errorf("keys out of order: %d after %d", k, prev)
					}
					if v%n != k%n {
						t.Errorf("value %d does not belong to key %d", v, k)
					}
					prev = k
					count++
				}
				if count != snap.Len() {
					t.Errorf("iterated %d items, snapshot has %d", count, snap.Len())
				}
				_ = snap.Release()
			}
		}()
	}

	rng := rand.New(rand.NewSource(3))
	for i := range 20000 {
		k := uint64(rng.Intn(n))
		if i%5 == 0 {
			tr.Delete(k)
		} else {
			tr.Set(k, k+uint64(i%7)*n)
		}
		tr.Publish()
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(0), tr.Stats().Snapshots)
}
