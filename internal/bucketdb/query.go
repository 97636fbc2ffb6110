package bucketdb

import (
	"github.com/tunnelmesh/bucketdb/internal/replica"
	"github.com/tunnelmesh/bucketdb/pkg/bucket"
)

func entryAt(key uint64, info replica.Info) Entry {
	return Entry{Bucket: bucket.FromKey(key), Info: info.Clone()}
}

func getEntry(v view, id bucket.ID) (Entry, bool) {
	info, ok := v.get(id.Key())
	if !ok {
		return Entry{}, false
	}
	return Entry{Bucket: id, Info: info.Clone()}, true
}

// findParentsAndSelf walks the ancestor key range of id. Ancestors sort
// before descendants, so after each candidate the walk can jump straight to
// the next ancestor of id that could follow it instead of scanning every key
// in between.
func findParentsAndSelf(v view, id bucket.ID, out []Entry) []Entry {
	lo, hi := bucket.AncestorKeyRange(id)
	seek := lo
	for {
		key, info, ok := v.lowerBound(seek)
		if !ok || key > hi {
			return out
		}
		candidate := bucket.FromKey(key)
		if candidate.Contains(id) {
			out = append(out, entryAt(key, info))
			if candidate.UsedBits() == id.UsedBits() {
				return out
			}
			seek = id.Truncate(candidate.UsedBits() + 1).Key()
			continue
		}
		// candidate diverges from id at bit d; every remaining ancestor
		// of id has at least d+1 used bits.
		d := bucket.CommonBits(candidate, id)
		seek = id.Truncate(d + 1).Key()
	}
}

func findAll(v view, id bucket.ID, out []Entry) []Entry {
	out = findParentsAndSelf(v, id, out)
	lo, hi := bucket.DescendantKeyRange(id)
	for key, info := range v.ascend(lo, hi) {
		if key == lo {
			continue
		}
		out = append(out, entryAt(key, info))
	}
	return out
}

func forEach(v view, lo uint64, fn func(Entry) bool) {
	for key, info := range v.ascend(lo, ^uint64(0)) {
		if !fn(entryAt(key, info)) {
			return
		}
	}
}

func childCount(v view, id bucket.ID) int {
	left, right, err := id.Split()
	if err != nil {
		return 0
	}
	n := 0
	for _, child := range []bucket.ID{left, right} {
		lo, hi := bucket.DescendantKeyRange(child)
		if key, _, ok := v.lowerBound(lo); ok && key <= hi {
			n++
		}
	}
	return n
}
