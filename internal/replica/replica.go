// Package replica holds the per-bucket replica state tracked by the bucket
// database: which storage nodes hold a copy of a bucket and what each copy
// contains.
package replica

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// State summarises the content of one replica as reported by its storage
// node.
type State struct {
	Checksum     uint32 `yaml:"checksum"`
	DocCount     uint32 `yaml:"doc_count"`
	TotalDocSize uint32 `yaml:"total_doc_size"`
	MetaCount    uint32 `yaml:"meta_count,omitempty"`
	UsedFileSize uint32 `yaml:"used_file_size,omitempty"`
	Ready        bool   `yaml:"ready,omitempty"`
	Active       bool   `yaml:"active,omitempty"`
}

// Valid reports whether the state carries a checksum. A zero checksum means
// the node has not reported the bucket yet.
func (s State) Valid() bool {
	return s.Checksum != 0
}

// Empty reports whether the replica holds no documents.
func (s State) Empty() bool {
	return s.DocCount == 0 && s.MetaCount == 0
}

// EqualDocumentInfo reports whether two states describe the same documents,
// ignoring readiness and activation.
func (s State) EqualDocumentInfo(o State) bool {
	return s.Checksum == o.Checksum && s.DocCount == o.DocCount && s.TotalDocSize == o.TotalDocSize
}

func (s State) String() string {
	return fmt.Sprintf("crc 0x%x, docs %d/%d, bytes %d/%d, ready %t, active %t",
		s.Checksum, s.DocCount, s.MetaCount, s.TotalDocSize, s.UsedFileSize, s.Ready, s.Active)
}

// Copy is one replica of a bucket on a storage node.
type Copy struct {
	Node      uint16    `yaml:"node"`
	State     State     `yaml:"state"`
	Trusted   bool      `yaml:"trusted,omitempty"`
	Timestamp time.Time `yaml:"timestamp,omitempty"`
}

// Equal compares node, state and trust. The timestamp is not part of a
// copy's identity.
func (c Copy) Equal(o Copy) bool {
	return c.Node == o.Node && c.State == o.State && c.Trusted == o.Trusted
}

// ConsistentWith reports whether both copies hold the same documents.
func (c Copy) ConsistentWith(o Copy) bool {
	return c.State.EqualDocumentInfo(o.State)
}

func (c Copy) String() string {
	trusted := ""
	if c.Trusted {
		trusted = ", trusted"
	}
	return fmt.Sprintf("node(%d, %s%s)", c.Node, c.State, trusted)
}

// Info is the replica set of one bucket: at most one copy per node, kept in
// a caller-defined order.
type Info struct {
	LastGC time.Time `yaml:"last_gc,omitempty"`
	Copies []Copy    `yaml:"copies"`
}

// New returns an Info holding the given copies, appended in order.
func New(copies ...Copy) Info {
	var info Info
	for _, c := range copies {
		info.AddNode(c, nil)
	}
	return info
}

// Clone returns a deep copy.
func (i Info) Clone() Info {
	return Info{LastGC: i.LastGC, Copies: slices.Clone(i.Copies)}
}

// NodeCount returns the number of copies.
func (i Info) NodeCount() int {
	return len(i.Copies)
}

// Empty reports whether the bucket has no copies.
func (i Info) Empty() bool {
	return len(i.Copies) == 0
}

// Node returns the copy at position idx.
func (i Info) Node(idx int) Copy {
	return i.Copies[idx]
}

// Nodes returns the node indices in stored order.
func (i Info) Nodes() []uint16 {
	nodes := make([]uint16, len(i.Copies))
	for k, c := range i.Copies {
		nodes[k] = c.Node
	}
	return nodes
}

// Find returns the copy held by node.
func (i Info) Find(node uint16) (Copy, bool) {
	if k := i.index(node); k >= 0 {
		return i.Copies[k], true
	}
	return Copy{}, false
}

// HasNode reports whether node holds a copy.
func (i Info) HasNode(node uint16) bool {
	return i.index(node) >= 0
}

func (i Info) index(node uint16) int {
	return slices.IndexFunc(i.Copies, func(c Copy) bool { return c.Node == node })
}

// AddNode inserts c, or replaces the copy for c.Node in place. New copies
// are positioned by order, a preferred node sequence; nodes not in order go
// last.
func (i *Info) AddNode(c Copy, order []uint16) {
	if k := i.index(c.Node); k >= 0 {
		i.Copies[k] = c
		return
	}
	rank := func(node uint16) int {
		if r := slices.Index(order, node); r >= 0 {
			return r
		}
		return len(order)
	}
	pos := len(i.Copies)
	if r := rank(c.Node); r < len(order) {
		for k, existing := range i.Copies {
			if rank(existing.Node) > r {
				pos = k
				break
			}
		}
	}
	i.Copies = slices.Insert(i.Copies, pos, c)
}

// UpdateNode replaces the copy for c.Node. It reports false if the node
// holds no copy.
func (i *Info) UpdateNode(c Copy) bool {
	k := i.index(c.Node)
	if k < 0 {
		return false
	}
	i.Copies[k] = c
	return true
}

// RemoveNode drops the copy held by node and reports whether it existed.
func (i *Info) RemoveNode(node uint16) bool {
	k := i.index(node)
	if k < 0 {
		return false
	}
	i.Copies = slices.Delete(i.Copies, k, k+1)
	return true
}

// Consistent reports whether every copy holds the same documents.
func (i Info) Consistent() bool {
	for _, c := range i.Copies[min(1, len(i.Copies)):] {
		if !c.ConsistentWith(i.Copies[0]) {
			return false
		}
	}
	return true
}

// ValidAndConsistent reports whether every copy is valid and they agree.
func (i Info) ValidAndConsistent() bool {
	for _, c := range i.Copies {
		if !c.State.Valid() {
			return false
		}
	}
	return i.Consistent()
}

// TrustedCount returns the number of trusted copies.
func (i Info) TrustedCount() int {
	n := 0
	for _, c := range i.Copies {
		if c.Trusted {
			n++
		}
	}
	return n
}

// UpdateTrusted marks every copy trusted when the set is valid and
// consistent. Otherwise copies that agree with an already trusted copy
// become trusted.
func (i *Info) UpdateTrusted() {
	if i.ValidAndConsistent() {
		for k := range i.Copies {
			i.Copies[k].Trusted = true
		}
		return
	}
	ref := slices.IndexFunc(i.Copies, func(c Copy) bool { return c.Trusted })
	if ref < 0 {
		return
	}
	for k := range i.Copies {
		if i.Copies[k].ConsistentWith(i.Copies[ref]) {
			i.Copies[k].Trusted = true
		}
	}
}

// ResetTrusted clears trust on every copy and recomputes it.
func (i *Info) ResetTrusted() {
	for k := range i.Copies {
		i.Copies[k].Trusted = false
	}
	i.UpdateTrusted()
}

// MergeFrom folds other into i: copies for nodes in other replace or extend
// i's copies, all other copies are kept, and trust is recomputed.
func (i *Info) MergeFrom(other Info, order []uint16) {
	for _, c := range other.Copies {
		i.AddNode(c, order)
	}
	if other.LastGC.After(i.LastGC) {
		i.LastGC = other.LastGC
	}
	i.UpdateTrusted()
}

// Equal compares copies in order, ignoring timestamps.
func (i Info) Equal(o Info) bool {
	return slices.EqualFunc(i.Copies, o.Copies, Copy.Equal)
}

func (i Info) String() string {
	var b strings.Builder
	b.WriteString("BucketInfo(")
	for k, c := range i.Copies {
		if k > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.String())
	}
	b.WriteString(")")
	return b.String()
}
