// Package bucketdb maps hierarchical bucket IDs to the replicas that hold
// each bucket.
//
// A Database has a single writer and any number of concurrent readers.
// Every write is published atomically; readers either query the latest
// published state or pin one with a ReadGuard and query it while the writer
// moves on. Two engines are provided: a persistent B-tree suited to large
// bucket spaces, and a copy-on-write sorted slice for small ones.
package bucketdb

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/bucketdb/internal/btree"
	"github.com/tunnelmesh/bucketdb/internal/config"
	"github.com/tunnelmesh/bucketdb/internal/replica"
	"github.com/tunnelmesh/bucketdb/pkg/bucket"
)

// Entry is a bucket and its replica set. Entries passed to and returned
// from a Database never share memory with it.
type Entry struct {
	Bucket bucket.ID
	Info   replica.Info
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	return Entry{Bucket: e.Bucket, Info: e.Info.Clone()}
}

func (e Entry) String() string {
	return fmt.Sprintf("%s: %s", e.Bucket.Short(), e.Info)
}

// Reader is the query surface shared by a Database and a ReadGuard.
type Reader interface {
	// Get returns the entry stored for id.
	Get(id bucket.ID) (Entry, bool, error)
	// FindParentsAndSelf appends every stored ancestor of id, id included,
	// to out in ascending used-bit order.
	FindParentsAndSelf(id bucket.ID, out []Entry) ([]Entry, error)
	// FindAll appends the stored ancestors of id, id itself and every
	// stored descendant of id to out in key order.
	FindAll(id bucket.ID, out []Entry) ([]Entry, error)
	// ForEach calls fn for every entry in key order until fn returns false.
	ForEach(fn func(Entry) bool) error
	// ForEachAfter is like ForEach but starts after the given bucket.
	ForEachAfter(after bucket.ID, fn func(Entry) bool) error
	// ChildCount returns how many of id's two children have at least one
	// stored bucket at or below them.
	ChildCount(id bucket.ID) (int, error)
}

// ReadGuard is a pinned snapshot of a Database. Writes made after it was
// acquired are invisible to it. A ReadGuard must be released and must not
// outlive its Database.
type ReadGuard interface {
	Reader
	// Size returns the number of entries in the snapshot.
	Size() (int, error)
	// Generation identifies the pinned snapshot.
	Generation() uint64
	// Release unpins the snapshot. Any later call returns ErrGuardReleased.
	Release() error
}

// Database is a bucket database. Writes must come from a single goroutine
// at a time; reads may come from any goroutine.
type Database interface {
	Reader

	// Update inserts e or fully replaces the entry stored for e.Bucket.
	Update(e Entry) error
	// Merge folds e's replicas into the stored entry: copies for nodes in
	// e replace or extend the stored ones, other copies are kept.
	Merge(e Entry) error
	// Remove deletes the entry for id. Removing an absent bucket is a no-op.
	Remove(id bucket.ID) error
	// Clear removes every entry.
	Clear()

	// AcquireReadGuard pins the latest published state.
	AcquireReadGuard() ReadGuard

	// Size returns the number of entries in the latest published state.
	Size() int
	// Stats describes the database as of the latest write.
	Stats() Stats
	// Name is the label used in logs and metrics.
	Name() string
	// Engine names the storage engine.
	Engine() string
}

// Stats describes the state of a database after its latest write.
type Stats struct {
	Engine          string
	Entries         int
	Generation      uint64
	OldestUsed      uint64
	HeldGenerations int
	Guards          int64
	Height          int
	RetiredNodes    int
	FreeNodes       int
	AllocatedNodes  uint64
	RecycledNodes   uint64
	// HeldBytes is memory kept outside the live structure: retired and
	// recycled nodes for the B-tree, the published slice for the sorted
	// engine.
	HeldBytes int64
}

type options struct {
	logger       zerolog.Logger
	metrics      *Metrics
	name         string
	freeListSize int64
}

// Option configures a Database.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records metrics into m instead of the process-wide instance.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithName sets the label used in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithFreeListSize sets the memory budget, in bytes, for recycled tree
// nodes. It only affects the B-tree engine.
func WithFreeListSize(bytes int64) Option {
	return func(o *options) { o.freeListSize = bytes }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: zerolog.Nop(),
		name:   "default",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = InitMetrics(nil)
	}
	return o
}

// NewBTreeDatabase returns a database backed by a persistent B-tree.
func NewBTreeDatabase(opts ...Option) Database {
	o := buildOptions(opts)
	maxFree := 0
	if o.freeListSize > 0 {
		maxFree = int(o.freeListSize / int64(btree.NodeSize[replica.Info]()))
	}
	return newDB(newBTreeStore(maxFree), o)
}

// NewSortedDatabase returns a database backed by a copy-on-write sorted
// slice. Every write copies the slice, so it suits small bucket spaces.
func NewSortedDatabase(opts ...Option) Database {
	return newDB(newSortedStore(), buildOptions(opts))
}

// New builds the database described by cfg. Options given here override
// the values taken from cfg.
func New(cfg config.DatabaseConfig, opts ...Option) (Database, error) {
	base := []Option{WithName(cfg.Name), WithFreeListSize(cfg.FreeList.Bytes())}
	opts = append(base, opts...)

	switch cfg.Engine {
	case config.EngineBTree, "":
		return NewBTreeDatabase(opts...), nil
	case config.EngineSorted:
		return NewSortedDatabase(opts...), nil
	default:
		return nil, fmt.Errorf("unknown database engine %q", cfg.Engine)
	}
}
