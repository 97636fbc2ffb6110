package bucketdb

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/bucketdb/internal/replica"
	"github.com/tunnelmesh/bucketdb/pkg/bucket"
)

// db implements Database on top of a store. Writes are serialized by the
// caller; a detected concurrent write panics.
type db struct {
	name    string
	store   store
	logger  zerolog.Logger
	metrics *dbMetrics

	writing atomic.Bool
	size    atomic.Int64
	stats   atomic.Pointer[Stats]
}

func newDB(s store, o options) *db {
	d := &db{
		name:    o.name,
		store:   s,
		logger:  o.logger.With().Str("component", "bucketdb").Str("db", o.name).Str("engine", s.engine()).Logger(),
		metrics: o.metrics.forDB(o.name),
	}
	d.refreshStats()
	return d
}

func (d *db) Name() string   { return d.name }
func (d *db) Engine() string { return d.store.engine() }

func (d *db) Size() int {
	return int(d.size.Load())
}

func (d *db) Stats() Stats {
	s := *d.stats.Load()
	s.Guards = d.store.guards()
	return s
}

func (d *db) beginWrite() {
	if !d.writing.CompareAndSwap(false, true) {
		panic("bucketdb: concurrent write to " + d.name)
	}
}

func (d *db) endWrite() {
	d.writing.Store(false)
}

func (d *db) record(op string, start time.Time) {
	d.metrics.ops.WithLabelValues(op).Inc()
	d.metrics.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (d *db) invalid(op string, err error) error {
	d.metrics.invalid.Inc()
	d.logger.Warn().Err(err).Str("operation", op).Msg("rejected invalid argument")
	return fmt.Errorf("%s: %w: %w", op, ErrInvalidArgument, err)
}

func validateEntry(e Entry) error {
	if err := e.Bucket.Validate(); err != nil {
		return err
	}
	seen := make(map[uint16]struct{}, len(e.Info.Copies))
	for _, c := range e.Info.Copies {
		if _, dup := seen[c.Node]; dup {
			return fmt.Errorf("node %d holds more than one copy of %s", c.Node, e.Bucket.Short())
		}
		seen[c.Node] = struct{}{}
	}
	return nil
}

// publish makes the writer's changes visible and refreshes stats and
// metrics. Called with the write flag held.
func (d *db) publish() {
	gen := d.store.publish()
	d.refreshStats()
	d.logger.Trace().Uint64("generation", gen).Int("entries", d.Size()).Msg("published")
}

func (d *db) refreshStats() {
	s := d.store.stats()
	d.size.Store(int64(s.Entries))
	d.stats.Store(&s)
	d.metrics.observe(s)
}

func (d *db) Update(e Entry) error {
	defer d.record("update", time.Now())
	if err := validateEntry(e); err != nil {
		return d.invalid("update", err)
	}

	d.beginWrite()
	defer d.endWrite()

	d.store.set(e.Bucket.Key(), e.Info.Clone())
	d.publish()
	return nil
}

func (d *db) Merge(e Entry) error {
	defer d.record("merge", time.Now())
	if err := validateEntry(e); err != nil {
		return d.invalid("merge", err)
	}

	d.beginWrite()
	defer d.endWrite()

	key := e.Bucket.Key()
	var merged replica.Info
	if existing, ok := d.store.get(key); ok {
		merged = existing.Clone()
	}
	merged.MergeFrom(e.Info, nil)
	d.store.set(key, merged)
	d.publish()
	return nil
}

func (d *db) Remove(id bucket.ID) error {
	defer d.record("remove", time.Now())
	if err := id.Validate(); err != nil {
		return d.invalid("remove", err)
	}

	d.beginWrite()
	defer d.endWrite()

	if d.store.delete(id.Key()) {
		d.publish()
	}
	return nil
}

func (d *db) Clear() {
	defer d.record("clear", time.Now())
	d.beginWrite()
	defer d.endWrite()

	n := d.Size()
	d.store.reset()
	d.publish()
	d.logger.Debug().Int("removed", n).Msg("cleared bucket database")
}

// read runs fn against a briefly pinned view of the latest published state.
func (d *db) read(op string, fn func(v view)) {
	defer d.record(op, time.Now())
	v := d.store.acquire()
	defer func() { _ = v.release() }()
	fn(v)
}

func (d *db) Get(id bucket.ID) (Entry, bool, error) {
	if err := id.Validate(); err != nil {
		return Entry{}, false, d.invalid("get", err)
	}
	var (
		e  Entry
		ok bool
	)
	d.read("get", func(v view) { e, ok = getEntry(v, id) })
	return e, ok, nil
}

func (d *db) FindParentsAndSelf(id bucket.ID, out []Entry) ([]Entry, error) {
	if err := id.Validate(); err != nil {
		return out, d.invalid("find_parents", err)
	}
	d.read("find_parents", func(v view) { out = findParentsAndSelf(v, id, out) })
	return out, nil
}

func (d *db) FindAll(id bucket.ID, out []Entry) ([]Entry, error) {
	if err := id.Validate(); err != nil {
		return out, d.invalid("find_all", err)
	}
	d.read("find_all", func(v view) { out = findAll(v, id, out) })
	return out, nil
}

func (d *db) ForEach(fn func(Entry) bool) error {
	d.read("for_each", func(v view) { forEach(v, 0, fn) })
	return nil
}

func (d *db) ForEachAfter(after bucket.ID, fn func(Entry) bool) error {
	if err := after.Validate(); err != nil {
		return d.invalid("for_each", err)
	}
	d.read("for_each", func(v view) { forEach(v, after.Key()+1, fn) })
	return nil
}

func (d *db) ChildCount(id bucket.ID) (int, error) {
	if err := id.Validate(); err != nil {
		return 0, d.invalid("child_count", err)
	}
	var n int
	d.read("child_count", func(v view) { n = childCount(v, id) })
	return n, nil
}

func (d *db) AcquireReadGuard() ReadGuard {
	defer d.record("acquire_guard", time.Now())
	d.metrics.guards.Inc()
	return &readGuard{db: d, view: d.store.acquire()}
}

// readGuard evaluates every query against one pinned view.
type readGuard struct {
	db   *db
	view view
}

func (g *readGuard) check(id bucket.ID, op string) error {
	if g.view.released() {
		return ErrGuardReleased
	}
	if err := id.Validate(); err != nil {
		return g.db.invalid(op, err)
	}
	return nil
}

func (g *readGuard) Get(id bucket.ID) (Entry, bool, error) {
	if err := g.check(id, "get"); err != nil {
		return Entry{}, false, err
	}
	e, ok := getEntry(g.view, id)
	return e, ok, nil
}

func (g *readGuard) FindParentsAndSelf(id bucket.ID, out []Entry) ([]Entry, error) {
	if err := g.check(id, "find_parents"); err != nil {
		return out, err
	}
	return findParentsAndSelf(g.view, id, out), nil
}

func (g *readGuard) FindAll(id bucket.ID, out []Entry) ([]Entry, error) {
	if err := g.check(id, "find_all"); err != nil {
		return out, err
	}
	return findAll(g.view, id, out), nil
}

func (g *readGuard) ForEach(fn func(Entry) bool) error {
	if err := g.check(bucket.Super, "for_each"); err != nil {
		return err
	}
	forEach(g.view, 0, fn)
	return nil
}

func (g *readGuard) ForEachAfter(after bucket.ID, fn func(Entry) bool) error {
	if err := g.check(after, "for_each"); err != nil {
		return err
	}
	forEach(g.view, after.Key()+1, fn)
	return nil
}

func (g *readGuard) ChildCount(id bucket.ID) (int, error) {
	if err := g.check(id, "child_count"); err != nil {
		return 0, err
	}
	return childCount(g.view, id), nil
}

func (g *readGuard) Size() (int, error) {
	if g.view.released() {
		return 0, ErrGuardReleased
	}
	return g.view.size(), nil
}

func (g *readGuard) Generation() uint64 {
	return g.view.generation()
}

func (g *readGuard) Release() error {
	if err := g.view.release(); err != nil {
		return err
	}
	g.db.metrics.guards.Dec()
	return nil
}
