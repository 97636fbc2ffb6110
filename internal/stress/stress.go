// Package stress drives a bucket database with one rate-limited writer and
// a pool of readers that check every answer they get from a pinned guard.
package stress

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/bucketdb/internal/bucketdb"
	"github.com/tunnelmesh/bucketdb/internal/config"
	"github.com/tunnelmesh/bucketdb/internal/replica"
	"github.com/tunnelmesh/bucketdb/internal/tracing"
	"github.com/tunnelmesh/bucketdb/pkg/bucket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrViolation is returned by Run when a reader saw an inconsistent answer.
var ErrViolation = errors.New("consistency violation")

// Result summarizes a finished run.
type Result struct {
	RunID      string
	Seed       int64
	Elapsed    time.Duration
	Updates    int64
	Merges     int64
	Removes    int64
	Reads      int64
	Matches    int64 // entries returned by ancestor lookups
	Violations int64
	Stats      bucketdb.Stats
}

// Writes is the total number of write operations issued.
func (r *Result) Writes() int64 {
	return r.Updates + r.Merges + r.Removes
}

// Runner runs one workload against a database.
type Runner struct {
	db       bucketdb.Database
	cfg      config.StressConfig
	duration time.Duration
	seed     int64
	keyspace []bucket.ID
	limiter  *rate.Limiter
	logger   zerolog.Logger
	runID    string
	recorder *tracing.Recorder
	dumpOnce sync.Once

	updates    atomic.Int64
	merges     atomic.Int64
	removes    atomic.Int64
	reads      atomic.Int64
	matches    atomic.Int64
	violations atomic.Int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithRecorder dumps rec to cfg.TraceFile on the first violation.
func WithRecorder(rec *tracing.Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// New prepares a run. The keyspace is derived from cfg.Seed, or from the
// clock when the seed is zero.
func New(db bucketdb.Database, cfg config.StressConfig, logger zerolog.Logger, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	duration, _ := cfg.DurationValue()

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	limit := rate.Inf
	burst := 1
	if cfg.WriteRate > 0 {
		limit = rate.Limit(cfg.WriteRate)
		burst = max(1, int(cfg.WriteRate/10))
	}

	runID := uuid.New().String()
	r := &Runner{
		db:       db,
		cfg:      cfg,
		duration: duration,
		seed:     seed,
		keyspace: keyspace(seed, cfg),
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.With().Str("component", "stress").Str("run_id", runID).Logger(),
		runID:    runID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func keyspace(seed int64, cfg config.StressConfig) []bucket.ID {
	rng := rand.New(rand.NewSource(seed))
	ids := make([]bucket.ID, cfg.Buckets)
	span := cfg.MaxUsedBits - cfg.MinUsedBits + 1
	for i := range ids {
		used := cfg.MinUsedBits + rng.Intn(span)
		ids[i] = bucket.MustNew(used, rng.Uint64()&(uint64(1)<<uint(used)-1))
	}
	return ids
}

// RunID identifies this run in logs.
func (r *Runner) RunID() string {
	return r.runID
}

// Run executes the workload until the configured duration elapses or ctx is
// cancelled. A non-nil Result is returned whenever the workload started.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.duration)
	defer cancel()

	r.logger.Info().
		Str("database", r.db.Name()).
		Str("engine", r.db.Engine()).
		Int("readers", r.cfg.Readers).
		Float64("write_rate", r.cfg.WriteRate).
		Int("buckets", len(r.keyspace)).
		Int64("seed", r.seed).
		Dur("duration", r.duration).
		Msg("Starting stress run")

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.write(gctx) })
	for i := range r.cfg.Readers {
		seed := r.seed + int64(i) + 1
		g.Go(func() error { return r.read(gctx, seed) })
	}
	err := g.Wait()

	res := &Result{
		RunID:      r.runID,
		Seed:       r.seed,
		Elapsed:    time.Since(start),
		Updates:    r.updates.Load(),
		Merges:     r.merges.Load(),
		Removes:    r.removes.Load(),
		Reads:      r.reads.Load(),
		Matches:    r.matches.Load(),
		Violations: r.violations.Load(),
		Stats:      r.db.Stats(),
	}

	r.logger.Info().
		Int64("writes", res.Writes()).
		Int64("reads", res.Reads).
		Int64("violations", res.Violations).
		Int("entries", res.Stats.Entries).
		Uint64("generation", res.Stats.Generation).
		Dur("elapsed", res.Elapsed).
		Msg("Stress run finished")

	if err != nil {
		return res, err
	}
	if res.Violations > 0 {
		return res, fmt.Errorf("%d reader checks failed: %w", res.Violations, ErrViolation)
	}
	return res, nil
}

func done(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil
}

func (r *Runner) write(ctx context.Context) error {
	rng := rand.New(rand.NewSource(r.seed))
	for version := uint32(1); ; version++ {
		if err := r.limiter.Wait(ctx); err != nil {
			if done(ctx, err) {
				return nil
			}
			return fmt.Errorf("rate limiter: %w", err)
		}

		id := r.keyspace[rng.Intn(len(r.keyspace))]
		var err error
		switch rng.Intn(4) {
		case 0:
			err = r.db.Remove(id)
			r.removes.Add(1)
		case 1:
			err = r.db.Merge(bucketdb.Entry{Bucket: id, Info: r.replicas(rng, id, version)})
			r.merges.Add(1)
		default:
			err = r.db.Update(bucketdb.Entry{Bucket: id, Info: r.replicas(rng, id, version)})
			r.updates.Add(1)
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", id.Short(), err)
		}
	}
}

// replicas builds a replica set on up to three distinct nodes. Every copy
// carries the bucket's location in its checksum so readers can detect an
// entry filed under the wrong key.
func (r *Runner) replicas(rng *rand.Rand, id bucket.ID, version uint32) replica.Info {
	n := 1 + rng.Intn(min(3, r.cfg.Nodes))
	first := rng.Intn(r.cfg.Nodes)
	var info replica.Info
	for i := range n {
		info.AddNode(replica.Copy{
			Node: uint16((first + i) % r.cfg.Nodes),
			State: replica.State{
				Checksum:     checksum(id),
				DocCount:     version,
				TotalDocSize: version * 64,
				Ready:        i == 0,
				Active:       i == 0,
			},
			Trusted:   i == 0,
			Timestamp: time.Unix(int64(version), 0),
		}, nil)
	}
	return info
}

func checksum(id bucket.ID) uint32 {
	return uint32(id.Location()^id.Location()>>32) | 1
}

func (r *Runner) read(ctx context.Context, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	var out []bucketdb.Entry
	for ctx.Err() == nil {
		q := r.keyspace[rng.Intn(len(r.keyspace))]
		guard := r.db.AcquireReadGuard()

		var err error
		out, err = guard.FindParentsAndSelf(q, out[:0])
		if err != nil {
			_ = guard.Release()
			return fmt.Errorf("find parents of %s: %w", q.Short(), err)
		}
		r.matches.Add(int64(len(out)))
		if msg := checkAncestors(q, out); msg != "" {
			r.violation(q, guard.Generation(), msg)
		}

		e1, ok1, _ := guard.Get(q)
		e2, ok2, _ := guard.Get(q)
		if ok1 != ok2 || (ok1 && !e1.Info.Equal(e2.Info)) {
			r.violation(q, guard.Generation(), "pinned entry changed between reads")
		}

		if err := guard.Release(); err != nil {
			return err
		}
		r.reads.Add(1)
	}
	return nil
}

func checkAncestors(q bucket.ID, out []bucketdb.Entry) string {
	prev := -1
	for _, e := range out {
		if !e.Bucket.Contains(q) {
			return fmt.Sprintf("%s is not an ancestor", e.Bucket.Short())
		}
		if e.Bucket.UsedBits() <= prev {
			return "ancestors out of order"
		}
		prev = e.Bucket.UsedBits()
		for _, c := range e.Info.Copies {
			if c.State.Checksum != checksum(e.Bucket) {
				return fmt.Sprintf("%s carries state of another bucket", e.Bucket.Short())
			}
		}
	}
	return ""
}

func (r *Runner) violation(q bucket.ID, gen uint64, msg string) {
	r.violations.Add(1)
	r.logger.Error().
		Str("bucket", q.Short()).
		Uint64("generation", gen).
		Msg(msg)

	if r.cfg.TraceFile == "" || !r.recorder.Running() {
		return
	}
	r.dumpOnce.Do(func() {
		if err := r.recorder.SnapshotFile(r.cfg.TraceFile); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to write trace")
			return
		}
		r.logger.Info().Str("path", r.cfg.TraceFile).Msg("Wrote trace of first violation")
	})
}
