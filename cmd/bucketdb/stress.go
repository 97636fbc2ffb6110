package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/bucketdb/internal/admin"
	"github.com/tunnelmesh/bucketdb/internal/bucketdb"
	"github.com/tunnelmesh/bucketdb/internal/metrics"
	"github.com/tunnelmesh/bucketdb/internal/stress"
	"github.com/tunnelmesh/bucketdb/internal/tracing"
	"github.com/tunnelmesh/bucketdb/pkg/bytesize"
)

func newStressCmd() *cobra.Command {
	var (
		engine        string
		freeList      bytesize.Size
		duration      string
		readers       int
		writeRate     float64
		seed          int64
		metricsListen string
		traceFile     string
	)

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a concurrent writer/readers workload",
		Long: `Run one rate-limited writer against a bucket database while reader
goroutines pin snapshots and verify every ancestor lookup they make.

Flags override the stress and database sections of the config file.
The command fails if any reader saw an inconsistent answer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("engine") {
				cfg.Database.Engine = engine
			}
			if flags.Changed("free-list") {
				cfg.Database.FreeList = freeList
			}
			if flags.Changed("duration") {
				cfg.Stress.Duration = duration
			}
			if flags.Changed("readers") {
				cfg.Stress.Readers = readers
			}
			if flags.Changed("write-rate") {
				cfg.Stress.WriteRate = writeRate
			}
			if flags.Changed("seed") {
				cfg.Stress.Seed = seed
			}
			if flags.Changed("trace-file") {
				cfg.Stress.TraceFile = traceFile
			}
			if flags.Changed("metrics-listen") {
				cfg.Metrics.Enabled = metricsListen != ""
				cfg.Metrics.Listen = metricsListen
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			db, err := bucketdb.New(cfg.Database,
				bucketdb.WithLogger(log.Logger),
				bucketdb.WithMetrics(bucketdb.InitMetrics(metrics.Registry)),
			)
			if err != nil {
				return err
			}

			var rec *tracing.Recorder
			if cfg.Stress.TraceFile != "" {
				rec, err = tracing.Start(cfg.Stress.TraceBuffer.Bytes(), 0)
				if err != nil {
					return err
				}
				defer rec.Stop()
			}

			if cfg.Metrics.Enabled {
				metrics.BuildInfo(Version, Commit)
				server := admin.NewServer(log.Logger, db)
				server.SetRecorder(rec)
				if err := server.Start(cfg.Metrics.Listen); err != nil {
					return fmt.Errorf("start metrics listener: %w", err)
				}
				defer func() { _ = server.Stop() }()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner, err := stress.New(db, cfg.Stress, log.Logger, stress.WithRecorder(rec))
			if err != nil {
				return err
			}
			res, err := runner.Run(ctx)
			if res != nil {
				printResult(cmd, res)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&engine, "engine", "", "database engine: btree or sorted")
	cmd.Flags().Var(&freeList, "free-list", "memory budget for recycled tree nodes (e.g. 4MB)")
	cmd.Flags().StringVar(&duration, "duration", "", "how long to run (e.g. 30s)")
	cmd.Flags().IntVar(&readers, "readers", 0, "number of reader goroutines")
	cmd.Flags().Float64Var(&writeRate, "write-rate", 0, "writer operations per second (0 = unlimited)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "workload seed (0 = random)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve /metrics, /stats and /debug/trace on this address")
	cmd.Flags().StringVar(&traceFile, "trace-file", "", "write a runtime trace here on the first consistency violation")

	return cmd
}

func printResult(cmd *cobra.Command, res *stress.Result) {
	out := cmd.OutOrStdout()
	secs := res.Elapsed.Seconds()
	if secs == 0 {
		secs = 1
	}
	s := res.Stats

	_, _ = fmt.Fprintf(out, "Run %s (seed %d) finished in %s\n", res.RunID, res.Seed, res.Elapsed.Round(time.Millisecond))
	_, _ = fmt.Fprintf(out, "  Writes:      %d (%.0f/s): %d updates, %d merges, %d removes\n",
		res.Writes(), float64(res.Writes())/secs, res.Updates, res.Merges, res.Removes)
	_, _ = fmt.Fprintf(out, "  Reads:       %d (%.0f/s), %d ancestors returned\n",
		res.Reads, float64(res.Reads)/secs, res.Matches)
	_, _ = fmt.Fprintf(out, "  Violations:  %d\n", res.Violations)
	_, _ = fmt.Fprintf(out, "  Database:    %s, %d entries, generation %d, height %d\n",
		s.Engine, s.Entries, s.Generation, s.Height)
	_, _ = fmt.Fprintf(out, "  Nodes:       %d allocated, %d recycled, %d free, %d retired\n",
		s.AllocatedNodes, s.RecycledNodes, s.FreeNodes, s.RetiredNodes)
	_, _ = fmt.Fprintf(out, "  Held memory: %s in %d generations\n", bytesize.Format(s.HeldBytes), s.HeldGenerations)
}
