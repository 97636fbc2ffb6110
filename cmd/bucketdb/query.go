package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/bucketdb/internal/bucketdb"
	"github.com/tunnelmesh/bucketdb/internal/config"
	"github.com/tunnelmesh/bucketdb/internal/replica"
	"github.com/tunnelmesh/bucketdb/pkg/bucket"
)

func newQueryCmd() *cobra.Command {
	var entriesPath string

	cmd := &cobra.Command{
		Use:   "query <bucket>",
		Short: "Look up a bucket in an entries file",
		Long: `Load the buckets listed in an entries file into a database and print
the stored ancestors of the given bucket, every bucket overlapping it,
and how many of its children are in use.

Buckets may be written as "16:0x10", "(16, 0x10)" or a raw 64-bit ID.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := bucket.Parse(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if entriesPath == "" {
				entriesPath = cfg.Entries
			}
			if entriesPath == "" {
				return fmt.Errorf("no entries file: use --entries or set entries in the config file")
			}

			db, err := bucketdb.New(cfg.Database, bucketdb.WithLogger(log.Logger))
			if err != nil {
				return err
			}
			if err := loadEntries(db, entriesPath); err != nil {
				return err
			}
			return printQuery(cmd.OutOrStdout(), db, id)
		},
	}

	cmd.Flags().StringVarP(&entriesPath, "entries", "e", "", "entries file (overrides the config file)")

	return cmd
}

// loadEntries merges every entry of the file at path into db, so a bucket
// listed twice ends up with the union of its copies.
func loadEntries(db bucketdb.Database, path string) error {
	entries, err := config.LoadEntries(path)
	if err != nil {
		return err
	}
	for i, ec := range entries {
		id, err := bucket.Parse(ec.Bucket)
		if err != nil {
			return fmt.Errorf("entries[%d]: %w", i, err)
		}
		if err := db.Merge(bucketdb.Entry{Bucket: id, Info: replica.New(ec.Copies...)}); err != nil {
			return fmt.Errorf("entries[%d]: %w", i, err)
		}
	}
	log.Debug().Int("entries", db.Size()).Str("path", path).Msg("Loaded entries")
	return nil
}

func printQuery(out io.Writer, db bucketdb.Database, id bucket.ID) error {
	guard := db.AcquireReadGuard()
	defer func() { _ = guard.Release() }()

	parents, err := guard.FindParentsAndSelf(id, nil)
	if err != nil {
		return err
	}
	all, err := guard.FindAll(id, nil)
	if err != nil {
		return err
	}
	children, err := guard.ChildCount(id)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "%s (generation %d)\n\n", id, guard.Generation())
	_, _ = fmt.Fprintf(out, "Parents and self (%d):\n", len(parents))
	printEntries(out, parents)
	_, _ = fmt.Fprintf(out, "\nOverlapping (%d):\n", len(all))
	printEntries(out, all)
	_, _ = fmt.Fprintf(out, "\nChildren in use: %d\n", children)
	return nil
}

func printEntries(out io.Writer, entries []bucketdb.Entry) {
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(out, "  (none)")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "  BUCKET\tNODES\tCONSISTENT\tREPLICAS\n")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "  %s\t%v\t%t\t%s\n", e.Bucket.Short(), e.Info.Nodes(), e.Info.Consistent(), e.Info)
	}
	_ = w.Flush()
}
