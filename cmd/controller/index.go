package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hwgw.ai/internal/persistence/indexdb"
	persistlog "hwgw.ai/internal/persistence/log"
)

func newIndexCmd(_ *globalOpts) *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Query or rebuild the sqlite event index",
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data", "./data", "journal and index directory")

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Print the most recent events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			idx, err := indexdb.OpenSQLite(filepath.Join(dataDir, "index.sqlite"))
			if err != nil {
				return err
			}
			defer idx.Close()
			return printRecent(cmd.Context(), cmd.OutOrStdout(), idx, limit)
		},
	}
	recent.Flags().IntVar(&limit, "limit", 20, "max events")

	var target string
	batches := &cobra.Command{
		Use:   "batches",
		Short: "Print recent batches and their outcomes for one target",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if target == "" {
				return errors.New("--target is required")
			}
			idx, err := indexdb.OpenSQLite(filepath.Join(dataDir, "index.sqlite"))
			if err != nil {
				return err
			}
			defer idx.Close()
			return printBatches(cmd.Context(), cmd.OutOrStdout(), idx, target, limit)
		},
	}
	batches.Flags().StringVar(&target, "target", "", "target server")
	batches.Flags().IntVar(&limit, "limit", 20, "max batches")

	rebuild := &cobra.Command{
		Use:   "rebuild",
		Short: "Replay the journal into a fresh index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := rebuildIndex(cmd.Context(), dataDir)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "indexed %d events\n", n)
			return err
		},
	}

	cmd.AddCommand(recent, batches, rebuild)
	return cmd
}

func printRecent(ctx context.Context, w io.Writer, idx *indexdb.SQLiteIndex, limit int) error {
	evs, err := idx.RecentEvents(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tKIND\tMODE\tTARGET\tREASON\tMESSAGE")
	for _, ev := range evs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", ev.At.Format(time.RFC3339), ev.Kind, ev.Mode, ev.Target, ev.Reason, ev.Message)
	}
	return tw.Flush()
}

func printBatches(ctx context.Context, w io.Writer, idx *indexdb.SQLiteIndex, target string, limit int) error {
	rows, err := idx.Batches(ctx, target, limit)
	if err != nil {
		return err
	}
	healthy, unhealthy, err := idx.HealthCounts(ctx, target)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LAUNCHED\tBATCH\tH\tW1\tG\tW2\tRATIO\tHEALTHY")
	for _, b := range rows {
		outcome := "-"
		if b.Healthy != nil {
			outcome = fmt.Sprint(*b.Healthy)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%.3f\t%s\n", b.LaunchedAt.Format(time.RFC3339), b.BatchID,
			b.Plan.HackThreads, b.Plan.WeakenForHack, b.Plan.GrowThreads, b.Plan.WeakenForGrow, b.Plan.StealRatio, outcome)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "healthy=%d unhealthy=%d\n", healthy, unhealthy)
	return err
}

// rebuildIndex replaces dataDir/index.sqlite with one built from every
// journal file under dataDir/events.
func rebuildIndex(ctx context.Context, dataDir string) (int, error) {
	files, err := persistlog.JournalFiles(filepath.Join(dataDir, "events"))
	if err != nil {
		return 0, err
	}
	path := filepath.Join(dataDir, "index.sqlite")
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, err
		}
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return 0, err
	}
	defer idx.Close()

	n := 0
	for _, f := range files {
		evs, err := persistlog.ReadJournal(f)
		if err != nil {
			return n, err
		}
		for _, ev := range evs {
			// The queue drops on overflow; drain it before it fills.
			if idx.Stats().QueueDepth >= idx.Stats().QueueCapacity/2 {
				if err := idx.Flush(ctx); err != nil {
					return n, err
				}
			}
			_ = idx.RecordEvent(ev)
			n++
		}
	}
	if err := idx.Flush(ctx); err != nil {
		return n, err
	}
	if st := idx.Stats(); st.Dropped > 0 || st.Failed > 0 {
		return n, fmt.Errorf("index rebuild lost events: dropped=%d failed=%d", st.Dropped, st.Failed)
	}
	return n, nil
}
