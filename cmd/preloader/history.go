package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/preloader/internal/persistence"
)

type historyOptions struct {
	journal string
	limit   int
	run     string
	prune   time.Duration
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	opts := &historyOptions{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled runs",
		Long:  "List runs recorded with `run --journal`. With --run, show one run's plan and transitions.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), root.logLevel)
			if err != nil {
				return err
			}

			if _, err := os.Stat(opts.journal); err != nil {
				return fmt.Errorf("no journal at %s", opts.journal)
			}

			ctx := context.Background()
			store, err := persistence.NewSQLiteStore(ctx, opts.journal, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			w := cmd.OutOrStdout()
			if opts.prune > 0 {
				n, err := store.DeleteRunsBefore(ctx, time.Now().Add(-opts.prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "Pruned %d runs\n", n)
				return nil
			}
			if opts.run != "" {
				return printRun(ctx, w, store, opts.run)
			}
			return printRuns(ctx, w, store, opts.limit)
		},
	}

	cmd.Flags().StringVar(&opts.journal, "journal", ".preloader/journal.db", "SQLite journal to read")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "runs to list (0 for all)")
	cmd.Flags().StringVar(&opts.run, "run", "", "show the plan and transitions of one run")
	cmd.Flags().DurationVar(&opts.prune, "prune", 0, "delete runs older than this instead of listing")

	return cmd
}

func printRuns(ctx context.Context, w io.Writer, journal persistence.Journal, limit int) error {
	runs, err := journal.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}

	fmt.Fprintf(w, "%-36s  %-19s  %-9s  %5s  %5s  %5s  %s\n", "RUN", "STARTED", "STATUS", "DONE", "FAIL", "BLOCK", "ELAPSED")
	for _, r := range runs {
		fmt.Fprintf(w, "%-36s  %-19s  %-9s  %5d  %5d  %5d  %v\n",
			r.ID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Status,
			r.Completed, r.Failed, r.Blocked,
			r.Elapsed().Round(time.Millisecond))
	}
	return nil
}

func printRun(ctx context.Context, w io.Writer, journal persistence.Journal, runID string) error {
	tasks, err := journal.RunTasks(ctx, runID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	evts, err := journal.RunEvents(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run %s\n\nPlan:\n", runID)
	for _, t := range tasks {
		fmt.Fprintf(w, "  %-16s priority %3d", t.ID, t.Priority)
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(w, "  after %v", t.DependsOn)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "\nTransitions:")
	var start time.Time
	for i, e := range evts {
		if i == 0 {
			start = e.At
		}
		fmt.Fprintf(w, "  +%-8v %-16s %s", e.At.Sub(start), e.TaskID, e.State)
		if e.BlockedBy != "" {
			fmt.Fprintf(w, " (blocked by %s)", e.BlockedBy)
		} else if e.Error != "" {
			fmt.Fprintf(w, " (%s)", e.Error)
		}
		fmt.Fprintln(w)
	}
	return nil
}
