package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/preloader/internal/config"
	"github.com/aristath/preloader/internal/ctxlog"
	"github.com/aristath/preloader/internal/dependency"
	"github.com/aristath/preloader/internal/scheduler"
	"github.com/aristath/preloader/internal/tui"
)

// drainGrace bounds how long run waits for abandoned fetches before closing
// the journal.
const drainGrace = 2 * time.Second

type runOptions struct {
	headless bool
	journal  string
	listen   string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bootstrap",
		Long:  "Run the bootstrap plan against the API. Shows a dashboard unless --headless is set.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBootstrap(cmd, root, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.headless, "headless", false, "no dashboard; log to stderr and print a summary")
	cmd.Flags().StringVar(&opts.journal, "journal", "", "record the run to this SQLite file")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "serve the status feed on this address, e.g. :8090")

	return cmd
}

func runBootstrap(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	cfg, savePath, err := root.loadConfig(cmd)
	if err != nil {
		return err
	}

	// The dashboard owns the terminal.
	var logOut io.Writer = io.Discard
	if opts.headless {
		logOut = cmd.ErrOrStderr()
	}
	logger, err := newLogger(logOut, root.logLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = ctxlog.WithLogger(ctx, logger)

	c, err := dependency.New(ctx, cfg, dependency.JournalPath(opts.journal), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("closing services", "error", err)
		}
	}()

	report, err := execute(ctx, cmd, c, cfg, opts, savePath)

	select {
	case <-c.Loader().Drained():
	case <-time.After(drainGrace):
		logger.Warn("abandoned fetches still in flight at exit")
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("interrupted")
	}
	if err != nil {
		return err
	}

	if opts.headless {
		printSummary(cmd.OutOrStdout(), report, c.Bootstrapper().TimedOut())
	}
	if n := len(report.Failed) + len(report.Blocked); n > 0 {
		return fmt.Errorf("%d of %d tasks did not load", n, report.Total)
	}
	return nil
}

// execute runs the bootstrap, the optional feed and the dashboard as one
// group. The feed stops with the dashboard, or with the bootstrap when
// headless.
func execute(ctx context.Context, cmd *cobra.Command, c *dependency.Container, cfg *config.Config, opts *runOptions, savePath string) (*scheduler.Report, error) {
	logger := ctxlog.FromContext(ctx)

	// Snapshot before starting so the dashboard lists the whole plan.
	initial := c.Loader().Report()

	g, gctx := errgroup.WithContext(ctx)
	feedCtx, stopFeed := context.WithCancel(gctx)
	defer stopFeed()

	if opts.listen != "" {
		g.Go(func() error {
			return c.Feed().ListenAndServe(feedCtx, opts.listen)
		})
	}

	var report *scheduler.Report
	g.Go(func() error {
		if opts.headless {
			defer stopFeed()
		}
		r, err := c.Bootstrapper().Run(gctx)
		report = r
		return err
	})

	if !opts.headless {
		g.Go(func() error {
			defer stopFeed()
			// Leaving the dashboard forces the session ready.
			defer c.Loader().Abandon()

			// The settings form edits its own copy; the running bootstrap
			// only sees concurrency changes, through the controller.
			settings := *cfg
			model := tui.New(c.Bus(), initial, c.Bootstrapper(), &settings, savePath)
			p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithOutput(cmd.OutOrStdout()))

			go func() {
				<-gctx.Done()
				p.Quit()
			}()

			_, err := p.Run()
			return err
		})
	}

	logger.Debug("bootstrap group started", "headless", opts.headless, "concurrency", cfg.Concurrency, "tasks", initial.Total)

	err := g.Wait()
	if report == nil && err == nil {
		err = errors.New("bootstrap produced no report")
	}
	return report, err
}

// printSummary writes a per-task outcome table.
func printSummary(w io.Writer, report *scheduler.Report, timedOut bool) {
	elapsed := report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond)

	switch {
	case report.Abandoned && timedOut:
		fmt.Fprintf(w, "Ready (timed out) after %v\n", elapsed)
	case report.Abandoned:
		fmt.Fprintf(w, "Ready (forced) after %v\n", elapsed)
	default:
		fmt.Fprintf(w, "Ready after %v\n", elapsed)
	}
	fmt.Fprintf(w, "  completed %d, failed %d, blocked %d, still loading %d of %d\n\n",
		len(report.Completed), len(report.Failed), len(report.Blocked),
		len(report.Running)+len(report.Pending), report.Total)

	for _, t := range report.Tasks {
		state := t.State
		if t.BlockedBy != "" {
			state = "blocked"
		}
		fmt.Fprintf(w, "  %-10s %-16s %8v", state, t.ID, t.Duration.Round(time.Millisecond))
		if t.Error != "" {
			fmt.Fprintf(w, "  %s", t.Error)
		}
		fmt.Fprintln(w)
	}
}
