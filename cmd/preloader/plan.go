package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/preloader/internal/bootstrap"
	"github.com/aristath/preloader/internal/config"
	"github.com/aristath/preloader/internal/scheduler"
)

func newPlanCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Validate the task plan and show its order",
		Long:  "Validate the configured task plan without fetching anything, then print a topological\norder and the dependency waves the loader would work through.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), cfg)
		},
	}
}

// printPlan registers the plan on a loader that never starts, so the same
// validation applies as for a real run.
func printPlan(w io.Writer, cfg *config.Config) error {
	loader, err := bootstrap.New(cfg, nil).Prepare()
	if err != nil {
		return err
	}

	order, err := loader.Order()
	if err != nil {
		return err
	}
	waves, err := loader.Waves()
	if err != nil {
		return err
	}

	timeout := "none"
	if cfg.BootstrapTimeout > 0 {
		timeout = cfg.BootstrapTimeout.String()
	}
	fmt.Fprintf(w, "Plan: %d tasks, concurrency %d, timeout %s\n", len(order), cfg.Concurrency, timeout)
	fmt.Fprintf(w, "API:  %s\n\n", cfg.API.BaseURL)

	fmt.Fprintln(w, "Order:")
	for i, id := range order {
		fmt.Fprintf(w, "  %2d. %s\n", i+1, describeTask(loader, id))
	}

	fmt.Fprintln(w, "\nWaves:")
	for i, wave := range waves {
		fmt.Fprintf(w, "  %d: %s\n", i, strings.Join(wave, ", "))
	}
	return nil
}

func describeTask(loader *scheduler.Loader, id string) string {
	task, ok := loader.Task(id)
	if !ok {
		return id
	}
	s := fmt.Sprintf("%-16s priority %3d", task.ID, task.Priority)
	if len(task.DependsOn) > 0 {
		s += "  after " + strings.Join(task.DependsOn, ", ")
	}
	return s
}
