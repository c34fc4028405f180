package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/preloader/internal/config"
)

const version = "0.3.0"

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	configPath  string
	logLevel    string
	concurrency int
	timeout     time.Duration
	baseURL     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "preloader",
		Short:         "Load session data in dependency order",
		Long:          "preloader fetches the data a session needs before it is usable, respecting the\ndependencies between resources and a configurable concurrency budget.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default: ~/.preloader and .preloader layered)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "override the concurrency budget")
	flags.DurationVar(&opts.timeout, "timeout", 0, "override the bootstrap timeout (0s waits for every task)")
	flags.StringVar(&opts.baseURL, "base-url", "", "override the API base URL")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newPlanCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))

	return cmd
}

// loadConfig loads the configuration, applies flag overrides and validates
// the result. It also returns the path settings are saved to.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	var (
		cfg      *config.Config
		savePath string
		err      error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
		savePath = o.configPath
	} else {
		cfg, err = config.LoadDefault()
		savePath = config.DefaultPath()
	}
	if err != nil {
		return nil, "", err
	}

	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		cfg.Concurrency = o.concurrency
	}
	if flags.Changed("timeout") {
		cfg.BootstrapTimeout = config.Duration(o.timeout)
	}
	if flags.Changed("base-url") {
		cfg.API.BaseURL = o.baseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, savePath, nil
}

// newLogger builds a text logger at the named level.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
