// Package dependency wires the bootstrap services using go.uber.org/dig.
package dependency

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/dig"

	"github.com/aristath/preloader/internal/bootstrap"
	"github.com/aristath/preloader/internal/config"
	"github.com/aristath/preloader/internal/events"
	"github.com/aristath/preloader/internal/feed"
	"github.com/aristath/preloader/internal/fetch"
	"github.com/aristath/preloader/internal/persistence"
	"github.com/aristath/preloader/internal/scheduler"
)

// Container holds the resolved service singletons.
// Callers use the typed getter methods; they never need to import dig directly.
type Container struct {
	bootstrapper *bootstrap.Bootstrapper
	loader       *scheduler.Loader
	bus          *events.EventBus
	store        *fetch.Store
	journal      persistence.Journal
	feed         *feed.Server
}

func (c *Container) Bootstrapper() *bootstrap.Bootstrapper { return c.bootstrapper }
func (c *Container) Loader() *scheduler.Loader             { return c.loader }
func (c *Container) Bus() *events.EventBus                 { return c.bus }
func (c *Container) Store() *fetch.Store                   { return c.store }
func (c *Container) Journal() persistence.Journal          { return c.journal }
func (c *Container) Feed() *feed.Server                    { return c.feed }

// Close releases the bus and the journal.
func (c *Container) Close() error {
	c.bus.Close()
	return c.journal.Close()
}

// JournalPath is the SQLite file runs are recorded to; empty keeps the
// journal in memory.
type JournalPath string

// New builds and wires all services from cfg.
func New(ctx context.Context, cfg *config.Config, journalPath JournalPath, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}

	d := dig.New()

	providers := []any{
		func() *config.Config { return cfg },
		func() *slog.Logger { return logger },
		func() JournalPath { return journalPath },
		func() context.Context { return ctx },
		newFetcher,
		fetch.NewStore,
		events.NewEventBus,
		newJournal,
		newBreakers,
		newBootstrapper,
		newLoader,
		newFeed,
	}
	for _, p := range providers {
		if err := d.Provide(p); err != nil {
			return nil, err
		}
	}

	var result *Container
	err := d.Invoke(func(
		b *bootstrap.Bootstrapper,
		loader *scheduler.Loader,
		bus *events.EventBus,
		store *fetch.Store,
		journal persistence.Journal,
		server *feed.Server,
	) {
		result = &Container{
			bootstrapper: b,
			loader:       loader,
			bus:          bus,
			store:        store,
			journal:      journal,
			feed:         server,
		}
	})
	if err != nil {
		// dig wraps provider errors; surface the root cause.
		return nil, dig.RootCause(err)
	}
	return result, nil
}

func newFetcher(cfg *config.Config, logger *slog.Logger) (fetch.Fetcher, error) {
	client, err := fetch.NewClient(fetch.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.RequestTimeout.Std(),
	}, nil, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newJournal(ctx context.Context, path JournalPath, logger *slog.Logger) (persistence.Journal, error) {
	if path == "" {
		return persistence.NewMemoryStore(ctx, logger)
	}
	return persistence.NewSQLiteStore(ctx, string(path), logger)
}

func newBreakers(cfg *config.Config, logger *slog.Logger) *bootstrap.BreakerRegistry {
	return bootstrap.NewBreakerRegistry(cfg.Breaker, logger)
}

func newBootstrapper(
	cfg *config.Config,
	f fetch.Fetcher,
	store *fetch.Store,
	bus *events.EventBus,
	journal persistence.Journal,
	breakers *bootstrap.BreakerRegistry,
	logger *slog.Logger,
) (*bootstrap.Bootstrapper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return bootstrap.New(cfg, f,
		bootstrap.WithStore(store),
		bootstrap.WithBus(bus),
		bootstrap.WithJournal(journal),
		bootstrap.WithBreakers(breakers),
		bootstrap.WithLogger(logger),
	), nil
}

func newLoader(b *bootstrap.Bootstrapper) (*scheduler.Loader, error) {
	return b.Prepare()
}

func newFeed(bus *events.EventBus, loader *scheduler.Loader, logger *slog.Logger) *feed.Server {
	return feed.NewServer(bus, loader, logger)
}
