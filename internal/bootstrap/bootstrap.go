package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/preloader/internal/config"
	"github.com/aristath/preloader/internal/ctxlog"
	"github.com/aristath/preloader/internal/events"
	"github.com/aristath/preloader/internal/fetch"
	"github.com/aristath/preloader/internal/persistence"
	"github.com/aristath/preloader/internal/scheduler"
)

// Bootstrapper turns the configured plan into a loader whose tasks fetch
// session data, and runs it once.
type Bootstrapper struct {
	cfg      *config.Config
	fetcher  fetch.Fetcher
	host     string
	store    *fetch.Store
	bus      *events.EventBus
	journal  persistence.Journal
	breakers *BreakerRegistry
	logger   *slog.Logger

	mu        sync.Mutex
	loader    *scheduler.Loader
	publisher *events.Publisher
	timedOut  bool
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithStore sets where fetched payloads land. Defaults to a new Store.
func WithStore(store *fetch.Store) Option {
	return func(b *Bootstrapper) { b.store = store }
}

// WithBus publishes run events on bus. Defaults to a private bus.
func WithBus(bus *events.EventBus) Option {
	return func(b *Bootstrapper) { b.bus = bus }
}

// WithJournal records the run. Off by default.
func WithJournal(j persistence.Journal) Option {
	return func(b *Bootstrapper) { b.journal = j }
}

// WithBreakers shares a breaker registry across bootstrappers.
func WithBreakers(r *BreakerRegistry) Option {
	return func(b *Bootstrapper) { b.breakers = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bootstrapper) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a Bootstrapper for cfg.
func New(cfg *config.Config, fetcher fetch.Fetcher, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		cfg:     cfg,
		fetcher: fetcher,
		host:    "api",
		logger:  slog.Default(),
	}
	if h, ok := fetcher.(interface{ Host() string }); ok {
		b.host = h.Host()
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.store == nil {
		b.store = fetch.NewStore()
	}
	if b.bus == nil {
		b.bus = events.NewEventBus()
	}
	if b.breakers == nil {
		b.breakers = NewBreakerRegistry(cfg.Breaker, b.logger)
	}
	return b
}

// Store returns the session data store.
func (b *Bootstrapper) Store() *fetch.Store { return b.store }

// Bus returns the event bus runs publish on.
func (b *Bootstrapper) Bus() *events.EventBus { return b.bus }

// Prepare builds and registers the loader, once. Subscribers (the TUI, the
// feed) can attach to it before Run.
func (b *Bootstrapper) Prepare() (*scheduler.Loader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.loader != nil {
		return b.loader, nil
	}

	loader := scheduler.New(
		scheduler.WithLogger(b.logger),
		scheduler.WithConcurrency(b.cfg.Concurrency),
	)
	for _, tc := range b.cfg.Plan() {
		label := tc.Label
		if label == "" {
			label = tc.ID
		}
		if err := loader.RegisterTask(tc.ID, label, tc.Priority, tc.DependsOn, b.action(tc)); err != nil {
			return nil, fmt.Errorf("registering plan: %w", err)
		}
	}

	b.publisher = events.NewPublisher(b.bus, loader)
	loader.Subscribe(b.publisher)
	b.loader = loader
	return loader, nil
}

// SetConcurrency changes the budget of the prepared loader and announces it.
func (b *Bootstrapper) SetConcurrency(n int) error {
	loader, err := b.Prepare()
	if err != nil {
		return err
	}
	loader.SetConcurrency(n)

	b.mu.Lock()
	pub := b.publisher
	b.mu.Unlock()
	pub.ConcurrencyChanged(loader.Concurrency())
	return nil
}

// TimedOut reports whether the last Run was forced ready by the timeout.
func (b *Bootstrapper) TimedOut() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timedOut
}

// Run executes the plan. When the bootstrap timeout fires first the loader
// is abandoned and Run returns the partial report with no error; tasks
// still in flight finish in the background.
func (b *Bootstrapper) Run(ctx context.Context) (*scheduler.Report, error) {
	loader, err := b.Prepare()
	if err != nil {
		return nil, err
	}

	var run *persistence.Run
	if b.journal != nil {
		run, err = b.journal.StartRun(ctx, loader)
		if err != nil {
			// The journal is diagnostics only.
			b.logger.Warn("journal unavailable, continuing without it", "error", err)
		} else {
			loader.Subscribe(run)
		}
	}

	// Actions log through the context so each line carries its run and task.
	logger := b.logger
	if run != nil {
		logger = logger.With("run", run.ID)
	}
	ctx = ctxlog.WithLogger(ctx, logger)

	if timeout := b.cfg.BootstrapTimeout.Std(); timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			b.mu.Lock()
			b.timedOut = true
			b.mu.Unlock()
			b.logger.Warn("bootstrap timeout reached, forcing ready", "timeout", timeout)
			loader.Abandon()
		})
		defer timer.Stop()
	}

	report, err := loader.Start(ctx)
	if report == nil {
		return nil, err
	}

	b.publisher.Finished(report)
	if run != nil {
		if ferr := run.Finish(context.WithoutCancel(ctx), report); ferr != nil {
			b.logger.Warn("journal: failed to finish run", "run", run.ID, "error", ferr)
		}
	}

	return report, err
}

// action fetches tc.Endpoint with retry and stores the payload under tc.ID.
func (b *Bootstrapper) action(tc config.TaskConfig) scheduler.Action {
	return func(ctx context.Context) error {
		ctx = ctxlog.WithLogger(ctx, ctxlog.FromContext(ctx).With("task", tc.ID))
		cb := b.breakers.Get(b.host)
		data, err := fetchWithRetry(ctx, b.fetcher, tc.Endpoint, cb, b.cfg.Retry)
		if err != nil {
			return fmt.Errorf("loading %s: %w", tc.ID, err)
		}
		b.store.Put(tc.ID, tc.Endpoint, data)
		return nil
	}
}
