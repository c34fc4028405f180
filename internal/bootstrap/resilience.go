package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/preloader/internal/config"
	"github.com/aristath/preloader/internal/ctxlog"
	"github.com/aristath/preloader/internal/fetch"
)

// BreakerRegistry manages one circuit breaker per API host, so a dead
// backend fails the remaining tasks fast instead of retrying each one.
type BreakerRegistry struct {
	mu       sync.Mutex
	settings config.BreakerConfig
	logger   *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry whose breakers use settings.
func NewBreakerRegistry(settings config.BreakerConfig, logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for host, creating it on first use.
func (r *BreakerRegistry) Get(host string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[host]; ok {
		return cb
	}

	trip := r.settings.ConsecutiveFailures
	if trip == 0 {
		trip = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: r.settings.HalfOpenRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.settings.OpenTimeout.Std(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed", "host", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// A 404 or a cancelled session is not an outage.
			return !fetch.IsTransient(err)
		},
	})

	r.breakers[host] = cb
	return cb
}

// newBackOff builds the exponential policy for one fetch.
func newBackOff(ctx context.Context, cfg config.RetryConfig) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		policy.InitialInterval = cfg.InitialInterval.Std()
	}
	if cfg.MaxInterval > 0 {
		policy.MaxInterval = cfg.MaxInterval.Std()
	}
	policy.MaxElapsedTime = cfg.MaxElapsedTime.Std() // 0 retries until ctx ends
	if cfg.Multiplier > 0 {
		policy.Multiplier = cfg.Multiplier
	}
	policy.RandomizationFactor = cfg.RandomizationFactor
	return backoff.WithContext(policy, ctx)
}

// fetchWithRetry fetches endpoint through the breaker, retrying transient
// failures with exponential backoff. Retries are logged to the logger in ctx.
func fetchWithRetry(ctx context.Context, f fetch.Fetcher, endpoint string, cb *gobreaker.CircuitBreaker, retryCfg config.RetryConfig) ([]byte, error) {
	logger := ctxlog.FromContext(ctx)
	var body []byte
	attempt := 0

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++

		result, err := cb.Execute(func() (interface{}, error) {
			return f.Fetch(ctx, endpoint)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil || !fetch.IsTransient(err) {
				return backoff.Permanent(err)
			}
			logger.Debug("fetch failed, will retry", "endpoint", endpoint, "attempt", attempt, "error", err)
			return err
		}

		body = result.([]byte)
		return nil
	}

	err := backoff.Retry(operation, newBackOff(ctx, retryCfg))
	return body, err
}
