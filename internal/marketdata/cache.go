package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// DefaultQuoteTTL bounds how long a fetched quote or Greeks snapshot is
// served from memory before hitting the API again.
const DefaultQuoteTTL = 5 * time.Minute

type quoteEntry struct {
	quote   Quote
	fetched time.Time
}

type greeksEntry struct {
	snapshot GreeksSnapshot
	fetched  time.Time
}

// CachedProvider wraps a Provider with a TTL cache. Concurrent requests for
// the same key are coalesced through singleflight so a burst of analytics
// recomputes produces one upstream call per contract. When the upstream
// fails and an expired entry exists, the entry is served with Stale set so
// callers can flag degraded numbers instead of dropping them.
type CachedProvider struct {
	provider Provider
	ttl      time.Duration
	logger   *logrus.Logger

	group  singleflight.Group
	mu     sync.RWMutex
	quotes map[string]quoteEntry
	greeks map[string]greeksEntry
}

// NewCachedProvider wraps provider with a DefaultQuoteTTL cache.
func NewCachedProvider(provider Provider, logger *logrus.Logger) *CachedProvider {
	return NewCachedProviderWithTTL(provider, DefaultQuoteTTL, logger)
}

// NewCachedProviderWithTTL wraps provider with a custom TTL.
func NewCachedProviderWithTTL(provider Provider, ttl time.Duration, logger *logrus.Logger) *CachedProvider {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &CachedProvider{
		provider: provider,
		ttl:      ttl,
		logger:   logger,
		quotes:   make(map[string]quoteEntry),
		greeks:   make(map[string]greeksEntry),
	}
}

var _ Provider = (*CachedProvider)(nil)

// LastClose returns a cached close when fresh, otherwise fetches one.
func (c *CachedProvider) LastClose(ctx context.Context, symbol string) (Quote, error) {
	key := "quote:" + symbol

	c.mu.RLock()
	entry, ok := c.quotes[key]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetched) < c.ttl {
		return entry.quote, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		q, err := c.provider.LastClose(ctx, symbol)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.quotes[key] = quoteEntry{quote: q, fetched: time.Now()}
		c.mu.Unlock()
		return q, nil
	})
	if err != nil {
		if ok {
			c.logger.WithError(err).WithField("symbol", symbol).
				Warn("quote fetch failed, serving stale cache entry")
			stale := entry.quote
			stale.Stale = true
			return stale, nil
		}
		return Quote{}, err
	}
	return v.(Quote), nil
}

// OptionGreeks returns a cached snapshot when fresh, otherwise fetches one.
func (c *CachedProvider) OptionGreeks(ctx context.Context, underlying string, optionType models.OptionType,
	strike decimal.Decimal, expiration time.Time) (GreeksSnapshot, error) {
	key := fmt.Sprintf("greeks:%s", occSymbol(underlying, expiration, optionType, strike))

	c.mu.RLock()
	entry, ok := c.greeks[key]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetched) < c.ttl {
		return entry.snapshot, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		g, err := c.provider.OptionGreeks(ctx, underlying, optionType, strike, expiration)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.greeks[key] = greeksEntry{snapshot: g, fetched: time.Now()}
		c.mu.Unlock()
		return g, nil
	})
	if err != nil {
		if ok {
			c.logger.WithError(err).WithField("contract", key).
				Warn("greeks fetch failed, serving stale cache entry")
			stale := entry.snapshot
			stale.Stale = true
			return stale, nil
		}
		return GreeksSnapshot{}, err
	}
	return v.(GreeksSnapshot), nil
}

// Evict drops every cache entry older than the TTL. The journal calls this
// between sync cycles to keep the maps from growing across long runs.
func (c *CachedProvider) Evict() {
	cutoff := time.Now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.quotes {
		if e.fetched.Before(cutoff) {
			delete(c.quotes, k)
		}
	}
	for k, e := range c.greeks {
		if e.fetched.Before(cutoff) {
			delete(c.greeks, k)
		}
	}
}

// BreakerProvider wraps a Provider with a circuit breaker so a flapping
// market data API stops eating sync time once it trips. Compose it inside
// CachedProvider (cache outermost) so stale entries keep serving while the
// breaker is open.
type BreakerProvider struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
}

var _ Provider = (*BreakerProvider)(nil)

// NewBreakerProvider wraps provider with default breaker settings.
func NewBreakerProvider(provider Provider, logger *logrus.Logger) *BreakerProvider {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	settings := gobreaker.Settings{
		Name:        "MarketDataCircuitBreaker",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}
	return &BreakerProvider{
		provider: provider,
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

func execProviderBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("circuit breaker: type assertion failed")
	}
	return v, nil
}

// LastClose wraps the underlying provider call with the circuit breaker.
func (b *BreakerProvider) LastClose(ctx context.Context, symbol string) (Quote, error) {
	return execProviderBreaker(b.breaker, func() (Quote, error) {
		return b.provider.LastClose(ctx, symbol)
	})
}

// OptionGreeks wraps the underlying provider call with the circuit breaker.
func (b *BreakerProvider) OptionGreeks(ctx context.Context, underlying string, optionType models.OptionType,
	strike decimal.Decimal, expiration time.Time) (GreeksSnapshot, error) {
	return execProviderBreaker(b.breaker, func() (GreeksSnapshot, error) {
		return b.provider.OptionGreeks(ctx, underlying, optionType, strike, expiration)
	})
}

// State exposes the breaker state for health reporting.
func (b *BreakerProvider) State() gobreaker.State {
	return b.breaker.State()
}
