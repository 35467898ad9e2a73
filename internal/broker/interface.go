// Package broker provides execution-source clients for the trading journal.
// It includes the IBKR Client Portal adapter, the Flex Query importer, and a
// deterministic mock for paper mode and tests.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// Interface defines the contract for fetching executions from a broker.
// Implementations return raw fills; canonicalization belongs to the
// normalizer, not the adapter.
type Interface interface {
	// FetchExecutions returns fills executed at or after since. A zero since
	// returns everything the source has.
	FetchExecutions(ctx context.Context, since time.Time) ([]models.RawExecution, error)

	// AuthStatus reports whether the session is usable for fetching.
	AuthStatus(ctx context.Context) error
}

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// IsPermanentAPIError checks if an error is a permanent API error that
// retrying cannot fix.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// Consider 4xx errors as permanent (except 429 Too Many Requests which is retryable)
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerBroker wraps an Interface with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Interface
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Interface at compile time.
var _ Interface = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Interface,
	fn func(Interface) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Interface, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Interface, logger *logrus.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// FetchExecutions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) FetchExecutions(ctx context.Context, since time.Time) ([]models.RawExecution, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Interface) ([]models.RawExecution, error) {
		return b.FetchExecutions(ctx, since)
	})
}

// AuthStatus wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) AuthStatus(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.broker.AuthStatus(ctx)
	})
	return err
}

// State exposes the breaker state for health reporting.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}
