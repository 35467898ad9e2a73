// Package retry wraps broker fetches with bounded, jittered retries so a
// flaky gateway does not abort a sync cycle.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tommyk15/trading-journal/internal/broker"
	"github.com/Tommyk15/trading-journal/internal/models"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client decorates a broker.Interface with retries on transient failures.
// Permanent API errors (4xx other than 429) fail immediately.
type Client struct {
	broker broker.Interface
	logger *logrus.Logger
	config Config
}

// Ensure Client implements broker.Interface at compile time.
var _ broker.Interface = (*Client)(nil)

func NewClient(b broker.Interface, logger *logrus.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		broker: b,
		logger: logger,
		config: cfg,
	}
}

// FetchExecutions calls the wrapped broker, retrying transient failures with
// multiplicative backoff and jitter until the attempt budget or the overall
// timeout runs out.
func (c *Client) FetchExecutions(ctx context.Context, since time.Time) ([]models.RawExecution, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-fetchCtx.Done():
			return nil, fmt.Errorf("fetch timed out after %v: %w", c.config.Timeout, fetchCtx.Err())
		default:
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
		}

		fills, err := c.broker.FetchExecutions(fetchCtx, since)
		if err == nil {
			if attempt > 0 {
				c.logger.WithField("attempt", attempt+1).Info("fetch succeeded after retry")
			}
			return fills, nil
		}

		lastErr = err
		c.logger.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"max":     c.config.MaxRetries + 1,
		}).WithError(err).Warn("fetch attempt failed")

		if broker.IsPermanentAPIError(err) {
			break
		}

		if c.isTransientError(err) && attempt < c.config.MaxRetries {
			c.logger.WithField("backoff", backoff.String()).Debug("transient error, retrying")
			select {
			case <-time.After(backoff):
				backoff = c.calculateNextBackoff(backoff)
			case <-fetchCtx.Done():
				return nil, fmt.Errorf("fetch timed out during backoff: %w", fetchCtx.Err())
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch canceled during backoff: %w", ctx.Err())
			}
		} else {
			break
		}
	}

	return nil, fmt.Errorf("failed to fetch executions after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// AuthStatus passes through without retry; a dead session needs operator
// action, not patience.
func (c *Client) AuthStatus(ctx context.Context) error {
	return c.broker.AuthStatus(ctx)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Warn("failed to generate jitter")
		} else {
			jitter := time.Duration(jitterVal.Int64())
			backoff += jitter
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"statement pending",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
