// Command journal runs the options-trading journal daemon: it syncs
// executions from the configured broker on a schedule, maintains the position
// ledger and trade records, and serves the REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tommyk15/trading-journal/internal/api"
	"github.com/Tommyk15/trading-journal/internal/broker"
	"github.com/Tommyk15/trading-journal/internal/config"
	"github.com/Tommyk15/trading-journal/internal/journal"
	"github.com/Tommyk15/trading-journal/internal/marketdata"
	"github.com/Tommyk15/trading-journal/internal/mock"
	"github.com/Tommyk15/trading-journal/internal/retry"
	"github.com/Tommyk15/trading-journal/internal/splits"
	"github.com/Tommyk15/trading-journal/internal/storage"
)

const shutdownGrace = 10 * time.Second

// App bundles the wired components of a running journal.
type App struct {
	config  *config.Config
	log     *logrus.Logger
	storage storage.Interface
	core    *journal.Core
	server  *api.Server
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file")
		once       = flag.Bool("once", false, "run one sync and roll detection pass, then exit")
		reprocess  = flag.Bool("reprocess", false, "replay all stored executions, then exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := newLogger(cfg.Logging)
	log.WithFields(logrus.Fields{
		"environment": cfg.Environment,
		"broker":      cfg.Broker.Provider,
		"database":    cfg.Database.Path,
	}).Info("starting trading journal")

	app, err := buildApp(cfg, log)
	if err != nil {
		log.Fatalf("Startup failed: %v", err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutdown signal received")
		cancel()
	}()

	switch {
	case *reprocess:
		err = app.runReprocess(ctx)
	case *once:
		err = app.runOnce(ctx)
	default:
		err = app.run(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Journal error: %v", err)
	}
	log.Info("journal stopped")
}

// newLogger builds the process logger from the logging config. Unknown levels
// were already rejected by config validation.
func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.JSON {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}
	return log
}

// buildApp opens storage, seeds the split calendar, and wires the broker,
// providers, core, and API server together.
func buildApp(cfg *config.Config, log *logrus.Logger) (*App, error) {
	store, err := storage.NewStorage(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	if s, ok := store.(*storage.SQLiteStorage); ok {
		s.SetLogger(log)
	}

	stored, err := store.ListSplits(context.Background())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading splits: %w", err)
	}
	calendar, err := splits.NewCalendarFromSplits(stored)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("seeding split calendar: %w", err)
	}

	src, err := buildBroker(cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	provider, rates := buildProviders(cfg, log)

	core := journal.NewCore(store, calendar, cfg, log).
		WithBroker(src).
		WithMarketData(provider).
		WithRates(rates)

	server := api.NewServer(api.Config{
		ListenAddr: cfg.API.ListenAddr,
		AuthToken:  cfg.API.AuthToken,
	}, core, store, log)

	return &App{
		config:  cfg,
		log:     log,
		storage: store,
		core:    core,
		server:  server,
	}, nil
}

// buildBroker constructs the execution source named by broker.provider. Live
// sources are wrapped with the retry client and a circuit breaker; the Flex
// importer polls internally so it only gets the breaker.
func buildBroker(cfg *config.Config, log *logrus.Logger) (broker.Interface, error) {
	switch cfg.Broker.Provider {
	case "ibkr":
		client := broker.NewIBKRClient(broker.IBKRConfig{
			Host:      cfg.Broker.Host,
			Port:      cfg.Broker.Port,
			AccountID: cfg.Broker.AccountID,
			Timeout:   cfg.BrokerTimeout(),
		}, log)
		return broker.NewCircuitBreakerBroker(retry.NewClient(client, log), log), nil

	case "flex":
		var client *broker.FlexClient
		if cfg.Broker.FlexFile != "" {
			client = broker.NewFlexFileImporter(cfg.Broker.FlexFile, log)
		} else {
			client = broker.NewFlexClient(cfg.Broker.FlexToken, cfg.Broker.FlexQueryID, log)
		}
		return broker.NewCircuitBreakerBroker(client, log), nil

	case "mock":
		return broker.NewMockBroker(mock.Fills()), nil

	default:
		return nil, fmt.Errorf("unknown broker provider %q", cfg.Broker.Provider)
	}
}

// buildProviders constructs the market data and risk-free rate sources. Both
// are optional: without keys the journal still runs and analytics come back
// partial. Mock mode substitutes the deterministic provider so local runs get
// full analytics without credentials.
func buildProviders(cfg *config.Config, log *logrus.Logger) (marketdata.Provider, marketdata.RateProvider) {
	var provider marketdata.Provider
	var rates marketdata.RateProvider

	if key := cfg.Providers.MarketDataAPIKey; key != "" {
		client := marketdata.NewMassiveClient(key, log).WithBaseURL(cfg.Providers.MarketDataURL)
		provider = marketdata.NewBreakerProvider(marketdata.NewCachedProvider(client, log), log)
	}
	if key := cfg.Providers.FredAPIKey; key != "" {
		rates = marketdata.NewFREDClient(key, log)
	}

	if cfg.Broker.Provider == "mock" {
		scripted := mock.NewDataProvider()
		if provider == nil {
			provider = scripted
		}
		if rates == nil {
			rates = scripted
		}
	}

	if provider == nil {
		log.Info("no market data key configured, analytics will be partial")
	}
	if rates == nil {
		log.Info("no FRED key configured, probability of profit will be partial")
	}
	return provider, rates
}

// run starts the API server and the sync ticker, blocking until the context
// is cancelled or the listener fails.
func (a *App) run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	ticker := time.NewTicker(a.config.SyncInterval())
	defer ticker.Stop()

	a.log.WithField("interval", a.config.SyncInterval().String()).Info("sync loop started")
	a.syncCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		case err := <-serverErr:
			return fmt.Errorf("api server: %w", err)
		case <-ticker.C:
			a.syncCycle(ctx)
		}
	}
}

// syncCycle runs one sync plus roll detection pass. Failures are logged, not
// fatal: the next tick tries again.
func (a *App) syncCycle(ctx context.Context) {
	stats, err := a.core.Sync(ctx)
	if err != nil {
		a.log.WithError(err).Error("sync failed")
		return
	}
	if stats.New == 0 {
		return
	}
	if _, err := a.core.DetectRolls(ctx); err != nil {
		a.log.WithError(err).Error("roll detection failed")
	}
}

// runOnce performs a single sync plus roll detection and reports the stats.
func (a *App) runOnce(ctx context.Context) error {
	stats, err := a.core.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	a.log.WithField("stats", stats.String()).Info("sync finished")

	rollStats, err := a.core.DetectRolls(ctx)
	if err != nil {
		return fmt.Errorf("roll detection: %w", err)
	}
	a.log.WithField("linked", rollStats.New).Info("roll detection finished")
	return nil
}

// runReprocess replays the stored execution history and re-links rolls.
func (a *App) runReprocess(ctx context.Context) error {
	stats, err := a.core.ReprocessAll(ctx)
	if err != nil {
		return fmt.Errorf("reprocess: %w", err)
	}
	a.log.WithField("stats", stats.String()).Info("reprocess finished")

	rollStats, err := a.core.DetectRolls(ctx)
	if err != nil {
		return fmt.Errorf("roll detection: %w", err)
	}
	a.log.WithField("linked", rollStats.New).Info("roll detection finished")
	return nil
}

// shutdown drains the API server within the grace window.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

// Close releases held resources. Safe to call after a failed start.
func (a *App) Close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = a.server.Shutdown(ctx)
		cancel()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.log.WithError(err).Warn("closing storage failed")
		}
	}
}
