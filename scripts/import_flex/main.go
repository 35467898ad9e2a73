// import_flex - A utility to import an IBKR Flex statement XML into the
// journal without running the daemon. Useful for backfilling history: point
// it at a saved Trade Confirmation Flex report and it runs the fills through
// the same pipeline the daemon uses, then links rolls.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tommyk15/trading-journal/internal/broker"
	"github.com/Tommyk15/trading-journal/internal/config"
	"github.com/Tommyk15/trading-journal/internal/journal"
	"github.com/Tommyk15/trading-journal/internal/splits"
	"github.com/Tommyk15/trading-journal/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file (database path is read from it)")
		dbPath     = flag.String("db", "", "Path to the journal database (overrides -config)")
		filePath   = flag.String("file", "", "Path to the Flex statement XML (required)")
		skipRolls  = flag.Bool("skip-rolls", false, "Skip roll detection after the import")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *filePath == "" {
		log.Fatal("-file is required: path to a Trade Confirmation Flex XML")
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	var cfg *config.Config
	path := *dbPath
	if path == "" {
		cfgFile := *configPath
		if cfgFile == "" {
			cfgFile = "config.yaml"
		}
		loaded, err := config.Load(cfgFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
		path = cfg.Database.Path
	}

	store, err := storage.NewStorage(path)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Warning: failed to close storage: %v", err)
		}
	}()

	ctx := context.Background()

	// Registered splits must be in force so restated fills import correctly.
	stored, err := store.ListSplits(ctx)
	if err != nil {
		log.Fatalf("Failed to load splits: %v", err)
	}
	calendar, err := splits.NewCalendarFromSplits(stored)
	if err != nil {
		log.Fatalf("Failed to build split calendar: %v", err)
	}

	core := journal.NewCore(store, calendar, cfg, logger)

	importer := broker.NewFlexFileImporter(*filePath, logger)
	fills, err := importer.FetchExecutions(ctx, time.Time{})
	if err != nil {
		log.Fatalf("Failed to parse Flex statement: %v", err)
	}
	fmt.Printf("Parsed %d fill(s) from %s\n", len(fills), *filePath)

	stats, err := core.ProcessExecutions(ctx, fills)
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}
	fmt.Printf("Import: %s\n", stats.String())

	if !*skipRolls {
		rollStats, err := core.DetectRolls(ctx)
		if err != nil {
			log.Fatalf("Roll detection failed: %v", err)
		}
		fmt.Printf("Rolls: %d new link(s)\n", rollStats.New)
	}
}
