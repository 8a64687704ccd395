// Package main runs the DocVault offline core as a standalone process:
// opens the local database, applies migrations, and drives the queue
// processor until interrupted. Hosts embedding the core as a library wire
// the same components themselves.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/docvault/internal/availability"
	"github.com/kimhsiao/docvault/internal/db"
	"github.com/kimhsiao/docvault/internal/logging"
	"github.com/kimhsiao/docvault/internal/processor"
	"github.com/kimhsiao/docvault/internal/queue"
	"github.com/kimhsiao/docvault/internal/store"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "directory for the local database")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	logging.Init(os.Stderr, level)

	logging.Info("docvault core starting", map[string]interface{}{
		"version":  Version,
		"data_dir": *dataDir,
	})

	database, err := db.OpenAndMigrate(*dataDir)
	if err != nil {
		logging.Error("failed to open database", err)
		os.Exit(1)
	}
	defer database.Close()

	docStore := store.New(database, nil)
	opQueue := queue.New(database)
	manager := availability.New(docStore, opQueue, nil)

	proc := processor.New(opQueue, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc.Start(ctx)

	if stats, err := manager.GetStorageStats(); err == nil {
		logging.Info("offline store ready", map[string]interface{}{
			"documents":  stats.TotalDocuments,
			"total_size": stats.TotalSize,
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logging.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	proc.Stop()
}

func defaultDataDir() string {
	if dir := os.Getenv("DOCVAULT_DATA_DIR"); dir != "" {
		return dir
	}
	return "./data"
}
