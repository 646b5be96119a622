package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/dhiodhaha/socialstats/pkg/db"
	"github.com/dhiodhaha/socialstats/pkg/interfaces/platform"
	"github.com/dhiodhaha/socialstats/pkg/logging"
	"github.com/dhiodhaha/socialstats/pkg/notify"
	"github.com/dhiodhaha/socialstats/pkg/schedule"
	"github.com/dhiodhaha/socialstats/pkg/scraper"
	"github.com/dhiodhaha/socialstats/pkg/server"
	"github.com/dhiodhaha/socialstats/pkg/store"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Only log warning since .env is optional
		logrus.WithError(err).Warn("Error loading .env file")
	}

	// Initialize logger
	log := logrus.New()
	log.SetFormatter(logging.NewColoredJSONFormatter())

	// Get log level from environment
	logLevel := os.Getenv("LOG_LEVEL")
	if level, err := logrus.ParseLevel(logLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.SetLevel(logrus.InfoLevel)
		log.WithFields(logrus.Fields{
			"attempted_level": logLevel,
			"default_level":   "INFO",
		}).Warn("Invalid log level specified, defaulting to INFO")
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	database, err := db.SetupDatabase(log)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up database")
	}

	// Initialize platform API client
	platformConfig, err := platform.NewConfig()
	if err != nil {
		log.WithError(err).Fatal("Failed to create stats API config")
	}
	platformConfig.Logger = log

	platformClient, err := platform.NewClient(platformConfig)
	if err != nil {
		log.WithError(err).Fatal("Failed to create stats API client")
	}

	// Initialize stores and orchestrator
	orchestrator, err := scraper.NewOrchestrator(scraper.Deps{
		Accounts:  store.NewAccountStore(database, log),
		Jobs:      store.NewJobStore(database, log),
		Snapshots: store.NewSnapshotStore(database, log),
		Fetcher:   scraper.NewFetcher(platformClient, log),
		Sink:      notify.NewWebhookSinkFromEnv(log),
		Logger:    log,
	}, scraper.Config{})
	if err != nil {
		log.WithError(err).Fatal("Failed to create orchestrator")
	}

	// Initialize scheduled daily scrape
	scheduler := schedule.New(orchestrator, log, os.Getenv("SCRAPE_CRON"))
	if err := scheduler.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start scheduler")
	}

	// Initialize HTTP server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: server.New(orchestrator, log).Handler(),
	}

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info("Received shutdown signal")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("HTTP server shutdown failed")
		}
	}()

	log.WithField("port", port).Info("Starting scraping service")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("HTTP server stopped with error")
	}

	// Let in-flight background runs finish before exiting
	scheduler.Stop()
	orchestrator.Wait()

	log.Info("Scraping service shutdown complete")
}
