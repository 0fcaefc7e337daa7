package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vipul43/kiwis-watch/internal/config"
	"github.com/vipul43/kiwis-watch/internal/database"
	"github.com/vipul43/kiwis-watch/internal/gmail"
	"github.com/vipul43/kiwis-watch/internal/repository"
	"github.com/vipul43/kiwis-watch/internal/server"
	"github.com/vipul43/kiwis-watch/internal/service"
	"github.com/vipul43/kiwis-watch/internal/syncqueue"
	"github.com/vipul43/kiwis-watch/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Println("Database connected successfully")

	// Run migrations
	log.Println("Running database migrations...")
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	log.Println("Migrations completed successfully")

	// Initialize repositories
	connectionRepo := repository.NewConnectionRepository(db.Gorm)
	subscriptionRepo := repository.NewSubscriptionRepository(db.SQL)
	migrationRepo := repository.NewMigrationRecordRepository(db.Gorm)
	auditRepo := repository.NewWebhookEventRepository(db.SQL)

	// Initialize the provider gateway and collaborators
	gmailClient := gmail.NewClient(cfg.GmailClientID, cfg.GmailClientSecret, cfg.PubSubTopic)
	credentials := service.NewConnectionCredentials(connectionRepo, gmailClient)
	syncClient := syncqueue.NewClient(cfg.SyncPipelineURL, cfg.SyncPipelineAPIKey)

	// Initialize services
	gatewayTimeout := time.Duration(cfg.GatewayTimeout) * time.Second
	renewalWindow := time.Duration(cfg.RenewalLookaheadHours) * time.Hour
	sweepDeadline := time.Duration(cfg.SweepDeadline) * time.Minute

	watchManager := service.NewWatchManager(
		connectionRepo, subscriptionRepo, gmailClient, credentials,
		gatewayTimeout, renewalWindow,
	)
	scheduler := service.NewRenewalScheduler(
		subscriptionRepo, watchManager,
		renewalWindow, sweepDeadline, cfg.SweepConcurrency,
	)
	migrationManager := service.NewMigrationManager(
		connectionRepo, migrationRepo, watchManager,
		cfg.SweepConcurrency, sweepDeadline,
	)
	ingestor := service.NewWebhookIngestor(connectionRepo, subscriptionRepo, auditRepo, syncClient)

	// Initialize watcher and HTTP trigger surface
	w := watcher.New(cfg, scheduler, ingestor, auditRepo)
	srv := server.New(ingestor, watchManager, migrationManager, scheduler, cfg.AdminAPIKey)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Handler(),
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start watcher and HTTP server in goroutines
	errChan := make(chan error, 2)
	go func() {
		errChan <- w.Start(ctx)
	}()
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		log.Println("Shutdown signal received")
		cancel()

		// Wait for graceful shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		select {
		case <-shutdownCtx.Done():
			log.Println("Shutdown timeout exceeded")
		case err := <-errChan:
			if err != nil && err != context.Canceled {
				log.Printf("Watcher error: %v", err)
			}
		}

		log.Println("Application stopped")
		return nil

	case err := <-errChan:
		cancel()
		return err
	}
}
