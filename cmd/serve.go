package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/gateway/internal/api"
	"example.com/backstage/services/gateway/internal/core"
	"example.com/backstage/services/gateway/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the fleet gateway",
	Long:  `Connects to the broker, ingests device telemetry and serves the operator API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing fleet gateway...")

	// --- Infrastructure Setup ---
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	logger.Info("Connecting to cache...")
	cache, err := infrastructure.NewCache(cfg.Redis)
	if err != nil {
		logger.WithError(err).Warn("Cache unavailable, continuing without it")
		cache = nil
	} else {
		defer cache.Close()
	}

	var notifier core.Notifier = core.NoopNotifier{}
	if cfg.ServiceBus.ConnectionString != "" {
		logger.Info("Connecting to messaging service...")
		messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, fleet notifications disabled")
		} else {
			defer messaging.Close()
			notifier = core.NewFleetNotifier(messaging, logger)
		}
	}

	deadLetter, err := infrastructure.NewDeadLetterJournal(cfg.Storage.DeadLetterPath)
	if err != nil {
		return fmt.Errorf("dead letter journal failed: %w", err)
	}
	defer deadLetter.Close()

	// --- Service Layer Setup ---
	repo := core.NewRepository(db.DB)
	resolver := core.NewIdentityResolver(logger)
	reconciler := core.NewModuleReconciler(logger)
	router := core.NewIngestionRouter(repo, resolver, reconciler, notifier, logger)

	// --- Broker Setup ---
	mqttClient, err := infrastructure.NewMQTTClient(cfg.MQTT, core.IngressTopics(), router.Handle, deadLetter, logger)
	if err != nil {
		return fmt.Errorf("MQTT client setup failed: %w", err)
	}
	if err := mqttClient.Start(); err != nil {
		return fmt.Errorf("MQTT connection failed: %w", err)
	}
	defer mqttClient.Stop()

	services := &core.Services{
		Ingest:   router,
		Dispatch: core.NewControlDispatcher(repo, mqttClient, logger),
		Query:    core.NewQueryService(repo, cache, logger),
	}

	// --- Periodic status request broadcast ---
	pollerDone := make(chan struct{})
	if cfg.MQTT.StatusRequestInterval > 0 {
		go runStatusPoller(mqttClient, cfg.MQTT.StatusRequestInterval, pollerDone)
	}
	defer close(pollerDone)

	// --- API Layer Setup ---
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	health := map[string]api.HealthChecker{
		"database": func(ctx context.Context) error { return db.Ping() },
		"broker": func(ctx context.Context) error {
			if !mqttClient.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		},
	}
	if cache != nil {
		health["cache"] = cache.Ping
	}

	handlers := api.NewHandlers(services, health)
	api.SetupRoutes(engine, handlers, mqttClient, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Infof("Fleet gateway API listening on %s", serverAddr)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-shutdownChan

	logger.Warn("Shutdown signal received, initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	logger.Info("Fleet gateway shutdown complete")
	return nil
}

// runStatusPoller periodically broadcasts a status request so the fleet
// re-reports even when no operator asks.
func runStatusPoller(publisher core.Publisher, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := publisher.Publish(ctx, core.TopicStatusRequest, []byte{}); err != nil {
				logger.WithError(err).Warn("Failed to broadcast status request")
			}
			cancel()
		}
	}
}
