package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/agent"
	"github.com/740540/Trabajo-Wallapop/internal/config"
	"github.com/740540/Trabajo-Wallapop/internal/ingest"
	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/740540/Trabajo-Wallapop/internal/notifications"
	"github.com/740540/Trabajo-Wallapop/internal/scheduler"
	"github.com/740540/Trabajo-Wallapop/internal/sources"
	"github.com/740540/Trabajo-Wallapop/internal/statestore"
	"github.com/740540/Trabajo-Wallapop/internal/storage"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	once := flag.Bool("once", false, "run a single cycle and exit")
	replay := flag.String("replay", "", "read raw listings from an NDJSON file instead of the marketplace API")
	flag.Parse()

	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logrus.SetLevel(logrus.InfoLevel)
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.Info("Starting Wallapop risk agent")

	ctx := context.Background()

	store, err := statestore.Open(ctx, cfg.StateStoreDriver, cfg.StateStoreDSN)
	if err != nil {
		logrus.Fatalf("Failed to open state store: %v", err)
	}
	defer store.Close()

	backup, err := storage.New(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize backup storage: %v", err)
	}

	service, err := agent.NewService(ctx, cfg, agent.Dependencies{
		Sources:  buildSources(cfg, *replay),
		Store:    store,
		Backend:  ingest.NewElasticsearchBackend(cfg.ESHost, cfg.ESIndexAlias, cfg.ESUsername, cfg.ESPassword),
		Backup:   backup,
		Notifier: notifications.NewService(cfg),
	})
	if err != nil {
		logrus.Fatalf("Failed to initialize agent: %v", err)
	}

	if *once {
		summary, err := service.RunCycle(ctx)
		if err != nil {
			logrus.Errorf("Cycle failed: %v", err)
			store.Close()
			os.Exit(1)
		}
		logrus.Infof("Cycle %s finished with status %s", summary.CycleID, summary.Status)
		return
	}

	schedulerService, err := scheduler.NewService(cfg.PollSchedule, cfg.TimeZone, service)
	if err != nil {
		logrus.Fatalf("Failed to create scheduler: %v", err)
	}
	if err := schedulerService.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      newRouter(service),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("HTTP server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CycleDeadline+30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	if err := schedulerService.Stop(shutdownCtx); err != nil {
		logrus.Errorf("Scheduler stopped with a cycle still running: %v", err)
	}

	logrus.Info("Server exited")
}

func buildSources(cfg *config.Config, replay string) []sources.Source {
	if replay != "" {
		return []sources.Source{sources.NewFileSource(replay)}
	}
	return []sources.Source{
		sources.NewWallapopSource(sources.WallapopConfig{
			BaseURL:      cfg.FeedBaseURL,
			CategoryID:   cfg.FeedCategoryID,
			Latitude:     cfg.FeedLatitude,
			Longitude:    cfg.FeedLongitude,
			SearchTerms:  cfg.FeedSearchTerms,
			PageSize:     cfg.FeedPageSize,
			MaxPages:     cfg.FeedMaxPages,
			TimeFilter:   cfg.FeedTimeFilter,
			RequestDelay: cfg.FeedRequestDelay,
		}),
	}
}

// cycleService is the part of the agent the HTTP surface uses
type cycleService interface {
	RunCycle(ctx context.Context) (*models.CycleSummary, error)
	GetMetrics() string
	IsRunning() bool
}

func newRouter(service cycleService) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheckHandler).Methods("GET")
	router.HandleFunc("/metrics", metricsHandler(service)).Methods("GET")
	router.HandleFunc("/trigger", triggerHandler(service)).Methods("POST")
	return router
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}

func metricsHandler(service cycleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(service.GetMetrics()))
	}
}

func triggerHandler(service cycleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if service.IsRunning() {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"message":"A cycle is already running"}`))
			return
		}

		go func() {
			if _, err := service.RunCycle(context.Background()); err != nil {
				if errors.Is(err, agent.ErrCycleRunning) {
					logrus.Warn("Manual trigger ignored, a cycle is already running")
					return
				}
				logrus.Errorf("Manual cycle trigger failed: %v", err)
			}
		}()

		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"message":"Cycle triggered successfully"}`))
	}
}
