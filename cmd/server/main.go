package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/buildflow-ai/be-mr-requests/internal/client"
	"github.com/buildflow-ai/be-mr-requests/internal/config"
	"github.com/buildflow-ai/be-mr-requests/internal/database"
	"github.com/buildflow-ai/be-mr-requests/internal/directory"
	"github.com/buildflow-ai/be-mr-requests/internal/handler"
	"github.com/buildflow-ai/be-mr-requests/internal/repository"
	"github.com/buildflow-ai/be-mr-requests/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Service.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Logger()

	log.Info().
		Str("environment", cfg.Service.Environment).
		Msg("Starting Material Requests Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize NATS (optional; notifications are disabled without it)
	var js nats.JetStreamContext
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service.Name))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()

		js, err = nc.JetStream()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create JetStream context")
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set; notifications disabled")
	}

	// Initialize repositories
	requestRepo := repository.NewRequestRepository(db)
	progressRepo := repository.NewProgressRepository(db)
	templateRepo := repository.NewChainTemplateRepository(db)
	itemRepo := repository.NewLineItemRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Initialize clients
	dirClient := directory.NewHTTPClient(cfg.Orgdir)
	notifier := client.NewNotificationPublisher(js, log)

	// Initialize services
	resolver := service.NewApproverResolver(dirClient)
	engine := service.NewFlowEngine(requestRepo, progressRepo, templateRepo, auditRepo, resolver, notifier, log)
	chainService := service.NewChainService(templateRepo, requestRepo, auditRepo, engine, log)
	requestService := service.NewRequestService(requestRepo, itemRepo, progressRepo, auditRepo, engine, notifier, log)
	itemMachine := service.NewItemStatusMachine(itemRepo, requestRepo, auditRepo, notifier, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(requestService, chainService, engine, itemMachine, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Request routes
	mux.HandleFunc("/api/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListRequests(w, r)
		case http.MethodPost:
			httpHandler.SubmitRequest(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/requests/get", httpHandler.GetRequest)
	mux.HandleFunc("/api/v1/requests/progress", httpHandler.GetProgress)
	mux.HandleFunc("/api/v1/requests/audit", httpHandler.GetAuditTrail)
	mux.HandleFunc("/api/v1/requests/approve", httpHandler.ApproveStep)
	mux.HandleFunc("/api/v1/requests/reject", httpHandler.RejectStep)
	mux.HandleFunc("/api/v1/requests/retry-advance", httpHandler.RetryAdvance)
	mux.HandleFunc("/api/v1/requests/dead-end", httpHandler.ListDeadEnd)

	// Chain template routes
	mux.HandleFunc("/api/v1/chains", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListTemplates(w, r)
		case http.MethodPost:
			httpHandler.CreateTemplate(w, r)
		case http.MethodDelete:
			httpHandler.DeleteTemplate(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/chains/active", httpHandler.GetActiveTemplate)
	mux.HandleFunc("/api/v1/chains/activate", httpHandler.ChangeActiveChain)

	// Line item routes
	mux.HandleFunc("/api/v1/items/transition", httpHandler.TransitionItem)
	mux.HandleFunc("/api/v1/items/cancel", httpHandler.CancelItem)
	mux.HandleFunc("/api/v1/items/restore", httpHandler.RestoreItem)
	mux.HandleFunc("/api/v1/items/audit", httpHandler.GetItemHistory)

	// Apply middleware
	var h http.Handler = mux
	h = handler.RequestID(h)
	h = handler.Logger(log)(h)
	h = handler.Recovery(log)(h)
	h = handler.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
