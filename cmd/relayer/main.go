package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zenzlabs/zenz-relayer/pkg/auth"
	"github.com/zenzlabs/zenz-relayer/pkg/chain"
	"github.com/zenzlabs/zenz-relayer/pkg/chain/evm"
	"github.com/zenzlabs/zenz-relayer/pkg/config"
	"github.com/zenzlabs/zenz-relayer/pkg/executor"
	"github.com/zenzlabs/zenz-relayer/pkg/monitor"
	"github.com/zenzlabs/zenz-relayer/pkg/pgutil"
	"github.com/zenzlabs/zenz-relayer/pkg/relayer"
	"github.com/zenzlabs/zenz-relayer/pkg/reserve"
	"github.com/zenzlabs/zenz-relayer/pkg/state"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to configuration file")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting zenZEC Bridge Relayer")

	// Initialize database
	db, err := pgutil.ConnectDB(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connection established")
	store := state.NewStore(db)

	// Source chain client: watches bridge deposits and burns
	sourceClient, err := evm.NewClient(evm.Config{
		RPCURL:             cfg.Source.RPCURL,
		ChainID:            cfg.Source.ChainID,
		BridgeContract:     cfg.Source.BridgeContract,
		ConfirmationBlocks: cfg.Source.ConfirmationBlocks,
		PollingInterval:    cfg.Source.PollingInterval,
		StartBlock:         cfg.Source.StartBlock,
		Tokens:             cfg.Source.Tokens,
	}, logger.Named("source"))
	if err != nil {
		logger.Fatal("Failed to initialize source chain client", zap.Error(err))
	}
	defer sourceClient.Close()

	// Destination chain client: submits settlements
	destClient, err := evm.NewClient(evm.Config{
		RPCURL:             cfg.Destination.RPCURL,
		ChainID:            cfg.Destination.ChainID,
		BridgeContract:     cfg.Destination.BridgeContract,
		RelayerPrivateKey:  cfg.Destination.RelayerPrivateKey,
		GasLimit:           cfg.Destination.GasLimit,
		MaxGasPrice:        cfg.Destination.MaxGasPrice,
		ConfirmationBlocks: cfg.Destination.ConfirmationBlocks,
		Tokens:             cfg.Destination.Tokens,
	}, logger.Named("destination"))
	if err != nil {
		logger.Fatal("Failed to initialize destination chain client", zap.Error(err))
	}
	defer destClient.Close()

	rm := reserve.NewManager(store, logger)

	mon, err := monitor.New(sourceClient, store, store, chain.Filter{
		Kinds: []chain.EventKind{chain.KindDeposit, chain.KindBurnForWithdrawal},
	}, monitor.Config{
		Chain:                cfg.Source.Name,
		ReconnectBase:        cfg.Monitor.ReconnectBase,
		ReconnectMax:         cfg.Monitor.ReconnectMax,
		MaxAttemptsPerOutage: cfg.Monitor.MaxAttemptsPerOutage,
		SilenceWindow:        cfg.Monitor.SilenceWindow,
		ProbeInterval:        cfg.Monitor.ProbeInterval,
		Buffer:               cfg.Monitor.Buffer,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize event monitor", zap.Error(err))
	}

	exec, err := executor.New(destClient, store, executor.Policy{
		MaxAttempts: cfg.Executor.MaxAttempts,
		BaseDelay:   cfg.Executor.BaseDelay,
		MaxDelay:    cfg.Executor.MaxDelay,
	}, executor.Config{
		ConfirmTimeout: cfg.Destination.ConfirmTimeout,
		PollInterval:   cfg.Destination.PollInterval,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize settlement executor", zap.Error(err))
	}

	maxAmount := decimal.Zero
	if cfg.Relay.MaxAmount != "" {
		maxAmount, err = decimal.NewFromString(cfg.Relay.MaxAmount)
		if err != nil {
			logger.Fatal("Invalid relay.max_amount", zap.Error(err))
		}
	}

	// Start the engine first so the HTTP handlers can reference it
	engine := relayer.NewEngine(relayer.Config{
		Workers:              cfg.Relay.Workers,
		ShutdownGrace:        cfg.Relay.ShutdownGrace,
		PendingRetryInterval: cfg.Relay.PendingRetryInterval,
		PendingRetryAge:      cfg.Relay.PendingRetryAge,
		ReconcileInterval:    cfg.Relay.ReconcileInterval,
		Assets:               cfg.Relay.Assets,
		MaxAmount:            maxAmount,
	}, mon, store, rm, exec, destClient, logger)
	if err := engine.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start relay engine", zap.Error(err))
	}

	// Setup HTTP server for API and metrics
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint (liveness)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if !mon.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("SOURCE_UNHEALTHY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Readiness endpoint - returns 503 until crash recovery is complete
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !engine.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	validator := auth.NewTokenValidator(cfg.Admin.JWTSecret, cfg.Admin.Issuer)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/settlements", handleListSettlements(store, logger))
		r.Get("/settlements/{eventID}", handleGetSettlement(store, logger))
		r.Get("/reserve/{asset}", handleGetReserve(rm, logger))

		r.Group(func(r chi.Router) {
			r.Use(validator.Middleware)
			r.Post("/settlements/{eventID}/release", handleForceRelease(engine, logger))
			r.Post("/admin/pause", handlePause(engine, logger))
			r.Post("/admin/resume", handleResume(engine, logger))
		})
	})

	// Start HTTP server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("address", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, gracefully shutting down...")

	// Stop intake first so no settlement starts after the server closes
	engine.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	logger.Info("Relayer stopped")
}
