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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/api"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/batching"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/config"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/database"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/intake"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/ledger"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/messaging"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/settlement"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/pkg/logger"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/pkg/observability"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load(os.Getenv("SETTLEMENTD_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create logger
	zapLogger, err := logger.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load the fee schedule
	fees, err := config.LoadFees(cfg.FeesPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			zapLogger.Fatal("Failed to load fee schedule", zap.Error(err))
		}
		zapLogger.Warn("Fee schedule not found, using built-in defaults",
			zap.String("path", cfg.FeesPath))
		fees = config.DefaultFees()
	}

	// Set up tracing
	var telemetryShutdown func(context.Context) error
	if cfg.Telemetry.Enabled {
		telemetryShutdown, err = observability.Setup(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			zapLogger.Fatal("Failed to set up telemetry", zap.Error(err))
		}
	}

	// Connect the idempotency store
	var dedup intake.DedupStore
	switch cfg.Intake.DedupBackend {
	case "redis":
		dedup, err = intake.NewRedisDedupStore(cfg.Redis)
		if err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
	default:
		dedup = intake.NewMemoryDedupStore()
	}

	// Connect the system of record
	db, err := database.Open(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	store, err := settlement.NewStore(db)
	if err != nil {
		zapLogger.Fatal("Failed to initialize settlement store", zap.Error(err))
	}

	// Open the append-only event log
	var eventLog ledger.Log
	switch cfg.Ledger.Backend {
	case "badger":
		eventLog, err = ledger.NewBadgerLog(cfg.Ledger.Dir)
		if err != nil {
			zapLogger.Fatal("Failed to open ledger log", zap.Error(err))
		}
	default:
		eventLog = ledger.NewMemoryLog()
	}

	// Event bus is optional: single-node runs keep the log as the only sink
	var producer *messaging.Producer
	var bus ledger.Publisher
	if cfg.Kafka.Enabled {
		producer = messaging.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, logger.Component(zapLogger, "bus"))
		bus = producer
	}

	emitter, err := ledger.NewLedger(ctx, eventLog, bus, cfg.Ledger, logger.Component(zapLogger, "ledger"))
	if err != nil {
		zapLogger.Fatal("Failed to recover ledger", zap.Error(err))
	}

	// Wire the pipeline: gate -> registry -> planner/netting -> store
	registry := batching.NewRegistry(cfg.Batching, logger.Component(zapLogger, "batching"))
	planner := batching.NewPlanner(fees, cfg.Batching.MaxBatchSize)
	svc := settlement.NewService(cfg.Batching, fees, store, planner, registry, settlement.LoopbackAgreement{}, emitter, logger.Component(zapLogger, "settlement"))
	registry.Start(ctx, svc.HandleChunk)

	gate := intake.NewGate(cfg.Intake, dedup, registry, registry, store, emitter, logger.Component(zapLogger, "intake"))
	apiServer := api.NewServer(cfg.Server, gate, svc, registry, logger.Component(zapLogger, "api"))

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start HTTP server in a goroutine
	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	// Start Kafka intake if configured
	var consumer *intake.Consumer
	if cfg.Kafka.Enabled {
		consumer = intake.NewConsumer(cfg.Kafka, gate, logger.Component(zapLogger, "consumer"))
		go func() {
			if err := consumer.Run(ctx); err != nil {
				zapLogger.Error("Intake consumer stopped", zap.Error(err))
			}
		}()
	}

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down settlement service...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	// Stop intake first so the drain below sees every admitted transaction
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to stop HTTP server", zap.Error(err))
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			zapLogger.Error("Failed to stop intake consumer", zap.Error(err))
		}
	}

	// Drain buffered and deferred transactions through the pipeline
	if err := registry.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Failed to drain batching queues", zap.Error(err))
	}
	cancel()

	if err := eventLog.Close(); err != nil {
		zapLogger.Error("Failed to close ledger log", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		zapLogger.Error("Failed to close settlement store", zap.Error(err))
	}
	if err := dedup.Close(); err != nil {
		zapLogger.Error("Failed to close dedup store", zap.Error(err))
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			zapLogger.Error("Failed to close event bus", zap.Error(err))
		}
	}
	if telemetryShutdown != nil {
		if err := telemetryShutdown(shutdownCtx); err != nil {
			zapLogger.Error("Failed to shut down telemetry", zap.Error(err))
		}
	}

	zapLogger.Info("Server exited properly")
}
