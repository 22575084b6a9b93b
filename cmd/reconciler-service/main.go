package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/reconciler/pkg/audit"
	"github.com/synaptica-ai/reconciler/pkg/common/config"
	"github.com/synaptica-ai/reconciler/pkg/common/database"
	"github.com/synaptica-ai/reconciler/pkg/common/kafka"
	"github.com/synaptica-ai/reconciler/pkg/common/logger"
	"github.com/synaptica-ai/reconciler/pkg/common/retry"
	"github.com/synaptica-ai/reconciler/pkg/extraction"
	"github.com/synaptica-ai/reconciler/pkg/gateway/middleware"
	"github.com/synaptica-ai/reconciler/pkg/intake"
	"github.com/synaptica-ai/reconciler/pkg/observability/metrics"
	"github.com/synaptica-ai/reconciler/pkg/redact"
	"github.com/synaptica-ai/reconciler/pkg/summary"
	"github.com/synaptica-ai/reconciler/pkg/terminology"
	"gorm.io/gorm"
)

const serviceName = "record-reconciler"

func main() {
	logger.Init()
	cfg := config.Load()

	rules, err := intake.LoadRuleSet(cfg.RuleSetPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load rule set")
	}
	redactionRules, err := redact.LoadRules(cfg.RedactionRulePath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load redaction rules")
	}
	redactor, err := redact.New(redactionRules)
	if err != nil {
		logger.Log.WithError(err).Fatal("Invalid redaction rules")
	}
	redact.SetDefault(redactor)

	catalog, err := terminology.Load(cfg.TerminologyPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load terminology catalog")
	}

	var (
		registry intake.Registry
		store    summary.Store
		db       *gorm.DB
	)
	switch cfg.StoreBackend {
	case "memory":
		registry = intake.NewMemoryRegistry()
		store = summary.NewMemoryStore()
		logger.Log.Warn("Using in-memory stores; snapshots are lost on restart")
	default:
		db, err = database.GetPostgres(cfg)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to connect to database")
		}
		defer database.ClosePostgres()

		docs := intake.NewRepository(db)
		snapshots := summary.NewRepository(db)
		if err := docs.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("Failed to migrate intake tables")
		}
		if err := snapshots.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("Failed to migrate snapshot tables")
		}
		registry = docs
		store = summary.NewCachedStore(snapshots, database.GetRedis(cfg), cfg.SnapshotCacheTTL)
		defer database.CloseRedis()
	}

	auditProducer := kafka.NewProducer(cfg, cfg.AuditTopic)
	defer auditProducer.Close()
	kafkaAudit := audit.NewKafkaEmitter(auditProducer, nil, serviceName)
	if cfg.AuditDLQTopic != "" {
		dlq := kafka.NewProducer(cfg, cfg.AuditDLQTopic)
		defer dlq.Close()
		kafkaAudit = audit.NewKafkaEmitter(auditProducer, dlq, serviceName)
	}
	emitter := audit.Fanout{audit.LogEmitter{}, kafkaAudit}

	engine := summary.NewEngine(registry, store, emitter)
	pipeline := intake.NewPipeline(
		intake.NewNormalizer(rules, catalog),
		registry,
		extraction.NewClient(cfg.ExtractionBaseURL, cfg.ExtractionTimeout),
		cfg.IntakeWorkers,
		retry.Policy{
			MaxAttempts: cfg.IntakeMaxAttempts,
			BaseDelay:   cfg.IntakeBaseDelay,
			MaxDelay:    cfg.IntakeMaxDelay,
		},
	)

	var onIngested func(string)
	if cfg.AutoAggregate {
		onIngested = engine.Trigger
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handlers := &eventHandlers{pipeline: pipeline, engine: engine, onIngested: onIngested}
	results := kafka.NewConsumer(cfg, cfg.ExtractionResultsTopic, "")
	defer results.Close()
	purges := kafka.NewConsumer(cfg, cfg.SessionPurgeTopic, cfg.KafkaGroupID+"-sessions")
	defer purges.Close()

	go func() {
		if err := results.Consume(ctx, handlers.handleExtractionResult); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Fatal("Extraction result consumer error")
		}
	}()
	go func() {
		if err := purges.Consume(ctx, handlers.handleSessionPurged); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Fatal("Session purge consumer error")
		}
	}()

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.BodyLimit(cfg.MaxRequestBody))
	router.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.HandleFunc("/ready", readiness(db)).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	intake.NewHTTPHandler(pipeline, cfg.MaxRequestBody, onIngested).Register(router)
	summary.NewHTTPHandler(engine).Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":  cfg.ServerHost,
			"port":  cfg.ServerPort,
			"store": cfg.StoreBackend,
		}).Info("Record Reconciler started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Record Reconciler...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Record Reconciler stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

func readiness(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(r.Context())
			}
			if err != nil {
				http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ready"}`))
	}
}
