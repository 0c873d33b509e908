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

	"unnati-cloud-labs/backend/internal/audit"
	auditrepo "unnati-cloud-labs/backend/internal/audit/repository"
	"unnati-cloud-labs/backend/internal/config"
	"unnati-cloud-labs/backend/internal/db"
	"unnati-cloud-labs/backend/internal/events"
	"unnati-cloud-labs/backend/internal/events/producer"
	healthhandler "unnati-cloud-labs/backend/internal/health/handler"
	"unnati-cloud-labs/backend/internal/ledger"
	ledgerhandler "unnati-cloud-labs/backend/internal/ledger/handler"
	ledgerrepo "unnati-cloud-labs/backend/internal/ledger/repository"
	"unnati-cloud-labs/backend/internal/policy/engine"
	"unnati-cloud-labs/backend/internal/provision"
	"unnati-cloud-labs/backend/internal/scheduler"
	"unnati-cloud-labs/backend/internal/security"
	"unnati-cloud-labs/backend/internal/server"
	"unnati-cloud-labs/backend/internal/server/middleware"
	sessionhandler "unnati-cloud-labs/backend/internal/session/handler"
	sessionrepo "unnati-cloud-labs/backend/internal/session/repository"
	"unnati-cloud-labs/backend/internal/session/service"
	"unnati-cloud-labs/backend/internal/telemetry/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if cfg.JWTPublicKey == "" {
		log.Fatal("JWT_PUBLIC_KEY is required")
	}
	if cfg.ProvisionerBaseURL == "" {
		log.Fatal("PROVISIONER_BASE_URL is required")
	}

	ctx := context.Background()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "cloudlabs-api", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	publicKey, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("jwt public key: %v", err)
	}
	tokens := security.NewTokenProvider(nil, publicKey, cfg.JWTIssuer, cfg.JWTAudience)

	policy, err := engine.NewOPAEvaluator(cfg.LabPolicyFile)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	var emitter events.Emitter
	if brokers := cfg.EventsKafkaBrokersList(); len(brokers) > 0 {
		kafkaProducer, err := producer.NewKafkaProducer(brokers, cfg.EventsKafkaTopic)
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		defer kafkaProducer.Close()
		emitter = kafkaProducer
		log.Printf("events: producing to kafka topic %s", cfg.EventsKafkaTopic)
	} else {
		emitter = otel.NewEventEmitter(providers.LoggerProvider)
		log.Print("events: KAFKA_BROKERS not set, mirroring events to OTel logs only")
	}

	sessions := sessionrepo.NewPostgresRepository(conn)
	credits := ledger.New(ledgerrepo.NewPostgresRepository(conn))
	auditor := audit.NewLogger(auditrepo.NewPostgresRepository(conn), func(ctx context.Context) string {
		if ip := middleware.ClientIPFromContext(ctx); ip != "" {
			return ip
		}
		return "unknown"
	})
	provisioner := provision.NewClient(cfg.ProvisionerBaseURL, cfg.ProvisionerAPIKey)

	expiry := scheduler.New(sessions, cfg.SchedulerTickValue(), cfg.SessionWarningLeadValue())
	orchestrator := service.NewOrchestrator(
		sessions, credits, provisioner, expiry,
		cfg.SessionDurationValue(), cfg.ProvisionTimeoutValue(),
		service.Options{Policy: policy, Auditor: auditor, Emitter: emitter},
	)
	expiry.SetHandler(orchestrator)

	// Startup replay: resolve sessions stranded by the previous process, then
	// rebuild expiry deadlines for everything still running.
	if err := orchestrator.Recover(ctx); err != nil {
		log.Fatalf("recover: %v", err)
	}
	if err := expiry.Resync(ctx); err != nil {
		log.Fatalf("scheduler resync: %v", err)
	}

	schedCtx, stopSched := context.WithCancel(ctx)
	defer stopSched()
	go expiry.Run(schedCtx)

	health := healthhandler.NewHealthHandler(conn)
	health.AddCheck("policy", policy)

	router := server.NewRouter(server.Deps{
		Tokens:   tokens,
		Sessions: sessionhandler.NewSessionHandler(orchestrator),
		Credits:  ledgerhandler.NewCreditsHandler(credits),
		Health:   health,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("http server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down http server...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	stopSched()

	// Give in-flight async event emits time to land before the producer closes.
	time.Sleep(events.ShutdownDrainDuration)

	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown: %v", err)
	}
	log.Println("http server stopped")
}
