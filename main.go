package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"billing-webhook-service/internal/audit"
	"billing-webhook-service/internal/config"
	"billing-webhook-service/internal/db"
	"billing-webhook-service/internal/event"
	"billing-webhook-service/internal/kafka"
	"billing-webhook-service/internal/logging"
	"billing-webhook-service/internal/metrics"
	"billing-webhook-service/internal/stripeclient"
	"billing-webhook-service/internal/webhook"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoadConfig("./config")

	logger := logging.GetLogger(cfg.Logs)
	slog.SetDefault(logger)

	metrics.Setup(cfg.Metrics)

	secretKey := config.GetRequired("STRIPE_SECRET_KEY")
	webhookSecret := config.GetRequired("STRIPE_WEBHOOK_SECRET")

	dbConfigured := true
	for _, key := range []string{"DB_USER", "DB_PASSWORD", "DB_HOST", "DB_PORT", "DB_NAME"} {
		if config.GetRequired(key) == "" {
			dbConfigured = false
		}
	}

	var handler *webhook.Handler

	if secretKey == "" || webhookSecret == "" || !dbConfigured {
		logger.Error("Missing credentials, all webhook requests will be rejected")
		handler = webhook.NewUnconfiguredHandler(cfg.Stripe.SignatureHeader, logger)
	} else {
		connStr := db.GetConnStr()
		db.RunMigrations(connStr, "./migrations")

		dbpool, err := db.GetPool(connStr)
		if err != nil {
			log.Fatal(err)
		}
		defer dbpool.Close()

		repo := db.NewBillingRepository(dbpool)

		var publisher *audit.Publisher
		if cfg.Kafka.Broker.URL != "" {
			writer := kafka.NewWriter(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.BillingEvents, cfg.Kafka.Writer)
			defer writer.Close()
			publisher = audit.NewPublisher(writer, logger)
		}

		var httpClient *http.Client
		if cfg.Stripe.TimeoutMs > 0 {
			httpClient = &http.Client{Timeout: time.Duration(cfg.Stripe.TimeoutMs) * time.Millisecond}
		}
		resolver := stripeclient.NewResolver(secretKey, httpClient)

		processor := event.NewProcessor(repo, resolver, publisher, logger)
		verifier := event.NewVerifier(webhookSecret)
		handler = webhook.NewHandler(verifier, processor, cfg.Stripe.SignatureHeader, logger)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler.RegisterRoutes(mux)

	logger.Info("Starting server", "port", cfg.Server.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Server.Port, mux))
}
