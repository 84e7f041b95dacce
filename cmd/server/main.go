package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kopesha/loan-engine/internal/config"
	"github.com/kopesha/loan-engine/internal/handler"
	"github.com/kopesha/loan-engine/internal/mpesa"
	"github.com/kopesha/loan-engine/internal/repository"
	"github.com/kopesha/loan-engine/internal/service"
	"github.com/kopesha/loan-engine/pkg/response"
)

func main() {
	// Load .env in development; viper picks the variables up from the env
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := newLogger(cfg)

	db, err := initDB(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	redisClient := initRedis(cfg)
	defer redisClient.Close()

	// Repositories
	loanRepo := repository.NewLoanRepository(db)
	penaltyRepo := repository.NewPenaltyRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)

	// Services share one per-loan lock set and one event sink
	locks := service.NewLoanLocks()
	events := service.NewLogSink(log)

	builder := service.NewScheduleBuilder(loanRepo, log)
	ledger := service.NewPaymentLedger(loanRepo, penaltyRepo, paymentRepo, locks, redisClient, events, log)
	billing := service.NewBillingService(loanRepo, builder, ledger, redisClient, cfg, log)

	providerClient := mpesa.NewClient(cfg, log)
	gateway := service.NewReconciliationGateway(providerClient, loanRepo, paymentRepo, ledger, locks, cfg, events, log)

	billingHandler := handler.NewBillingHandler(billing, ledger)
	mpesaHandler := handler.NewMpesaHandler(gateway, log)
	healthHandler := handler.NewHealthHandler(db, redisClient)

	router := setupRoutes(billingHandler, mpesaHandler, healthHandler, log)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Infof("Server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exited")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()

	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}

	return log
}

func initDB(cfg *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	return db, nil
}

func initRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func setupRoutes(billingHandler *handler.BillingHandler, mpesaHandler *handler.MpesaHandler,
	healthHandler *handler.HealthHandler, log *logrus.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(response.LoggingMiddleware(log))

	// Health check
	router.HandleFunc("/health", healthHandler.Health).Methods("GET")
	router.HandleFunc("/health/ready", healthHandler.Ready).Methods("GET")

	// API routes
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/loans", billingHandler.CreateLoan).Methods("POST")
	api.HandleFunc("/loans/{loanId}/schedule", billingHandler.GetSchedule).Methods("GET")
	api.HandleFunc("/loans/{loanId}/outstanding", billingHandler.GetOutstanding).Methods("GET")
	api.HandleFunc("/loans/{loanId}/payments", billingHandler.MakePayment).Methods("POST")
	api.HandleFunc("/loans/{loanId}/stkpush", mpesaHandler.InitiatePayment).Methods("POST")

	// Provider webhooks
	api.HandleFunc("/callbacks/mpesa/stk", mpesaHandler.STKCallback).Methods("POST")
	api.HandleFunc("/callbacks/mpesa/validation", mpesaHandler.Validation).Methods("POST")
	api.HandleFunc("/callbacks/mpesa/confirmation", mpesaHandler.Confirmation).Methods("POST")

	return router
}
