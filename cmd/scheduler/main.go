package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/kopesha/loan-engine/internal/config"
	"github.com/kopesha/loan-engine/internal/repository"
	"github.com/kopesha/loan-engine/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := logrus.New()
	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	loanRepo := repository.NewLoanRepository(db)
	penaltyRepo := repository.NewPenaltyRepository(db)

	locks := service.NewLoanLocks()
	events := service.NewLogSink(log)
	engine := service.NewPenaltyEngine(loanRepo, penaltyRepo, locks, events, cfg.GetBusinessLocation(), log)

	location, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		log.Fatalf("Invalid scheduler timezone: %v", err)
	}

	c := cron.New(cron.WithSeconds(), cron.WithLocation(location))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Daily overdue detection and penalty accrual
	_, err = c.AddFunc(cfg.Scheduler.PenaltyScanCron, func() {
		log.Info("Running penalty scan...")
		if err := engine.Scan(ctx, time.Now()); err != nil {
			log.WithError(err).Error("penalty scan aborted")
			return
		}
		log.Info("Penalty scan finished")
	})
	if err != nil {
		log.Fatalf("Error scheduling penalty scan job: %v", err)
	}

	c.Start()
	log.Info("Scheduler started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down scheduler...")
	cancel()
	<-c.Stop().Done()
	log.Info("Scheduler stopped")
}
