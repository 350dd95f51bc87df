package main // Entry point package

import (
	"context"
	"log" // Logging library
	"time"

	"github.com/joho/godotenv"    // Loads .env files into the environment
	"github.com/labstack/echo/v4" // Echo web framework

	"github.com/chulla-libro/loan-service/internal/config"     // Internal config loader
	"github.com/chulla-libro/loan-service/internal/database"   // MySQL pool constructor
	"github.com/chulla-libro/loan-service/internal/handler"    // HTTP handlers
	"github.com/chulla-libro/loan-service/internal/middleware" // Rate limiting and caching
	"github.com/chulla-libro/loan-service/internal/queue"      // Loan event consumer
	"github.com/chulla-libro/loan-service/internal/repository" // Data access layer
	"github.com/chulla-libro/loan-service/internal/router"     // Route registration
	"github.com/chulla-libro/loan-service/internal/service"    // Loan manager
)

func main() {
	// Load variables from a local .env file when present; real deployments
	// set the environment directly, so a missing file is not an error.
	_ = godotenv.Load()

	cfg := config.Load() // Load environment config

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database connect failed: %v", err)
	}
	defer db.Close()

	// Wire the data access layer and the loan manager on top of it.
	bookRepo := repository.NewBookRepo(db)
	loanRepo := repository.NewLoanRepo(db)
	loanQuery := repository.NewLoanQuery(db)
	manager := service.NewLoanManager(bookRepo, loanRepo)

	e := echo.New() // Create Echo instance

	// Redis backs rate limiting and the read-only response cache.  When the
	// connection fails the client is nil and both middlewares no-op, so the
	// service degrades gracefully instead of refusing to start.
	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Printf("redis unavailable; rate limiting and response caching disabled")
	}
	e.Use(middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))
	cacheMW := middleware.NewRedisCache(config.LoadCacheConfig(), rdb)

	router.RegisterRoutes(e) // Register health check
	router.RegisterCatalog(e, handler.NewCatalogHandler(bookRepo), cacheMW)
	loanPeriod := time.Duration(cfg.LoanPeriodDays) * 24 * time.Hour
	router.RegisterLoans(e, handler.NewLoanHandler(manager, loanQuery, bookRepo, loanPeriod), cfg.JWTSecret)
	router.RegisterAdmin(e, handler.NewAdminLoanHandler(manager, loanQuery), cfg.JWTSecret)

	// Consume loan lifecycle events into the audit log.  The consumer runs
	// its own reconnect loop and never stops the server.
	go func() {
		if err := queue.StartLoanConsumer(); err != nil {
			log.Printf("loan consumer stopped: %v", err)
		}
	}()

	// Periodically persist the ACTIVE -> OVERDUE transition.  Readers derive
	// the overdue condition themselves, so the tick interval only affects how
	// fresh the stored status column is.
	go func() {
		ticker := time.NewTicker(cfg.OverdueSweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			moved, err := manager.ExpireOverdueLoans(ctx, time.Now().UTC())
			if err != nil {
				cancel()
				log.Printf("overdue sweep failed: %v", err)
				continue
			}
			for i := range moved {
				_ = service.PublishLoanExpired(ctx, &moved[i])
			}
			cancel()
			if len(moved) > 0 {
				log.Printf("overdue sweep moved %d loans", len(moved))
			}
		}
	}()

	addr := ":" + cfg.Port                                // Address string with port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env) // Print startup info

	if err := e.Start(addr); err != nil { // Start HTTP server
		log.Fatal(err) // Log and exit if server fails
	}
}
