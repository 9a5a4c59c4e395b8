package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"stockbill/backend/internal/billing"
	"stockbill/backend/internal/cache"
	"stockbill/backend/internal/config"
	"stockbill/backend/internal/events"
	"stockbill/backend/internal/httpapi"
	"stockbill/backend/internal/ledger"
	"stockbill/backend/internal/service"
	"stockbill/backend/internal/store"
	"stockbill/backend/internal/store/memory"
	pgstore "stockbill/backend/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("WARN: .env not loaded: %v", err)
	}

	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	policy, err := ledger.ParsePolicy(cfg.OversellPolicy)
	if err != nil {
		log.Fatalf("invalid OVERSELL_POLICY: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		repo store.Store
		pg   *pgstore.Store
	)
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err = pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				log.Fatalf("schema migration failed: %v", err)
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	billCache := cache.BillCache(cache.NoopBillCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisBillCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			billCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	publisher := events.Publisher(events.NoopPublisher{})
	if cfg.KafkaBrokers != "" {
		kafkaPublisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		publisher = kafkaPublisher
		closers = append(closers, kafkaPublisher.Close)
		log.Printf("events: kafka topic=%s", cfg.KafkaTopic)
	} else {
		log.Println("events: noop")
	}

	svc := service.New(repo, billing.NewCoordinator(ledger.New(policy)), service.Options{
		Cache:      billCache,
		CacheTTL:   time.Duration(cfg.BillCacheTTLSeconds) * time.Second,
		Events:     publisher,
		MaxRetries: cfg.TxMaxRetries,
		PageSize:   cfg.PageSize,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if pg != nil {
		if cfg.SeedAdminPassword == "" {
			log.Println("WARN: SEED_ADMIN_PASSWORD not set; no admin account is created on an empty database")
		} else if err := auth.EnsureAdmin(ctx, "admin", cfg.SeedAdminPassword); err != nil {
			log.Fatalf("ensure admin account: %v", err)
		}
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("stockbill backend listening on %s (oversell policy: %s)", cfg.Address(), policy)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.SeedAdminPassword != "" && len(cfg.SeedAdminPassword) < 8 {
		return fmt.Errorf("SEED_ADMIN_PASSWORD must be at least 8 characters")
	}
	return nil
}
