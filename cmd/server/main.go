package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/fare-auction/internal/auction"
	"github.com/example/fare-auction/internal/availability"
	"github.com/example/fare-auction/internal/broadcast"
	"github.com/example/fare-auction/internal/config"
	"github.com/example/fare-auction/internal/httpapi"
	"github.com/example/fare-auction/internal/ingest"
	"github.com/example/fare-auction/internal/liveness"
	"github.com/example/fare-auction/internal/logging"
	"github.com/example/fare-auction/internal/models"
	"github.com/example/fare-auction/internal/payments"
	"github.com/example/fare-auction/internal/recovery"
	"github.com/example/fare-auction/internal/registry"
	"github.com/example/fare-auction/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var avail availability.Table
	if cfg.RedisAddr != "" {
		rt := availability.NewRedisTable(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisAvailKey, logger)
		defer rt.Close()
		avail = rt
		logger.Info("availability table mirrored to redis", "addr", cfg.RedisAddr)
	} else {
		avail = availability.NewMemoryTable()
	}

	var store storage.RideStore
	switch {
	case cfg.MongoURI != "":
		ms, err := storage.NewMongoStore(cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			logger.Error("mongo store init failed", "error", err)
			os.Exit(1)
		}
		defer ms.Close(context.Background())
		store = ms
		logger.Info("using mongo store", "database", cfg.MongoDatabase)
	case cfg.PGDSN != "":
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres store init failed", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
		logger.Info("using postgres store")
	default:
		store = storage.NewMemoryStore()
		logger.Warn("no MONGO_URI or PG_DSN set, auctions will not survive restarts")
	}

	reg := registry.New(avail, logger)
	reg.OnDisconnect = func(kind models.IdentityKind, identityID string) {
		logger.Info("session disconnected", "kind", kind, "identity_id", identityID)
	}
	router := broadcast.NewRouter(reg, avail, logger)

	engine := auction.New(store, router, logger)
	engine.BidWindow = cfg.BidWindow
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		engine.Events = producer
		logger.Info("auction events streaming to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	if cfg.StripeAPIKey != "" {
		engine.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	rec := recovery.NewService(store, engine, avail, logger)
	rec.SweepInterval = cfg.RecoverySweepPeriod
	rec.PurgeInterval = cfg.PurgeInterval
	rec.PurgeAge = cfg.PurgeAge
	if err := rec.Startup(ctx); err != nil {
		logger.Error("recovery startup failed", "error", err)
		os.Exit(1)
	}
	go rec.Run(ctx)

	monitor := liveness.NewMonitor(reg, cfg.ProbeInterval, cfg.StaleThreshold, logger)
	go monitor.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(reg, engine, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("fare auction listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
