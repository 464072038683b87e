package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vendora/kiosk/config"
	httpDelivery "github.com/vendora/kiosk/internal/delivery/http"
	"github.com/vendora/kiosk/internal/delivery/kafka/producer"
	repo "github.com/vendora/kiosk/internal/repository/redis"
	"github.com/vendora/kiosk/internal/service"
	pkgKafka "github.com/vendora/kiosk/pkg/kafka"
	pkgLog "github.com/vendora/kiosk/pkg/logger"
	"github.com/vendora/kiosk/pkg/ratelimit"
	"github.com/vendora/kiosk/pkg/redis"
	"github.com/vendora/kiosk/pkg/token"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	l := pkgLog.InitializeZapLogger(pkgLog.ZapConfig{
		Level:    cfg.Log.Level,
		Mode:     cfg.Log.Mode,
		Encoding: cfg.Log.Encoding,
	})

	redisCli, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		l.Fatalf(ctx, "Failed to connect to Redis: %v", err)
	}
	defer redis.Disconnect(redisCli)

	ssRepo := repo.NewRedisSessionRepository(redisCli, l)
	evRepo := repo.NewRedisEventRepository(redisCli, l)
	invRepo := repo.NewRedisInventoryRepository(redisCli, l)

	// Kafka mirrors the event log and wakes kiosk controllers; the
	// pipeline itself runs off the durable log, so a broker outage only
	// degrades wake-up latency.
	prod := producer.NewNopProducer()
	if cfg.Kafka.Enabled {
		kafkaSyncProd, err := pkgKafka.NewProducer(pkgKafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			RetryMax:     cfg.Kafka.ProducerRetryMax,
			RequiredAcks: cfg.Kafka.ProducerRequiredAcks,
		})
		if err != nil {
			l.Fatalf(ctx, "Failed to initialize Kafka producer: %v", err)
		}
		prod = producer.NewProducer(kafkaSyncProd, l)
	}
	defer prod.Close()

	signer := token.NewSigner(cfg.Auth.JWTSecret)
	createLimiter := ratelimit.NewLimiter(redisCli, cfg.RateLimit.CreatePerMachine, cfg.RateLimit.Window)
	extendLimiter := ratelimit.NewLimiter(redisCli, cfg.RateLimit.ExtendPerSession, cfg.RateLimit.Window)

	// Initialize services
	ssSvc := service.NewSessionService(ssRepo, evRepo, prod, signer, createLimiter, extendLimiter, cfg.Session, cfg.Dispense, l)
	coSvc := service.NewCheckoutService(ssRepo, evRepo, invRepo, prod, cfg.Dispense, l)
	cfSvc := service.NewConfirmService(evRepo, invRepo, prod, cfg.Session, cfg.Dispense, l)

	sweeper := service.NewSweeper(ssRepo, evRepo, prod, cfg.Session, l)
	if err := sweeper.Start(ctx); err != nil {
		l.Fatalf(ctx, "Failed to start sweeper: %v", err)
	}
	defer sweeper.Stop()

	// HTTP server
	handler := httpDelivery.NewHandler(ssSvc, coSvc, cfSvc, invRepo, l)
	router := httpDelivery.NewRouter(handler, signer, httpDelivery.RouterConfig{
		RequestLimit: cfg.RateLimit.HTTPRequests,
		Window:       cfg.RateLimit.HTTPWindow,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		l.Infof(ctx, "HTTP server is listening on port: %d", cfg.Server.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			l.Infof(ctx, "Received signal %s, shutting down", sig)
		case <-gCtx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		l.Errorf(ctx, "Server exited with error: %v", err)
	}

	l.Infof(ctx, "Server stopped")
}
