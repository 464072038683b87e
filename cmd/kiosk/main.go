package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/vendora/kiosk/config"
	"github.com/vendora/kiosk/internal/delivery/kafka/consumer"
	"github.com/vendora/kiosk/internal/dispenser"
	repo "github.com/vendora/kiosk/internal/repository/redis"
	pkgKafka "github.com/vendora/kiosk/pkg/kafka"
	pkgLog "github.com/vendora/kiosk/pkg/logger"
	"github.com/vendora/kiosk/pkg/redis"
)

// The kiosk binary runs on the machine itself: it wakes on dispatch
// notifications, drives the hardware bridge one slot at a time, and
// reports every outcome back to the backend.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Dispense.MachineID == "" {
		fmt.Fprintln(os.Stderr, "DISPENSE_MACHINE_ID is required")
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

	evRepo := repo.NewRedisEventRepository(redisCli, l)

	actuator := dispenser.NewHTTPActuator(cfg.Dispense.ActuatorURL)
	backend := dispenser.NewBackendClient(cfg.Dispense.BackendURL)

	ctrl := dispenser.NewController(evRepo, actuator, backend, dispenser.Config{
		MachineID:        cfg.Dispense.MachineID,
		MaxRetries:       cfg.Dispense.MaxRetries,
		RetryDelay:       cfg.Dispense.RetryDelay,
		TransportRetries: cfg.Dispense.TransportRetries,
		TransportBackoff: cfg.Dispense.TransportBackoff,
	}, l)

	// The Kafka subscription is only a wake-up channel; the controller
	// drains the durable log, so running without Kafka still works once
	// something else triggers a drain.
	if cfg.Kafka.Enabled {
		kafkaConsGr, err := pkgKafka.NewConsumer(pkgKafka.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.ConsumerGroupID + "-" + cfg.Dispense.MachineID,
		})
		if err != nil {
			l.Fatalf(ctx, "Failed to initialize Kafka consumer: %v", err)
		}

		cons := consumer.NewConsumer(kafkaConsGr, cfg.Dispense.MachineID, ctrl, l)
		if err := cons.Start(ctx); err != nil {
			l.Fatalf(ctx, "Failed to start Kafka consumer: %v", err)
		}
		defer cons.Close()
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := ctrl.Run(gCtx); err != nil && err != context.Canceled {
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
			cancel()
		case <-gCtx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		l.Errorf(ctx, "Kiosk controller exited with error: %v", err)
	}

	l.Infof(ctx, "Kiosk controller stopped")
}
