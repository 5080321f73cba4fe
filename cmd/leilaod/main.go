// leilaod runs the auction services: lifecycle, bid validation and
// notification fan-out. One binary, any subset per instance; the
// config's services section decides which ones this process hosts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"leilao/internal/bidding"
	"leilao/internal/broker"
	"leilao/internal/config"
	"leilao/internal/fanout"
	"leilao/internal/ingest/kafka"
	"leilao/internal/keyring"
	"leilao/internal/lifecycle"
	"leilao/internal/storage/sqlite"
)

func main() {
	cfgPath := flag.String("config", "leilaod.yaml", "path to config file")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(*cfgPath, log); err != nil {
		log.Error("leilaod exited", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string, log *slog.Logger) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, err := broker.Connect(cfg.AMQP, log)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer client.Close()

	errCh := make(chan error, 4)
	running := 0

	if cfg.Services.Lifecycle {
		pub, err := client.NewPublisher()
		if err != nil {
			return err
		}
		defer pub.Close()
		sched, err := lifecycle.New(cfg.Lifecycle, pub, log)
		if err != nil {
			return err
		}
		running++
		go func() { errCh <- sched.Run(ctx) }()
		log.Info("lifecycle service up", "auctions", len(cfg.Lifecycle.Auctions))
	}

	if cfg.Services.Bidding {
		keys, err := keyring.LoadDir(cfg.Bidding.KeysDir)
		if err != nil {
			return fmt.Errorf("load bidder keys: %w", err)
		}
		pub, err := client.NewPublisher()
		if err != nil {
			return err
		}
		defer pub.Close()

		var audit bidding.Recorder
		if cfg.Bidding.AuditPath != "" {
			store, err := sqlite.NewStore(cfg.Bidding.AuditPath)
			if err != nil {
				return fmt.Errorf("open audit store: %w", err)
			}
			defer store.Close()
			audit = store
		}

		engine := bidding.NewEngine(cfg.Bidding.EngineConfig(), pub, keys, audit, log)
		svc := bidding.NewService(client, engine, log)
		running++
		go func() { errCh <- svc.Start(ctx) }()

		if cfg.Bidding.Kafka.Enabled {
			adapter, err := kafka.NewAdapter(cfg.Bidding.Kafka, engine, log)
			if err != nil {
				return fmt.Errorf("kafka ingest: %w", err)
			}
			running++
			go func() { errCh <- adapter.Start(ctx) }()
		}
		log.Info("bidding service up", "keys", keys.Len(), "kafka", cfg.Bidding.Kafka.Enabled)
	}

	if cfg.Services.Notification {
		pub, err := client.NewPublisher()
		if err != nil {
			return err
		}
		defer pub.Close()
		fan := fanout.New(pub, client, log)
		svc := fanout.NewService(client, fan, log)
		running++
		go func() { errCh <- svc.Start(ctx) }()
		log.Info("notification service up")
	}

	// first fatal error stops everything; clean shutdowns drain out
	var firstErr error
	for i := 0; i < running; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}
