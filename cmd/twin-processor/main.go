// Package main provides the twin processor entry point: the partition
// consumers, the waker, the notification fan-out and the operational HTTP
// endpoints.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/twin_layer/internal/app/commands"
	"github.com/R3E-Network/twin_layer/internal/app/eventlog"
	redislog "github.com/R3E-Network/twin_layer/internal/app/eventlog/redis"
	"github.com/R3E-Network/twin_layer/internal/app/machine"
	"github.com/R3E-Network/twin_layer/internal/app/metrics"
	"github.com/R3E-Network/twin_layer/internal/app/notifier"
	"github.com/R3E-Network/twin_layer/internal/app/processor"
	"github.com/R3E-Network/twin_layer/internal/app/script"
	"github.com/R3E-Network/twin_layer/internal/app/service"
	"github.com/R3E-Network/twin_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/twin_layer/internal/app/system"
	"github.com/R3E-Network/twin_layer/internal/app/waker"
	"github.com/R3E-Network/twin_layer/pkg/config"
	"github.com/R3E-Network/twin_layer/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.Open(cfg.DatabaseDSN)
	if err != nil {
		log.WithError(err).Fatal("open storage")
	}
	defer store.Close()

	if cfg.MigrateOnStart {
		if err := store.Migrate(); err != nil {
			log.WithError(err).Fatal("apply migrations")
		}
	}

	redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("ping redis")
	}

	mtr := metrics.New()

	events := redislog.New(redisClient, redislog.Config{
		Stream:     cfg.EventsStream,
		Group:      cfg.ConsumerGroup,
		Partitions: cfg.Partitions,
	}, log)

	scripts, err := script.New(script.Config{Timeout: cfg.ScriptTimeout}, log)
	if err != nil {
		log.WithError(err).Fatal("init script runtime")
	}

	hub := notifier.NewHub(store, log)
	changes := notifier.New(notifier.NewRedisPublisher(redisClient, cfg.NotificationsStream, cfg.Partitions), hub)
	commandSink := commands.NewRedisSink(redisClient, cfg.CommandsStream)

	engine := machine.New(machine.DefaultConfig(), scripts, log)
	svc := service.New(store, engine, events, changes, commandSink, mtr, log)

	proc := processor.New(events, svc, mtr, log)
	wake := waker.New(waker.Config{Interval: cfg.WakerInterval, Batch: cfg.WakerBatch}, store, events, mtr, log)

	manager := system.NewManager(log,
		runService("processor", proc.Run),
		wake,
		httpService(cfg.ListenAddr, router(store, events, hub, log), log),
	)

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	log.Info("twin processor up")

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
}

// router builds the operational surface: health, readiness, metrics and the
// notification WebSocket relay.
func router(store *postgres.Store, sink eventlog.Sink, hub *notifier.Hub, log *logger.Logger) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := store.Ping(req.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/notifications", notifier.NewWSRelay(hub, sink, log)).Methods(http.MethodGet)
	return r
}
