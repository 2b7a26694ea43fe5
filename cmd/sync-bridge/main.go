package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	syncbridge "github.com/angache/benalsam-sync-bridge"
	"github.com/angache/benalsam-sync-bridge/api"
	"github.com/angache/benalsam-sync-bridge/config"
	"github.com/angache/benalsam-sync-bridge/rabbitmq"
	"github.com/angache/benalsam-sync-bridge/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgres(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("run migrations", "error", err)
		os.Exit(1)
	}

	brokerMetric := rabbitmq.NewMetric()
	broker := rabbitmq.NewClient(cfg.RabbitMQ,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithMetric(brokerMetric),
	)
	if err := broker.Connect(ctx); err != nil {
		logger.Error("connect rabbitmq", "error", err)
		os.Exit(1)
	}

	bridge := syncbridge.New(cfg, st, broker, syncbridge.WithLogger(logger))
	if err := bridge.StartProcessing(ctx); err != nil {
		logger.Error("start processing", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(bridge.PrometheusCollectors()...)
	registry.MustRegister(brokerMetric.PrometheusCollectors()...)

	srv := api.New(bridge, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: srv.Router(),
	}

	go func() {
		logger.Info("http listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http serve", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	if err := bridge.StopProcessing(shutdownCtx); err != nil {
		logger.Error("stop processing", "error", err)
	}
}
