package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cachemgr/bus/internal/cachebus"
	"github.com/cachemgr/bus/internal/cachebus/store"
	"github.com/cachemgr/bus/pkg/config"
	"github.com/cachemgr/bus/pkg/logger"
	"github.com/cachemgr/bus/pkg/metrics"
	"github.com/cachemgr/bus/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New("cachebusd", "info")
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	m := metrics.New("cachebus")

	var tracer *tracing.Tracer
	if cfg.Tracing.Enabled {
		tracer, err = tracing.New(tracing.Config{
			ServiceName:    "cachebusd",
			ServiceVersion: "dev",
			Environment:    cfg.Tracing.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
		}, log)
		if err != nil {
			log.Error("Failed to initialize tracing, continuing without it", zap.Error(err))
			tracer = nil
		}
	}

	// A demo store stands in for the real application's entity/relation
	// store: this binary's job is to prove the bus itself runs, not to
	// ship a production backing store.
	localStore := store.NewMemStore()
	localStore.SetInitialized(true)

	bus := cachebus.New(localStore, log, m)
	bus.Configure(cfg.CacheBus, cfg.Kafka)

	if err := bus.Connect(context.Background()); err != nil {
		log.Error("Failed to connect cache bus", zap.Error(err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Observability.MetricsPath, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(fmt.Sprintf(`{"state":"%s"}`, bus.State())))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
		Handler: mux,
	}

	go func() {
		log.Info("starting metrics server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown failed", zap.Error(err))
	}
	if err := bus.Close(); err != nil {
		log.Error("error closing cache bus", zap.Error(err))
		os.Exit(1)
	}
	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Error("tracer shutdown failed", zap.Error(err))
		}
	}

	log.Info("shutdown complete")
}
