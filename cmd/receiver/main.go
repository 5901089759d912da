package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/hookline/internal/api"
	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/db"
	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/metrics"
	"github.com/austindbirch/hookline/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	// Initialize structured logging
	logger := logging.New("hookline-receiver")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "hookline-receiver")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// DB connect + migrate
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer database.Close()
	if err := db.Migrate(database); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	server := api.NewServer(cfg, database, logger)

	// Internal dispatcher surface: lease/report for workers only.
	internalMux := server.InternalRouter()
	internalSrv := &http.Server{Addr: cfg.InternalBindAddr, Handler: internalMux}
	go func() {
		logger.Plain().WithField("addr", internalSrv.Addr).Info("dispatcher HTTP server starting")
		if err := internalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	// Public surface: inspector + ingest + metrics.
	apiMux := server.APIRouter()
	apiMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	apiSrv := &http.Server{Addr: cfg.APIBindAddr, Handler: apiMux}
	go func() {
		logger.Plain().WithField("addr", apiSrv.Addr).Info("inspector HTTP server starting")
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("inspector HTTP server failed")
		}
	}()

	logger.Plain().Info("receiver service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down receiver service")
	_ = internalSrv.Shutdown(context.Background())
	_ = apiSrv.Shutdown(context.Background())
	logger.Plain().Info("receiver service stopped")
}
