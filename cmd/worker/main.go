package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/delivery"
	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/metrics"
	"github.com/austindbirch/hookline/internal/tracing"
	"github.com/austindbirch/hookline/internal/types"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize structured logging
	logger := logging.New("hookline-worker")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "hookline-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	client := delivery.NewClient(cfg.Worker.ReceiverAddr, cfg.Worker.WorkerID, cfg.Worker.HTTPTimeout)
	deliverer := &delivery.Deliverer{
		HTTP:       &http.Client{Timeout: cfg.Worker.HTTPTimeout},
		SigningKey: cfg.Worker.SigningKey,
	}

	logger.Plain().WithWorker(cfg.Worker.WorkerID).Info("worker service started")

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			leased, err := client.Lease(ctx, cfg.Worker.BatchLimit, cfg.Worker.LeaseMS)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Plain().WithWorker(cfg.Worker.WorkerID).WithError(err).Error("lease failed")
				sleep(ctx, cfg.Worker.PollInterval)
				continue
			}
			if len(leased) == 0 {
				sleep(ctx, cfg.Worker.PollInterval)
				continue
			}

			for i := range leased {
				deliverOne(ctx, logger, client, deliverer, &leased[i])
			}
		}
	}()

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	cancel()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

func deliverOne(ctx context.Context, logger *logging.Logger, client *delivery.Client, deliverer *delivery.Deliverer, leased *types.LeasedEvent) {
	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		attribute.String("event_id", leased.Event.ID.String()),
		attribute.String("endpoint_id", leased.Event.EndpointID.String()),
		attribute.String("target_url", leased.TargetURL),
		attribute.Int64("attempt", leased.Event.Attempts+1),
	)
	defer span.End()

	start := time.Now()
	report := deliverer.Deliver(ctx, leased)
	latency := time.Since(start)

	result := "failed"
	if report.Outcome == types.OutcomeDelivered {
		result = "delivered"
	}
	metrics.DeliveryLatency.WithLabelValues(result).Observe(latency.Seconds())
	span.SetAttributes(
		attribute.String("outcome", report.Outcome.String()),
		attribute.Int64("latency_ms", latency.Milliseconds()),
	)

	resp, err := client.Report(ctx, report)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		// A conflict means the lease was lost mid-flight; the result is
		// discarded and the event re-leased by whoever holds it next.
		if apiErr, ok := err.(*delivery.APIError); ok && apiErr.IsConflict() {
			logger.WithContext(ctx).WithEvent(leased.Event.ID.String()).WithError(err).Warn("lease conflict, discarding result")
			return
		}
		logger.WithContext(ctx).WithEvent(leased.Event.ID.String()).WithError(err).Error("report failed")
		return
	}

	logger.WithContext(ctx).
		WithEvent(leased.Event.ID.String()).
		WithEndpoint(leased.Event.EndpointID.String()).
		WithFields(map[string]any{
			"outcome":    resp.FinalOutcome.String(),
			"latency_ms": latency.Milliseconds(),
		}).Info("delivery reported")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
