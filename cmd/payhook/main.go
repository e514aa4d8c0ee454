package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/payhook/internal/config"
	"github.com/austindbirch/payhook/internal/health"
	"github.com/austindbirch/payhook/internal/ingest"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/metrics"
	"github.com/austindbirch/payhook/internal/processor"
	"github.com/austindbirch/payhook/internal/queue"
	"github.com/austindbirch/payhook/internal/signature"
	"github.com/austindbirch/payhook/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load(".env")
	logger := newLogger(cfg)
	logging.SetDefault(logger)
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Error("payhook exited with error")
		_ = logger.Sync()
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *logging.Logger {
	mode := logging.ModeProduction
	if cfg.Development() {
		mode = logging.ModeDevelopment
	}
	name := cfg.AppName
	if name == "" {
		name = "payhook"
	}
	return logging.NewWithMode(name, mode)
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	if cfg.TracingEnabled {
		shutdown, err := tracing.Setup(ctx, tracing.Config{ServiceName: cfg.AppName})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	src, err := buildSecretSource(ctx, cfg)
	if err != nil {
		return err
	}
	verifier := signature.NewVerifier(src, signature.WithWindow(cfg.Webhook.ReplayWindow))
	// surface a missing secret at startup rather than on the first webhook
	if _, err := src.Secret(ctx); err != nil {
		return err
	}

	dd := buildDedupe(cfg)
	defer dd.close()

	dlq, err := buildDeadLetters(cfg)
	if err != nil {
		return err
	}
	defer dlq.close()

	guard, err := buildAuth(ctx, cfg)
	if err != nil {
		return err
	}

	q := queue.New(queue.Options{
		Concurrency:    cfg.Queue.Concurrency,
		MaxRetries:     cfg.Queue.MaxRetries,
		Retry:          retryPolicy(cfg.Queue),
		AttemptTimeout: cfg.Queue.AttemptTimeout,
		BacklogLimit:   cfg.Queue.BacklogLimit,
		DeadLetters:    dlq.value,
		Logger:         logger,
	})
	// workers outlive the signal context so Shutdown can drain them
	q.Start(context.WithoutCancel(ctx))

	proc := processor.New(st.value, logger)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	checks := []health.Check{*st.check}
	if dd.check != nil {
		checks = append(checks, *dd.check)
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", health.HTTPHandler(checks, func() any { return q.Status() })).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	ingest.NewHandler(ingest.Deps{
		Verifier:        verifier,
		Queue:           q,
		Process:         proc.Process,
		Store:           st.value,
		Dedupe:          dd.value,
		Auth:            guard,
		Logger:          logger,
		SignatureHeader: cfg.Webhook.SignatureHeader,
		MaxBodyBytes:    cfg.Webhook.MaxBodyBytes,
	}).Routes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithFields(map[string]any{
			"addr":        srv.Addr,
			"store":       cfg.StoreBackend,
			"dedupe":      cfg.Dedupe.Mode,
			"dlq":         cfg.NSQ.PublishDLQ,
			"auth":        guard != nil,
			"concurrency": cfg.Queue.Concurrency,
		}).Info("payhook listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("shutting down payhook")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// stop admission first so nothing new is enqueued while draining
		if err := srv.Shutdown(sctx); err != nil {
			logger.Plain().WithError(err).Warn("http shutdown incomplete")
		}
		if err := q.Shutdown(sctx); err != nil {
			logger.Plain().WithError(err).WithField("queue", q.Status()).Warn("queue shutdown incomplete")
		}
		logger.Plain().Info("payhook stopped")
		return nil
	})
	return g.Wait()
}
