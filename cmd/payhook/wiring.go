package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/austindbirch/payhook/internal/auth"
	"github.com/austindbirch/payhook/internal/config"
	"github.com/austindbirch/payhook/internal/db"
	"github.com/austindbirch/payhook/internal/deadletter"
	"github.com/austindbirch/payhook/internal/dedupe"
	"github.com/austindbirch/payhook/internal/health"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/queue"
	"github.com/austindbirch/payhook/internal/secrets"
	"github.com/austindbirch/payhook/internal/transaction"
)

// component bundles a built dependency with its health probe and cleanup.
type component[T any] struct {
	value T
	check *health.Check
	close func()
}

func noop() {}

type store interface {
	transaction.Store
	health.Pinger
}

func buildStore(ctx context.Context, cfg config.Config, logger *logging.Logger) (component[store], error) {
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := db.ConnectWithRetry(ctx, cfg.DSN(), 30*time.Second, func(err error, next time.Duration) {
			logger.Plain().WithError(err).WithField("retry_in", next.String()).Warn("database not ready")
		})
		if err != nil {
			return component[store]{}, fmt.Errorf("db connect: %w", err)
		}
		s := transaction.NewPostgresStore(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return component[store]{}, fmt.Errorf("ensure schema: %w", err)
		}
		return component[store]{value: s, check: &health.Check{Name: "postgres", Pinger: s}, close: pool.Close}, nil
	default:
		s := transaction.NewMemoryStore()
		return component[store]{value: s, check: &health.Check{Name: "store", Pinger: s}, close: noop}, nil
	}
}

func buildSecretSource(ctx context.Context, cfg config.Config) (secrets.Source, error) {
	if cfg.Webhook.Secret != "" {
		return secrets.Static(cfg.Webhook.Secret), nil
	}
	if cfg.Webhook.SecretARN == "" {
		return nil, secrets.ErrMissingSecret
	}
	client, err := secrets.NewSecretsManagerClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("secrets manager client: %w", err)
	}
	return secrets.AWSSecretsManager(client, cfg.Webhook.SecretARN, cfg.Webhook.SecretTTL), nil
}

func retryPolicy(q config.Queue) queue.RetryPolicy {
	switch {
	case len(q.BackoffSchedule) > 0:
		return queue.ScheduleBackoff{Schedule: q.BackoffSchedule, JitterPct: q.JitterPercent}
	case q.ExponentialRetry:
		return queue.ExponentialBackoff{Initial: q.RetryDelay, Max: q.RetryMaxDelay, Multiplier: 2, Jitter: q.JitterPercent}
	default:
		return queue.FixedDelay(q.RetryDelay)
	}
}

func buildDedupe(cfg config.Config) component[dedupe.Ledger] {
	switch cfg.Dedupe.Mode {
	case "memory":
		l := dedupe.NewMemory(cfg.Dedupe.TTL, 0)
		return component[dedupe.Ledger]{value: l, close: noop}
	case "redis":
		client := dedupe.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		l := dedupe.NewRedis(client, cfg.Dedupe.TTL)
		return component[dedupe.Ledger]{
			value: l,
			check: &health.Check{Name: "redis", Pinger: l},
			close: func() { _ = client.Close() },
		}
	default:
		return component[dedupe.Ledger]{close: noop}
	}
}

func buildDeadLetters(cfg config.Config) (component[deadletter.Sink], error) {
	if !cfg.NSQ.PublishDLQ {
		return component[deadletter.Sink]{close: noop}, nil
	}
	sink, stop, err := deadletter.DialNSQ(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DLQTopic)
	if err != nil {
		return component[deadletter.Sink]{}, err
	}
	return component[deadletter.Sink]{value: sink, close: stop}, nil
}

// buildAuth returns nil when no verification key is configured.
func buildAuth(ctx context.Context, cfg config.Config) (func(http.Handler) http.Handler, error) {
	switch {
	case cfg.Auth.JWTPublicKey != "":
		v, err := auth.NewJWTValidator(cfg.Auth.JWTPublicKey, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience)
		if err != nil {
			return nil, fmt.Errorf("jwt public key: %w", err)
		}
		return v.HTTPMiddleware, nil
	case cfg.Auth.JWKSURL != "":
		key, err := auth.FetchJWKS(ctx, nil, cfg.Auth.JWKSURL, "")
		if err != nil {
			return nil, err
		}
		return auth.NewJWTValidatorFromKey(key, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience).HTTPMiddleware, nil
	default:
		return nil, nil
	}
}
