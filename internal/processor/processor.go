// Package processor applies verified webhook events to transactions.
package processor

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/metrics"
	"github.com/austindbirch/payhook/internal/queue"
	"github.com/austindbirch/payhook/internal/tracing"
	"github.com/austindbirch/payhook/internal/transaction"
	"github.com/austindbirch/payhook/internal/webhook"
)

type Processor struct {
	store transaction.Store
	log   *logging.Logger
}

func New(store transaction.Store, logger *logging.Logger) *Processor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Processor{store: store, log: logger}
}

// TargetStatus maps an event type to the status it drives a transaction to.
func TargetStatus(t webhook.EventType) (transaction.Status, error) {
	switch t {
	case webhook.PaymentCreated:
		return transaction.StatusPending, nil
	case webhook.PaymentProcessing:
		return transaction.StatusProcessing, nil
	case webhook.PaymentSuccess:
		return transaction.StatusSuccess, nil
	case webhook.PaymentFailed:
		return transaction.StatusFailed, nil
	case webhook.PaymentCancelled:
		return transaction.StatusCancelled, nil
	case webhook.PaymentExpired:
		return transaction.StatusExpired, nil
	default:
		return "", fmt.Errorf("%w: unknown event type %q", webhook.ErrValidation, t)
	}
}

// Process validates ev and moves its transaction to the mapped status.
// Payload and type errors are permanent; store errors are returned as is so
// the queue retries them.
func (p *Processor) Process(ctx context.Context, ev webhook.Event) error {
	ctx, span := tracing.StartSpan(ctx, "processor.process",
		tracing.EventAttributes(ev.ID, string(ev.Type), ev.Data.TransactionID)...)
	defer span.End()

	entry := p.log.WithContext(ctx).
		WithEvent(ev.ID).
		WithEventType(string(ev.Type)).
		WithTransaction(ev.Data.TransactionID)

	if err := ev.ValidatePayload(); err != nil {
		tracing.SetSpanError(ctx, err)
		entry.WithError(err).Warn("invalid payload")
		return queue.Permanent(err)
	}

	to, err := TargetStatus(ev.Type)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		entry.WithError(err).Warn("unsupported event")
		return queue.Permanent(err)
	}

	tx, err := p.store.Transition(ctx, ev.Data.TransactionID, to)
	if err != nil {
		metrics.RecordTransition(string(to), transitionResult(err))
		tracing.SetSpanError(ctx, err)
		entry.WithError(err).WithField("to", string(to)).Warn("transition failed")
		return fmt.Errorf("transition %s to %s: %w", ev.Data.TransactionID, to, err)
	}

	metrics.RecordTransition(string(to), "applied")
	tracing.AddSpanEvent(ctx, "transaction.transitioned", attribute.String("status", string(tx.Status)))
	entry.WithField("status", string(tx.Status)).Info("transaction updated")
	return nil
}

func transitionResult(err error) string {
	switch {
	case errors.Is(err, transaction.ErrNotFound):
		return "not_found"
	case errors.Is(err, transaction.ErrInvalidTransition):
		return "invalid"
	default:
		return "error"
	}
}
