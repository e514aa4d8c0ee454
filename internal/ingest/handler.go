// Package ingest is the HTTP surface: the signed webhook endpoint, the queue
// status endpoint and the payment API.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/austindbirch/payhook/internal/dedupe"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/metrics"
	"github.com/austindbirch/payhook/internal/queue"
	"github.com/austindbirch/payhook/internal/signature"
	"github.com/austindbirch/payhook/internal/tracing"
	"github.com/austindbirch/payhook/internal/transaction"
	"github.com/austindbirch/payhook/internal/webhook"
)

const (
	DefaultSignatureHeader = "X-Webhook-Signature"
	DefaultMaxBodyBytes    = 1 << 20
)

// Verifier authenticates a raw body and checks event freshness.
type Verifier interface {
	VerifySignature(ctx context.Context, body []byte, sig string) error
	CheckFreshness(created int64) error
}

// Queue admits processing tasks and reports its counters.
type Queue interface {
	Enqueue(ctx context.Context, ev webhook.Event, h queue.Handler) error
	Status() queue.Snapshot
}

type Deps struct {
	Verifier        Verifier
	Queue           Queue
	Process         queue.Handler
	Store           transaction.Store
	Dedupe          dedupe.Ledger                   // optional
	Auth            func(http.Handler) http.Handler // optional guard for /api/payments
	Logger          *logging.Logger
	SignatureHeader string
	MaxBodyBytes    int64
}

type Handler struct {
	verifier  Verifier
	queue     Queue
	process   queue.Handler
	store     transaction.Store
	dedupe    dedupe.Ledger
	auth      func(http.Handler) http.Handler
	log       *logging.Logger
	sigHeader string
	maxBody   int64
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		verifier:  d.Verifier,
		queue:     d.Queue,
		process:   d.Process,
		store:     d.Store,
		dedupe:    d.Dedupe,
		auth:      d.Auth,
		log:       d.Logger,
		sigHeader: d.SignatureHeader,
		maxBody:   d.MaxBodyBytes,
	}
	if h.log == nil {
		h.log = logging.Nop()
	}
	if h.sigHeader == "" {
		h.sigHeader = DefaultSignatureHeader
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxBodyBytes
	}
	return h
}

// Routes registers the webhook and payment endpoints on r.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/webhooks/payment", h.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/status", h.handleQueueStatus).Methods(http.MethodGet)

	api := r.PathPrefix("/api/payments").Subrouter()
	if h.auth != nil {
		api.Use(mux.MiddlewareFunc(h.auth))
	}
	api.HandleFunc("/initiate", h.handleInitiate).Methods(http.MethodPost)
	api.HandleFunc("/{transactionId}", h.handleGetPayment).Methods(http.MethodGet)
	api.HandleFunc("/{transactionId}/status", h.handlePaymentStatus).Methods(http.MethodGet)
}

type ackResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"eventId"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "ingest.webhook")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(ctx, w, http.StatusRequestEntityTooLarge, "too_large", "body_too_large", err)
			return
		}
		h.reject(ctx, w, http.StatusBadRequest, "invalid", "unreadable_body", err)
		return
	}

	if err := h.verifier.VerifySignature(ctx, body, r.Header.Get(h.sigHeader)); err != nil {
		h.rejectVerification(ctx, w, err)
		return
	}

	ev, err := webhook.Decode(body)
	if err != nil {
		h.reject(ctx, w, http.StatusBadRequest, "invalid", "invalid_event", err)
		return
	}
	span.SetAttributes(tracing.EventAttributes(ev.ID, string(ev.Type), ev.Data.TransactionID)...)

	if err := h.verifier.CheckFreshness(ev.Created); err != nil {
		h.rejectVerification(ctx, w, err)
		return
	}
	if err := ev.Validate(); err != nil {
		h.reject(ctx, w, http.StatusBadRequest, "invalid", "invalid_event", err)
		return
	}

	entry := h.log.WithContext(ctx).WithEvent(ev.ID).WithEventType(string(ev.Type)).WithTransaction(ev.Data.TransactionID)

	claimed := false
	if h.dedupe != nil {
		fresh, err := h.dedupe.Claim(ctx, ev.ID)
		switch {
		case err != nil:
			// the transition table still guards against double application
			entry.WithError(err).Warn("dedupe claim failed, admitting event")
		case !fresh:
			metrics.RecordDuplicate()
			metrics.RecordWebhook("duplicate")
			tracing.AddSpanEvent(ctx, "ingest.duplicate")
			entry.Info("duplicate event acknowledged")
			writeJSON(w, http.StatusOK, ackResponse{Received: true, EventID: ev.ID, Duplicate: true})
			return
		default:
			claimed = true
		}
	}

	if err := h.queue.Enqueue(ctx, ev, h.process); err != nil {
		if claimed {
			if rerr := h.dedupe.Release(context.WithoutCancel(ctx), ev.ID); rerr != nil {
				entry.WithError(rerr).Warn("dedupe release failed")
			}
		}
		reason := "queue_unavailable"
		if errors.Is(err, queue.ErrBacklogFull) {
			reason = "backlog_full"
		}
		w.Header().Set("Retry-After", "5")
		h.reject(ctx, w, http.StatusServiceUnavailable, "overloaded", reason, err)
		return
	}

	metrics.RecordWebhook("accepted")
	entry.Info("webhook accepted")
	writeJSON(w, http.StatusOK, ackResponse{Received: true, EventID: ev.ID})
}

// rejectVerification maps signature and freshness failures to responses.
func (h *Handler) rejectVerification(ctx context.Context, w http.ResponseWriter, err error) {
	reason, ok := signature.ReasonOf(err)
	if !ok {
		reason = signature.ReasonMisconfigured
	}
	result := "unauthorized"
	switch reason {
	case signature.ReasonExpired:
		result = "expired"
	case signature.ReasonMisconfigured:
		result = "misconfigured"
	}
	h.reject(ctx, w, reason.HTTPStatus(), result, string(reason), err)
}

func (h *Handler) reject(ctx context.Context, w http.ResponseWriter, status int, result, reason string, err error) {
	metrics.RecordWebhook(result)
	tracing.SetSpanError(ctx, err)

	entry := h.log.WithContext(ctx).WithFields(map[string]any{"status": status, "reason": reason}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("webhook rejected")
	} else {
		entry.Warn("webhook rejected")
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		// do not leak configuration details to the sender
		msg = "webhook verification unavailable"
	}
	writeJSON(w, status, errorResponse{Error: msg, Reason: reason})
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
