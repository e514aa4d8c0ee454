package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/austindbirch/payhook/internal/dedupe"
	"github.com/austindbirch/payhook/internal/processor"
	"github.com/austindbirch/payhook/internal/queue"
	"github.com/austindbirch/payhook/internal/secrets"
	"github.com/austindbirch/payhook/internal/signature"
	"github.com/austindbirch/payhook/internal/transaction"
	"github.com/austindbirch/payhook/internal/webhook"
)

const testSecret = "whsec_test"

type harness struct {
	router *mux.Router
	store  *transaction.MemoryStore
	queue  *queue.Queue
	now    time.Time
}

type harnessOption func(*Deps, *queue.Options)

func withSecret(s string) harnessOption {
	return func(d *Deps, _ *queue.Options) {
		d.Verifier = signature.NewVerifier(secrets.Static(s), signature.WithClock(fixedNow))
	}
}

func withDedupe(l dedupe.Ledger) harnessOption {
	return func(d *Deps, _ *queue.Options) { d.Dedupe = l }
}

func withBacklog(n int) harnessOption {
	return func(_ *Deps, o *queue.Options) { o.BacklogLimit = n }
}

// withCallCounter counts every invocation of the processing handler.
func withCallCounter(n *atomic.Int32) harnessOption {
	return func(d *Deps, _ *queue.Options) {
		process := d.Process
		d.Process = func(ctx context.Context, ev webhook.Event) error {
			n.Add(1)
			return process(ctx, ev)
		}
	}
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	store := transaction.NewMemoryStore()
	qopts := queue.Options{Concurrency: 1, MaxRetries: 2, Retry: queue.FixedDelay(time.Millisecond)}
	deps := Deps{
		Verifier: signature.NewVerifier(secrets.Static(testSecret), signature.WithClock(fixedNow)),
		Process:  processor.New(store, nil).Process,
		Store:    store,
	}
	for _, opt := range opts {
		opt(&deps, &qopts)
	}
	q := queue.New(qopts)
	deps.Queue = q
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})

	r := mux.NewRouter()
	NewHandler(deps).Routes(r)
	return &harness{router: r, store: store, queue: q, now: testNow}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

// drain starts the workers and waits for every queued task to settle.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	h.queue.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.queue.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func (h *harness) seed(t *testing.T, id string) {
	t.Helper()
	if _, err := h.store.Create(context.Background(), id, decimal.RequireFromString("49.99"), "user_1", nil); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) status(t *testing.T, id string) transaction.Status {
	t.Helper()
	tx, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return tx.Status
}

func eventBody(t *testing.T, et webhook.EventType, txID string, created time.Time) []byte {
	t.Helper()
	b, err := json.Marshal(webhook.Event{
		ID:      "evt_" + string(et) + "_" + txID,
		Type:    et,
		Created: created.UnixMilli(),
		Data: webhook.Data{
			TransactionID: txID,
			Amount:        decimal.RequireFromString("49.99"),
			UserID:        "user_1",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func webhookRequest(body []byte, sig string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(DefaultSignatureHeader, sig)
	}
	return req
}

func signed(body []byte) *http.Request {
	return webhookRequest(body, "sha256="+signature.Sign(testSecret, body))
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("response %q is not JSON: %v", rr.Body.String(), err)
	}
	return v
}

func TestWebhook_ScenarioA_CreatedKeepsPending(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "txn_a")

	rr := h.do(signed(eventBody(t, webhook.PaymentCreated, "txn_a", h.now)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	ack := decodeBody[ackResponse](t, rr)
	if !ack.Received || ack.EventID != "evt_payment.created_txn_a" || ack.Duplicate {
		t.Errorf("ack = %+v", ack)
	}

	h.drain(t)
	if got := h.status(t, "txn_a"); got != transaction.StatusPending {
		t.Errorf("status = %s, want pending", got)
	}
}

func TestWebhook_ScenarioB_LifecycleThenTerminal(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "txn_b")

	for _, et := range []webhook.EventType{webhook.PaymentCreated, webhook.PaymentProcessing, webhook.PaymentSuccess} {
		if rr := h.do(signed(eventBody(t, et, "txn_b", h.now))); rr.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, body %s", et, rr.Code, rr.Body)
		}
	}
	// the single worker drains in arrival order
	h.queue.Start(context.Background())
	waitIdle(t, h.queue, 3)
	if got := h.status(t, "txn_b"); got != transaction.StatusSuccess {
		t.Fatalf("status = %s, want success", got)
	}

	if rr := h.do(signed(eventBody(t, webhook.PaymentFailed, "txn_b", h.now))); rr.Code != http.StatusOK {
		t.Fatalf("failed event: status = %d", rr.Code)
	}
	h.drain(t)
	if got := h.status(t, "txn_b"); got != transaction.StatusSuccess {
		t.Errorf("status after payment.failed = %s, want success", got)
	}
}

func waitIdle(t *testing.T, q *queue.Queue, total int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s := q.Status()
		if s.Total == total && s.Pending == 0 && s.Active == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("queue did not go idle: %+v", q.Status())
}

func TestWebhook_Rejections(t *testing.T) {
	valid := func(t *testing.T) []byte { return eventBody(t, webhook.PaymentProcessing, "txn_r", testNow) }

	tests := []struct {
		name       string
		opts       []harnessOption
		request    func(t *testing.T) *http.Request
		wantStatus int
		wantReason string
	}{
		{
			// scenario C
			name: "signature over a different payload",
			request: func(t *testing.T) *http.Request {
				other := eventBody(t, webhook.PaymentSuccess, "txn_r", testNow)
				return webhookRequest(valid(t), "sha256="+signature.Sign(testSecret, other))
			},
			wantStatus: http.StatusUnauthorized,
			wantReason: "signature_mismatch",
		},
		{
			name:       "missing signature",
			request:    func(t *testing.T) *http.Request { return webhookRequest(valid(t), "") },
			wantStatus: http.StatusUnauthorized,
			wantReason: "missing_signature",
		},
		{
			name: "wrong secret",
			request: func(t *testing.T) *http.Request {
				b := valid(t)
				return webhookRequest(b, signature.Sign("other-secret", b))
			},
			wantStatus: http.StatusUnauthorized,
			wantReason: "signature_mismatch",
		},
		{
			// scenario D
			name: "created ten minutes ago",
			request: func(t *testing.T) *http.Request {
				return signed(eventBody(t, webhook.PaymentProcessing, "txn_r", testNow.Add(-10*time.Minute)))
			},
			wantStatus: http.StatusBadRequest,
			wantReason: "expired",
		},
		{
			name: "created in the future",
			request: func(t *testing.T) *http.Request {
				return signed(eventBody(t, webhook.PaymentProcessing, "txn_r", testNow.Add(time.Hour)))
			},
			wantStatus: http.StatusBadRequest,
			wantReason: "expired",
		},
		{
			name:       "malformed json",
			request:    func(*testing.T) *http.Request { return signed([]byte(`{"id":`)) },
			wantStatus: http.StatusBadRequest,
			wantReason: "invalid_event",
		},
		{
			name: "unknown event type",
			request: func(*testing.T) *http.Request {
				return signed([]byte(`{"id":"evt_1","type":"payment.refunded","created":` + millis(testNow) + `,"data":{"transactionId":"txn_r"}}`))
			},
			wantStatus: http.StatusBadRequest,
			wantReason: "invalid_event",
		},
		{
			name: "missing transaction id",
			request: func(*testing.T) *http.Request {
				return signed([]byte(`{"id":"evt_1","type":"payment.success","created":` + millis(testNow) + `,"data":{}}`))
			},
			wantStatus: http.StatusBadRequest,
			wantReason: "invalid_event",
		},
		{
			name: "body over limit",
			request: func(*testing.T) *http.Request {
				return signed(bytes.Repeat([]byte("a"), DefaultMaxBodyBytes+1))
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantReason: "body_too_large",
		},
		{
			name:       "secret not configured",
			opts:       []harnessOption{withSecret("")},
			request:    func(t *testing.T) *http.Request { return signed(valid(t)) },
			wantStatus: http.StatusInternalServerError,
			wantReason: "misconfigured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts...)
			h.seed(t, "txn_r")

			rr := h.do(tt.request(t))
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body)
			}
			resp := decodeBody[errorResponse](t, rr)
			if resp.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", resp.Reason, tt.wantReason)
			}
			if resp.Error == "" {
				t.Error("error message is empty")
			}
			if s := h.queue.Status(); s.Total != 0 {
				t.Errorf("queue total = %d, want nothing enqueued", s.Total)
			}

			h.drain(t)
			if got := h.status(t, "txn_r"); got != transaction.StatusPending {
				t.Errorf("transaction status = %s, want untouched", got)
			}
		})
	}
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func TestWebhook_MisconfiguredHidesDetails(t *testing.T) {
	h := newHarness(t, withSecret(""))
	rr := h.do(signed(eventBody(t, webhook.PaymentCreated, "txn", testNow)))
	if strings.Contains(rr.Body.String(), "WEBHOOK_SECRET") || strings.Contains(rr.Body.String(), "not configured") {
		t.Errorf("body leaks configuration detail: %s", rr.Body)
	}
}

func TestWebhook_ScenarioE_UnknownTransaction(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, withCallCounter(&calls))
	before := h.queue.Status()

	rr := h.do(signed(eventBody(t, webhook.PaymentSuccess, "txn_missing", h.now)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (processing errors are not reported to the sender)", rr.Code)
	}

	h.drain(t)
	after := h.queue.Status()
	if after.Total != before.Total+1 {
		t.Errorf("total = %d, want %d", after.Total, before.Total+1)
	}
	if after.Pending != before.Pending || after.Active != before.Active {
		t.Errorf("snapshot = %+v, want pending/active back at %+v", after, before)
	}
	// one attempt plus MaxRetries (2) retries
	if got := calls.Load(); got != 3 {
		t.Errorf("handler calls = %d, want 3", got)
	}
}

func TestWebhook_BacklogFull(t *testing.T) {
	ledger := dedupe.NewMemory(time.Hour, 10)
	h := newHarness(t, withBacklog(1), withDedupe(ledger))
	h.seed(t, "txn_1")
	h.seed(t, "txn_2")

	if rr := h.do(signed(eventBody(t, webhook.PaymentProcessing, "txn_1", h.now))); rr.Code != http.StatusOK {
		t.Fatalf("first: status = %d", rr.Code)
	}

	second := eventBody(t, webhook.PaymentProcessing, "txn_2", h.now)
	rr := h.do(signed(second))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("second: status = %d, want 503", rr.Code)
	}
	if reason := decodeBody[errorResponse](t, rr).Reason; reason != "backlog_full" {
		t.Errorf("reason = %q", reason)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	// the rejected event's claim was released so a redelivery is admitted
	h.drain(t)
	if fresh, _ := ledger.Claim(context.Background(), "evt_payment.processing_txn_2"); !fresh {
		t.Error("claim for rejected event was not released")
	}
}

func TestWebhook_ShutdownQueueUnavailable(t *testing.T) {
	h := newHarness(t)
	h.drain(t)

	rr := h.do(signed(eventBody(t, webhook.PaymentCreated, "txn", h.now)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if reason := decodeBody[errorResponse](t, rr).Reason; reason != "queue_unavailable" {
		t.Errorf("reason = %q", reason)
	}
}

func TestWebhook_Duplicate(t *testing.T) {
	h := newHarness(t, withDedupe(dedupe.NewMemory(time.Hour, 10)))
	h.seed(t, "txn_d")
	body := eventBody(t, webhook.PaymentProcessing, "txn_d", h.now)

	first := h.do(signed(body))
	second := h.do(signed(body))
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("status = %d, %d", first.Code, second.Code)
	}
	if decodeBody[ackResponse](t, first).Duplicate {
		t.Error("first delivery flagged duplicate")
	}
	if !decodeBody[ackResponse](t, second).Duplicate {
		t.Error("second delivery not flagged duplicate")
	}
	if total := h.queue.Status().Total; total != 1 {
		t.Errorf("queue total = %d, want 1", total)
	}
}

func TestQueueStatusEndpoint(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "txn_s")
	h.do(signed(eventBody(t, webhook.PaymentProcessing, "txn_s", h.now)))

	rr := h.do(httptest.NewRequest(http.MethodGet, "/webhooks/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	got := decodeBody[map[string]any](t, rr)
	for _, k := range []string{"pending", "active", "total", "isActive", "maxConcurrency"} {
		if _, ok := got[k]; !ok {
			t.Errorf("missing %q in %v", k, got)
		}
	}
	if got["pending"] != float64(1) || got["total"] != float64(1) || got["maxConcurrency"] != float64(1) {
		t.Errorf("snapshot = %v", got)
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	rr := h.do(httptest.NewRequest(http.MethodGet, "/webhooks/payment", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rr.Code)
	}
}
