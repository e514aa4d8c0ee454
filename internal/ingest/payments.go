package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/austindbirch/payhook/internal/auth"
	"github.com/austindbirch/payhook/internal/transaction"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type initiateRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	UserID   string          `json:"userId" validate:"omitempty,max=128"`
	Metadata map[string]any  `json:"metadata" validate:"omitempty,max=50"`
}

type links struct {
	Self   string `json:"self"`
	Status string `json:"status"`
}

type initiateResponse struct {
	TransactionID string             `json:"transactionId"`
	Status        transaction.Status `json:"status"`
	Amount        decimal.Decimal    `json:"amount"`
	Links         links              `json:"_links"`
}

type statusResponse struct {
	TransactionID string             `json:"transactionId"`
	Status        transaction.Status `json:"status"`
	Amount        decimal.Decimal    `json:"amount"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req initiateRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Reason: "invalid_request"})
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Reason: "invalid_request"})
		return
	}

	if principal, ok := auth.PrincipalFromContext(ctx); ok {
		if req.UserID == "" {
			req.UserID = principal
		} else if req.UserID != principal {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "userId does not match the authenticated user", Reason: "forbidden"})
			return
		}
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing required fields: amount, userId", Reason: "invalid_request"})
		return
	}
	if !req.Amount.IsPositive() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "amount must be a positive number", Reason: "invalid_amount"})
		return
	}

	tx, err := h.store.Create(ctx, uuid.NewString(), req.Amount, req.UserID, req.Metadata)
	if err != nil {
		h.log.WithContext(ctx).WithError(err).Error("initiate payment failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "error initiating payment"})
		return
	}

	h.log.WithContext(ctx).WithTransaction(tx.ID).WithFields(map[string]any{
		"user_id": tx.UserID,
		"amount":  tx.Amount.String(),
	}).Info("payment initiated")

	writeJSON(w, http.StatusCreated, initiateResponse{
		TransactionID: tx.ID,
		Status:        tx.Status,
		Amount:        tx.Amount,
		Links: links{
			Self:   "/api/payments/" + tx.ID,
			Status: "/api/payments/" + tx.ID + "/status",
		},
	})
}

func (h *Handler) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		TransactionID: tx.ID,
		Status:        tx.Status,
		Amount:        tx.Amount,
		CreatedAt:     tx.CreatedAt,
		UpdatedAt:     tx.UpdatedAt,
	})
}

// lookup loads the transaction named in the path. Under auth, transactions
// owned by someone else are reported as not found.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (transaction.Transaction, bool) {
	ctx := r.Context()
	id := mux.Vars(r)["transactionId"]

	tx, err := h.store.Get(ctx, id)
	if err == nil {
		if principal, ok := auth.PrincipalFromContext(ctx); ok && principal != tx.UserID {
			err = transaction.ErrNotFound
		}
	}
	switch {
	case errors.Is(err, transaction.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "transaction not found", Reason: "not_found"})
		return transaction.Transaction{}, false
	case err != nil:
		h.log.WithContext(ctx).WithTransaction(id).WithError(err).Error("get payment failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "error getting payment status"})
		return transaction.Transaction{}, false
	}
	return tx, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
