// Package transaction holds the payment transaction model, its status state
// machine and the stores that enforce it.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Statuses lists every status in declaration order.
var Statuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusSuccess,
	StatusFailed,
	StatusCancelled,
	StatusExpired,
}

// transitions is the closed set of legal moves. Equal-status moves are
// handled separately as no-ops.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusExpired},
	StatusProcessing: {StatusSuccess, StatusFailed, StatusCancelled},
	StatusSuccess:    nil,
	StatusCancelled:  nil,
	StatusFailed:     {StatusPending},
	StatusExpired:    {StatusPending},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) String() string { return string(s) }

// ParseStatus converts a string to a known Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown transaction status %q", s)
	}
	return st, nil
}

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrAlreadyExists     = errors.New("transaction already exists")
	ErrInvalidAmount     = errors.New("transaction amount must be positive")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// InvalidTransitionError describes a move rejected by the transition table.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transaction %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// Transaction is a payment whose status is driven by webhook events.
type Transaction struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	UserID    string          `json:"userId"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// clone returns a copy that shares nothing mutable at the top level.
func (t Transaction) clone() Transaction {
	t.Metadata = maps.Clone(t.Metadata)
	return t
}

// Store persists transactions and enforces the transition table.
// Transition must serialize read-check-write per id.
type Store interface {
	Create(ctx context.Context, id string, amount decimal.Decimal, userID string, metadata map[string]any) (Transaction, error)
	Get(ctx context.Context, id string) (Transaction, error)
	Transition(ctx context.Context, id string, to Status) (Transaction, error)
}

// checkTransition decides a move for the current record. It returns
// changed=false for an equal-status no-op.
func checkTransition(cur Transaction, to Status) (changed bool, err error) {
	if !to.Valid() {
		return false, &InvalidTransitionError{ID: cur.ID, From: cur.Status, To: to}
	}
	if cur.Status == to {
		return false, nil
	}
	if !CanTransition(cur.Status, to) {
		return false, &InvalidTransitionError{ID: cur.ID, From: cur.Status, To: to}
	}
	return true, nil
}

// advance returns now, or prev when the clock went backwards.
func advance(prev, now time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}

func validateCreate(id string, amount decimal.Decimal, userID string) error {
	if id == "" {
		return errors.New("transaction id is required")
	}
	if userID == "" {
		return errors.New("transaction user id is required")
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}
