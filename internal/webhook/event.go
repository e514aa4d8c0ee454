// Package webhook defines the payment webhook event, its closed set of event
// types and the validation applied at ingestion and before processing.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrValidation marks a malformed event or payload. It is never retryable.
var ErrValidation = errors.New("invalid webhook event")

// EventType is the kind of payment lifecycle notification.
type EventType string

const (
	PaymentCreated    EventType = "payment.created"
	PaymentProcessing EventType = "payment.processing"
	PaymentSuccess    EventType = "payment.success"
	PaymentFailed     EventType = "payment.failed"
	PaymentCancelled  EventType = "payment.cancelled"
	PaymentExpired    EventType = "payment.expired"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	PaymentCreated,
	PaymentProcessing,
	PaymentSuccess,
	PaymentFailed,
	PaymentCancelled,
	PaymentExpired,
}

func (t EventType) Valid() bool {
	switch t {
	case PaymentCreated, PaymentProcessing, PaymentSuccess, PaymentFailed, PaymentCancelled, PaymentExpired:
		return true
	}
	return false
}

func (t EventType) String() string { return string(t) }

// ParseEventType converts s to a known EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", ErrValidation, s)
	}
	return t, nil
}

// UnmarshalJSON rejects unknown event types while decoding. An empty string
// decodes to the zero value so a missing type is reported by Validate.
func (t *EventType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: event type must be a string", ErrValidation)
	}
	if s == "" {
		*t = ""
		return nil
	}
	parsed, err := ParseEventType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Data is the transaction payload carried by an event.
type Data struct {
	TransactionID string          `json:"transactionId" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
	UserID        string          `json:"userId"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// Event is a signed webhook notification. Created is epoch milliseconds.
type Event struct {
	ID      string    `json:"id" validate:"required"`
	Type    EventType `json:"type" validate:"required"`
	Created int64     `json:"created"`
	Data    Data      `json:"data"`
}

// NewEvent builds an event with a fresh id, stamped at now.
func NewEvent(t EventType, data Data, now time.Time) Event {
	return Event{
		ID:      "evt_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:    t,
		Created: now.UnixMilli(),
		Data:    data,
	}
}

// Decode parses a raw request body. Malformed JSON and unknown event types
// are reported as ErrValidation.
func Decode(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		if errors.Is(err, ErrValidation) {
			return Event{}, err
		}
		return Event{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return ev, nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks the structure needed to route the event: id, type and
// data.transactionId.
func (e Event) Validate() error {
	err := structValidator().Struct(e)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.TrimPrefix(fe.Namespace(), "Event."))
	}
	return fmt.Errorf("%w: missing required field(s) %s", ErrValidation, strings.Join(fields, ", "))
}

// ValidatePayload checks the transaction payload before it is applied.
func (e Event) ValidatePayload() error {
	var problems []string
	if strings.TrimSpace(e.Data.TransactionID) == "" {
		problems = append(problems, "transactionId is required")
	}
	if !e.Data.Amount.IsPositive() {
		problems = append(problems, "amount must be positive")
	}
	if strings.TrimSpace(e.Data.UserID) == "" {
		problems = append(problems, "userId is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}
