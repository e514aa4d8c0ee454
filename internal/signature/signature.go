// Package signature authenticates webhook payloads with a shared-secret
// HMAC-SHA256 signature and enforces a freshness window on the event time.
package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/payhook/internal/secrets"
)

// DefaultWindow is the accepted age of an event's created timestamp.
const DefaultWindow = 5 * time.Minute

const prefix = "sha256="

// Reason is a machine readable rejection code.
type Reason string

const (
	ReasonMissingSignature  Reason = "missing_signature"
	ReasonSignatureMismatch Reason = "signature_mismatch"
	ReasonExpired           Reason = "expired"
	ReasonMisconfigured     Reason = "misconfigured"
)

// HTTPStatus maps a rejection reason to the response status code.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonMissingSignature, ReasonSignatureMismatch:
		return http.StatusUnauthorized
	case ReasonExpired:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrMissingSignature  = errors.New("signature header is missing")
	ErrSignatureMismatch = errors.New("signature does not match payload")
	ErrExpired           = errors.New("event timestamp is outside the replay window")
	ErrMisconfigured     = errors.New("signature verification is not configured")
)

// Error is returned for every rejected verification.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func reject(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithWindow overrides the freshness window.
func WithWindow(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.window = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// Verifier checks signatures against the secret provided by a secrets.Source.
type Verifier struct {
	secrets secrets.Source
	window  time.Duration
	now     func() time.Time
}

func NewVerifier(src secrets.Source, opts ...Option) *Verifier {
	v := &Verifier{
		secrets: src,
		window:  DefaultWindow,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Window returns the configured freshness window.
func (v *Verifier) Window() time.Duration { return v.window }

// Verify runs the full check: secret, signature, then freshness.
func (v *Verifier) Verify(ctx context.Context, body []byte, signature string, created int64) error {
	if err := v.VerifySignature(ctx, body, signature); err != nil {
		return err
	}
	return v.CheckFreshness(created)
}

// VerifySignature authenticates the raw body bytes.
func (v *Verifier) VerifySignature(ctx context.Context, body []byte, signature string) error {
	if v.secrets == nil {
		return reject(ReasonMisconfigured, ErrMisconfigured)
	}
	secret, err := v.secrets.Secret(ctx)
	if err == nil && secret == "" {
		err = secrets.ErrMissingSecret
	}
	if err != nil {
		return reject(ReasonMisconfigured, fmt.Errorf("%w: %w", ErrMisconfigured, err))
	}

	got := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signature), prefix))
	if got == "" {
		return reject(ReasonMissingSignature, ErrMissingSignature)
	}

	want := Sign(secret, body)
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return reject(ReasonSignatureMismatch, ErrSignatureMismatch)
	}
	return nil
}

// CheckFreshness rejects missing, stale and far-future timestamps.
// created is epoch milliseconds.
func (v *Verifier) CheckFreshness(created int64) error {
	if created <= 0 {
		return reject(ReasonExpired, fmt.Errorf("%w: created timestamp missing", ErrExpired))
	}
	age := v.now().Sub(time.UnixMilli(created))
	if age > v.window || -age > v.window {
		return reject(ReasonExpired, fmt.Errorf("%w: age %s exceeds %s", ErrExpired, age.Truncate(time.Millisecond), v.window))
	}
	return nil
}

// Sign returns the lowercase hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ReasonOf extracts the rejection reason from err, if any.
func ReasonOf(err error) (Reason, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return "", false
}
