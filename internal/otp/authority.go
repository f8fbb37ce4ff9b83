// Package otp issues and verifies the one-time codes that gate each signer's
// turn. Codes are bcrypt-hashed at rest, single-use, and expire lazily at
// verification time; no background sweep is required for correctness.
package otp

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"countersign/pkg/platform/sentinel"
)

const (
	// CodeLength digits per generated code.
	CodeLength = 6

	// DefaultTTL bounds how long a code stays verifiable.
	DefaultTTL = 5 * time.Minute

	// DefaultResendInterval is the minimum gap between issuances for the
	// same signer once a code already exists.
	DefaultResendInterval = time.Minute
)

// ErrCodeMismatch is returned when a presented code does not match the one on
// record. Distinct from ErrExpired/ErrAlreadyUsed so callers can map it to
// an invalid-credential response.
var ErrCodeMismatch = fmt.Errorf("code mismatch: %w", sentinel.ErrInvalidState)

type record struct {
	hash      []byte
	issuedAt  time.Time
	expiresAt time.Time
	used      bool
}

// Authority generates, stores, and verifies single-use time-limited codes,
// keyed by (workflow, signer email).
//
// State is process local: a code must be verified by the instance that
// issued it. Running more than one replica needs a shared-store variant of
// this type behind the same interface.
type Authority struct {
	mu      sync.Mutex
	records map[string]*record

	ttl            time.Duration
	resendInterval time.Duration
	now            func() time.Time
}

// Option configures an Authority.
type Option func(*Authority)

// WithTTL overrides the code lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authority) { a.ttl = ttl }
}

// WithResendInterval overrides the minimum gap between re-issuances.
func WithResendInterval(d time.Duration) Option {
	return func(a *Authority) { a.resendInterval = d }
}

// WithClock injects a time source for tests (no hidden time.Now() calls on
// the verification path).
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// New constructs an Authority with production defaults.
func New(opts ...Option) *Authority {
	a := &Authority{
		records:        make(map[string]*record),
		ttl:            DefaultTTL,
		resendInterval: DefaultResendInterval,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

func recordKey(workflowID, email string) string {
	return workflowID + "|" + email
}

// Issue generates a fresh code for a signer, replacing any previous one.
// The plaintext is returned exactly once, for delivery; only the hash is kept.
func (a *Authority) Issue(_ context.Context, workflowID, email string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}

	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[recordKey(workflowID, email)] = &record{
		hash:      hash,
		issuedAt:  now,
		expiresAt: now.Add(a.ttl),
	}
	return code, nil
}

// Reissue regenerates a signer's code and resets its TTL, enforcing the
// minimum interval between issuances. Unknown signers get ErrNotFound so a
// resend cannot be used to probe for workflow membership. The throttle check
// and the record swap share one critical section, so concurrent resends for
// the same signer cannot both pass the window.
func (a *Authority) Reissue(_ context.Context, workflowID, email string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	existing, ok := a.records[recordKey(workflowID, email)]
	if !ok {
		return "", fmt.Errorf("no code on record for %s: %w", email, sentinel.ErrNotFound)
	}
	now := a.now()
	if wait := a.resendInterval - now.Sub(existing.issuedAt); wait > 0 {
		return "", fmt.Errorf("resend allowed in %s: %w", wait.Round(time.Second), sentinel.ErrThrottled)
	}
	a.records[recordKey(workflowID, email)] = &record{
		hash:      hash,
		issuedAt:  now,
		expiresAt: now.Add(a.ttl),
	}
	return code, nil
}

// Verify checks a presented code against the record for (workflow, email).
// A successful verification consumes the code: subsequent attempts with the
// same code return ErrAlreadyUsed. Expiry is evaluated against the injected
// clock at call time.
func (a *Authority) Verify(_ context.Context, workflowID, email, code string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[recordKey(workflowID, email)]
	if !ok {
		return fmt.Errorf("no code on record for %s: %w", email, sentinel.ErrNotFound)
	}
	if rec.used {
		return fmt.Errorf("code for %s: %w", email, sentinel.ErrAlreadyUsed)
	}
	if a.now().After(rec.expiresAt) {
		return fmt.Errorf("code for %s: %w", email, sentinel.ErrExpired)
	}
	if err := bcrypt.CompareHashAndPassword(rec.hash, []byte(code)); err != nil {
		return ErrCodeMismatch
	}
	rec.used = true
	return nil
}

func generateCode() (string, error) {
	max := big.NewInt(1)
	for range CodeLength {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n), nil
}
