// Package provider defines the contract with the external market data
// provider and classifies its failures.
//
// The provider is rate-fragile: under concurrent load it tends to fail with
// transport-level decode errors rather than clean HTTP errors, and its login
// endpoint tolerates only one login at a time. The engine compensates with a
// process-wide login lock, jitter and backoff; this package only has to say
// which failures are worth retrying.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantpulse/marketsync/internal/domain"
)

// Client is one authenticated handle to the provider. Implementations are
// not safe for concurrent use; each engine worker owns exactly one Client.
type Client interface {
	// Login authenticates the client. Callers must serialize Login calls
	// process-wide; the provider rejects concurrent logins.
	Login(ctx context.Context) error

	// Logout releases the session. Errors are safe to ignore at shutdown.
	Logout(ctx context.Context) error

	// ListInstruments returns the provider's full current listing.
	ListInstruments(ctx context.Context) ([]domain.Instrument, error)

	// QueryInstrumentDetail returns the current attribute snapshot for one
	// instrument.
	QueryInstrumentDetail(ctx context.Context, code string) (*domain.Instrument, error)

	// QueryDailyBars returns daily bars for an instrument in the inclusive
	// [startDate, endDate] range (YYYY-MM-DD).
	QueryDailyBars(ctx context.Context, code, startDate, endDate string) ([]domain.DailyBar, error)
}

// Factory creates a fresh, logged-out Client. The engine calls it once per
// worker so that sessions are never shared across goroutines.
type Factory func() Client

// Error classes. Every error returned by a Client wraps exactly one of these.
var (
	// ErrTransient marks decode/timeout/connection-class failures that are
	// expected to succeed on retry.
	ErrTransient = errors.New("transient provider error")

	// ErrFatalData marks malformed responses and invalid identifiers.
	// Retrying cannot help.
	ErrFatalData = errors.New("fatal data error")

	// ErrSession marks login/authentication failures.
	ErrSession = errors.New("session error")
)

// Transient wraps err as a transient failure.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Transientf creates a transient failure from a format string.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// FatalData wraps err as an unrecoverable data failure.
func FatalData(err error) error {
	return fmt.Errorf("%w: %w", ErrFatalData, err)
}

// FatalDataf creates an unrecoverable data failure from a format string.
func FatalDataf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFatalData, fmt.Sprintf(format, args...))
}

// SessionErr wraps err as a session failure.
func SessionErr(err error) error {
	return fmt.Errorf("%w: %w", ErrSession, err)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsFatalData reports whether err is a non-retryable data failure.
func IsFatalData(err error) bool {
	return errors.Is(err, ErrFatalData)
}

// IsSession reports whether err is a login/session failure.
func IsSession(err error) bool {
	return errors.Is(err, ErrSession)
}
