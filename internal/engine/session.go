package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpulse/marketsync/internal/provider"
)

const (
	// settleDelay gives the provider time to stabilize after a login before
	// the first query. Logging in and querying back-to-back is a reliable
	// way to get decode garbage out of it.
	settleDelay = 500 * time.Millisecond

	// maxLoginAttempts bounds login retries within one Acquire call.
	maxLoginAttempts = 3
)

// Session is one worker's logical handle to the provider. Sessions are never
// shared or passed between workers; each worker owns exactly one for its
// lifetime.
type Session struct {
	client   provider.Client
	loggedIn bool
}

// SessionManager creates sessions and serializes logins. The provider
// tolerates only one in-flight login process-wide, so the login call - and
// only the login call - sits behind a mutex.
type SessionManager struct {
	factory provider.Factory
	loginMu sync.Mutex
	log     zerolog.Logger
}

// NewSessionManager creates a session manager.
func NewSessionManager(factory provider.Factory, log zerolog.Logger) *SessionManager {
	return &SessionManager{
		factory: factory,
		log:     log.With().Str("component", "session_manager").Logger(),
	}
}

// NewSession creates a fresh, logged-out session.
func (m *SessionManager) NewSession() *Session {
	return &Session{client: m.factory()}
}

// Acquire returns a logged-in client for the session, logging in lazily on
// first use. Login failures are retried up to maxLoginAttempts with the
// settle delay between tries and no further backoff; exhausting them returns
// a session error that fails the caller's current job only. The session stays
// logged out, so the next Acquire attempts a fresh login.
func (m *SessionManager) Acquire(ctx context.Context, s *Session) (provider.Client, error) {
	if s.loggedIn {
		return s.client, nil
	}

	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxLoginAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		err := s.client.Login(ctx)
		if err == nil {
			// Settle before releasing the lock so the next login also
			// lands on a stable provider.
			if err := sleep(ctx, settleDelay); err != nil {
				return nil, err
			}
			s.loggedIn = true
			return s.client, nil
		}

		lastErr = err
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("Provider login failed")
		if err := sleep(ctx, settleDelay); err != nil {
			return nil, err
		}
	}

	return nil, provider.SessionErr(fmt.Errorf("login failed after %d attempts: %w", maxLoginAttempts, lastErr))
}

// Invalidate marks the session as logged out so the next Acquire logs in
// again. Used when the provider rejects the session token mid-run.
func (m *SessionManager) Invalidate(s *Session) {
	s.loggedIn = false
}

// Release logs the session out. Called once at worker exit; errors are only
// logged, a failed logout cannot hurt the run.
func (m *SessionManager) Release(ctx context.Context, s *Session) {
	if !s.loggedIn {
		return
	}
	if err := s.client.Logout(ctx); err != nil {
		m.log.Debug().Err(err).Msg("Provider logout failed")
	}
	s.loggedIn = false
}
