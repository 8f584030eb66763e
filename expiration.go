package govssoclient

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// expiredSessionRedirect is where browsers with an expired session are
// sent. The error code is machine-readable; no session detail leaks.
const expiredSessionRedirect = "/?error=expired_session"

// SessionExpirationFilter is the earliest custom stage of the
// authenticated pipeline. It checks whether the request's session has been
// marked expired, typically by a back-channel logout delivered while the
// browser was idle, and short-circuits the request before any business
// logic runs. The registry's expired flag is a stricter veto on top of
// cookie validity: a valid cookie for an expired session is still
// rejected.
type SessionExpirationFilter struct {
	registry SessionRegistry
	sessions *CookieSessionManager
	logger   zerolog.Logger
	now      func() time.Time
}

// NewSessionExpirationFilter creates the filter.
func NewSessionExpirationFilter(registry SessionRegistry, sessions *CookieSessionManager, logger zerolog.Logger) *SessionExpirationFilter {
	return &SessionExpirationFilter{
		registry: registry,
		sessions: sessions,
		logger:   logger.With().Str("filter", "session_expiration").Logger(),
		now:      time.Now,
	}
}

// Middleware returns the chain stage.
func (f *SessionExpirationFilter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID, ok := f.sessions.SessionID(r)
			if !ok {
				// No session yet; authentication is someone else's problem.
				next.ServeHTTP(w, r)
				return
			}

			record, err := f.registry.FindBySessionID(r.Context(), sessionID)
			if errors.Is(err, ErrSessionNotFound) {
				// Already swept; treat like no session rather than failing.
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				f.logger.Error().Err(err).Msg("registry lookup failed, letting request through")
				next.ServeHTTP(w, r)
				return
			}

			if record.Expired {
				f.logger.Info().Str("session_id", sessionID).Msg("rejecting request on expired session")
				f.sessions.Invalidate(w, r)
				rejectExpired(w, r)
				return
			}

			if err := f.registry.Touch(r.Context(), sessionID, f.now()); err != nil && !errors.Is(err, ErrSessionNotFound) {
				f.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to update last access time")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rejectExpired terminates the request: browsers get the expired-session
// redirect, API-style clients a bare 401.
func rejectExpired(w http.ResponseWriter, r *http.Request) {
	if wantsJSON(r) {
		http.Error(w, "session expired", http.StatusUnauthorized)
		return
	}
	http.Redirect(w, r, expiredSessionRedirect, http.StatusFound)
}

// wantsJSON reports whether the client prefers a status code over a
// redirect, judged by the Accept header.
func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}
