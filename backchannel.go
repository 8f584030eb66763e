package govssoclient

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// BackChannelLogoutPath is the server-to-server logout endpoint. Requests
// to it carry no session cookie and must bypass authentication and CSRF.
const BackChannelLogoutPath = "/backchannel/logout"

// StoreInvalidator lets the logout handler tell the underlying session
// store to drop a session immediately, so no new request authenticates
// against it. Optional: with a pure cookie store there is nothing to
// invalidate server-side and the registry's expired flag is the veto.
type StoreInvalidator interface {
	InvalidateSession(ctx context.Context, sessionID string) error
}

// BackChannelLogoutHandler processes OpenID Connect Back-Channel Logout
// notifications from the identity provider.
//
// Protocol: validate the logout token (any failure is a 400 with no state
// change), resolve the target sessions through the registry by sid or by
// subject, expire each one, and answer 200. Zero matched sessions is still
// a 200: the session may have expired locally first, and repeated delivery
// of the same token must be a safe no-op.
type BackChannelLogoutHandler struct {
	registry    SessionRegistry
	decoder     LogoutTokenDecoder
	invalidator StoreInvalidator
	limiter     *rate.Limiter
	logger      zerolog.Logger
}

// NewBackChannelLogoutHandler creates the handler. invalidator may be nil.
func NewBackChannelLogoutHandler(registry SessionRegistry, decoder LogoutTokenDecoder, invalidator StoreInvalidator, limiter *rate.Limiter, logger zerolog.Logger) *BackChannelLogoutHandler {
	return &BackChannelLogoutHandler{
		registry:    registry,
		decoder:     decoder,
		invalidator: invalidator,
		limiter:     limiter,
		logger:      logger.With().Str("handler", "backchannel_logout").Logger(),
	}
}

// ServeHTTP implements http.Handler.
func (h *BackChannelLogoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	rawToken := r.PostFormValue("logout_token")
	if rawToken == "" {
		http.Error(w, "logout_token required", http.StatusBadRequest)
		return
	}

	claims, err := h.decoder.DecodeLogoutToken(r.Context(), rawToken)
	if err != nil {
		h.logger.Warn().Err(err).Msg("rejecting invalid logout token")
		http.Error(w, "invalid logout token", http.StatusBadRequest)
		return
	}

	expired, err := h.expireMatchingSessions(r.Context(), claims)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to expire sessions for logout token")
		http.Error(w, "logout processing failed", http.StatusInternalServerError)
		return
	}

	h.logger.Info().
		Str("sid", claims.SessionID).
		Str("sub", claims.Subject).
		Int("sessions_expired", expired).
		Msg("processed back-channel logout")
	w.WriteHeader(http.StatusOK)
}

// expireMatchingSessions resolves and expires the sessions targeted by the
// logout token. A sid resolves a single session; a bare sub resolves every
// session of that principal.
func (h *BackChannelLogoutHandler) expireMatchingSessions(ctx context.Context, claims *LogoutTokenClaims) (int, error) {
	var targets []SessionRecord

	if claims.SessionID != "" {
		record, err := h.registry.FindBySessionID(ctx, claims.SessionID)
		switch {
		case errors.Is(err, ErrSessionNotFound):
			// Already gone locally; nothing to do.
		case err != nil:
			return 0, err
		case claims.Subject != "" && record.Principal.Subject != claims.Subject:
			// A sid that resolves to a different subject is suspicious but
			// not actionable: expire nothing.
			h.logger.Warn().
				Str("sid", claims.SessionID).
				Msg("logout token subject does not match session principal")
		default:
			targets = append(targets, *record)
		}
	} else {
		records, err := h.registry.FindByPrincipal(ctx, Principal{Issuer: claims.Issuer, Subject: claims.Subject})
		if err != nil {
			return 0, err
		}
		targets = records
	}

	expired := 0
	for _, record := range targets {
		if err := h.registry.Expire(ctx, record.SessionID); err != nil {
			return expired, err
		}
		if h.invalidator != nil {
			if err := h.invalidator.InvalidateSession(ctx, record.SessionID); err != nil {
				h.logger.Warn().Err(err).Str("session_id", record.SessionID).Msg("session store invalidation failed")
			}
		}
		expired++
	}
	return expired, nil
}
