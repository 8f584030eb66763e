package govssoclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// errPrincipalMismatch marks a refresh response whose ID token describes a
// different principal than the session it was requested for. That is a
// possible token-substitution attack and always invalidates the session.
var errPrincipalMismatch = errors.New("refreshed id token principal mismatch")

// RefreshFilter keeps each session's access token valid without
// user-visible interruption. It runs on every authenticated request after
// the expiration check: when the access token's remaining validity drops
// below the configured lead time it exchanges the refresh token at the
// token endpoint, verifies the new ID token still describes the same
// principal, and atomically replaces the stored token tuple.
//
// Concurrent requests on the same session coalesce into a single upstream
// call. A refresh failure never surfaces as a 500: the session is
// invalidated and the browser redirected to re-authenticate.
type RefreshFilter struct {
	registry   SessionRegistry
	sessions   *CookieSessionManager
	oauth      *oauth2.Config
	decoder    IDTokenDecoder
	httpClient *http.Client
	leadTime   time.Duration
	timeout    time.Duration
	// failOpen lets a request without a refresh token proceed on its stale
	// access token instead of forcing re-authentication.
	failOpen  bool
	loginPath string
	group     refreshGroup
	logger    zerolog.Logger
	now       func() time.Time
}

// RefreshFilterConfig carries the construction parameters.
type RefreshFilterConfig struct {
	Registry SessionRegistry
	Sessions *CookieSessionManager
	OAuth    *oauth2.Config
	Decoder  IDTokenDecoder
	// HTTPClient, when set, performs the token-endpoint calls; it should
	// carry a bounded timeout.
	HTTPClient *http.Client
	// LeadTime is how long before expiry a refresh triggers.
	LeadTime time.Duration
	// Timeout bounds each refresh attempt.
	Timeout time.Duration
	// FailOpen selects the missing-refresh-token policy.
	FailOpen bool
	// LoginPath is where re-authentication starts.
	LoginPath string
	Logger    zerolog.Logger
}

// NewRefreshFilter creates the filter.
func NewRefreshFilter(cfg RefreshFilterConfig) *RefreshFilter {
	if cfg.LeadTime <= 0 {
		cfg.LeadTime = defaultRefreshLeadTime
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRefreshTimeout
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = LoginPath
	}
	return &RefreshFilter{
		registry:   cfg.Registry,
		sessions:   cfg.Sessions,
		oauth:      cfg.OAuth,
		decoder:    cfg.Decoder,
		httpClient: cfg.HTTPClient,
		leadTime:   cfg.LeadTime,
		timeout:    cfg.Timeout,
		failOpen:   cfg.FailOpen,
		loginPath:  cfg.LoginPath,
		group:      refreshGroup{inflight: make(map[string]*refreshCall)},
		logger:     cfg.Logger.With().Str("filter", "token_refresh").Logger(),
		now:        time.Now,
	}
}

// Middleware returns the chain stage.
func (f *RefreshFilter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID, ok := f.sessions.SessionID(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			record, err := f.registry.FindBySessionID(r.Context(), sessionID)
			if err != nil {
				// Unknown session: nothing to refresh.
				next.ServeHTTP(w, r)
				return
			}
			if record.Expired {
				f.sessions.Invalidate(w, r)
				rejectExpired(w, r)
				return
			}
			if record.Tokens.RemainingValidity(f.now()) > f.leadTime {
				next.ServeHTTP(w, r)
				return
			}

			if record.Tokens.RefreshToken == "" {
				if f.failOpen {
					f.logger.Debug().Str("session_id", sessionID).Msg("no refresh token, proceeding with stale access token")
					next.ServeHTTP(w, r)
					return
				}
				f.logger.Info().Str("session_id", sessionID).Msg("no refresh token, forcing re-authentication")
				f.terminateSession(w, r, sessionID, f.loginPath)
				return
			}

			_, err = f.group.do(sessionID, func() (TokenSet, error) {
				return f.refreshSession(r.Context(), record)
			})
			if err != nil {
				f.handleRefreshFailure(w, r, sessionID, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// refreshSession exchanges the refresh token and replaces the stored token
// tuple. It runs detached from the request's cancellation: an aborted
// request must not corrupt an exchange other requests are waiting on, and
// the replace step itself is all-or-nothing inside the registry.
func (f *RefreshFilter) refreshSession(ctx context.Context, record *SessionRecord) (TokenSet, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()
	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}

	// Re-read the record now that we hold the per-session refresh slot: a
	// coalesced predecessor may have refreshed already, or a back-channel
	// logout may have expired the session while we queued.
	current, err := f.registry.FindBySessionID(ctx, record.SessionID)
	if err != nil {
		return TokenSet{}, err
	}
	if current.Expired {
		return TokenSet{}, ErrSessionExpired
	}
	if current.Tokens.RemainingValidity(f.now()) > f.leadTime {
		return current.Tokens, nil
	}
	record = current

	source := f.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: record.Tokens.RefreshToken})
	token, err := source.Token()
	if err != nil {
		return TokenSet{}, &UpstreamError{Op: "token refresh", Err: err}
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return TokenSet{}, newValidationError("token response missing id_token", nil)
	}
	claims, err := f.decoder.DecodeIDToken(ctx, rawIDToken)
	if err != nil {
		return TokenSet{}, err
	}
	if claims.Principal() != record.Principal {
		return TokenSet{}, fmt.Errorf("%w: session %s, token %s",
			errPrincipalMismatch, record.Principal, claims.Principal())
	}

	tokens := TokenSet{
		AccessToken:       token.AccessToken,
		AccessTokenExpiry: token.Expiry,
		RefreshToken:      token.RefreshToken,
		IDToken:           rawIDToken,
		IssuedAt:          f.now(),
	}
	if tokens.RefreshToken == "" {
		// Provider did not rotate the refresh token; keep the current one.
		tokens.RefreshToken = record.Tokens.RefreshToken
	}
	if err := f.registry.ReplaceTokens(ctx, record.SessionID, tokens); err != nil {
		return TokenSet{}, err
	}
	f.logger.Debug().
		Str("session_id", record.SessionID).
		Time("access_token_expiry", tokens.AccessTokenExpiry).
		Msg("replaced session tokens")
	return tokens, nil
}

// handleRefreshFailure maps a refresh error to the user-visible outcome.
// None of them is a 500: a session that cannot maintain a valid token is
// terminated and the browser redirected.
func (f *RefreshFilter) handleRefreshFailure(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	switch {
	case errors.Is(err, ErrSessionExpired):
		// A concurrent back-channel logout won the race.
		f.sessions.Invalidate(w, r)
		rejectExpired(w, r)
	case errors.Is(err, errPrincipalMismatch):
		f.logger.Error().Err(err).Str("session_id", sessionID).Msg("principal mismatch on refresh, invalidating session")
		f.terminateSession(w, r, sessionID, "/?error=authentication_failure")
	default:
		f.logger.Warn().Err(err).Str("session_id", sessionID).Msg("token refresh failed, invalidating session")
		f.terminateSession(w, r, sessionID, "/?error="+oauthErrorCode(err))
	}
}

// terminateSession expires and removes the registry entry, clears the
// cookie and redirects.
func (f *RefreshFilter) terminateSession(w http.ResponseWriter, r *http.Request, sessionID, location string) {
	ctx := context.WithoutCancel(r.Context())
	if err := f.registry.Expire(ctx, sessionID); err != nil {
		f.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to expire session")
	}
	if err := f.registry.Remove(ctx, sessionID); err != nil {
		f.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to remove session")
	}
	f.sessions.Invalidate(w, r)
	http.Redirect(w, r, location, http.StatusFound)
}

// oauthErrorCode extracts the machine-readable OAuth2 error code from a
// token-endpoint failure, falling back to a generic refresh_failed code.
func oauthErrorCode(err error) string {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode != "" {
		return retrieveErr.ErrorCode
	}
	return "refresh_failed"
}

// refreshGroup coalesces concurrent refresh attempts per session: the
// first caller performs the exchange, the rest wait for its result. No
// attempt tracking is needed; a failed refresh terminates the session.
type refreshGroup struct {
	mu       sync.Mutex
	inflight map[string]*refreshCall
}

type refreshCall struct {
	done   chan struct{}
	tokens TokenSet
	err    error
}

func (g *refreshGroup) do(key string, fn func() (TokenSet, error)) (TokenSet, error) {
	g.mu.Lock()
	if call, ok := g.inflight[key]; ok {
		g.mu.Unlock()
		<-call.done
		return call.tokens, call.err
	}
	call := &refreshCall{done: make(chan struct{})}
	g.inflight[key] = call
	g.mu.Unlock()

	call.tokens, call.err = fn()

	g.mu.Lock()
	delete(g.inflight, key)
	g.mu.Unlock()
	close(call.done)
	return call.tokens, call.err
}
