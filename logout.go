package govssoclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// LogoutHandler implements RP-initiated logout against the provider's
// end_session_endpoint. The local session is terminated first, then the
// browser is sent to the provider with id_token_hint, the ui_locales hint
// and the registered post-logout redirect URI so the whole provider-side
// session ends too.
type LogoutHandler struct {
	registry SessionRegistry
	sessions *CookieSessionManager
	// endSessionEndpoint is the provider's logout URL from discovery
	// metadata. Empty when the provider does not advertise one; logout is
	// then local-only.
	endSessionEndpoint string
	// postLogoutRedirectURI may contain the literal "{baseUrl}", expanded
	// to scheme://host of the request that initiated logout.
	postLogoutRedirectURI string
	logger                zerolog.Logger
}

// NewLogoutHandler creates the handler.
func NewLogoutHandler(registry SessionRegistry, sessions *CookieSessionManager, endSessionEndpoint, postLogoutRedirectURI string, logger zerolog.Logger) *LogoutHandler {
	return &LogoutHandler{
		registry:              registry,
		sessions:              sessions,
		endSessionEndpoint:    endSessionEndpoint,
		postLogoutRedirectURI: postLogoutRedirectURI,
		logger:                logger.With().Str("handler", "logout").Logger(),
	}
}

// ServeHTTP implements http.Handler.
func (h *LogoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Read the locale hint before tearing the session down so it still
	// reaches the provider logout redirect.
	locales := r.FormValue(uiLocalesParameter)

	var rawIDToken string
	sessionID, ok := h.sessions.SessionID(r)
	if ok {
		ctx := context.WithoutCancel(r.Context())
		if record, err := h.registry.FindBySessionID(ctx, sessionID); err == nil {
			rawIDToken = record.Tokens.IDToken
		}
		if err := h.registry.Expire(ctx, sessionID); err != nil {
			h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to expire session on logout")
		}
		if err := h.registry.Remove(ctx, sessionID); err != nil {
			h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to remove session on logout")
		}
	}
	h.sessions.Invalidate(w, r)

	target := h.providerLogoutURL(r, rawIDToken, locales)
	if target == "" {
		target = "/"
	}
	h.logger.Info().Str("session_id", sessionID).Msg("session logged out")
	http.Redirect(w, r, target, http.StatusFound)
}

// providerLogoutURL builds the end_session_endpoint redirect. Returns ""
// when the provider advertises no logout endpoint or the session carried
// no ID token to hint with.
func (h *LogoutHandler) providerLogoutURL(r *http.Request, rawIDToken, locales string) string {
	if h.endSessionEndpoint == "" || rawIDToken == "" {
		return ""
	}
	endpoint, err := url.Parse(h.endSessionEndpoint)
	if err != nil {
		h.logger.Error().Err(err).Msg("invalid end_session_endpoint")
		return ""
	}
	query := endpoint.Query()
	query.Set("id_token_hint", rawIDToken)
	if locales != "" {
		query.Set(uiLocalesParameter, locales)
	}
	if h.postLogoutRedirectURI != "" {
		query.Set("post_logout_redirect_uri",
			strings.ReplaceAll(h.postLogoutRedirectURI, "{baseUrl}", requestBaseURL(r)))
	}
	endpoint.RawQuery = query.Encode()
	return endpoint.String()
}

// requestBaseURL reconstructs scheme://host of the inbound request for
// {baseUrl} expansion in the post-logout redirect URI.
func requestBaseURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
			scheme = forwarded
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + r.Host
}
