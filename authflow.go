package govssoclient

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Paths served by the authentication flow.
const (
	// LoginPath starts a new authorization-code flow.
	LoginPath = "/oauth2/login"
	// CallbackPath receives the provider's authorization response.
	CallbackPath = "/oauth2/callback"
	// LogoutPath starts RP-initiated logout.
	LogoutPath = "/oauth2/logout"
)

// uiLocalesParameter carries the UI language hint through the
// authorization and logout flows.
const uiLocalesParameter = "ui_locales"

// authFailureRedirect is where non-OAuth2 authentication failures land.
const authFailureRedirect = "/?error=authentication_failure"

// AuthFlow implements login initiation and the authorization-code
// callback. The code exchange and ID token verification are delegated to
// the oauth2 and decoder collaborators; the flow's own job is state/nonce
// handling and registering the authenticated session in the registry.
type AuthFlow struct {
	registry   SessionRegistry
	sessions   *CookieSessionManager
	oauth      *oauth2.Config
	decoder    IDTokenDecoder
	httpClient *http.Client
	// postLoginRedirect is where the browser lands after login.
	postLoginRedirect string
	logger            zerolog.Logger
	now               func() time.Time
}

// AuthFlowConfig carries the construction parameters.
type AuthFlowConfig struct {
	Registry          SessionRegistry
	Sessions          *CookieSessionManager
	OAuth             *oauth2.Config
	Decoder           IDTokenDecoder
	HTTPClient        *http.Client
	PostLoginRedirect string
	Logger            zerolog.Logger
}

// NewAuthFlow creates the flow handlers.
func NewAuthFlow(cfg AuthFlowConfig) *AuthFlow {
	if cfg.PostLoginRedirect == "" {
		cfg.PostLoginRedirect = "/dashboard"
	}
	return &AuthFlow{
		registry:          cfg.Registry,
		sessions:          cfg.Sessions,
		oauth:             cfg.OAuth,
		decoder:           cfg.Decoder,
		httpClient:        cfg.HTTPClient,
		postLoginRedirect: cfg.PostLoginRedirect,
		logger:            cfg.Logger.With().Str("handler", "auth_flow").Logger(),
		now:               time.Now,
	}
}

// LoginHandler redirects the browser to the provider's authorization
// endpoint with fresh state and nonce. A ui_locales query parameter on the
// login request is passed through to the provider so the login screens
// come up in the user's language.
func (f *AuthFlow) LoginHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := uuid.NewString()
		nonce := uuid.NewString()
		if err := f.sessions.BeginLogin(w, r, state, nonce); err != nil {
			f.logger.Error().Err(err).Msg("failed to persist login state")
			http.Redirect(w, r, authFailureRedirect, http.StatusFound)
			return
		}

		opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("nonce", nonce)}
		if locales := r.FormValue(uiLocalesParameter); locales != "" {
			opts = append(opts, oauth2.SetAuthURLParam(uiLocalesParameter, locales))
		}
		http.Redirect(w, r, f.oauth.AuthCodeURL(state, opts...), http.StatusFound)
	})
}

// CallbackHandler completes the authorization-code flow: it validates
// state, exchanges the code, verifies the ID token and nonce, registers
// the session and redirects to the post-login page. Provider-reported
// errors and local failures both surface as a redirect with a
// machine-readable error code, never as an exception page.
func (f *AuthFlow) CallbackHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if errCode := r.FormValue("error"); errCode != "" {
			f.logger.Warn().
				Str("error", errCode).
				Str("error_description", r.FormValue("error_description")).
				Msg("authorization failed at provider")
			http.Redirect(w, r, "/?error="+url.QueryEscape(errCode), http.StatusFound)
			return
		}

		state, nonce, ok := f.sessions.TakeLoginState(w, r)
		if !ok || r.FormValue("state") != state {
			f.logger.Warn().Msg("authorization response with missing or mismatched state")
			http.Redirect(w, r, authFailureRedirect, http.StatusFound)
			return
		}
		code := r.FormValue("code")
		if code == "" {
			http.Redirect(w, r, authFailureRedirect, http.StatusFound)
			return
		}

		ctx := r.Context()
		if f.httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
		}
		token, err := f.oauth.Exchange(ctx, code)
		if err != nil {
			f.logger.Error().Err(err).Msg("authorization code exchange failed")
			http.Redirect(w, r, "/?error="+oauthErrorCode(err), http.StatusFound)
			return
		}
		rawIDToken, _ := token.Extra("id_token").(string)
		if rawIDToken == "" {
			f.logger.Error().Msg("token response missing id_token")
			http.Redirect(w, r, authFailureRedirect, http.StatusFound)
			return
		}
		claims, err := f.decoder.DecodeIDToken(ctx, rawIDToken)
		if err != nil {
			f.logger.Error().Err(err).Msg("id token verification failed")
			http.Redirect(w, r, authFailureRedirect, http.StatusFound)
			return
		}
		if claims.Nonce != nonce {
			f.logger.Error().Msg("id token nonce mismatch")
			http.Redirect(w, r, authFailureRedirect, http.StatusFound)
			return
		}

		// The provider's sid claim is the session correlation key so a
		// back-channel logout token resolves the session with one lookup.
		// Providers that issue no sid get a locally generated id instead.
		sessionID := claims.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		now := f.now()
		record := SessionRecord{
			SessionID: sessionID,
			Principal: claims.Principal(),
			Tokens: TokenSet{
				AccessToken:       token.AccessToken,
				AccessTokenExpiry: token.Expiry,
				RefreshToken:      token.RefreshToken,
				IDToken:           rawIDToken,
				IssuedAt:          now,
			},
			CreatedAt:      now,
			LastAccessTime: now,
		}
		if err := f.registry.Register(ctx, record); err != nil {
			f.logger.Error().Err(err).Msg("failed to register session")
			http.Redirect(w, r, authFailureRedirect, http.StatusFound)
			return
		}
		if err := f.sessions.Establish(w, r, sessionID); err != nil {
			f.logger.Error().Err(err).Msg("failed to establish session cookie")
			_ = f.registry.Remove(ctx, sessionID)
			http.Redirect(w, r, authFailureRedirect, http.StatusFound)
			return
		}

		f.logger.Info().
			Str("session_id", sessionID).
			Str("sub", claims.Subject).
			Msg("session established")
		http.Redirect(w, r, f.postLoginRedirect, http.StatusFound)
	})
}
