// Package govssoclient is an OpenID Connect relying-party integration for
// GovSSO-style identity providers. It keeps browser sessions correlated
// with the provider's session: a process-wide session registry, a
// back-channel logout handler that expires exactly the sessions a logout
// token targets, a token refresh filter that keeps access tokens valid in
// the background, and a session expiration filter that rejects requests on
// sessions the provider has logged out.
package govssoclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Client wires the relying-party components together: provider discovery,
// the session registry, the authentication flow, both logout paths and the
// authenticated request pipeline.
type Client struct {
	settings *Settings
	provider *oidc.Provider
	oauth    *oauth2.Config
	registry SessionRegistry
	sessions *CookieSessionManager
	logger   zerolog.Logger

	authFlow    *AuthFlow
	logout      *LogoutHandler
	backChannel *BackChannelLogoutHandler
	expiration  *SessionExpirationFilter
	refresh     *RefreshFilter

	redisClient *redis.Client
	sweepStop   chan struct{}
	sweepDone   chan struct{}
}

// Option customizes client construction.
type Option func(*Client)

// WithRegistry replaces the registry chosen from settings, e.g. with a
// test double.
func WithRegistry(registry SessionRegistry) Option {
	return func(c *Client) { c.registry = registry }
}

// WithLogger replaces the default logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New discovers the provider configuration and assembles the client. The
// context bounds the discovery call. Callers must Close the client to stop
// the registry sweeper.
func New(ctx context.Context, settings *Settings, opts ...Option) (*Client, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	level, err := zerolog.ParseLevel(settings.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	c := &Client{
		settings: settings,
		logger:   zerolog.New(zerolog.NewConsoleWriter()).Level(level).With().Timestamp().Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	httpClient := &http.Client{Timeout: settings.RefreshTimeout.Std()}
	c.provider, err = oidc.NewProvider(oidc.ClientContext(ctx, httpClient), settings.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("provider discovery for %s: %w", settings.IssuerURL, err)
	}
	c.oauth = &oauth2.Config{
		ClientID:     settings.ClientID,
		ClientSecret: settings.ClientSecret,
		Endpoint:     c.provider.Endpoint(),
		RedirectURL:  settings.RedirectURL,
		Scopes:       settings.Scopes,
	}

	if c.registry == nil {
		if settings.Redis.Addr != "" {
			c.redisClient = redis.NewClient(&redis.Options{
				Addr:     settings.Redis.Addr,
				Password: settings.Redis.Password,
				DB:       settings.Redis.DB,
			})
			c.registry = NewRedisSessionRegistry(c.redisClient, settings.Redis.KeyPrefix, settings.AbsoluteSessionTimeout.Std())
		} else {
			c.registry = NewMemorySessionRegistry()
		}
	}

	c.sessions, err = NewCookieSessionManager(
		[]byte(settings.SessionAuthenticationKey),
		[]byte(settings.SessionEncryptionKey),
		settings.SessionCookieName,
		int(settings.AbsoluteSessionTimeout.Std().Seconds()),
		settings.ForceHTTPS,
	)
	if err != nil {
		return nil, err
	}

	idDecoder := NewIDTokenDecoder(c.provider, settings.ClientID)
	logoutDecoder := NewLogoutTokenDecoder(c.provider, settings.ClientID,
		settings.LogoutTokenMaxAge.Std(), settings.ClockSkew.Std())

	c.authFlow = NewAuthFlow(AuthFlowConfig{
		Registry:          c.registry,
		Sessions:          c.sessions,
		OAuth:             c.oauth,
		Decoder:           idDecoder,
		HTTPClient:        httpClient,
		PostLoginRedirect: settings.PostLoginRedirectURI,
		Logger:            c.logger,
	})
	c.logout = NewLogoutHandler(c.registry, c.sessions,
		c.endSessionEndpoint(), settings.PostLogoutRedirectURI, c.logger)
	c.backChannel = NewBackChannelLogoutHandler(c.registry, logoutDecoder, nil,
		rate.NewLimiter(rate.Limit(settings.BackChannelRate), settings.BackChannelBurst), c.logger)
	c.expiration = NewSessionExpirationFilter(c.registry, c.sessions, c.logger)
	c.refresh = NewRefreshFilter(RefreshFilterConfig{
		Registry:   c.registry,
		Sessions:   c.sessions,
		OAuth:      c.oauth,
		Decoder:    idDecoder,
		HTTPClient: httpClient,
		LeadTime:   settings.RefreshLeadTime.Std(),
		Timeout:    settings.RefreshTimeout.Std(),
		FailOpen:   settings.FailOpen,
		Logger:     c.logger,
	})

	c.sweepStop = make(chan struct{})
	c.sweepDone = make(chan struct{})
	go c.sweepLoop()

	return c, nil
}

// endSessionEndpoint reads the provider's logout endpoint from discovery
// metadata. Not every provider advertises one.
func (c *Client) endSessionEndpoint() string {
	var metadata struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := c.provider.Claims(&metadata); err != nil {
		c.logger.Warn().Err(err).Msg("failed to read provider metadata claims")
		return ""
	}
	return metadata.EndSessionEndpoint
}

// Registry exposes the session registry, e.g. for administrative tooling.
func (c *Client) Registry() SessionRegistry { return c.registry }

// Sessions exposes the cookie session manager.
func (c *Client) Sessions() *CookieSessionManager { return c.sessions }

// Pipeline returns the authenticated request chain: expiration check, then
// token refresh. Wrap business handlers with it.
func (c *Client) Pipeline() Chain {
	return NewChain(c.expiration.Middleware(), c.refresh.Middleware())
}

// Handler mounts the authentication endpoints and wraps app with the
// authenticated pipeline. The back-channel endpoint is mounted outside the
// pipeline: it is server-to-server and carries no session.
func (c *Client) Handler(app http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(LoginPath, c.authFlow.LoginHandler())
	mux.Handle(CallbackPath, c.authFlow.CallbackHandler())
	mux.Handle(LogoutPath, c.logout)
	mux.Handle(BackChannelLogoutPath, c.backChannel)
	mux.Handle("/", c.Pipeline().Then(app))
	return mux
}

// sweepLoop periodically removes expired registry entries past the
// retention window.
func (c *Client) sweepLoop() {
	defer close(c.sweepDone)
	ticker := time.NewTicker(c.settings.SweepInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := c.registry.RemoveExpiredSessions(ctx, c.settings.ExpiredRetention.Std())
			cancel()
			if err != nil {
				c.logger.Warn().Err(err).Msg("registry sweep failed")
			} else if removed > 0 {
				c.logger.Debug().Int("removed", removed).Msg("swept expired sessions")
			}
		}
	}
}

// Close stops the registry sweeper and releases the Redis connection when
// one was opened.
func (c *Client) Close() error {
	close(c.sweepStop)
	<-c.sweepDone
	if c.redisClient != nil {
		return c.redisClient.Close()
	}
	return nil
}
