package govssoclient

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultRefreshLeadTime        = 30 * time.Second
	defaultRefreshTimeout         = 10 * time.Second
	defaultLogoutTokenMaxAge      = 5 * time.Minute
	defaultClockSkew              = 30 * time.Second
	defaultSweepInterval          = 5 * time.Minute
	defaultExpiredRetention       = 30 * time.Minute
	defaultAbsoluteSessionTimeout = 24 * time.Hour
	defaultBackChannelRate        = 10
	defaultBackChannelBurst       = 20
	minSessionKeyLength           = 32
)

// Duration wraps time.Duration so values can be written as "30s" or "5m"
// in YAML configuration files.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RedisSettings configures the optional Redis-backed session registry for
// multi-instance deployments. When Addr is empty the in-memory registry is
// used.
type RedisSettings struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// Settings configures the relying-party client. Zero values are filled in
// by Validate; only the provider coordinates and the session keys are
// mandatory.
type Settings struct {
	// IssuerURL is the identity provider base URL; OIDC discovery runs
	// against it at startup.
	IssuerURL string `yaml:"issuerUrl"`
	// ClientID is this relying party's registered client identifier. It is
	// also the required audience of every ID and logout token.
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
	// RedirectURL is the registered authorization-code callback URL.
	RedirectURL string   `yaml:"redirectUrl"`
	Scopes      []string `yaml:"scopes"`

	// PostLoginRedirectURI is where the callback sends the browser after a
	// successful login.
	PostLoginRedirectURI string `yaml:"postLoginRedirectUri"`
	// PostLogoutRedirectURI is the registered post-logout target. The
	// literal "{baseUrl}" is expanded to the scheme://host of the request
	// that initiated logout.
	PostLogoutRedirectURI string `yaml:"postLogoutRedirectUri"`

	// SessionCookieName names the browser session cookie.
	SessionCookieName string `yaml:"sessionCookieName"`
	// SessionAuthenticationKey signs the session cookie (min 32 bytes).
	SessionAuthenticationKey string `yaml:"sessionAuthenticationKey"`
	// SessionEncryptionKey encrypts the session cookie (min 32 bytes).
	SessionEncryptionKey string `yaml:"sessionEncryptionKey"`
	// ForceHTTPS marks cookies Secure even behind plain-HTTP test setups.
	ForceHTTPS bool `yaml:"forceHttps"`

	// RefreshLeadTime is how long before access-token expiry a refresh is
	// triggered.
	RefreshLeadTime Duration `yaml:"refreshLeadTime"`
	// RefreshTimeout bounds each outbound token-endpoint call.
	RefreshTimeout Duration `yaml:"refreshTimeout"`
	// FailOpen lets a request proceed with a stale access token when no
	// refresh token is available, instead of forcing re-authentication.
	FailOpen bool `yaml:"failOpen"`

	// LogoutTokenMaxAge rejects logout tokens issued longer ago than this.
	LogoutTokenMaxAge Duration `yaml:"logoutTokenMaxAge"`
	// ClockSkew is the tolerance applied to iat checks.
	ClockSkew Duration `yaml:"clockSkew"`
	// BackChannelRate and BackChannelBurst rate-limit the back-channel
	// logout endpoint (requests per second / burst).
	BackChannelRate  float64 `yaml:"backChannelRate"`
	BackChannelBurst int     `yaml:"backChannelBurst"`

	// SweepInterval is how often expired registry entries are swept;
	// ExpiredRetention is how long an expired entry stays findable so the
	// expiration filter can answer "expired" instead of "unknown".
	SweepInterval          Duration `yaml:"sweepInterval"`
	ExpiredRetention       Duration `yaml:"expiredRetention"`
	AbsoluteSessionTimeout Duration `yaml:"absoluteSessionTimeout"`

	Redis RedisSettings `yaml:"redis"`

	LogLevel string `yaml:"logLevel"`
}

// LoadSettings reads a YAML settings file, applies GOVSSO_* environment
// overrides and validates the result.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse settings file: %w", err)
	}
	settings.applyEnvOverrides()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// applyEnvOverrides lets deployment environments override secrets and
// endpoints without touching the settings file.
func (s *Settings) applyEnvOverrides() {
	overrideString(&s.IssuerURL, "GOVSSO_ISSUER_URL")
	overrideString(&s.ClientID, "GOVSSO_CLIENT_ID")
	overrideString(&s.ClientSecret, "GOVSSO_CLIENT_SECRET")
	overrideString(&s.RedirectURL, "GOVSSO_REDIRECT_URL")
	overrideString(&s.SessionAuthenticationKey, "GOVSSO_SESSION_AUTHENTICATION_KEY")
	overrideString(&s.SessionEncryptionKey, "GOVSSO_SESSION_ENCRYPTION_KEY")
	overrideString(&s.Redis.Addr, "GOVSSO_REDIS_ADDR")
	overrideString(&s.Redis.Password, "GOVSSO_REDIS_PASSWORD")
	overrideString(&s.LogLevel, "GOVSSO_LOG_LEVEL")
	if v, ok := os.LookupEnv("GOVSSO_REDIS_DB"); ok {
		if db, err := strconv.Atoi(v); err == nil {
			s.Redis.DB = db
		}
	}
}

func overrideString(target *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*target = v
	}
}

// Validate checks mandatory fields and fills in defaults.
func (s *Settings) Validate() error {
	if s.IssuerURL == "" {
		return fmt.Errorf("issuerUrl is required")
	}
	if s.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if s.ClientSecret == "" {
		return fmt.Errorf("clientSecret is required")
	}
	if s.RedirectURL == "" {
		return fmt.Errorf("redirectUrl is required")
	}
	if len(s.SessionAuthenticationKey) < minSessionKeyLength {
		return fmt.Errorf("sessionAuthenticationKey must be at least %d bytes", minSessionKeyLength)
	}
	if len(s.SessionEncryptionKey) < minSessionKeyLength {
		return fmt.Errorf("sessionEncryptionKey must be at least %d bytes", minSessionKeyLength)
	}
	if len(s.Scopes) == 0 {
		s.Scopes = []string{"openid"}
	}
	if s.PostLoginRedirectURI == "" {
		s.PostLoginRedirectURI = "/dashboard"
	}
	if s.SessionCookieName == "" {
		s.SessionCookieName = "__Host-govsso-session"
	}
	if s.RefreshLeadTime <= 0 {
		s.RefreshLeadTime = Duration(defaultRefreshLeadTime)
	}
	if s.RefreshTimeout <= 0 {
		s.RefreshTimeout = Duration(defaultRefreshTimeout)
	}
	if s.LogoutTokenMaxAge <= 0 {
		s.LogoutTokenMaxAge = Duration(defaultLogoutTokenMaxAge)
	}
	if s.ClockSkew <= 0 {
		s.ClockSkew = Duration(defaultClockSkew)
	}
	if s.BackChannelRate <= 0 {
		s.BackChannelRate = defaultBackChannelRate
	}
	if s.BackChannelBurst <= 0 {
		s.BackChannelBurst = defaultBackChannelBurst
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = Duration(defaultSweepInterval)
	}
	if s.ExpiredRetention <= 0 {
		s.ExpiredRetention = Duration(defaultExpiredRetention)
	}
	if s.AbsoluteSessionTimeout <= 0 {
		s.AbsoluteSessionTimeout = Duration(defaultAbsoluteSessionTimeout)
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	return nil
}
