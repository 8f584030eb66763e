package govssoclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// backChannelLogoutEvent is the member the events claim of a logout token
// must contain (OpenID Connect Back-Channel Logout 1.0).
const backChannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// IDTokenClaims is the subset of ID token claims this client consumes.
type IDTokenClaims struct {
	Issuer   string
	Subject  string
	Audience []string
	Expiry   time.Time
	IssuedAt time.Time
	Nonce    string
	// SessionID is the provider's sid claim; used as the session
	// correlation key when present.
	SessionID string
	// RawToken is the verbatim signed token, kept for id_token_hint.
	RawToken string
}

// Principal returns the principal asserted by the token.
func (c *IDTokenClaims) Principal() Principal {
	return Principal{Issuer: c.Issuer, Subject: c.Subject}
}

// IDTokenDecoder validates a signed ID token and parses its claims.
// Signature, issuer and audience verification is delegated to a
// JWKS-backed verifier.
type IDTokenDecoder interface {
	DecodeIDToken(ctx context.Context, rawToken string) (*IDTokenClaims, error)
}

// LogoutTokenClaims is the validated content of a back-channel logout
// token. At least one of Subject and SessionID is guaranteed non-empty.
type LogoutTokenClaims struct {
	Issuer    string
	Subject   string
	SessionID string
	JTI       string
	IssuedAt  time.Time
}

// LogoutTokenDecoder validates a signed logout token and parses its
// claims. Any validation failure yields a *ValidationError.
type LogoutTokenDecoder interface {
	DecodeLogoutToken(ctx context.Context, rawToken string) (*LogoutTokenClaims, error)
}

type oidcIDTokenDecoder struct {
	verifier *oidc.IDTokenVerifier
}

// NewIDTokenDecoder builds an IDTokenDecoder on the provider's remote key
// set. The verifier enforces signature, issuer, audience and expiry.
func NewIDTokenDecoder(provider *oidc.Provider, clientID string) IDTokenDecoder {
	return &oidcIDTokenDecoder{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}
}

func (d *oidcIDTokenDecoder) DecodeIDToken(ctx context.Context, rawToken string) (*IDTokenClaims, error) {
	idToken, err := d.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, newValidationError("id token rejected", err)
	}
	var extra struct {
		SID string `json:"sid"`
	}
	if err := idToken.Claims(&extra); err != nil {
		return nil, newValidationError("id token claims unreadable", err)
	}
	return &IDTokenClaims{
		Issuer:    idToken.Issuer,
		Subject:   idToken.Subject,
		Audience:  idToken.Audience,
		Expiry:    idToken.Expiry,
		IssuedAt:  idToken.IssuedAt,
		Nonce:     idToken.Nonce,
		SessionID: extra.SID,
		RawToken:  rawToken,
	}, nil
}

type oidcLogoutTokenDecoder struct {
	verifier *oidc.IDTokenVerifier
	maxAge   time.Duration
	skew     time.Duration
	now      func() time.Time
}

// NewLogoutTokenDecoder builds a LogoutTokenDecoder on the provider's
// remote key set. The verifier enforces signature, issuer and audience;
// expiry is checked locally because exp is optional in logout tokens.
// maxAge bounds how old a token's iat may be, skew is the clock tolerance.
func NewLogoutTokenDecoder(provider *oidc.Provider, clientID string, maxAge, skew time.Duration) LogoutTokenDecoder {
	return &oidcLogoutTokenDecoder{
		verifier: provider.Verifier(&oidc.Config{
			ClientID:        clientID,
			SkipExpiryCheck: true,
		}),
		maxAge: maxAge,
		skew:   skew,
		now:    time.Now,
	}
}

func (d *oidcLogoutTokenDecoder) DecodeLogoutToken(ctx context.Context, rawToken string) (*LogoutTokenClaims, error) {
	token, err := d.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, newValidationError("logout token rejected", err)
	}

	var claims struct {
		SID    string                     `json:"sid"`
		JTI    string                     `json:"jti"`
		Nonce  *string                    `json:"nonce"`
		Exp    *int64                     `json:"exp"`
		Events map[string]json.RawMessage `json:"events"`
	}
	if err := token.Claims(&claims); err != nil {
		return nil, newValidationError("logout token claims unreadable", err)
	}

	now := d.now()

	if token.IssuedAt.IsZero() {
		return nil, newValidationError("logout token missing iat claim", nil)
	}
	if token.IssuedAt.After(now.Add(d.skew)) {
		return nil, newValidationError("logout token issued in the future", nil)
	}
	if now.Sub(token.IssuedAt) > d.maxAge+d.skew {
		return nil, newValidationError("logout token too old", nil)
	}
	// exp is optional; when present it must not have passed.
	if claims.Exp != nil && now.After(time.Unix(*claims.Exp, 0).Add(d.skew)) {
		return nil, newValidationError("logout token expired", nil)
	}
	if claims.Events == nil {
		return nil, newValidationError("logout token missing events claim", nil)
	}
	if _, ok := claims.Events[backChannelLogoutEvent]; !ok {
		return nil, newValidationError("logout token missing back-channel logout event", nil)
	}
	// Back-channel logout forbids a nonce; its presence indicates an ID
	// token being replayed as a logout token.
	if claims.Nonce != nil {
		return nil, newValidationError("logout token must not contain nonce claim", nil)
	}
	if token.Subject == "" && claims.SID == "" {
		return nil, newValidationError("logout token must contain sub or sid claim", nil)
	}

	return &LogoutTokenClaims{
		Issuer:    token.Issuer,
		Subject:   token.Subject,
		SessionID: claims.SID,
		JTI:       claims.JTI,
		IssuedAt:  token.IssuedAt,
	}, nil
}
