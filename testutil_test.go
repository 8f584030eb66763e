package govssoclient

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testClientID = "govsso-test-client"
	testKeyID    = "test-signing-key"
)

// fakeIdentityProvider is an httptest-backed OIDC provider: discovery
// document, JWKS and a pluggable token endpoint. Tokens are minted with
// the provider's own RSA key so real signature verification runs in tests.
type fakeIdentityProvider struct {
	server     *httptest.Server
	signingKey *rsa.PrivateKey

	// tokenHandler serves the token endpoint; tests swap it per scenario.
	tokenHandler atomic.Pointer[http.HandlerFunc]
	// tokenCalls counts token endpoint requests.
	tokenCalls atomic.Int64
}

func newFakeIdentityProvider(t *testing.T) *fakeIdentityProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &fakeIdentityProvider{signingKey: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 idp.server.URL,
			"authorization_endpoint": idp.server.URL + "/authorize",
			"token_endpoint":         idp.server.URL + "/token",
			"jwks_uri":               idp.server.URL + "/keys",
			"end_session_endpoint":   idp.server.URL + "/logout",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		pub := &idp.signingKey.PublicKey
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"alg": "RS256",
				"use": "sig",
				"kid": testKeyID,
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   "AQAB",
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		idp.tokenCalls.Add(1)
		if handler := idp.tokenHandler.Load(); handler != nil {
			(*handler)(w, r)
			return
		}
		http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
	})

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (idp *fakeIdentityProvider) issuer() string { return idp.server.URL }

func (idp *fakeIdentityProvider) setTokenHandler(handler http.HandlerFunc) {
	idp.tokenHandler.Store(&handler)
}

// mint signs a token with the provider key. base claims can be overridden
// or removed (nil value) via overrides.
func (idp *fakeIdentityProvider) mint(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(idp.signingKey)
	require.NoError(t, err)
	return signed
}

// mintIDToken issues a standard ID token for the test client.
func (idp *fakeIdentityProvider) mintIDToken(t *testing.T, sub, sid, nonce string, overrides jwt.MapClaims) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": idp.issuer(),
		"aud": testClientID,
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
	}
	if sid != "" {
		claims["sid"] = sid
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	return idp.mint(t, claims)
}

// mintLogoutToken issues a back-channel logout token. overrides with nil
// values remove the claim.
func (idp *fakeIdentityProvider) mintLogoutToken(t *testing.T, sub, sid string, overrides jwt.MapClaims) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": idp.issuer(),
		"aud": testClientID,
		"iat": time.Now().Unix(),
		"jti": fmt.Sprintf("jti-%d", time.Now().UnixNano()),
		"events": map[string]any{
			backChannelLogoutEvent: map[string]any{},
		},
	}
	if sub != "" {
		claims["sub"] = sub
	}
	if sid != "" {
		claims["sid"] = sid
	}
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	return idp.mint(t, claims)
}

// tokenResponse writes a successful token-endpoint response.
func tokenResponse(w http.ResponseWriter, accessToken, refreshToken, idToken string, expiresIn int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    expiresIn,
		"refresh_token": refreshToken,
		"id_token":      idToken,
	})
}

// tokenError writes an RFC 6749 token-endpoint error.
func tokenError(w http.ResponseWriter, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func newTestSettings(idp *fakeIdentityProvider) *Settings {
	return &Settings{
		IssuerURL:                idp.issuer(),
		ClientID:                 testClientID,
		ClientSecret:             "test-secret",
		RedirectURL:              "https://rp.example.org" + CallbackPath,
		SessionAuthenticationKey: "0123456789abcdef0123456789abcdef",
		SessionEncryptionKey:     "fedcba9876543210fedcba9876543210",
		SessionCookieName:        "govsso-test-session",
		PostLogoutRedirectURI:    "{baseUrl}/",
		LogLevel:                 "disabled",
	}
}

// newTestClient builds a fully wired Client against the fake provider.
func newTestClient(t *testing.T, idp *fakeIdentityProvider, mutate func(*Settings)) *Client {
	t.Helper()
	settings := newTestSettings(idp)
	if mutate != nil {
		mutate(settings)
	}
	client, err := New(t.Context(), settings, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// establishSession registers a record and returns the matching browser
// cookie, as if the login callback had just completed.
func establishSession(t *testing.T, c *Client, record SessionRecord) *http.Cookie {
	t.Helper()
	require.NoError(t, c.Registry().Register(t.Context(), record))

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, c.Sessions().Establish(recorder, request, record.SessionID))
	cookies := recorder.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies[0]
}

// testRecord builds a plausible active session record.
func testRecord(sessionID, issuer, sub string, tokens TokenSet) SessionRecord {
	now := time.Now()
	return SessionRecord{
		SessionID:      sessionID,
		Principal:      Principal{Issuer: issuer, Subject: sub},
		Tokens:         tokens,
		CreatedAt:      now,
		LastAccessTime: now,
	}
}

// postLogoutToken delivers a logout token to the handler the way the
// provider would.
func postLogoutToken(handler http.Handler, token string) *httptest.ResponseRecorder {
	form := url.Values{"logout_token": {token}}
	request := httptest.NewRequest(http.MethodPost, BackChannelLogoutPath, strings.NewReader(form.Encode()))
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}
