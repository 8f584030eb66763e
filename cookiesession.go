package govssoclient

import (
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"
)

// Keys used inside the cookie session. The cookie only carries the
// correlation id and the in-flight login state; all token material lives
// in the SessionRegistry.
const (
	sessionValueID    = "registrySessionId"
	sessionValueState = "loginState"
	sessionValueNonce = "loginNonce"
)

// CookieSessionManager binds the browser cookie to a registry session id.
// It wraps a gorilla cookie store: the cookie is authenticated and
// encrypted, and holds nothing but the opaque correlation id plus the
// state/nonce of an in-flight login.
type CookieSessionManager struct {
	store      *sessions.CookieStore
	cookieName string
}

// NewCookieSessionManager creates the manager. Both keys must be at least
// 32 bytes; maxAge bounds the cookie lifetime in seconds.
func NewCookieSessionManager(authenticationKey, encryptionKey []byte, cookieName string, maxAge int, secure bool) (*CookieSessionManager, error) {
	if len(authenticationKey) < minSessionKeyLength {
		return nil, fmt.Errorf("session authentication key must be at least %d bytes", minSessionKeyLength)
	}
	if len(encryptionKey) < minSessionKeyLength {
		return nil, fmt.Errorf("session encryption key must be at least %d bytes", minSessionKeyLength)
	}
	store := sessions.NewCookieStore(authenticationKey, encryptionKey)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &CookieSessionManager{store: store, cookieName: cookieName}, nil
}

// SessionID extracts the registry session id bound to the request's
// cookie. ok is false when there is no (valid) session cookie.
func (m *CookieSessionManager) SessionID(r *http.Request) (string, bool) {
	session, err := m.store.Get(r, m.cookieName)
	if err != nil || session.IsNew {
		return "", false
	}
	id, ok := session.Values[sessionValueID].(string)
	return id, ok && id != ""
}

// Establish binds the registry session id to a fresh cookie session,
// dropping any in-flight login state.
func (m *CookieSessionManager) Establish(w http.ResponseWriter, r *http.Request, sessionID string) error {
	session, _ := m.store.Get(r, m.cookieName)
	delete(session.Values, sessionValueState)
	delete(session.Values, sessionValueNonce)
	session.Values[sessionValueID] = sessionID
	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("save session cookie: %w", err)
	}
	return nil
}

// BeginLogin stores the authorization-request state and nonce so the
// callback can correlate and verify the provider response.
func (m *CookieSessionManager) BeginLogin(w http.ResponseWriter, r *http.Request, state, nonce string) error {
	session, _ := m.store.Get(r, m.cookieName)
	session.Values[sessionValueState] = state
	session.Values[sessionValueNonce] = nonce
	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("save session cookie: %w", err)
	}
	return nil
}

// TakeLoginState returns and clears the stored state and nonce. The state
// is single-use; a replayed callback finds nothing.
func (m *CookieSessionManager) TakeLoginState(w http.ResponseWriter, r *http.Request) (state, nonce string, ok bool) {
	session, err := m.store.Get(r, m.cookieName)
	if err != nil || session.IsNew {
		return "", "", false
	}
	state, sok := session.Values[sessionValueState].(string)
	nonce, nok := session.Values[sessionValueNonce].(string)
	delete(session.Values, sessionValueState)
	delete(session.Values, sessionValueNonce)
	_ = session.Save(r, w)
	return state, nonce, sok && nok && state != ""
}

// Invalidate deletes the session cookie.
func (m *CookieSessionManager) Invalidate(w http.ResponseWriter, r *http.Request) {
	session, _ := m.store.Get(r, m.cookieName)
	session.Options.MaxAge = -1
	session.Values = make(map[interface{}]interface{})
	_ = session.Save(r, w)
}
