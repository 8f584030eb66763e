package govssoclient

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expiringTokens is a tuple whose access token is inside the default 30s
// refresh lead time.
func expiringTokens(refreshToken string) TokenSet {
	now := time.Now()
	return TokenSet{
		AccessToken:       "access-old",
		AccessTokenExpiry: now.Add(10 * time.Second),
		RefreshToken:      refreshToken,
		IDToken:           "id-old",
		IssuedAt:          now.Add(-5 * time.Minute),
	}
}

func doAuthenticated(handler http.Handler, cookie *http.Cookie) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	request.AddCookie(cookie)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestRefreshFilter_FreshTokenMakesNoOutboundCall(t *testing.T) {
	idp := newFakeIdentityProvider(t)
	client := newTestClient(t, idp, nil)
	handler := client.Handler(okHandler())

	// Valid for 10 minutes against a 30 second lead time.
	cookie := establishSession(t, client, testRecord("sid-1", idp.issuer(), "user1", freshTokens()))

	recorder := doAuthenticated(handler, cookie)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Zero(t, idp.tokenCalls.Load(), "no token endpoint call may be made for a fresh token")
}

func TestRefreshFilter_ExpiringTokenIsRefreshed(t *testing.T) {
	idp := newFakeIdentityProvider(t)
	client := newTestClient(t, idp, nil)
	handler := client.Handler(okHandler())

	record := testRecord("sid-1", idp.issuer(), "user1", expiringTokens("refresh-1"))
	cookie := establishSession(t, client, record)

	newIDToken := idp.mintIDToken(t, "user1", "sid-1", "", nil)
	idp.setTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostFormValue("grant_type"))
		assert.Equal(t, "refresh-1", r.PostFormValue("refresh_token"))
		tokenResponse(w, "access-new", "refresh-2", newIDToken, 900)
	})

	recorder := doAuthenticated(handler, cookie)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.EqualValues(t, 1, idp.tokenCalls.Load())

	got, err := client.Registry().FindBySessionID(t.Context(), "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "access-new", got.Tokens.AccessToken)
	assert.Equal(t, "refresh-2", got.Tokens.RefreshToken, "rotated refresh token must be stored")
	assert.Equal(t, newIDToken, got.Tokens.IDToken)
	assert.True(t, got.Tokens.AccessTokenExpiry.After(time.Now().Add(10*time.Minute)))
	assert.True(t, got.LastAccessTime.After(record.LastAccessTime), "lastAccessTime must advance")
}

func TestRefreshFilter_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	idp := newFakeIdentityProvider(t)
	client := newTestClient(t, idp, nil)
	handler := client.Handler(okHandler())

	cookie := establishSession(t, client, testRecord("sid-1", idp.issuer(), "user1", expiringTokens("refresh-1")))
	newIDToken := idp.mintIDToken(t, "user1", "sid-1", "", nil)
	idp.setTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		tokenResponse(w, "access-new", "", newIDToken, 900)
	})

	recorder := doAuthenticated(handler, cookie)
	assert.Equal(t, http.StatusOK, recorder.Code)

	got, err := client.Registry().FindBySessionID(t.Context(), "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", got.Tokens.RefreshToken)
}

func TestRefreshFilter_InvalidGrantTerminatesSession(t *testing.T) {
	idp := newFakeIdentityProvider(t)
	client := newTestClient(t, idp, nil)
	handler := client.Handler(okHandler())

	cookie := establishSession(t, client, testRecord("sid-1", idp.issuer(), "user1", expiringTokens("refresh-1")))
	idp.setTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		tokenError(w, "invalid_grant", http.StatusBadRequest)
	})

	recorder := doAuthenticated(handler, cookie)
	// Never a 500: the session is terminated and the browser redirected.
	assert.Equal(t, http.StatusFound, recorder.Code)
	assert.Equal(t, "/?error=invalid_grant", recorder.Header().Get("Location"))

	_, err := client.Registry().FindBySessionID(t.Context(), "sid-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRefreshFilter_UpstreamTimeoutTerminatesSession(t *testing.T) {
	idp := newFakeIdentityProvider(t)
	client := newTestClient(t, idp, func(s *Settings) {
		s.RefreshTimeout = Duration(200 * time.Millisecond)
	})
	handler := client.Handler(okHandler())

	cookie := establishSession(t, client, testRecord("sid-1", idp.issuer(), "user1", expiringTokens("refresh-1")))
	idp.setTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	})

	recorder := doAuthenticated(handler, cookie)
	assert.Equal(t, http.StatusFound, recorder.Code)
	assert.Equal(t, "/?error=refresh_failed", recorder.Header().Get("Location"))
}

func TestRefreshFilter_PrincipalMismatchInvalidatesSession(t *testing.T) {
	idp := newFakeIdentityProvider(t)
	client := newTestClient(t, idp, nil)
	handler := client.Handler(okHandler())

	cookie := establishSession(t, client, testRecord("sid-1", idp.issuer(), "user1", expiringTokens("refresh-1")))
	// The provider answers with a token for somebody else.
	substituted := idp.mintIDToken(t, "mallory", "sid-1", "", nil)
	idp.setTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		tokenResponse(w, "access-new", "refresh-2", substituted, 900)
	})

	recorder := doAuthenticated(handler, cookie)
	assert.Equal(t, http.StatusFound, recorder.Code)
	assert.Equal(t, "/?error=authentication_failure", recorder.Header().Get("Location"))

	// Never a silent token swap: the session is gone.
	_, err := client.Registry().FindBySessionID(t.Context(), "sid-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRefreshFilter_MissingRefreshTokenForcesReauthentication(t *testing.T) {
	idp := newFakeIdentityProvider(t)
	client := newTestClient(t, idp, nil)
	handler := client.Handler(okHandler())

	cookie := establishSession(t, client, testRecord("sid-1", idp.issuer(), "user1", expiringTokens("")))

	recorder := doAuthenticated(handler, cookie)
	assert.Equal(t, http.StatusFound, recorder.Code)
	assert.Equal(t, LoginPath, recorder.Header().Get("Location"))
	assert.Zero(t, idp.tokenCalls.Load())
}

func TestRefreshFilter_MissingRefreshTokenFailOpenProceeds(t *testing.T) {
	idp := newFakeIdentityProvider(t)
	client := newTestClient(t, idp, func(s *Settings) { s.FailOpen = true })
	handler := client.Handler(okHandler())

	cookie := establishSession(t, client, testRecord("sid-1", idp.issuer(), "user1", expiringTokens("")))

	recorder := doAuthenticated(handler, cookie)
	assert.Equal(t, http.StatusOK, recorder.Code, "fail-open lets the stale token through")
	assert.Zero(t, idp.tokenCalls.Load())
}

func TestRefreshFilter_ConcurrentRequestsCoalesceIntoOneRefresh(t *testing.T) {
	idp := newFakeIdentityProvider(t)
	client := newTestClient(t, idp, nil)
	handler := client.Handler(okHandler())

	cookie := establishSession(t, client, testRecord("sid-1", idp.issuer(), "user1", expiringTokens("refresh-1")))
	newIDToken := idp.mintIDToken(t, "user1", "sid-1", "", nil)
	idp.setTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		tokenResponse(w, "access-new", "refresh-2", newIDToken, 900)
	})

	const parallel = 6
	var wg sync.WaitGroup
	codes := make([]int, parallel)
	start := make(chan struct{})
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			codes[i] = doAuthenticated(handler, cookie).Code
		}(i)
	}
	close(start)
	wg.Wait()

	for i, code := range codes {
		assert.Equal(t, http.StatusOK, code, "request %d", i)
	}
	assert.EqualValues(t, 1, idp.tokenCalls.Load(), "concurrent refreshes must coalesce into one exchange")
}

func TestRefreshFilter_ExpireWinsOverInFlightRefresh(t *testing.T) {
	idp := newFakeIdentityProvider(t)
	client := newTestClient(t, idp, nil)
	handler := client.Handler(okHandler())

	cookie := establishSession(t, client, testRecord("sid-1", idp.issuer(), "user1", expiringTokens("refresh-1")))
	newIDToken := idp.mintIDToken(t, "user1", "sid-1", "", nil)
	idp.setTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		// A back-channel logout lands while the exchange is in flight.
		require.NoError(t, client.Registry().Expire(r.Context(), "sid-1"))
		tokenResponse(w, "access-new", "refresh-2", newIDToken, 900)
	})

	recorder := doAuthenticated(handler, cookie)
	assert.Equal(t, http.StatusFound, recorder.Code)
	assert.Equal(t, "/?error=expired_session", recorder.Header().Get("Location"))

	record, err := client.Registry().FindBySessionID(t.Context(), "sid-1")
	require.NoError(t, err)
	assert.True(t, record.Expired)
	assert.NotEqual(t, "access-new", record.Tokens.AccessToken, "the expired session must not receive new tokens")
}
