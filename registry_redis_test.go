package govssoclient

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisRegistry(t *testing.T) *RedisSessionRegistry {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionRegistry(client, "test:", time.Hour)
}

func TestRedisRegistry_RoundTrip(t *testing.T) {
	registry := newRedisRegistry(t)
	ctx := t.Context()
	record := activeRecord("sid-1", "user-1")
	require.NoError(t, registry.Register(ctx, record))

	bySession, err := registry.FindBySessionID(ctx, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, record.Principal, bySession.Principal)
	assert.Equal(t, record.Tokens.AccessToken, bySession.Tokens.AccessToken)
	assert.Equal(t, record.Tokens.RefreshToken, bySession.Tokens.RefreshToken)
	assert.False(t, bySession.Expired)

	byPrincipal, err := registry.FindByPrincipal(ctx, record.Principal)
	require.NoError(t, err)
	require.Len(t, byPrincipal, 1)
	assert.Equal(t, "sid-1", byPrincipal[0].SessionID)
}

func TestRedisRegistry_UnknownSessionIsNotFound(t *testing.T) {
	registry := newRedisRegistry(t)

	_, err := registry.FindBySessionID(t.Context(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NoError(t, registry.Expire(t.Context(), "nope"))
	assert.NoError(t, registry.Remove(t.Context(), "nope"))
	assert.ErrorIs(t, registry.ReplaceTokens(t.Context(), "nope", TokenSet{}), ErrSessionNotFound)
}

func TestRedisRegistry_ExpireWinsOverReplace(t *testing.T) {
	registry := newRedisRegistry(t)
	ctx := t.Context()
	require.NoError(t, registry.Register(ctx, activeRecord("sid-1", "user-1")))

	require.NoError(t, registry.Expire(ctx, "sid-1"))

	err := registry.ReplaceTokens(ctx, "sid-1", TokenSet{AccessToken: "new"})
	assert.ErrorIs(t, err, ErrSessionExpired)

	record, err := registry.FindBySessionID(ctx, "sid-1")
	require.NoError(t, err)
	assert.True(t, record.Expired)
	assert.NotEqual(t, "new", record.Tokens.AccessToken)
}

func TestRedisRegistry_ReplaceTokensSwapsWholeTuple(t *testing.T) {
	registry := newRedisRegistry(t)
	ctx := t.Context()
	require.NoError(t, registry.Register(ctx, activeRecord("sid-1", "user-1")))

	next := TokenSet{
		AccessToken:       "access-next",
		AccessTokenExpiry: time.Now().Add(15 * time.Minute).Truncate(time.Second),
		RefreshToken:      "refresh-next",
		IDToken:           "id-next",
		IssuedAt:          time.Now().Truncate(time.Second),
	}
	require.NoError(t, registry.ReplaceTokens(ctx, "sid-1", next))

	record, err := registry.FindBySessionID(ctx, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "access-next", record.Tokens.AccessToken)
	assert.Equal(t, "refresh-next", record.Tokens.RefreshToken)
	assert.Equal(t, "id-next", record.Tokens.IDToken)
}

func TestRedisRegistry_PrincipalIndexSupportsMultipleSessions(t *testing.T) {
	registry := newRedisRegistry(t)
	ctx := t.Context()
	a := activeRecord("sid-a", "user-1")
	b := activeRecord("sid-b", "user-1")
	require.NoError(t, registry.Register(ctx, a))
	require.NoError(t, registry.Register(ctx, b))

	records, err := registry.FindByPrincipal(ctx, a.Principal)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	require.NoError(t, registry.Remove(ctx, "sid-a"))
	records, err = registry.FindByPrincipal(ctx, a.Principal)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "sid-b", records[0].SessionID)
}

func TestRedisRegistry_SweepRemovesExpiredPastRetention(t *testing.T) {
	registry := newRedisRegistry(t)
	ctx := t.Context()
	require.NoError(t, registry.Register(ctx, activeRecord("sid-old", "user-1")))
	require.NoError(t, registry.Register(ctx, activeRecord("sid-live", "user-2")))
	require.NoError(t, registry.Expire(ctx, "sid-old"))

	removed, err := registry.RemoveExpiredSessions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = registry.RemoveExpiredSessions(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = registry.FindBySessionID(ctx, "sid-old")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = registry.FindBySessionID(ctx, "sid-live")
	assert.NoError(t, err)
}

func TestRedisRegistry_EntriesCarryTTL(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	registry := NewRedisSessionRegistry(client, "test:", time.Hour)

	require.NoError(t, registry.Register(t.Context(), activeRecord("sid-1", "user-1")))

	ttl := client.TTL(t.Context(), "test:session:sid-1").Val()
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Hour)

	// The absolute timeout bounds memory even without sweeping.
	server.FastForward(2 * time.Hour)
	_, err := registry.FindBySessionID(t.Context(), "sid-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
