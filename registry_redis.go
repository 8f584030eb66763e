package govssoclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisSessionRecord is the stored form of a SessionRecord. ExpiredAt is
// kept alongside the flag so the sweeper can honour the retention window.
type redisSessionRecord struct {
	SessionID         string    `json:"sessionId"`
	Issuer            string    `json:"issuer"`
	Subject           string    `json:"subject"`
	AccessToken       string    `json:"accessToken"`
	AccessTokenExpiry time.Time `json:"accessTokenExpiry"`
	RefreshToken      string    `json:"refreshToken"`
	IDToken           string    `json:"idToken"`
	TokensIssuedAt    time.Time `json:"tokensIssuedAt"`
	Expired           bool      `json:"expired"`
	ExpiredAt         time.Time `json:"expiredAt,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	LastAccessTime    time.Time `json:"lastAccessTime"`
}

func (s *redisSessionRecord) toRecord() SessionRecord {
	return SessionRecord{
		SessionID: s.SessionID,
		Principal: Principal{Issuer: s.Issuer, Subject: s.Subject},
		Tokens: TokenSet{
			AccessToken:       s.AccessToken,
			AccessTokenExpiry: s.AccessTokenExpiry,
			RefreshToken:      s.RefreshToken,
			IDToken:           s.IDToken,
			IssuedAt:          s.TokensIssuedAt,
		},
		Expired:        s.Expired,
		CreatedAt:      s.CreatedAt,
		LastAccessTime: s.LastAccessTime,
	}
}

func toRedisRecord(r SessionRecord) redisSessionRecord {
	return redisSessionRecord{
		SessionID:         r.SessionID,
		Issuer:            r.Principal.Issuer,
		Subject:           r.Principal.Subject,
		AccessToken:       r.Tokens.AccessToken,
		AccessTokenExpiry: r.Tokens.AccessTokenExpiry,
		RefreshToken:      r.Tokens.RefreshToken,
		IDToken:           r.Tokens.IDToken,
		TokensIssuedAt:    r.Tokens.IssuedAt,
		Expired:           r.Expired,
		CreatedAt:         r.CreatedAt,
		LastAccessTime:    r.LastAccessTime,
	}
}

// RedisSessionRegistry implements SessionRegistry on Redis so that several
// application instances share one registry: a back-channel logout delivered
// to any instance expires the session for all of them.
//
// Layout: session:{id} holds the JSON record, principal:{iss|sub} is a set
// of session ids. Both carry a TTL of the absolute session timeout as a
// memory bound independent of the sweeper. Mutations that must not race
// (expire vs token replacement) run as optimistic WATCH transactions and
// retry on conflict, preserving the expire-wins property.
type RedisSessionRegistry struct {
	client  redis.UniversalClient
	prefix  string
	maxAge  time.Duration
	retries int
}

// NewRedisSessionRegistry creates a registry on the given client. keyPrefix
// namespaces all keys (may be empty); maxAge bounds how long any entry can
// live regardless of sweeping.
func NewRedisSessionRegistry(client redis.UniversalClient, keyPrefix string, maxAge time.Duration) *RedisSessionRegistry {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &RedisSessionRegistry{client: client, prefix: keyPrefix, maxAge: maxAge, retries: 5}
}

func (r *RedisSessionRegistry) sessionKey(id string) string {
	return r.prefix + "session:" + id
}

func (r *RedisSessionRegistry) principalKey(p Principal) string {
	return r.prefix + "principal:" + p.String()
}

// Register creates or replaces the stored entry for record.SessionID.
func (r *RedisSessionRegistry) Register(ctx context.Context, record SessionRecord) error {
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.LastAccessTime.IsZero() {
		record.LastAccessTime = record.CreatedAt
	}
	payload, err := json.Marshal(toRedisRecord(record))
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(record.SessionID), payload, r.maxAge)
		pipe.SAdd(ctx, r.principalKey(record.Principal), record.SessionID)
		pipe.Expire(ctx, r.principalKey(record.Principal), r.maxAge)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

func (r *RedisSessionRegistry) load(ctx context.Context, sessionID string) (*redisSessionRecord, error) {
	payload, err := r.client.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var stored redisSessionRecord
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	return &stored, nil
}

// FindBySessionID returns the stored session or ErrSessionNotFound.
func (r *RedisSessionRegistry) FindBySessionID(ctx context.Context, sessionID string) (*SessionRecord, error) {
	stored, err := r.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	record := stored.toRecord()
	return &record, nil
}

// FindByPrincipal returns every live session of the principal. Index
// entries whose session key has already disappeared are pruned on the way.
func (r *RedisSessionRegistry) FindByPrincipal(ctx context.Context, principal Principal) ([]SessionRecord, error) {
	ids, err := r.client.SMembers(ctx, r.principalKey(principal)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load principal index: %w", err)
	}
	out := make([]SessionRecord, 0, len(ids))
	for _, id := range ids {
		stored, err := r.load(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			r.client.SRem(ctx, r.principalKey(principal), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, stored.toRecord())
	}
	return out, nil
}

// mutate runs fn on the stored record inside a WATCH transaction, retrying
// on concurrent modification. fn returning (false, nil) aborts without
// writing.
func (r *RedisSessionRegistry) mutate(ctx context.Context, sessionID string, fn func(*redisSessionRecord) (bool, error)) error {
	key := r.sessionKey(sessionID)
	txn := func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		var stored redisSessionRecord
		if err := json.Unmarshal(payload, &stored); err != nil {
			return fmt.Errorf("decode session record: %w", err)
		}
		write, err := fn(&stored)
		if err != nil || !write {
			return err
		}
		updated, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshal session record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}
	var err error
	for i := 0; i < r.retries; i++ {
		err = r.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("session update conflict for %s: %w", sessionID, err)
}

// Expire sets the expired flag. No-op for unknown or already-expired
// sessions.
func (r *RedisSessionRegistry) Expire(ctx context.Context, sessionID string) error {
	err := r.mutate(ctx, sessionID, func(stored *redisSessionRecord) (bool, error) {
		if stored.Expired {
			return false, nil
		}
		stored.Expired = true
		stored.ExpiredAt = time.Now()
		return true, nil
	})
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

// ReplaceTokens swaps the token tuple, refusing expired records so that a
// racing expire wins.
func (r *RedisSessionRegistry) ReplaceTokens(ctx context.Context, sessionID string, tokens TokenSet) error {
	return r.mutate(ctx, sessionID, func(stored *redisSessionRecord) (bool, error) {
		if stored.Expired {
			return false, ErrSessionExpired
		}
		stored.AccessToken = tokens.AccessToken
		stored.AccessTokenExpiry = tokens.AccessTokenExpiry
		stored.RefreshToken = tokens.RefreshToken
		stored.IDToken = tokens.IDToken
		stored.TokensIssuedAt = tokens.IssuedAt
		stored.LastAccessTime = time.Now()
		return true, nil
	})
}

// Touch updates the last-request time.
func (r *RedisSessionRegistry) Touch(ctx context.Context, sessionID string, at time.Time) error {
	return r.mutate(ctx, sessionID, func(stored *redisSessionRecord) (bool, error) {
		if !at.After(stored.LastAccessTime) {
			return false, nil
		}
		stored.LastAccessTime = at
		return true, nil
	})
}

// Remove drops the session and its index entry. Unknown sessions are a
// no-op.
func (r *RedisSessionRegistry) Remove(ctx context.Context, sessionID string) error {
	stored, err := r.load(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.sessionKey(sessionID))
		pipe.SRem(ctx, r.prefix+"principal:"+stored.Issuer+"|"+stored.Subject, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// RemoveExpiredSessions scans for expired records past the retention window
// and deletes them. Redis TTLs already bound total memory; the sweep keeps
// the working set small between TTL expirations.
func (r *RedisSessionRegistry) RemoveExpiredSessions(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	removed := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"session:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		payload, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("scan session: %w", err)
		}
		var stored redisSessionRecord
		if err := json.Unmarshal(payload, &stored); err != nil {
			continue
		}
		if stored.Expired && !stored.ExpiredAt.IsZero() && stored.ExpiredAt.Before(cutoff) {
			if err := r.Remove(ctx, stored.SessionID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan sessions: %w", err)
	}
	return removed, nil
}
