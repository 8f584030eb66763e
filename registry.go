package govssoclient

import (
	"context"
	"sync"
	"time"
)

// SessionRegistry is the process-wide store correlating browser sessions to
// principals and token state. It is shared mutable state: request goroutines
// running the refresh and expiration filters and the back-channel logout
// handler all touch it concurrently, so implementations must serialize
// mutations per record.
//
// Contract:
//   - Register creates or replaces the entry for a session id (idempotent).
//   - FindBySessionID and FindByPrincipal return snapshots; mutating a
//     returned record does not affect the stored state.
//   - Expire sets the monotonic expired flag. The record stays findable
//     (so the expiration filter can produce a specific "expired" response
//     instead of "unknown session") until a sweep removes it.
//   - ReplaceTokens swaps the whole token tuple atomically and fails with
//     ErrSessionExpired if the session was expired first: an expire always
//     wins over a racing refresh.
//   - Lookups for unknown ids fail with ErrSessionNotFound, never with a
//     transport-style error; callers decide policy.
type SessionRegistry interface {
	Register(ctx context.Context, record SessionRecord) error
	FindBySessionID(ctx context.Context, sessionID string) (*SessionRecord, error)
	FindByPrincipal(ctx context.Context, principal Principal) ([]SessionRecord, error)
	Expire(ctx context.Context, sessionID string) error
	ReplaceTokens(ctx context.Context, sessionID string, tokens TokenSet) error
	Touch(ctx context.Context, sessionID string, at time.Time) error
	Remove(ctx context.Context, sessionID string) error
	RemoveExpiredSessions(ctx context.Context, retention time.Duration) (int, error)
}

// memoryRecord wraps a SessionRecord with its own lock so that expire and
// token replacement on the same session serialize without contending on the
// registry-wide lock.
type memoryRecord struct {
	mu        sync.Mutex
	record    SessionRecord
	expiredAt time.Time
}

// MemorySessionRegistry is the default single-instance SessionRegistry.
// A registry-wide RWMutex guards the maps; each record carries its own
// mutex for field mutations.
type MemorySessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*memoryRecord
	// byPrincipal indexes session ids by canonical principal key, so a
	// logout token carrying only sub can expire every session of that user.
	byPrincipal map[string]map[string]struct{}
}

// NewMemorySessionRegistry creates an empty in-memory registry.
func NewMemorySessionRegistry() *MemorySessionRegistry {
	return &MemorySessionRegistry{
		sessions:    make(map[string]*memoryRecord),
		byPrincipal: make(map[string]map[string]struct{}),
	}
}

// Register creates or replaces the entry for record.SessionID.
func (r *MemorySessionRegistry) Register(_ context.Context, record SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessions[record.SessionID]; ok {
		r.unindexLocked(prev.record.Principal, record.SessionID)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if record.LastAccessTime.IsZero() {
		record.LastAccessTime = record.CreatedAt
	}
	r.sessions[record.SessionID] = &memoryRecord{record: record}
	key := record.Principal.String()
	if r.byPrincipal[key] == nil {
		r.byPrincipal[key] = make(map[string]struct{})
	}
	r.byPrincipal[key][record.SessionID] = struct{}{}
	return nil
}

// FindBySessionID returns a snapshot of the session or ErrSessionNotFound.
func (r *MemorySessionRegistry) FindBySessionID(_ context.Context, sessionID string) (*SessionRecord, error) {
	r.mu.RLock()
	mr, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	mr.mu.Lock()
	snapshot := mr.record
	mr.mu.Unlock()
	return &snapshot, nil
}

// FindByPrincipal returns snapshots of every session of the principal.
// A user with several browsers has several concurrent sessions.
func (r *MemorySessionRegistry) FindByPrincipal(_ context.Context, principal Principal) ([]SessionRecord, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byPrincipal[principal.String()]))
	for id := range r.byPrincipal[principal.String()] {
		ids = append(ids, id)
	}
	records := make([]*memoryRecord, 0, len(ids))
	for _, id := range ids {
		if mr, ok := r.sessions[id]; ok {
			records = append(records, mr)
		}
	}
	r.mu.RUnlock()

	out := make([]SessionRecord, 0, len(records))
	for _, mr := range records {
		mr.mu.Lock()
		out = append(out, mr.record)
		mr.mu.Unlock()
	}
	return out, nil
}

// Expire sets the expired flag. Expiring an unknown session is a no-op
// (the session may have been swept already); expiring twice is a no-op.
func (r *MemorySessionRegistry) Expire(_ context.Context, sessionID string) error {
	r.mu.RLock()
	mr, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	mr.mu.Lock()
	if !mr.record.Expired {
		mr.record.Expired = true
		mr.expiredAt = time.Now()
	}
	mr.mu.Unlock()
	return nil
}

// ReplaceTokens swaps the token tuple under the record lock. The swap is
// all-or-nothing and refuses to touch an expired record.
func (r *MemorySessionRegistry) ReplaceTokens(_ context.Context, sessionID string, tokens TokenSet) error {
	r.mu.RLock()
	mr, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.record.Expired {
		return ErrSessionExpired
	}
	mr.record.Tokens = tokens
	mr.record.LastAccessTime = time.Now()
	return nil
}

// Touch updates the session's last-request time.
func (r *MemorySessionRegistry) Touch(_ context.Context, sessionID string, at time.Time) error {
	r.mu.RLock()
	mr, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	mr.mu.Lock()
	if at.After(mr.record.LastAccessTime) {
		mr.record.LastAccessTime = at
	}
	mr.mu.Unlock()
	return nil
}

// Remove drops the session entirely. Removing an unknown session is a no-op.
func (r *MemorySessionRegistry) Remove(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mr, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(r.sessions, sessionID)
	r.unindexLocked(mr.record.Principal, sessionID)
	return nil
}

// RemoveExpiredSessions sweeps expired records older than retention, to
// bound memory. Recently expired records are kept so that the expiration
// filter can still answer "expired" rather than "unknown session".
func (r *MemorySessionRegistry) RemoveExpiredSessions(_ context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, mr := range r.sessions {
		mr.mu.Lock()
		stale := mr.record.Expired && mr.expiredAt.Before(cutoff)
		principal := mr.record.Principal
		mr.mu.Unlock()
		if stale {
			delete(r.sessions, id)
			r.unindexLocked(principal, id)
			removed++
		}
	}
	return removed, nil
}

// unindexLocked removes a session id from the principal index. Caller must
// hold the registry write lock.
func (r *MemorySessionRegistry) unindexLocked(principal Principal, sessionID string) {
	key := principal.String()
	if ids, ok := r.byPrincipal[key]; ok {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(r.byPrincipal, key)
		}
	}
}
