package govssoclient

import (
	"time"
)

// Principal identifies the authenticated end-user as asserted by the
// identity provider. Two sessions belong to the same user exactly when
// their principals are equal, so the struct is comparable and used as a
// registry index key.
type Principal struct {
	// Issuer is the identity provider that asserted the identity (iss).
	Issuer string
	// Subject is the provider-scoped user identifier (sub).
	Subject string
}

// String returns the canonical "issuer|subject" form used as the principal
// index key in registry backends.
func (p Principal) String() string {
	return p.Issuer + "|" + p.Subject
}

// TokenSet is the authorized-client token tuple owned by a single session.
// The refresh filter replaces the whole tuple atomically; readers never
// observe an old access token paired with a new refresh token.
type TokenSet struct {
	// AccessToken is the bearer credential for downstream APIs.
	AccessToken string
	// AccessTokenExpiry is when the access token stops being accepted.
	AccessTokenExpiry time.Time
	// RefreshToken obtains new tokens without re-authentication. May be
	// empty when the provider did not issue one.
	RefreshToken string
	// IDToken is the raw signed ID token, kept verbatim for use as
	// id_token_hint on RP-initiated logout.
	IDToken string
	// IssuedAt records when this tuple was obtained.
	IssuedAt time.Time
}

// RemainingValidity reports how long the access token is still valid at
// the given instant. Negative when already expired.
func (t TokenSet) RemainingValidity(now time.Time) time.Duration {
	return t.AccessTokenExpiry.Sub(now)
}

// SessionRecord is one browser session tracked by the registry.
//
// SessionID is opaque, unique and stable for the record's lifetime. When
// the provider issues a sid claim in the ID token that value is used
// directly, so a back-channel logout token carrying sid resolves the
// session with a single lookup. Expired is monotonic: once true it is
// never reset, and every implementation must keep the flag check
// linearizable with respect to Expire.
type SessionRecord struct {
	SessionID      string
	Principal      Principal
	Tokens         TokenSet
	Expired        bool
	CreatedAt      time.Time
	LastAccessTime time.Time
}
