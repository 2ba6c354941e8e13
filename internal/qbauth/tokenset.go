package qbauth

import "time"

// TokenSet is the complete credential state obtained from a code exchange or a
// refresh. Only the Manager mutates its TokenSet; every other holder receives
// a value copy and must treat the access token string as a read-only cache.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string

	// RealmID identifies the QuickBooks company the tokens are scoped to.
	RealmID string

	// ObtainedAt is when the provider issued this token set.
	ObtainedAt time.Time

	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AccessExpired reports whether the access token is expired at now.
func (t TokenSet) AccessExpired(now time.Time) bool {
	return !now.Before(t.AccessExpiresAt)
}

// RefreshExpired reports whether the refresh token is expired at now.
// A zero RefreshExpiresAt means the provider never bounded it.
func (t TokenSet) RefreshExpired(now time.Time) bool {
	if t.RefreshExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.RefreshExpiresAt)
}

// AccessExpiresIn returns the remaining access-token lifetime, floored at zero.
func (t TokenSet) AccessExpiresIn(now time.Time) time.Duration {
	d := t.AccessExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ShouldRefresh reports whether the access token is within buffer of expiry
// and ought to be refreshed proactively.
func (t TokenSet) ShouldRefresh(now time.Time, buffer time.Duration) bool {
	return t.AccessExpiresIn(now) <= buffer
}
