package credstore

import (
	"context"
	"errors"
	"time"

	"github.com/openledgerhq/receiptd/internal/qbauth"
)

// ErrNotFound indicates that no credential document has been stored yet.
var ErrNotFound = errors.New("no stored credentials")

// Store reads and writes the credential document.
type Store interface {
	// Load returns the stored credentials. Returns ErrNotFound if nothing
	// has been stored.
	Load(ctx context.Context) (*Credentials, error)

	// Save persists the credentials, replacing any previous document.
	Save(ctx context.Context, creds *Credentials) error

	// Delete removes the stored credentials. Deleting an empty store is
	// not an error.
	Delete(ctx context.Context) error
}

// Credentials is the on-disk credential document. Field names follow the
// Intuit token response verbatim (notably x_refresh_token_expires_in) so the
// file stays interchangeable with other tooling that speaks the same format.
type Credentials struct {
	Version                int    `json:"version"`
	AccessToken            string `json:"access_token"`
	RefreshToken           string `json:"refresh_token"`
	ExpiresIn              int64  `json:"expires_in"`
	XRefreshTokenExpiresIn int64  `json:"x_refresh_token_expires_in"`
	TokenType              string `json:"token_type"`
	RealmID                string `json:"realm_id"`

	// CreatedAt is when the provider issued the token set; SavedAt is when
	// this document was written. Expiries are relative to CreatedAt.
	CreatedAt time.Time `json:"created_at"`
	SavedAt   time.Time `json:"saved_at"`
}

// CurrentVersion is the credential document schema version.
const CurrentVersion = 1

// FromTokenSet converts an in-memory token set to the persisted document.
func FromTokenSet(ts qbauth.TokenSet, savedAt time.Time) *Credentials {
	c := &Credentials{
		Version:      CurrentVersion,
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		TokenType:    ts.TokenType,
		RealmID:      ts.RealmID,
		CreatedAt:    ts.ObtainedAt,
		SavedAt:      savedAt,
	}
	if !ts.AccessExpiresAt.IsZero() {
		c.ExpiresIn = int64(ts.AccessExpiresAt.Sub(ts.ObtainedAt).Seconds())
	}
	if !ts.RefreshExpiresAt.IsZero() {
		c.XRefreshTokenExpiresIn = int64(ts.RefreshExpiresAt.Sub(ts.ObtainedAt).Seconds())
	}
	return c
}

// TokenSet reconstructs the in-memory token set from the document.
func (c *Credentials) TokenSet() qbauth.TokenSet {
	ts := qbauth.TokenSet{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		RealmID:      c.RealmID,
		ObtainedAt:   c.CreatedAt,
	}
	if c.ExpiresIn > 0 {
		ts.AccessExpiresAt = c.CreatedAt.Add(time.Duration(c.ExpiresIn) * time.Second)
	}
	if c.XRefreshTokenExpiresIn > 0 {
		ts.RefreshExpiresAt = c.CreatedAt.Add(time.Duration(c.XRefreshTokenExpiresIn) * time.Second)
	}
	return ts
}
