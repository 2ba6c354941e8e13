package qbauth

import (
	"errors"
	"time"
)

// Default lifecycle tuning, applied by Validate when unset.
const (
	DefaultRefreshBuffer      = 60 * time.Second
	DefaultMaxRefreshAttempts = 3
)

// OAuthConfig is the immutable client configuration for the Intuit OAuth2
// application. Construct it once at startup; the Manager never mutates it.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Environment  Environment
	Scopes       []string

	// RefreshBuffer is how long before access-token expiry a proactive
	// refresh is triggered.
	RefreshBuffer time.Duration

	// MaxRefreshAttempts bounds the retry loop for one refresh operation.
	MaxRefreshAttempts int
}

// Validate checks required fields and fills lifecycle defaults.
func (c *OAuthConfig) Validate() error {
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	if c.ClientSecret == "" {
		return errors.New("client secret is required")
	}
	if c.RedirectURI == "" {
		return errors.New("redirect URI is required")
	}
	switch c.Environment {
	case EnvironmentSandbox, EnvironmentProduction:
	default:
		return errors.New("environment must be sandbox or production")
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{ScopeAccounting}
	}
	if c.RefreshBuffer <= 0 {
		c.RefreshBuffer = DefaultRefreshBuffer
	}
	if c.MaxRefreshAttempts <= 0 {
		c.MaxRefreshAttempts = DefaultMaxRefreshAttempts
	}
	return nil
}
