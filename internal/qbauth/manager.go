package qbauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
)

// RotationCallback observes one successful token rotation. Failures are
// logged by the Manager and never abort sibling callbacks or the rotation.
type RotationCallback func(TokenSet) error

// Manager owns the in-memory token set and keeps it valid under concurrent
// use: proactive refresh inside the buffer window, single-flight coalescing
// of concurrent refreshes, and rotation notification to registered observers.
type Manager struct {
	cfg        OAuthConfig
	endpoints  Endpoints
	httpClient *http.Client
	clock      clockwork.Clock
	log        *slog.Logger

	// refreshMu serializes refresh network calls (single-flight).
	refreshMu sync.Mutex

	// mu guards current.
	mu      sync.RWMutex
	current *TokenSet

	cbMu      sync.Mutex
	callbacks []RotationCallback
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient sets the HTTP client used for token endpoint calls.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithClock sets the clock used for expiry checks and retry backoff.
func WithClock(c clockwork.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// WithEndpoints overrides the provider endpoints derived from the environment.
func WithEndpoints(e Endpoints) ManagerOption {
	return func(m *Manager) { m.endpoints = e }
}

// NewManager creates a Manager. No I/O is performed; call Hydrate with stored
// credentials before serving traffic.
func NewManager(cfg OAuthConfig, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid oauth config: %w", err)
	}

	m := &Manager{
		cfg:        cfg,
		endpoints:  EndpointsFor(cfg.Environment),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clock:      clockwork.NewRealClock(),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Endpoints returns the provider endpoints in effect.
func (m *Manager) Endpoints() Endpoints { return m.endpoints }

// Hydrate installs a previously persisted token set without firing rotation
// callbacks; the stored state is not a rotation.
func (m *Manager) Hydrate(ts TokenSet) {
	if ts.AccessToken == "" && ts.RefreshToken == "" {
		return
	}
	m.mu.Lock()
	m.current = &ts
	m.mu.Unlock()
}

// Current returns a read-only snapshot of the token set, if any.
func (m *Manager) Current() (TokenSet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return TokenSet{}, false
	}
	return *m.current, true
}

// AddTokenUpdateCallback registers an observer for token rotations.
// Callbacks are invoked in registration order; there is no unregistration.
func (m *Manager) AddTokenUpdateCallback(fn RotationCallback) {
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.cbMu.Unlock()
}

// GetValidAccessToken returns an access token that is valid right now,
// refreshing transparently when the buffer window has been crossed.
//
// When a proactive refresh fails but the refresh token is still alive, the
// previous access token is returned: the server will reject it if it is truly
// dead, and the client's forced-refresh path recovers from there.
func (m *Manager) GetValidAccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	if cur == nil {
		return "", ErrAuthRequired
	}
	now := m.clock.Now()
	if cur.RefreshExpired(now) {
		return "", ErrReauthRequired
	}
	if !cur.ShouldRefresh(now, m.cfg.RefreshBuffer) {
		return cur.AccessToken, nil
	}

	ts, err := m.refresh(ctx, cur.AccessToken, false)
	if err != nil {
		if errors.Is(err, ErrReauthRequired) || errors.Is(err, ErrAuthRequired) {
			return "", err
		}
		m.log.Warn("proactive token refresh failed, serving previous access token",
			"error", err)
		return cur.AccessToken, nil
	}
	return ts.AccessToken, nil
}

// RefreshAccessToken forces a refresh, bypassing the staleness check. It still
// coalesces with a concurrent in-flight refresh: if the token rotated while
// this caller waited for the lock, the already-current set is returned without
// a network call.
func (m *Manager) RefreshAccessToken(ctx context.Context) (TokenSet, error) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	if cur == nil {
		return TokenSet{}, ErrAuthRequired
	}
	return m.refresh(ctx, cur.AccessToken, true)
}

// refresh performs the single-flight refresh. observed is the access token the
// caller saw before contending for the lock; a different current token after
// acquisition means a concurrent caller already refreshed.
func (m *Manager) refresh(ctx context.Context, observed string, forced bool) (TokenSet, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	if cur == nil {
		return TokenSet{}, ErrAuthRequired
	}
	if cur.AccessToken != observed {
		return *cur, nil
	}
	now := m.clock.Now()
	if !forced && !cur.ShouldRefresh(now, m.cfg.RefreshBuffer) {
		return *cur, nil
	}
	if cur.RefreshExpired(now) {
		return TokenSet{}, ErrReauthRequired
	}

	// Refresh attempts run detached from caller cancellation: waiters queued
	// on the lock depend on this flight's outcome.
	rctx := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRefreshAttempts; attempt++ {
		if attempt > 1 {
			m.clock.Sleep(time.Duration(1<<(attempt-2)) * time.Second)
		}

		ts, err := m.redeemRefreshToken(rctx, *cur)
		if err == nil {
			m.install(ts)
			m.log.Info("access token refreshed",
				"realm_id", ts.RealmID,
				"access_expires_at", ts.AccessExpiresAt)
			return ts, nil
		}

		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode == "invalid_grant" {
			return TokenSet{}, fmt.Errorf("provider rejected refresh token: %w", ErrReauthRequired)
		}

		lastErr = err
		m.log.Warn("token refresh attempt failed",
			"attempt", attempt,
			"max_attempts", m.cfg.MaxRefreshAttempts,
			"error", err)
	}

	return TokenSet{}, &RefreshFailedError{Attempts: m.cfg.MaxRefreshAttempts, Err: lastErr}
}

// ExchangeCode redeems a one-time authorization code from the interactive
// bootstrap flow. It is not subject to the refresh lock but installs state and
// fires rotation callbacks exactly like a refresh.
func (m *Manager) ExchangeCode(ctx context.Context, code, realmID string) (TokenSet, error) {
	tok, err := m.oauthConfig().Exchange(m.oauthContext(ctx), code)
	if err != nil {
		return TokenSet{}, fmt.Errorf("exchanging authorization code: %w", err)
	}

	ts := m.tokenSetFromOAuth(tok, realmID, TokenSet{})
	m.install(ts)
	m.log.Info("authorization code exchanged", "realm_id", realmID)
	return ts, nil
}

// Revoke makes a best-effort remote revocation call and clears local state
// unconditionally. A RevokeFailedError only reports that the provider may
// still consider the refresh token live; locally the manager is reset either
// way.
func (m *Manager) Revoke(ctx context.Context) error {
	m.mu.Lock()
	cur := m.current
	m.current = nil
	m.mu.Unlock()

	if cur == nil || cur.RefreshToken == "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{"token": cur.RefreshToken})
	if err != nil {
		return &RevokeFailedError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoints.RevokeURL, bytes.NewReader(body))
	if err != nil {
		return &RevokeFailedError{Err: err}
	}
	req.SetBasicAuth(m.cfg.ClientID, m.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return &RevokeFailedError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return &RevokeFailedError{Err: fmt.Errorf("revoke endpoint returned %s", resp.Status)}
	}

	m.log.Info("credentials revoked")
	return nil
}

// AuthCodeURL builds the interactive authorization URL for the bootstrap flow.
func (m *Manager) AuthCodeURL(state string) string {
	return m.oauthConfig().AuthCodeURL(state)
}

// redeemRefreshToken performs one refresh network call.
func (m *Manager) redeemRefreshToken(ctx context.Context, cur TokenSet) (TokenSet, error) {
	src := m.oauthConfig().TokenSource(m.oauthContext(ctx), &oauth2.Token{
		RefreshToken: cur.RefreshToken,
	})
	tok, err := src.Token()
	if err != nil {
		return TokenSet{}, err
	}
	return m.tokenSetFromOAuth(tok, cur.RealmID, cur), nil
}

// install replaces the stored token set and notifies observers.
func (m *Manager) install(ts TokenSet) {
	m.mu.Lock()
	m.current = &ts
	m.mu.Unlock()
	m.notify(ts)
}

// notify invokes every registered callback with a copy of the rotated set.
// A failing callback is logged and isolated from its siblings.
func (m *Manager) notify(ts TokenSet) {
	m.cbMu.Lock()
	callbacks := make([]RotationCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.Unlock()

	for i, cb := range callbacks {
		if err := cb(ts); err != nil {
			m.log.Error("token rotation callback failed",
				"callback", i,
				"error", err)
		}
	}
}

// tokenSetFromOAuth maps an oauth2 token response onto a TokenSet. Expiries
// are computed from the manager clock so injected clocks stay authoritative.
// prev supplies fields the provider omits on refresh (refresh-token lifetime,
// rotated-away refresh token).
func (m *Manager) tokenSetFromOAuth(tok *oauth2.Token, realmID string, prev TokenSet) TokenSet {
	now := m.clock.Now()

	ts := TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		RealmID:      realmID,
		ObtainedAt:   now,
	}
	if ts.RefreshToken == "" {
		ts.RefreshToken = prev.RefreshToken
	}
	if ts.TokenType == "" {
		ts.TokenType = "bearer"
	}

	if secs, ok := extraSeconds(tok, "expires_in"); ok {
		ts.AccessExpiresAt = now.Add(secs)
	} else if !tok.Expiry.IsZero() {
		ts.AccessExpiresAt = tok.Expiry
	}

	if secs, ok := extraSeconds(tok, "x_refresh_token_expires_in"); ok {
		ts.RefreshExpiresAt = now.Add(secs)
	} else {
		ts.RefreshExpiresAt = prev.RefreshExpiresAt
	}

	return ts
}

// extraSeconds reads a numeric seconds field from the raw token response.
func extraSeconds(tok *oauth2.Token, key string) (time.Duration, bool) {
	switch v := tok.Extra(key).(type) {
	case float64:
		return time.Duration(v * float64(time.Second)), v > 0
	case int64:
		return time.Duration(v) * time.Second, v > 0
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return time.Duration(f * float64(time.Second)), f > 0
	default:
		return 0, false
	}
}

// oauthConfig builds the x/oauth2 client configuration. Intuit speaks
// standard OAuth2: Basic-authenticated, form-encoded token requests.
func (m *Manager) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		RedirectURL:  m.cfg.RedirectURI,
		Scopes:       m.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   m.endpoints.AuthURL,
			TokenURL:  m.endpoints.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// oauthContext injects the manager's HTTP client per the x/oauth2 API.
func (m *Manager) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}
