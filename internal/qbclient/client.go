// Package qbclient issues authenticated requests to the QuickBooks Online
// API, hiding the refresh-and-retry mechanics from callers: a bearer token is
// obtained before every request, and a server-side authorization rejection
// triggers exactly one forced refresh and one retry of the identical request.
package qbclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openledgerhq/receiptd/internal/qbauth"
)

// TokenProvider is the slice of the token manager the client depends on.
type TokenProvider interface {
	GetValidAccessToken(ctx context.Context) (string, error)
	RefreshAccessToken(ctx context.Context) (qbauth.TokenSet, error)
	AddTokenUpdateCallback(qbauth.RotationCallback)
}

// QuotaGate admits one outbound call, blocking or rejecting per the
// provider's ceilings.
type QuotaGate interface {
	CheckAndWait(ctx context.Context) error
}

// errorBodyLimit caps how much of an error response is retained for
// diagnostics.
const errorBodyLimit = 8 << 10

// Client is the resilient QuickBooks API client.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	tokens  TokenProvider
	gate    QuotaGate
	log     *slog.Logger

	// bearer caches the latest rotated access token so concurrent in-flight
	// requests observe a forced refresh without re-querying the manager.
	bearer atomic.Pointer[string]
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithQuotaGate installs a quota gate consulted before every request.
func WithQuotaGate(g QuotaGate) ClientOption {
	return func(cl *Client) { cl.gate = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) { cl.log = l }
}

// New creates a Client rooted at baseURL. The client registers itself as a
// rotation observer so its outbound header follows token rotations in place.
func New(tokens TokenProvider, baseURL string, opts ...ClientOption) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("missing token provider")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 60 * time.Second},
		tokens:  tokens,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.tokens.AddTokenUpdateCallback(func(ts qbauth.TokenSet) error {
		tok := ts.AccessToken
		c.bearer.Store(&tok)
		return nil
	})

	return c, nil
}

// Get issues an authenticated GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post issues an authenticated POST with a JSON body and decodes the JSON
// response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// CompanyPath builds a realm-scoped API path, e.g.
// CompanyPath("12345", "purchase") -> "/v3/company/12345/purchase".
func CompanyPath(realmID, resource string) string {
	return "/v3/company/" + url.PathEscape(realmID) + "/" + strings.TrimPrefix(resource, "/")
}

// Do issues one logical API call. The request is retried at most once, and
// only after a 401 that triggered a successful forced refresh. Transport
// errors and non-authorization HTTP failures surface immediately.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	if c.gate != nil {
		if err := c.gate.CheckAndWait(ctx); err != nil {
			return err
		}
	}

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		payload = data
	}

	token, err := c.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return err
	}

	resp, err := c.attempt(ctx, method, path, payload, token)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)

		// Reactive signal: the manager's cached state disagreed with the
		// server. Force a refresh and retry the identical request once.
		c.log.Info("authorization rejected, forcing token refresh",
			"method", method, "path", path)
		if _, err := c.tokens.RefreshAccessToken(ctx); err != nil {
			return fmt.Errorf("forced refresh after authorization rejection: %w", err)
		}

		// The rotation callback has already stored the new bearer: notify
		// runs inside the manager's refresh lock, so no caller returns from
		// a refresh before its observers saw the rotated set. The cache may
		// even be newer than our refresh result if another rotation landed
		// since.
		retryToken := token
		if p := c.bearer.Load(); p != nil && *p != "" {
			retryToken = *p
		}

		resp, err = c.attempt(ctx, method, path, payload, retryToken)
		if err != nil {
			return fmt.Errorf("%s %s (retry): %w", method, path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return c.apiError(resp)
		}
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return c.apiError(resp)
	}

	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// attempt issues one HTTP request with the given bearer token.
func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, token string) (*http.Response, error) {
	u := c.baseURL.JoinPath(path)

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Request-Id", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.http.Do(req)
}

// apiError consumes the response and converts it into an APIError.
func (c *Client) apiError(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Request.Header.Get("Request-Id"),
		Body:       strings.TrimSpace(string(data)),
	}
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
	_ = resp.Body.Close()
}

// APIError is a non-transport HTTP failure from the provider. A 401 here
// means the retry protocol already ran its single forced refresh.
type APIError struct {
	StatusCode int
	RequestID  string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("quickbooks api: HTTP %d (request %s)", e.StatusCode, e.RequestID)
	}
	return fmt.Sprintf("quickbooks api: HTTP %d (request %s): %s", e.StatusCode, e.RequestID, e.Body)
}

// Unauthorized reports whether the call ultimately failed authorization.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}
