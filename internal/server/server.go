// Package server exposes the operational HTTP surface: health, credential
// status, and quota counters. The business receipt routes live outside this
// core and consult it through the token manager and quota registry directly.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/openledgerhq/receiptd/internal/qbauth"
	"github.com/openledgerhq/receiptd/internal/quota"
)

// CredentialStatus is the read-only slice of the token manager the status
// endpoint needs.
type CredentialStatus interface {
	Current() (qbauth.TokenSet, bool)
}

// QuotaStatus is the read-only slice of the quota registry.
type QuotaStatus interface {
	Snapshot(ctx context.Context, provider string) (quota.Snapshot, error)
	Providers() []string
}

// Server is the ops HTTP server.
type Server struct {
	mux    *http.ServeMux
	server *http.Server

	tokens CredentialStatus
	quotas QuotaStatus
	clock  func() time.Time
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// New creates the ops server over the given status sources.
func New(tokens CredentialStatus, quotas QuotaStatus) *Server {
	s := &Server{
		tokens: tokens,
		quotas: quotas,
		clock:  time.Now,
	}

	logger := slog.Default()

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", applyMiddlewares(http.HandlerFunc(s.handleHealthz),
		Logging(logger),
		Recovery,
	))
	mux.Handle("GET /v1/auth/status", applyMiddlewares(http.HandlerFunc(s.handleAuthStatus),
		Logging(logger),
		Recovery,
	))
	mux.Handle("GET /v1/quota/{provider}", applyMiddlewares(http.HandlerFunc(s.handleQuota),
		Logging(logger),
		Recovery,
	))

	s.mux = mux
	return s
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authStatusResponse is the credential view exposed to operators. Token
// strings never leave the process.
type authStatusResponse struct {
	Authenticated    bool       `json:"authenticated"`
	RealmID          string     `json:"realm_id,omitempty"`
	AccessExpiresAt  *time.Time `json:"access_expires_at,omitempty"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
	AccessExpired    bool       `json:"access_expired"`
	ReauthRequired   bool       `json:"reauth_required"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.tokens.Current()
	if !ok {
		writeJSON(w, http.StatusOK, authStatusResponse{Authenticated: false})
		return
	}

	now := s.clock()
	resp := authStatusResponse{
		Authenticated:  true,
		RealmID:        ts.RealmID,
		AccessExpired:  ts.AccessExpired(now),
		ReauthRequired: ts.RefreshExpired(now),
	}
	if !ts.AccessExpiresAt.IsZero() {
		resp.AccessExpiresAt = &ts.AccessExpiresAt
	}
	if !ts.RefreshExpiresAt.IsZero() {
		resp.RefreshExpiresAt = &ts.RefreshExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	snap, err := s.quotas.Snapshot(r.Context(), provider)
	if err != nil {
		http.Error(w, fmt.Sprintf("unknown provider %q", provider), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error
// channel. The caller is responsible for calling Shutdown() to stop the
// server.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	// Startup phase: Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
