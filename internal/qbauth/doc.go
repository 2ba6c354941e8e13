// Package qbauth manages the lifecycle of QuickBooks Online OAuth2 credentials.
//
// The central type is Manager, which owns the in-memory token set and guarantees
// that any caller can obtain a currently valid access token:
//   - proactive refresh when the access token enters the configured buffer window
//   - single-flight refresh: concurrent callers coalesce on one network call
//   - reactive (forced) refresh driven by server-side authorization rejection
//   - rotation callbacks so dependents (credential store, API clients) observe
//     every token rotation without polling
//
// Intuit's token endpoint follows standard OAuth2 (Basic-authenticated,
// form-encoded requests) but extends the response with
// x_refresh_token_expires_in, the remaining lifetime of the refresh token
// itself. Once that lifetime runs out the only remedy is re-running the
// interactive authorization flow (ErrReauthRequired).
package qbauth
