package qbauth

import (
	"errors"
	"fmt"
)

// ErrAuthRequired indicates that no credentials have ever been loaded.
// The remedy is the interactive bootstrap flow (receiptd auth login).
var ErrAuthRequired = errors.New("authorization required: no credentials loaded")

// ErrReauthRequired indicates that the refresh token itself is expired or was
// explicitly rejected by the provider. The remedy is the same bootstrap flow;
// no amount of retrying will recover.
var ErrReauthRequired = errors.New("reauthorization required: refresh token expired or rejected")

// RefreshFailedError reports that every refresh attempt failed with a
// transient error. The caller may retry later; the last underlying cause is
// preserved.
type RefreshFailedError struct {
	Attempts int
	Err      error
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("token refresh failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RefreshFailedError) Unwrap() error { return e.Err }

// RevokeFailedError reports that the remote revocation call failed. Local
// credentials are always cleared regardless, so the only consequence is that
// the provider may still consider the refresh token live.
type RevokeFailedError struct {
	Err error
}

func (e *RevokeFailedError) Error() string {
	return fmt.Sprintf("local credentials cleared, but remote revoke failed: %v", e.Err)
}

func (e *RevokeFailedError) Unwrap() error { return e.Err }
