package quota

import (
	"errors"
	"fmt"
	"time"
)

// ErrQuotaExceeded indicates that the daily ceiling has been reached; the
// caller must wait for the next day boundary. Match with errors.Is.
var ErrQuotaExceeded = errors.New("quota exceeded")

// QuotaExceededError carries the provider, the ceiling that was hit, and when
// the counter resets.
type QuotaExceededError struct {
	Provider string
	Limit    int
	ResetAt  time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily quota for %s exceeded (%d requests), resets at %s",
		e.Provider, e.Limit, e.ResetAt.Format(time.RFC3339))
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }
