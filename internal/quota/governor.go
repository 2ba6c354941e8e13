package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
)

// window is the rolling period the RPM ceiling applies to.
const window = 60 * time.Second

// Limits are the configured ceilings for one provider. A zero value disables
// the corresponding ceiling; both zero disables the governor entirely.
type Limits struct {
	RPM int `json:"rpm"`
	RPD int `json:"rpd"`
}

// disabled reports whether limiting is switched off.
func (l Limits) disabled() bool { return l.RPM <= 0 && l.RPD <= 0 }

// Governor enforces the ceilings for one provider. It owns its in-memory
// counters but treats the state file as the authoritative shared resource:
// every mutation re-reads it under the cross-process file lock.
type Governor struct {
	provider    string
	limits      Limits
	statePath   string
	fileLock    *flock.Flock
	loc         *time.Location
	clock       clockwork.Clock
	lockTimeout time.Duration
	log         *slog.Logger

	// mu serializes in-process callers so they contend on one file-lock
	// acquisition instead of hammering the lock file.
	mu sync.Mutex
}

// Snapshot is a point-in-time view of a governor's counters.
type Snapshot struct {
	Provider   string    `json:"provider"`
	Limits     Limits    `json:"limits"`
	MinuteUsed int       `json:"minute_used"`
	DailyUsed  int       `json:"daily_used"`
	DayMarker  string    `json:"day_marker"`
	DayResetAt time.Time `json:"day_reset_at"`
}

// CheckAndWait admits one call to the provider, blocking while the rolling
// window is full and failing with ErrQuotaExceeded when the daily ceiling has
// been reached. On success a timestamp has been recorded and persisted.
func (g *Governor) CheckAndWait(ctx context.Context) error {
	if g.limits.disabled() {
		return nil
	}

	for {
		g.mu.Lock()
		admitted, wait, err := g.tryAdmit(ctx)
		g.mu.Unlock()
		if err != nil {
			return err
		}
		if admitted {
			return nil
		}

		// Both locks are released while we wait so co-operating processes
		// and in-process readers can make progress; state is re-read after
		// waking.
		g.log.Debug("per-minute ceiling reached, waiting",
			"provider", g.provider,
			"rpm", g.limits.RPM,
			"wait", wait)
		g.clock.Sleep(wait)
	}
}

// tryAdmit runs one locked read-check-record cycle. When the rolling window
// is full it returns admitted=false and how long until the oldest call exits
// the window.
func (g *Governor) tryAdmit(ctx context.Context) (admitted bool, wait time.Duration, err error) {
	unlock, err := g.acquireFileLock(ctx)
	if err != nil {
		return false, 0, err
	}
	defer unlock()

	st, err := loadStateFile(g.statePath)
	if err != nil {
		return false, 0, err
	}

	now := g.clock.Now()
	st.rollDay(now, g.loc)

	if g.limits.RPD > 0 && st.DailyCount >= g.limits.RPD {
		return false, 0, &QuotaExceededError{
			Provider: g.provider,
			Limit:    g.limits.RPD,
			ResetAt:  nextDayStart(now, g.loc),
		}
	}

	st.prune(now, window)

	if g.limits.RPM > 0 && len(st.Timestamps) >= g.limits.RPM {
		wait := g.oldestExitsIn(st, now)
		return false, wait, nil
	}

	st.Timestamps = append(st.Timestamps, unixSeconds(now))
	st.DailyCount++
	if err := saveStateFile(g.statePath, st); err != nil {
		return false, 0, fmt.Errorf("persisting quota state for %s: %w", g.provider, err)
	}
	return true, 0, nil
}

// oldestExitsIn computes the wait until the earliest recorded call leaves the
// rolling window. The floor guards against a zero sleep when the timestamp is
// right on the boundary.
func (g *Governor) oldestExitsIn(st *state, now time.Time) time.Duration {
	wait := st.oldest().Add(window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// Snapshot reads the current counters under the file lock without admitting
// a call.
func (g *Governor) Snapshot(ctx context.Context) (Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	unlock, err := g.acquireFileLock(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	st, err := loadStateFile(g.statePath)
	if err != nil {
		return Snapshot{}, err
	}

	now := g.clock.Now()
	st.rollDay(now, g.loc)
	st.prune(now, window)

	return Snapshot{
		Provider:   g.provider,
		Limits:     g.limits,
		MinuteUsed: len(st.Timestamps),
		DailyUsed:  st.DailyCount,
		DayMarker:  st.DayMarker,
		DayResetAt: nextDayStart(now, g.loc),
	}, nil
}

// acquireFileLock takes the cross-process lock with a bounded deadline,
// failing loudly rather than deadlocking on a stuck peer.
func (g *Governor) acquireFileLock(ctx context.Context) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, g.lockTimeout)
	defer cancel()

	locked, err := g.fileLock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquiring quota lock for %s (timeout %s): %w", g.provider, g.lockTimeout, err)
	}
	if !locked {
		return nil, fmt.Errorf("acquiring quota lock for %s: lock not granted within %s", g.provider, g.lockTimeout)
	}
	return func() { _ = g.fileLock.Unlock() }, nil
}

// nextDayStart returns midnight of the following day in the reference
// timezone.
func nextDayStart(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}
