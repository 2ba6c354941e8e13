package quota

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
)

func newTestRegistry(t *testing.T, limits map[string]Limits, clock clockwork.Clock) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := NewRegistry(dir, limits,
		WithClock(clock),
		WithLocation(time.UTC),
		WithLockTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r, dir
}

func TestCheckAndWaitDisabledLimits(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r, dir := newTestRegistry(t, map[string]Limits{"accounting": {}}, fc)

	g := r.Governor("accounting")
	for range 100 {
		if err := g.CheckAndWait(context.Background()); err != nil {
			t.Fatalf("CheckAndWait with disabled limits: %v", err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "accounting.json")); !errors.Is(err, os.ErrNotExist) {
		t.Error("disabled governor must not create a state file")
	}
}

func TestCheckAndWaitBlocksUntilWindowFrees(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fc := clockwork.NewFakeClockAt(start)
	r, _ := newTestRegistry(t, map[string]Limits{"ai": {RPM: 2}}, fc)
	g := r.Governor("ai")

	ctx := context.Background()
	if err := g.CheckAndWait(ctx); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := g.CheckAndWait(ctx); err != nil {
		t.Fatalf("second call: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.CheckAndWait(ctx) }()

	// The third call must be parked on the clock, not completed.
	fc.BlockUntil(1)
	select {
	case err := <-done:
		t.Fatalf("third call completed early (err=%v), want it to block", err)
	default:
	}

	// Once the oldest timestamp exits the 60-second window the call proceeds.
	fc.Advance(window)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("third call after window freed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("third call still blocked after the window freed")
	}

	snap, err := g.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.DailyUsed != 3 {
		t.Errorf("daily counter = %d, want 3", snap.DailyUsed)
	}
}

func TestCheckAndWaitFailsWhenPeerHoldsLock(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(dir, map[string]Limits{"ai": {RPM: 5}},
		WithLocation(time.UTC),
		WithLockTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	// A second flock handle on the companion lock file stands in for another
	// process holding the quota lock.
	peer := flock.New(filepath.Join(dir, "ai.json.lock"))
	if err := peer.Lock(); err != nil {
		t.Fatalf("peer lock: %v", err)
	}
	defer func() { _ = peer.Unlock() }()

	err = r.Governor("ai").CheckAndWait(context.Background())
	if err == nil {
		t.Fatal("CheckAndWait under a held peer lock must fail, not wait forever")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want wrapped context.DeadlineExceeded", err)
	}
	if !strings.Contains(err.Error(), "acquiring quota lock for ai") {
		t.Errorf("err = %q, want the lock acquisition named", err)
	}
}

func TestSnapshotNotBlockedByWaitingAdmitter(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fc := clockwork.NewFakeClockAt(start)
	r, _ := newTestRegistry(t, map[string]Limits{"ai": {RPM: 1}}, fc)
	g := r.Governor("ai")

	ctx := context.Background()
	if err := g.CheckAndWait(ctx); err != nil {
		t.Fatalf("first call: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.CheckAndWait(ctx) }()
	fc.BlockUntil(1)

	// A parked admitter holds neither lock while it sleeps, so reads stay
	// responsive.
	snapped := make(chan Snapshot, 1)
	go func() {
		snap, err := g.Snapshot(ctx)
		if err != nil {
			t.Errorf("Snapshot: %v", err)
		}
		snapped <- snap
	}()
	select {
	case snap := <-snapped:
		if snap.MinuteUsed != 1 {
			t.Errorf("minute window = %d, want 1", snap.MinuteUsed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Snapshot blocked behind a waiting admitter")
	}

	fc.Advance(window)
	if err := <-done; err != nil {
		t.Fatalf("second call after window freed: %v", err)
	}
}

func TestCheckAndWaitDailyCeiling(t *testing.T) {
	start := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	fc := clockwork.NewFakeClockAt(start)
	r, _ := newTestRegistry(t, map[string]Limits{"ai": {RPD: 1}}, fc)
	g := r.Governor("ai")

	ctx := context.Background()
	if err := g.CheckAndWait(ctx); err != nil {
		t.Fatalf("first call: %v", err)
	}

	err := g.CheckAndWait(ctx)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("second call err = %v, want ErrQuotaExceeded", err)
	}
	var qe *QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("second call err = %v, want *QuotaExceededError", err)
	}
	wantReset := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !qe.ResetAt.Equal(wantReset) {
		t.Errorf("ResetAt = %s, want %s", qe.ResetAt, wantReset)
	}

	// Crossing the day boundary resets the counter exactly once.
	fc.Advance(time.Hour)
	if err := g.CheckAndWait(ctx); err != nil {
		t.Fatalf("call after day rollover: %v", err)
	}

	snap, err := g.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.DailyUsed != 1 {
		t.Errorf("daily counter after rollover = %d, want 1", snap.DailyUsed)
	}
	if snap.DayMarker != "2026-03-11" {
		t.Errorf("day marker = %q, want 2026-03-11", snap.DayMarker)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fc := clockwork.NewFakeClockAt(start)
	limits := map[string]Limits{"accounting": {RPM: 10, RPD: 100}}

	r1, dir := newTestRegistry(t, limits, fc)
	g1 := r1.Governor("accounting")
	ctx := context.Background()
	for range 3 {
		if err := g1.CheckAndWait(ctx); err != nil {
			t.Fatalf("CheckAndWait: %v", err)
		}
	}

	// A fresh registry over the same directory simulates a process restart:
	// the file, not the in-memory view, is authoritative.
	r2, err := NewRegistry(dir, limits,
		WithClock(fc), WithLocation(time.UTC), WithLockTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("NewRegistry (restart): %v", err)
	}
	snap, err := r2.Governor("accounting").Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.DailyUsed != 3 {
		t.Errorf("daily counter after restart = %d, want 3", snap.DailyUsed)
	}
	if snap.MinuteUsed != 3 {
		t.Errorf("minute window after restart = %d, want 3", snap.MinuteUsed)
	}
}

func TestStateFileFormat(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fc := clockwork.NewFakeClockAt(start)
	r, dir := newTestRegistry(t, map[string]Limits{"ai": {RPM: 5, RPD: 10}}, fc)

	if err := r.Governor("ai").CheckAndWait(context.Background()); err != nil {
		t.Fatalf("CheckAndWait: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "ai.json"))
	if err != nil {
		t.Fatalf("reading state file: %v", err)
	}
	var doc struct {
		Timestamps []float64 `json:"timestamps"`
		DailyCount int       `json:"daily_count"`
		DayMarker  string    `json:"day_marker"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("state file is not valid JSON: %v", err)
	}
	if len(doc.Timestamps) != 1 || doc.DailyCount != 1 || doc.DayMarker != "2026-03-10" {
		t.Errorf("state file = %+v, want one timestamp, count 1, marker 2026-03-10", doc)
	}
	if got, want := doc.Timestamps[0], unixSeconds(start); got != want {
		t.Errorf("timestamp = %f, want %f", got, want)
	}

	if _, err := os.Stat(filepath.Join(dir, "ai.json.lock")); err != nil {
		t.Errorf("companion lock file missing: %v", err)
	}
}

func TestCorruptStateFileResets(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r, dir := newTestRegistry(t, map[string]Limits{"ai": {RPM: 5}}, fc)

	path := filepath.Join(dir, "ai.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := r.Governor("ai").CheckAndWait(context.Background()); err != nil {
		t.Fatalf("CheckAndWait over corrupt state: %v", err)
	}
}

func TestRegistryGovernorIsSingletonPerProvider(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r, _ := newTestRegistry(t, map[string]Limits{"ai": {RPM: 5}}, fc)

	if r.Governor("ai") != r.Governor("ai") {
		t.Error("Governor must return the same instance per provider name")
	}
}

func TestRegistrySnapshotUnknownProvider(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r, _ := newTestRegistry(t, map[string]Limits{"ai": {RPM: 5}}, fc)

	if _, err := r.Snapshot(context.Background(), "nope"); err == nil {
		t.Error("Snapshot for unknown provider must fail")
	}
}

func TestPruneKeepsOnlyWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 1, 0, 0, time.UTC)
	st := &state{Timestamps: []float64{
		unixSeconds(now.Add(-90 * time.Second)),
		unixSeconds(now.Add(-61 * time.Second)),
		unixSeconds(now.Add(-59 * time.Second)),
		unixSeconds(now.Add(-1 * time.Second)),
	}}

	st.prune(now, window)
	if len(st.Timestamps) != 2 {
		t.Fatalf("kept %d timestamps, want 2", len(st.Timestamps))
	}
}
