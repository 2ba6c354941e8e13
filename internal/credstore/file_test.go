package credstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openledgerhq/receiptd/internal/qbauth"
)

func testTokenSet() qbauth.TokenSet {
	obtained := time.Date(2026, 3, 10, 12, 0, 0, 123456789, time.UTC)
	return qbauth.TokenSet{
		AccessToken:      "access-abc",
		RefreshToken:     "refresh-def",
		TokenType:        "bearer",
		RealmID:          "9130357849573551",
		ObtainedAt:       obtained,
		AccessExpiresAt:  obtained.Add(3600 * time.Second),
		RefreshExpiresAt: obtained.Add(8726400 * time.Second),
	}
}

// within reports whether two instants are at most d apart.
func within(a, b time.Time, d time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= d
}

func TestCredentialsRoundTrip(t *testing.T) {
	ts := testTokenSet()
	saved := ts.ObtainedAt.Add(5 * time.Second)

	got := FromTokenSet(ts, saved).TokenSet()

	if got.AccessToken != ts.AccessToken || got.RefreshToken != ts.RefreshToken {
		t.Errorf("token strings changed in round trip: %+v", got)
	}
	if got.RealmID != ts.RealmID || got.TokenType != ts.TokenType {
		t.Errorf("identity fields changed in round trip: %+v", got)
	}
	if !within(got.AccessExpiresAt, ts.AccessExpiresAt, time.Second) {
		t.Errorf("access expiry drifted: %s vs %s", got.AccessExpiresAt, ts.AccessExpiresAt)
	}
	if !within(got.RefreshExpiresAt, ts.RefreshExpiresAt, time.Second) {
		t.Errorf("refresh expiry drifted: %s vs %s", got.RefreshExpiresAt, ts.RefreshExpiresAt)
	}
}

func TestFileStoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ts := testTokenSet()
	if err := store.Save(ctx, FromTokenSet(ts, time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("permissions = %04o, want 0600", info.Mode().Perm())
	}

	creds, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := creds.TokenSet()
	if got.AccessToken != ts.AccessToken || got.RefreshToken != ts.RefreshToken {
		t.Errorf("reloaded tokens = %+v, want originals", got)
	}
	if !within(got.AccessExpiresAt, ts.AccessExpiresAt, time.Second) {
		t.Errorf("access expiry drifted across save/load: %s vs %s", got.AccessExpiresAt, ts.AccessExpiresAt)
	}
	if !within(got.RefreshExpiresAt, ts.RefreshExpiresAt, time.Second) {
		t.Errorf("refresh expiry drifted across save/load: %s vs %s", got.RefreshExpiresAt, ts.RefreshExpiresAt)
	}
}

func TestFileStoreLoadMissing(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "credentials.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if _, err := store.Load(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFileStoreLoadInsecurePermissions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Save(ctx, FromTokenSet(testTokenSet(), time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Load(ctx); err == nil {
		t.Fatal("Load over world-readable file must fail")
	}
}

func TestFileStoreDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if err := store.Save(ctx, FromTokenSet(testTokenSet(), time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load after delete = %v, want ErrNotFound", err)
	}
}
