package credstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
)

func TestKeyringStoreRoundTrip(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()

	store, err := NewKeyringStore("tester")
	if err != nil {
		t.Fatalf("NewKeyringStore: %v", err)
	}

	if _, err := store.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load before save = %v, want ErrNotFound", err)
	}

	ts := testTokenSet()
	if err := store.Save(ctx, FromTokenSet(ts, time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}

	creds, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := creds.TokenSet()
	if got.AccessToken != ts.AccessToken || got.RefreshToken != ts.RefreshToken || got.RealmID != ts.RealmID {
		t.Errorf("reloaded tokens = %+v, want originals", got)
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
