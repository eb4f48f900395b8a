package idempotency

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	key := "test-key-" + time.Now().Format("150405.000000")
	rec := sampleRecord(time.Minute)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()

	if err := store.Save(ctx, key, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.StatusCode != rec.StatusCode || got.TxHash != rec.TxHash || !got.Matches(rec.Action, rec.Fingerprint) {
		t.Fatalf("unexpected record: %#v", got)
	}

	expired := sampleRecord(-time.Minute)
	if err := store.Save(ctx, key, expired); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, err := store.Get(ctx, key); err != nil || got != nil {
		t.Fatalf("expired record should be gone, got %#v err=%v", got, err)
	}
}
