package idempotency

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleRecord(ttl time.Duration) Record {
	body := []byte(`{"depositId":1}`)
	return Record{
		Action:      "withdraw",
		Fingerprint: Fingerprint("withdraw", body),
		TxHash:      "0xabc",
		StatusCode:  200,
		Response:    []byte(`{"txHash":"0xabc"}`),
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(ttl),
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if rec, _ := store.Get(ctx, "missing"); rec != nil {
		t.Fatalf("expected nil for missing key")
	}

	if err := store.Save(ctx, "abc", sampleRecord(time.Minute)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, _ := store.Get(ctx, "abc")
	if got == nil || got.TxHash != "0xabc" || string(got.Response) != `{"txHash":"0xabc"}` {
		t.Fatalf("unexpected record: %+v", got)
	}

	if err := store.Save(ctx, "old", sampleRecord(-time.Second)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if got, _ := store.Get(ctx, "old"); got != nil {
		t.Fatalf("expired record returned: %+v", got)
	}
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "submissions.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Save(ctx, "key", sampleRecord(time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, "stale", sampleRecord(-time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}
	got, _ := reopened.Get(ctx, "key")
	if got == nil || got.Action != "withdraw" || got.StatusCode != 200 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, ok := reopened.data["stale"]; ok {
		t.Fatalf("expired record should be dropped on load")
	}
}

func TestRecordMatches(t *testing.T) {
	rec := sampleRecord(time.Minute)
	if !rec.Matches("withdraw", Fingerprint("withdraw", []byte(`{"depositId":1}`))) {
		t.Fatalf("identical retry should match")
	}
	if rec.Matches("withdraw", Fingerprint("withdraw", []byte(`{"depositId":2}`))) {
		t.Fatalf("different body must not match")
	}
	if rec.Matches("extend_lock", rec.Fingerprint) {
		t.Fatalf("different action must not match")
	}
}

func TestInflight(t *testing.T) {
	in := NewInflight()
	if !in.Acquire("k") {
		t.Fatalf("first acquire should succeed")
	}
	if in.Acquire("k") {
		t.Fatalf("second acquire must fail while held")
	}
	in.Release("k")
	if !in.Acquire("k") {
		t.Fatalf("acquire after release should succeed")
	}
}
