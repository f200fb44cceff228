package storage

import (
	"context"
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func openTestBolt(t *testing.T) *BoltStorage {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "selinon.db")
	store, err := NewBoltStorage(dbPath, noopmetric.MeterProvider{}.Meter("test"))
	if err != nil {
		t.Fatalf("open bolt storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBoltStoragePutGetRoundTrip(t *testing.T) {
	store := openTestBolt(t)
	ctx := context.Background()
	if err := store.PutResult(ctx, "task-a", "id-1", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.GetResult(ctx, "task-a", "id-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Fatalf("unexpected value: %s", got)
	}
}

func TestBoltStorageMissingKeyReturnsNil(t *testing.T) {
	store := openTestBolt(t)
	got, err := store.GetResult(context.Background(), "task-a", "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing key, got %s", got)
	}
}

func TestBoltStorageDelete(t *testing.T) {
	store := openTestBolt(t)
	ctx := context.Background()
	_ = store.PutResult(ctx, "task-a", "id-1", []byte(`1`))
	if err := store.Delete(ctx, "task-a", "id-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := store.GetResult(ctx, "task-a", "id-1")
	if err != nil || got != nil {
		t.Fatalf("expected deleted key to read back nil, got %s err=%v", got, err)
	}
}

func TestBoltStorageKeysAreScopedPerTask(t *testing.T) {
	store := openTestBolt(t)
	ctx := context.Background()
	_ = store.PutResult(ctx, "task-a", "1", []byte(`"a"`))
	_ = store.PutResult(ctx, "task-b", "1", []byte(`"b"`))
	a, _ := store.GetResult(ctx, "task-a", "1")
	b, _ := store.GetResult(ctx, "task-b", "1")
	if string(a) != `"a"` || string(b) != `"b"` {
		t.Fatalf("same id under different task names collided: a=%s b=%s", a, b)
	}
}
