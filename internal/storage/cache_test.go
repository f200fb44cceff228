package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// memStorage is a trivial in-process Storage for exercising CachedStorage
// without standing up a BoltDB file.
type memStorage struct {
	mu    sync.Mutex
	calls int
	data  map[string]json.RawMessage
}

func newMemStorage() *memStorage {
	return &memStorage{data: make(map[string]json.RawMessage)}
}

func (m *memStorage) key(taskName, id string) string { return taskName + ":" + id }

func (m *memStorage) GetResult(ctx context.Context, taskName, id string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.data[m.key(taskName, id)], nil
}

func (m *memStorage) PutResult(ctx context.Context, taskName, id string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[m.key(taskName, id)] = value
	return nil
}

func (m *memStorage) Delete(ctx context.Context, taskName, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, m.key(taskName, id))
	return nil
}

func withFixedClock(t *testing.T, start time.Time) *time.Time {
	t.Helper()
	cur := start
	orig := nowFunc
	nowFunc = func() time.Time { return cur }
	t.Cleanup(func() { nowFunc = orig })
	return &cur
}

func TestCachedStorageReadThroughPopulatesCache(t *testing.T) {
	backing := newMemStorage()
	backing.data["task-a:1"] = []byte(`"v1"`)
	c := NewCachedStorage(backing, map[string]CachePolicy{"task-a": {TTL: time.Minute, Capacity: 10}})
	defer c.Close()

	ctx := context.Background()
	if _, err := c.GetResult(ctx, "task-a", "1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := c.GetResult(ctx, "task-a", "1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if backing.calls != 1 {
		t.Fatalf("expected backing store hit exactly once, got %d", backing.calls)
	}
}

func TestCachedStorageUncachedTaskPassesThrough(t *testing.T) {
	backing := newMemStorage()
	backing.data["task-b:1"] = []byte(`"v1"`)
	c := NewCachedStorage(backing, map[string]CachePolicy{"task-a": {TTL: time.Minute}})
	defer c.Close()

	ctx := context.Background()
	c.GetResult(ctx, "task-b", "1")
	c.GetResult(ctx, "task-b", "1")
	if backing.calls != 2 {
		t.Fatalf("task with no cache policy should always pass through, got %d calls", backing.calls)
	}
}

func TestCachedStoragePutUpdatesCache(t *testing.T) {
	backing := newMemStorage()
	c := NewCachedStorage(backing, map[string]CachePolicy{"task-a": {TTL: time.Minute, Capacity: 10}})
	defer c.Close()

	ctx := context.Background()
	if err := c.PutResult(ctx, "task-a", "1", []byte(`"fresh"`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := c.GetResult(ctx, "task-a", "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `"fresh"` {
		t.Fatalf("unexpected value: %s", got)
	}
	if backing.calls != 0 {
		t.Fatalf("expected the read to be served from cache after a write, got %d backing calls", backing.calls)
	}
}

func TestCachedStorageExpiresAfterTTL(t *testing.T) {
	backing := newMemStorage()
	backing.data["task-a:1"] = []byte(`"v1"`)
	c := NewCachedStorage(backing, map[string]CachePolicy{"task-a": {TTL: time.Second, Capacity: 10}})
	defer c.Close()

	clock := withFixedClock(t, time.Now())
	ctx := context.Background()
	c.GetResult(ctx, "task-a", "1")
	*clock = clock.Add(2 * time.Second)
	c.GetResult(ctx, "task-a", "1")
	if backing.calls != 2 {
		t.Fatalf("expected expired entry to be refetched, got %d backing calls", backing.calls)
	}
}

func TestCachedStorageEvictsOldestOnCapacity(t *testing.T) {
	backing := newMemStorage()
	c := NewCachedStorage(backing, map[string]CachePolicy{"task-a": {Capacity: 2}})
	defer c.Close()

	ctx := context.Background()
	clock := withFixedClock(t, time.Now())
	c.PutResult(ctx, "task-a", "1", []byte(`1`))
	*clock = clock.Add(time.Millisecond)
	c.PutResult(ctx, "task-a", "2", []byte(`2`))
	*clock = clock.Add(time.Millisecond)
	c.PutResult(ctx, "task-a", "3", []byte(`3`))

	region := c.regionFor("task-a")
	region.mu.Lock()
	_, hasOldest := region.entries["1"]
	_, hasNewest := region.entries["3"]
	region.mu.Unlock()
	if hasOldest {
		t.Fatalf("expected oldest entry to be evicted once capacity is exceeded")
	}
	if !hasNewest {
		t.Fatalf("expected newest entry to remain cached")
	}
}

func TestCachedStorageDeleteInvalidatesCache(t *testing.T) {
	backing := newMemStorage()
	c := NewCachedStorage(backing, map[string]CachePolicy{"task-a": {TTL: time.Minute, Capacity: 10}})
	defer c.Close()

	ctx := context.Background()
	c.PutResult(ctx, "task-a", "1", []byte(`"v"`))
	if err := c.Delete(ctx, "task-a", "1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := c.GetResult(ctx, "task-a", "1")
	if err != nil || got != nil {
		t.Fatalf("expected deleted entry to read back nil, got %s err=%v", got, err)
	}
}

func TestCachedStoragePropagatesBackingError(t *testing.T) {
	failing := failingStorage{err: errors.New("boom")}
	c := NewCachedStorage(failing, map[string]CachePolicy{"task-a": {TTL: time.Minute}})
	defer c.Close()
	_, err := c.GetResult(context.Background(), "task-a", "1")
	if err == nil {
		t.Fatalf("expected backing error to propagate")
	}
}

type failingStorage struct{ err error }

func (f failingStorage) GetResult(ctx context.Context, taskName, id string) (json.RawMessage, error) {
	return nil, f.err
}
func (f failingStorage) PutResult(ctx context.Context, taskName, id string, value json.RawMessage) error {
	return f.err
}
func (f failingStorage) Delete(ctx context.Context, taskName, id string) error { return f.err }
