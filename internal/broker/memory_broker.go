package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBroker is an in-process Broker used by tests and by
// cmd/selinon-worker's -dev mode. It has no durability and no at-least-once
// redelivery of its own, but does honor idempotency keys the same way a
// real broker would, so engine tests can exercise the idempotent-replay
// property (spec §8 property 1).
type MemoryBroker struct {
	mu         sync.Mutex
	tasks      map[string]*memTask
	idempotent map[string]string // idempotencyKey -> taskID
	selfQueue  chan selfRetry
}

type memTask struct {
	queue   string
	payload []byte
	status  Status
}

type selfRetry struct {
	payload  []byte
	countdown time.Duration
	queue    string
}

// NewMemoryBroker returns an empty broker with every submitted task
// starting in PENDING.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		tasks:      make(map[string]*memTask),
		idempotent: make(map[string]string),
		selfQueue:  make(chan selfRetry, 64),
	}
}

func (b *MemoryBroker) Submit(ctx context.Context, queue string, payload []byte, countdown time.Duration, idempotencyKey string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idempotencyKey != "" {
		if id, ok := b.idempotent[idempotencyKey]; ok {
			return id, nil
		}
	}

	id := uuid.NewString()
	b.tasks[id] = &memTask{queue: queue, payload: append([]byte(nil), payload...), status: Pending}
	if idempotencyKey != "" {
		b.idempotent[idempotencyKey] = id
	}
	return id, nil
}

func (b *MemoryBroker) Status(ctx context.Context, taskID string) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return Revoked, nil
	}
	return t.status, nil
}

func (b *MemoryBroker) Cancel(ctx context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[taskID]; ok {
		t.status = Revoked
	}
	return nil
}

func (b *MemoryBroker) RetrySelf(ctx context.Context, payload []byte, countdown time.Duration, queue string) error {
	select {
	case b.selfQueue <- selfRetry{payload: append([]byte(nil), payload...), countdown: countdown, queue: queue}:
		return nil
	default:
		return nil
	}
}

// SetStatus lets a test (or a fake worker loop) transition a task's
// observed status, simulating the external worker runtime.
func (b *MemoryBroker) SetStatus(taskID string, status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[taskID]; ok {
		t.status = status
	}
}

// PopSelfRetry drains one pending self-retry, if any, for a test harness
// to re-drive the dispatcher loop.
func (b *MemoryBroker) PopSelfRetry() (payload []byte, queue string, ok bool) {
	select {
	case r := <-b.selfQueue:
		return r.payload, r.queue, true
	default:
		return nil, "", false
	}
}
