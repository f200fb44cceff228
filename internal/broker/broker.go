// Package broker defines the task-queue broker adapter capability the
// dispatcher core depends on (spec §6). The broker itself — message
// transport and durable task-queue semantics — is out of scope per spec
// §1; only this interface and two concrete adapters (NATS, in-memory) live
// here.
package broker

import (
	"context"
	"time"
)

// Status is one of the five states the broker reports for a submitted
// task (spec §6).
type Status string

const (
	Pending Status = "PENDING"
	Started Status = "STARTED"
	Success Status = "SUCCESS"
	Failure Status = "FAILURE"
	Revoked Status = "REVOKED"
)

// Terminal reports whether s is a final state the engine should stop
// polling for.
func (s Status) Terminal() bool {
	return s == Success || s == Failure || s == Revoked
}

// Broker is the minimal capability spec §6 requires of the task-queue
// transport: submit work, poll status, cancel, and re-enqueue self.
type Broker interface {
	// Submit enqueues payload on queue, returning a broker-assigned task
	// id. idempotencyKey, when non-empty, lets the broker deduplicate
	// redelivered submissions (spec §5: "idempotency of update() is
	// therefore required").
	Submit(ctx context.Context, queue string, payload []byte, countdown time.Duration, idempotencyKey string) (taskID string, err error)
	// Status returns the current observed status of taskID.
	Status(ctx context.Context, taskID string) (Status, error)
	// Cancel requests taskID be revoked. Best-effort: a task that has
	// already started running may not honor it (spec §5).
	Cancel(ctx context.Context, taskID string) error
	// RetrySelf re-enqueues the dispatcher's own wakeup message onto queue
	// after countdown. Only the Dispatcher Entry calls this (spec §4.4:
	// "The DE is the ONLY component that decides to re-enqueue").
	RetrySelf(ctx context.Context, payload []byte, countdown time.Duration, queue string) error
}
