package broker

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBrokerSubmitAndStatus(t *testing.T) {
	b := NewMemoryBroker()
	id, err := b.Submit(context.Background(), "q", []byte("payload"), 0, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	status, err := b.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != Pending {
		t.Fatalf("expected Pending, got %s", status)
	}
}

func TestMemoryBrokerIdempotencyKeyDedupes(t *testing.T) {
	b := NewMemoryBroker()
	id1, _ := b.Submit(context.Background(), "q", []byte("a"), 0, "key-1")
	id2, _ := b.Submit(context.Background(), "q", []byte("b"), 0, "key-1")
	if id1 != id2 {
		t.Fatalf("expected resubmission with the same idempotency key to collapse to one task id")
	}
}

func TestMemoryBrokerCancelMarksRevoked(t *testing.T) {
	b := NewMemoryBroker()
	id, _ := b.Submit(context.Background(), "q", []byte("a"), 0, "")
	if err := b.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	status, _ := b.Status(context.Background(), id)
	if status != Revoked {
		t.Fatalf("expected Revoked after cancel, got %s", status)
	}
}

func TestMemoryBrokerUnknownTaskIsRevoked(t *testing.T) {
	b := NewMemoryBroker()
	status, err := b.Status(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != Revoked {
		t.Fatalf("expected unknown task id to report Revoked, got %s", status)
	}
}

func TestMemoryBrokerRetrySelfQueuesForPop(t *testing.T) {
	b := NewMemoryBroker()
	if err := b.RetrySelf(context.Background(), []byte("wakeup"), time.Second, "q"); err != nil {
		t.Fatalf("retry self: %v", err)
	}
	payload, queue, ok := b.PopSelfRetry()
	if !ok {
		t.Fatalf("expected a queued self-retry")
	}
	if string(payload) != "wakeup" || queue != "q" {
		t.Fatalf("unexpected self-retry contents: %s %s", payload, queue)
	}
	if _, _, ok := b.PopSelfRetry(); ok {
		t.Fatalf("expected self-retry queue to be drained after one pop")
	}
}

func TestStatusTerminal(t *testing.T) {
	cases := map[Status]bool{
		Pending: false,
		Started: false,
		Success: true,
		Failure: true,
		Revoked: true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Fatalf("Status(%s).Terminal() = %v, want %v", status, got, want)
		}
	}
}
