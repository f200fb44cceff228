// Package storage defines the result-storage adapter capability (spec §6)
// and two implementations: a BoltDB-backed durable store and an in-memory
// LRU+TTL cache that can sit in front of it as the cache_policies layer
// spec §9 calls for.
package storage

import (
	"context"
	"encoding/json"
)

// Storage is the minimal capability spec §6 requires: fetch and persist a
// task's result by (task_name, id), with an optional delete.
type Storage interface {
	GetResult(ctx context.Context, taskName, id string) (json.RawMessage, error)
	PutResult(ctx context.Context, taskName, id string, value json.RawMessage) error
	Delete(ctx context.Context, taskName, id string) error
}

// Accessor adapts a Storage into the narrow, decoded-value capability the
// condition evaluator consumes (internal/condition.Accessor), keeping CFE
// ignorant of the storage wire format.
type Accessor struct {
	Storage Storage
}

func (a Accessor) GetResult(ctx context.Context, taskName, id string) (any, error) {
	raw, err := a.Storage.GetResult(ctx, taskName, id)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// Not JSON — hand back the raw string rather than failing a pure
		// condition evaluation over a storage encoding detail.
		return string(raw), nil
	}
	return v, nil
}
