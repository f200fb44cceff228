package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var bucketResults = []byte("results")

// BoltStorage is a durable Storage backed by BoltDB, adapted from the
// teacher's WorkflowStore (services/orchestrator/persistence.go): same
// single-file, pure-Go embedded database, same latency-histogram
// instrumentation pattern.
type BoltStorage struct {
	db *bbolt.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// NewBoltStorage opens (creating if absent) a BoltDB file at dbPath and
// ensures the results bucket exists.
func NewBoltStorage(dbPath string, meter metric.Meter) (*BoltStorage, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResults)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create results bucket: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("selinon_storage_read_ms")
	writeLatency, _ := meter.Float64Histogram("selinon_storage_write_ms")

	return &BoltStorage{db: db, readLatency: readLatency, writeLatency: writeLatency}, nil
}

func (s *BoltStorage) Close() error { return s.db.Close() }

func resultKey(taskName, id string) []byte {
	return []byte(taskName + ":" + id)
}

func (s *BoltStorage) GetResult(ctx context.Context, taskName, id string) (json.RawMessage, error) {
	start := time.Now()
	defer func() {
		if s.readLatency != nil {
			s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("task", taskName)))
		}
	}()

	var out json.RawMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResults)
		data := bucket.Get(resultKey(taskName, id))
		if data != nil {
			out = append(json.RawMessage(nil), data...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read result %s/%s: %w", taskName, id, err)
	}
	return out, nil
}

func (s *BoltStorage) PutResult(ctx context.Context, taskName, id string, value json.RawMessage) error {
	start := time.Now()
	defer func() {
		if s.writeLatency != nil {
			s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("task", taskName)))
		}
	}()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResults)
		return bucket.Put(resultKey(taskName, id), value)
	})
}

func (s *BoltStorage) Delete(ctx context.Context, taskName, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResults)
		return bucket.Delete(resultKey(taskName, id))
	})
}
