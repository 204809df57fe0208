// Package runtime owns asynchronous workflow executions: their fast-store
// records, the segment-by-segment pipeline, and cancellation.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is an execution or node state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusSkipped applies to nodes downstream of a failure only.
	StatusSkipped Status = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NodeStatus is one node's progress within an execution.
type NodeStatus struct {
	Status        Status     `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	RowsProcessed *int64     `json:"rows_processed,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Record is the fast-store materialization of one execution.
type Record struct {
	ID           string                `json:"id"`
	WorkflowID   string                `json:"workflow_id"`
	TenantID     string                `json:"tenant_id"`
	Status       Status                `json:"status"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	NodeStatuses map[string]NodeStatus `json:"node_statuses"`
}

var ErrRecordNotFound = errors.New("execution record not found")

// RecordStore keeps execution records under <ns>:<tenant>:execution:<id>
// with a fixed TTL. One execution has one owner process, so get-modify-set
// needs no further coordination.
type RecordStore struct {
	client *redis.Client
	ns     string
	ttl    time.Duration
}

func NewRecordStore(client *redis.Client, ns string, ttl time.Duration) *RecordStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RecordStore{client: client, ns: ns, ttl: ttl}
}

func (s *RecordStore) key(tenant, id string) string {
	return fmt.Sprintf("%s:%s:execution:%s", s.ns, tenant, id)
}

func (s *RecordStore) Create(ctx context.Context, rec *Record) error {
	return s.put(ctx, rec)
}

func (s *RecordStore) Get(ctx context.Context, tenant, id string) (*Record, error) {
	var raw, err = s.client.Get(ctx, s.key(tenant, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	} else if err != nil {
		return nil, fmt.Errorf("reading execution record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decoding execution record %s: %w", id, err)
	}
	return &rec, nil
}

// Update applies |mutate| under get-modify-set and returns the stored
// record.
func (s *RecordStore) Update(ctx context.Context, tenant, id string, mutate func(*Record)) (*Record, error) {
	var rec, err = s.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	mutate(rec)
	if err := s.put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *RecordStore) put(ctx context.Context, rec *Record) error {
	var b, err = json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding execution record %s: %w", rec.ID, err)
	}
	if err := s.client.Set(ctx, s.key(rec.TenantID, rec.ID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing execution record: %w", err)
	}
	return nil
}
