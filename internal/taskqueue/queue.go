// Package taskqueue tracks message records waiting to be timestamped.
//
// The durable source of truth is the record store: a message record whose
// timestamp reference is NULL is pending. The in-memory queue mirrors that
// predicate and is rebuilt from the store with Recover after a restart. Only
// record ids are queued; the signature hash to stamp is read from the store
// when a batch is built, since it may change until the record is stamped.
package taskqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/pkg/types"
)

// PendingSource lists un-timestamped records oldest first
type PendingSource interface {
	PendingTasks(ctx context.Context, limit int) ([]types.TimestampTask, error)
}

// Queue is an ordered set of pending record ids
type Queue struct {
	mu     sync.Mutex
	ids    []int64
	logger *zap.Logger
}

// New creates an empty queue
func New(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{logger: logger}
}

// Recover loads every pending record from source. Records already queued
// are kept as they are.
func (q *Queue) Recover(ctx context.Context, source PendingSource) (int, error) {
	tasks, err := source.PendingTasks(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending timestamp tasks: %w", err)
	}

	added := 0
	for _, task := range tasks {
		if q.Enqueue(task.RecordID) {
			added++
		}
	}

	q.logger.Info("Recovered pending timestamp tasks",
		zap.Int("recovered", added),
		zap.Int("queue_size", q.Size()))
	return added, nil
}

// search returns the position of id in q.ids and whether it is present.
// The caller holds mu.
func (q *Queue) search(id int64) (int, bool) {
	i := sort.Search(len(q.ids), func(i int) bool { return q.ids[i] >= id })
	return i, i < len(q.ids) && q.ids[i] == id
}

// Enqueue adds a record and reports whether it was new. Enqueueing a record
// that is already queued is a no-op.
func (q *Queue) Enqueue(recordID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	// ids are assigned in increasing order, so appending is the common case
	if n := len(q.ids); n == 0 || q.ids[n-1] < recordID {
		q.ids = append(q.ids, recordID)
		return true
	}

	i, found := q.search(recordID)
	if found {
		return false
	}
	q.ids = append(q.ids, 0)
	copy(q.ids[i+1:], q.ids[i:])
	q.ids[i] = recordID
	return true
}

// Size returns the number of pending records
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// DrainBatch returns up to limit pending record ids, lowest first. The ids
// stay queued until they are acknowledged, so a failed batch is retried by
// the next call. A limit <= 0 returns every id.
func (q *Queue) DrainBatch(limit int) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.ids)
	if limit > 0 && n > limit {
		n = limit
	}
	return append([]int64(nil), q.ids[:n]...)
}

// Ack removes timestamped records from the queue
func (q *Queue) Ack(recordIDs ...int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range recordIDs {
		if i, found := q.search(id); found {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
		}
	}
}

// Contains reports whether the record is queued
func (q *Queue) Contains(recordID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, found := q.search(recordID)
	return found
}
