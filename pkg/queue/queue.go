// Package queue implements the bounded, priority-ordered, deduplicated
// in-memory incident staging area plus the cluster-wide production lock
// (spec.md §4.1). It is the one mutex-protected shared structure in aegis
// (§5).
package queue

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aegis-sre/aegis/pkg/types"
)

// mergeWindow is the default duplicate-detection window (spec.md §4.1).
const mergeWindow = 300 * time.Second

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = fmt.Errorf("incident queue is full")

// Snapshot reports the queue's current depth per priority, emitted as a
// gauge by the caller (spec.md §4.1).
type Snapshot map[types.Priority]int

// ProductionClassifier reports whether a namespace is considered production,
// used by Dequeue to skip locked production-namespace work.
type ProductionClassifier func(namespace string) bool

// entry is one queued incident plus the heap bookkeeping needed for
// priority + FIFO-within-priority ordering.
type entry struct {
	incident types.Incident
	seq      int64
	index    int
}

// Queue is the priority incident queue of spec.md §4.1. All exported methods
// are safe for concurrent use.
type Queue struct {
	mu              sync.Mutex
	heap            *entryHeap
	byKey           map[string]*entry
	maxSize         int
	seq             int64
	productionLock  bool
	isProduction    ProductionClassifier
	distLock        *DistributedLock
	logger          *logrus.Logger
}

// New builds an empty Queue with the given capacity (0 means unbounded).
func New(maxSize int, isProduction ProductionClassifier, logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if isProduction == nil {
		isProduction = func(string) bool { return false }
	}
	q := &Queue{
		heap:         &entryHeap{},
		byKey:        make(map[string]*entry),
		maxSize:      maxSize,
		isProduction: isProduction,
		logger:       logger,
	}
	heap.Init(q.heap)
	return q
}

// SetDistributedLock attaches the cluster-wide correlation lock (spec.md §4.1
// / §9 supplement). A nil lock restores single-replica behavior; Enqueue and
// Dequeue are then governed purely by the in-process mutex.
func (q *Queue) SetDistributedLock(l *DistributedLock) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.distLock = l
}

// Enqueue computes incident's correlation key and either merges it into an
// existing open entry for that key (bumping the occurrence counter and
// promoting priority) or appends a new one. Returns the effective incident's
// ID (spec.md §4.1).
func (q *Queue) Enqueue(incident types.Incident) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if incident.CorrelationKey == "" {
		incident.CorrelationKey = CorrelationKey(incident.Resource)
	}

	if existing, ok := q.byKey[incident.CorrelationKey]; ok && time.Since(existing.incident.LastSeen) <= mergeWindow {
		existing.incident.Occurrences++
		existing.incident.LastSeen = incident.DetectedAt
		if incident.Priority < existing.incident.Priority {
			existing.incident.Priority = incident.Priority
			heap.Fix(q.heap, existing.index)
		}
		return existing.incident.ID, nil
	}

	if q.maxSize > 0 && q.heap.Len() >= q.maxSize {
		return "", ErrQueueFull
	}

	if incident.Occurrences == 0 {
		incident.Occurrences = 1
	}
	if incident.LastSeen.IsZero() {
		incident.LastSeen = incident.DetectedAt
	}
	incident.State = types.StateQueued

	q.seq++
	e := &entry{incident: incident, seq: q.seq}
	heap.Push(q.heap, e)
	q.byKey[incident.CorrelationKey] = e
	return incident.ID, nil
}

// pollInterval bounds how long Dequeue may sleep between checks while
// waiting on new work or a lock release; small enough not to add
// perceptible latency, large enough not to spin the CPU.
const pollInterval = 10 * time.Millisecond

// Dequeue blocks up to timeout for the highest-priority incident, skipping
// production-namespace incidents while the production lock is held. Returns
// (incident, true) on success or (zero, false) on timeout.
func (q *Queue) Dequeue(timeout time.Duration) (types.Incident, bool) {
	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()
		if idx, ok := q.nextDequeuableLocked(); ok {
			e := (*q.heap)[idx]
			heap.Remove(q.heap, idx)
			delete(q.byKey, e.incident.CorrelationKey)
			distLock := q.distLock
			q.mu.Unlock()

			acquired, err := q.acquireClusterLock(distLock, e.incident.CorrelationKey)
			if err != nil {
				q.logger.WithError(err).WithField("correlation_key", e.incident.CorrelationKey).Warn("distributed lock acquire failed")
			}
			if !acquired {
				// Another replica already holds the cluster-wide claim on
				// this correlation key; put the entry back and let the next
				// poll try again, possibly against different work.
				if _, rerr := q.Requeue(e.incident); rerr != nil {
					q.logger.WithError(rerr).Warn("requeue after failed distributed lock acquire")
				}
			} else {
				e.incident.State = types.StateClaimed
				return e.incident, true
			}
		} else {
			q.mu.Unlock()
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return types.Incident{}, false
		}
		sleep := pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		time.Sleep(sleep)
	}
}

// acquireClusterLock claims correlationKey against distLock with a bounded
// timeout so a stalled Redis never blocks the dequeue loop indefinitely. A
// nil distLock always succeeds (single-replica deployments).
func (q *Queue) acquireClusterLock(distLock *DistributedLock, correlationKey string) (bool, error) {
	if distLock == nil {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return distLock.Acquire(ctx, correlationKey)
}

// releaseClusterLock drops the cluster-wide claim on correlationKey, logging
// rather than propagating failure since the in-process queue state has
// already moved on by the time this runs.
func (q *Queue) releaseClusterLock(correlationKey string) {
	q.mu.Lock()
	distLock := q.distLock
	q.mu.Unlock()
	if distLock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := distLock.Release(ctx, correlationKey); err != nil {
		q.logger.WithError(err).WithField("correlation_key", correlationKey).Warn("distributed lock release failed")
	}
}

// nextDequeuableLocked finds the best index to pop, skipping production
// incidents while the lock is held. Must be called with q.mu held.
func (q *Queue) nextDequeuableLocked() (int, bool) {
	if q.heap.Len() == 0 {
		return -1, false
	}
	if !q.productionLock {
		return 0, true
	}

	// heap[0] is merely the top of the binary heap; when locked we must
	// scan for the best non-production entry since the top itself may be
	// production-namespace work that must wait.
	best := -1
	for i, e := range *q.heap {
		if q.isProduction(e.incident.Resource.Namespace) {
			continue
		}
		if best == -1 || less(e, (*q.heap)[best]) {
			best = i
		}
	}
	return best, best != -1
}

// LockProduction sets the production lock; idempotent.
func (q *Queue) LockProduction() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.productionLock = true
}

// UnlockProduction clears the production lock; idempotent.
func (q *Queue) UnlockProduction() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.productionLock = false
}

// IsProductionLocked reports the current lock state.
func (q *Queue) IsProductionLocked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.productionLock
}

// Snapshot returns per-priority queue depth.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := Snapshot{}
	for _, e := range *q.heap {
		snap[e.incident.Priority]++
	}
	return snap
}

// Requeue re-enqueues a previously dequeued incident (used when the
// production lock blocks processing, or on nack).
func (q *Queue) Requeue(incident types.Incident) (string, error) {
	incident.State = types.StateQueued
	return q.Enqueue(incident)
}

// Acknowledge marks a previously dequeued incident done (spec.md §4.1): the
// entry was already removed from the heap by Dequeue, so locally this is
// pure bookkeeping, but it drops the cluster-wide claim Dequeue took out so
// another replica may pick up the same correlation key in the future.
func (q *Queue) Acknowledge(incident types.Incident) {
	q.releaseClusterLock(incident.CorrelationKey)
}

// Nack re-queues a previously dequeued incident for another attempt
// (spec.md §4.1 "queued → claimed → done | requeued"), releasing the
// cluster-wide claim so the retry is free to land on any replica.
func (q *Queue) Nack(incident types.Incident) (string, error) {
	q.releaseClusterLock(incident.CorrelationKey)
	return q.Requeue(incident)
}

// CorrelationKey computes the stable correlation identity of spec.md §3: a
// hash over (namespace, kind, name), truncated so it stays readable as a
// log field.
func CorrelationKey(ref types.ResourceRef) string {
	sum := sha256.Sum256([]byte(ref.Namespace + "/" + ref.Kind + "/" + ref.Name))
	return hex.EncodeToString(sum[:8])
}
