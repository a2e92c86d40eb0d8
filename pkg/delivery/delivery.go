// Package delivery implements the Delivery Supervisor: the process-wide
// map from delivery_id to PendingDelivery, and the retry/ack/drop
// operations that keep it consistent with which workers are actually
// alive.
//
// Grounded on dedup.Cache's mutex-protected-map shape, generalized from a
// bounded set to an unbounded map keyed by a minted id with per-entry
// retry bookkeeping instead of TTL expiry.
package delivery

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrelay/broker/pkg/logger"
	"github.com/agentrelay/broker/pkg/types"
)

// MaxDeliveryRetries is the attempt ceiling before a PendingDelivery is
// dropped as undeliverable.
const MaxDeliveryRetries = 10

// WorkerHandle is the subset of ptyworker.Worker the supervisor needs:
// enough to hand off a delivery and to check liveness, without importing
// the ptyworker package (which would create a cycle back through the
// orchestrator layer that wires both together).
type WorkerHandle interface {
	Enqueue(deliveryID, from, eventID, body, target string)
	Alive() bool
}

// pendingEntry is one PendingDelivery: `{ worker_name, delivery, attempts,
// next_retry_at }`, plus the event fields the worker's Enqueue needs to
// render an injection string on each (re)attempt.
type pendingEntry struct {
	workerName  string
	delivery    types.Delivery
	from        string
	body        string
	target      string
	nextRetryAt time.Time
}

// Supervisor owns the delivery_id -> PendingDelivery map.
type Supervisor struct {
	mu            sync.Mutex
	pending       map[string]*pendingEntry
	retryInterval time.Duration
	workers       func(name string) WorkerHandle
}

// New constructs a Supervisor. retryInterval is the default spacing
// between delivery-to-worker retries (env-overridden, 50ms floor,
// applied by the caller before this constructor runs). workers resolves a
// worker name to its handle at delivery time, so the supervisor never
// holds a stale reference across a worker's release/respawn.
func New(retryInterval time.Duration, workers func(name string) WorkerHandle) *Supervisor {
	return &Supervisor{
		pending:       make(map[string]*pendingEntry),
		retryInterval: retryInterval,
		workers:       workers,
	}
}

// Enqueue mints a fresh delivery_id, inserts with attempts=0, and attempts
// delivery immediately. from/body/target are the relay event fields the
// worker needs to render the injection string itself; from is the
// pre-normalization identity (ev.RawFrom, or ev.From when that is empty).
func (s *Supervisor) Enqueue(workerName string, ev types.Event) string {
	deliveryID := "del_" + uuid.NewString()
	from := ev.RawFrom
	if from == "" {
		from = ev.From
	}

	s.mu.Lock()
	s.pending[deliveryID] = &pendingEntry{
		workerName: workerName,
		from:       from,
		body:       ev.Text,
		target:     ev.Target,
		delivery: types.Delivery{
			DeliveryID:  deliveryID,
			EventID:     ev.EventID,
			WorkerName:  workerName,
			Attempts:    0,
			NextRetryAt: time.Now(),
		},
	}
	s.mu.Unlock()

	s.attempt(deliveryID)
	return deliveryID
}

// RetryDue scans every entry whose next_retry_at has elapsed and either
// drops it (worker gone, or retry ceiling reached) or attempts delivery
// again. Returns the ids dropped this tick, for audit logging.
func (s *Supervisor) RetryDue(now time.Time) []DroppedDelivery {
	var due []string
	s.mu.Lock()
	for id, e := range s.pending {
		if !e.nextRetryAt.After(now) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	var dropped []DroppedDelivery
	for _, id := range due {
		if d, ok := s.retryOne(id, now); ok {
			dropped = append(dropped, d)
		}
	}
	return dropped
}

// DroppedDelivery reports a PendingDelivery the supervisor removed without
// an ack.
type DroppedDelivery struct {
	DeliveryID string
	EventID    string
	WorkerName string
	Reason     types.DropReason
}

func (s *Supervisor) retryOne(id string, now time.Time) (DroppedDelivery, bool) {
	s.mu.Lock()
	e, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return DroppedDelivery{}, false
	}

	handle := s.resolve(e.workerName)
	if handle == nil || !handle.Alive() {
		delete(s.pending, id)
		s.mu.Unlock()
		logger.WarnCF("delivery", "dropping delivery for dead worker", map[string]any{"delivery_id": id, "worker": e.workerName})
		return DroppedDelivery{DeliveryID: id, EventID: e.delivery.EventID, WorkerName: e.workerName, Reason: types.DropWorkerExited}, true
	}
	if e.delivery.Attempts >= MaxDeliveryRetries {
		delete(s.pending, id)
		s.mu.Unlock()
		logger.WarnCF("delivery", "dropping delivery after max retries", map[string]any{"delivery_id": id, "worker": e.workerName})
		return DroppedDelivery{DeliveryID: id, EventID: e.delivery.EventID, WorkerName: e.workerName, Reason: types.DropMaxRetriesExceeded}, true
	}
	e.delivery.Attempts++
	e.nextRetryAt = now.Add(s.retryInterval)
	s.mu.Unlock()

	s.attempt(id)
	return DroppedDelivery{}, false
}

func (s *Supervisor) attempt(deliveryID string) {
	s.mu.Lock()
	e, ok := s.pending[deliveryID]
	s.mu.Unlock()
	if !ok {
		return
	}
	handle := s.resolve(e.workerName)
	if handle == nil {
		return
	}
	handle.Enqueue(deliveryID, e.from, e.delivery.EventID, e.body, e.target)
}

func (s *Supervisor) resolve(name string) WorkerHandle {
	if s.workers == nil {
		return nil
	}
	return s.workers(name)
}

// Ack removes the entry if its stored event_id matches. A mismatched ack
// (a stale retry's echo arriving after a newer attempt already succeeded)
// is logged and ignored rather than corrupting a live entry.
func (s *Supervisor) Ack(deliveryID, eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[deliveryID]
	if !ok {
		return false
	}
	if e.delivery.EventID != eventID {
		logger.WarnCF("delivery", "stale ack ignored", map[string]any{
			"delivery_id": deliveryID, "expected_event_id": e.delivery.EventID, "got_event_id": eventID,
		})
		return false
	}
	delete(s.pending, deliveryID)
	return true
}

// DropForWorker removes every pending entry belonging to worker name,
// returning the count removed.
func (s *Supervisor) DropForWorker(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.pending {
		if e.workerName == name {
			delete(s.pending, id)
			n++
		}
	}
	return n
}

// Len reports the number of in-flight deliveries, for status reporting.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
