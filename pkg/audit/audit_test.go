package audit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func tempStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_AppendAndQuery(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	ev := &Event{
		Type:     EventDeliveryEnqueued,
		Worker:   "agent1",
		Metadata: map[string]any{"delivery_id": "del_1", "event_id": "evt_1"},
	}
	if err := store.Append(ctx, ev); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Worker != "agent1" {
		t.Errorf("Worker = %q, want agent1", events[0].Worker)
	}
	if events[0].Metadata["delivery_id"] != "del_1" {
		t.Errorf("Metadata[delivery_id] = %v, want del_1", events[0].Metadata["delivery_id"])
	}
}

func TestSQLiteStore_QueryFilterByWorker(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{Worker: "agent1", Type: EventWorkerSpawned})
	store.Append(ctx, &Event{Worker: "agent2", Type: EventWorkerSpawned})
	store.Append(ctx, &Event{Worker: "agent1", Type: EventWorkerExited})

	events, err := store.Query(ctx, QueryOptions{Worker: "agent1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for agent1, got %d", len(events))
	}
}

func TestSQLiteStore_QueryFilterByType(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{Worker: "agent1", Type: EventWorkerSpawned})
	store.Append(ctx, &Event{Worker: "agent1", Type: EventDeliveryAck})

	events, err := store.Query(ctx, QueryOptions{Type: EventDeliveryAck})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventDeliveryAck {
		t.Fatalf("expected 1 delivery.ack event, got %+v", events)
	}
}

func TestSQLiteStore_QueryFilterBySince(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{Worker: "agent1", Type: EventWorkerSpawned, Timestamp: time.Now().Add(-2 * time.Hour)})
	store.Append(ctx, &Event{Worker: "agent1", Type: EventWorkerExited})

	events, err := store.Query(ctx, QueryOptions{Since: time.Now().Add(-1 * time.Hour)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventWorkerExited {
		t.Fatalf("expected only the recent event, got %+v", events)
	}
}

func TestSQLiteStore_QueryLimit(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		store.Append(ctx, &Event{Worker: "agent1", Type: EventWorkerSpawned})
	}

	events, err := store.Query(ctx, QueryOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestSQLiteStore_EmptyLog(t *testing.T) {
	store := tempStore(t)
	events, err := store.Query(context.Background(), QueryOptions{})
	if err != nil {
		t.Fatalf("Query empty: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected 0 events, got %d", len(events))
	}
}

func TestSQLiteStore_ConcurrentAppend(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	n := 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			store.Append(ctx, &Event{Worker: "agent1", Type: EventDeliveryAck})
		}()
	}
	wg.Wait()

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}
}

func TestLogger_LogWorkerSpawned(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store)
	logger.LogWorkerSpawned(ctx, "agent1", "claude", "alice", 4242)

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventWorkerSpawned {
		t.Errorf("Type = %q, want worker.spawned", events[0].Type)
	}
	if events[0].Actor != "alice" {
		t.Errorf("Actor = %q, want alice", events[0].Actor)
	}
}

func TestLogger_LogDeliveryDropped(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store)
	logger.LogDeliveryDropped(ctx, "agent1", "del_1", "evt_1", "max_retries_exceeded")

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 || events[0].Type != EventDeliveryDropped {
		t.Fatalf("expected 1 delivery.dropped event, got %+v", events)
	}
	if events[0].Metadata["reason"] != "max_retries_exceeded" {
		t.Errorf("Metadata[reason] = %v, want max_retries_exceeded", events[0].Metadata["reason"])
	}
}

func TestLogger_NilLoggerIsNoop(t *testing.T) {
	var l *Logger
	l.LogWorkerSpawned(context.Background(), "agent1", "claude", "alice", 1)
}

func TestLogger_LogReleaseDenied(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store)
	logger.LogReleaseDenied(ctx, "agent1", "alice", "mallory")

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 || events[0].Type != EventReleaseDenied {
		t.Fatalf("expected 1 release-denied event, got %+v", events)
	}
	if events[0].Metadata["owner"] != "alice" || events[0].Actor != "mallory" {
		t.Errorf("unexpected fields: %+v", events[0])
	}
}
