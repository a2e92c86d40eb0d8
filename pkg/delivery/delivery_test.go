package delivery

import (
	"strings"
	"testing"
	"time"

	"github.com/agentrelay/broker/pkg/types"
)

type fakeHandle struct {
	alive   bool
	enqueue []string
}

func (f *fakeHandle) Enqueue(deliveryID, from, eventID, body, target string) {
	f.enqueue = append(f.enqueue, deliveryID+"|"+from+"|"+eventID+"|"+body+"|"+target)
}

func (f *fakeHandle) Alive() bool { return f.alive }

func newTestSupervisor(handles map[string]*fakeHandle) *Supervisor {
	return New(10*time.Millisecond, func(name string) WorkerHandle {
		h, ok := handles[name]
		if !ok {
			return nil
		}
		return h
	})
}

func TestSupervisor_EnqueueMintsIDAndDeliversImmediately(t *testing.T) {
	agent1 := &fakeHandle{alive: true}
	s := newTestSupervisor(map[string]*fakeHandle{"agent1": agent1})

	id := s.Enqueue("agent1", types.Event{EventID: "evt_1", From: "bob", Text: "hi", Target: "Bob"})

	if !strings.HasPrefix(id, "del_") {
		t.Fatalf("delivery id = %q, want del_ prefix", id)
	}
	if len(agent1.enqueue) != 1 {
		t.Fatalf("expected one immediate Enqueue call, got %d", len(agent1.enqueue))
	}
	want := id + "|bob|evt_1|hi|Bob"
	if agent1.enqueue[0] != want {
		t.Fatalf("Enqueue call = %q, want %q", agent1.enqueue[0], want)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

func TestSupervisor_RetryDueDropsForDeadWorker(t *testing.T) {
	agent1 := &fakeHandle{alive: false}
	s := newTestSupervisor(map[string]*fakeHandle{"agent1": agent1})

	id := s.Enqueue("agent1", types.Event{EventID: "evt_1", From: "bob", Text: "hi", Target: "Bob"})

	dropped := s.RetryDue(time.Now().Add(time.Hour))
	if len(dropped) != 1 {
		t.Fatalf("expected 1 dropped delivery, got %d", len(dropped))
	}
	if dropped[0].DeliveryID != id || dropped[0].Reason != types.DropWorkerExited {
		t.Fatalf("dropped = %+v, want worker-exited drop for %s", dropped[0], id)
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after drop", s.Len())
	}
}

func TestSupervisor_RetryDueDropsAtMaxRetries(t *testing.T) {
	agent1 := &fakeHandle{alive: true}
	s := newTestSupervisor(map[string]*fakeHandle{"agent1": agent1})

	id := s.Enqueue("agent1", types.Event{EventID: "evt_1", From: "bob", Text: "hi", Target: "Bob"})

	now := time.Now()
	for i := 0; i < MaxDeliveryRetries; i++ {
		dropped := s.RetryDue(now)
		if len(dropped) != 0 {
			t.Fatalf("unexpected drop on attempt %d: %+v", i, dropped)
		}
		now = now.Add(time.Hour)
	}

	dropped := s.RetryDue(now)
	if len(dropped) != 1 || dropped[0].DeliveryID != id || dropped[0].Reason != types.DropMaxRetriesExceeded {
		t.Fatalf("expected max-retries drop for %s, got %+v", id, dropped)
	}
}

func TestSupervisor_AckRemovesOnMatch(t *testing.T) {
	agent1 := &fakeHandle{alive: true}
	s := newTestSupervisor(map[string]*fakeHandle{"agent1": agent1})

	id := s.Enqueue("agent1", types.Event{EventID: "evt_1", From: "bob", Text: "hi", Target: "Bob"})

	if ok := s.Ack(id, "wrong_event"); ok {
		t.Fatal("Ack with mismatched event_id should not remove the entry")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after mismatched ack", s.Len())
	}

	if ok := s.Ack(id, "evt_1"); !ok {
		t.Fatal("Ack with matching event_id should remove the entry")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after matching ack", s.Len())
	}
}

func TestSupervisor_DropForWorkerRemovesOnlyThatWorker(t *testing.T) {
	agent1 := &fakeHandle{alive: true}
	agent2 := &fakeHandle{alive: true}
	s := newTestSupervisor(map[string]*fakeHandle{"agent1": agent1, "agent2": agent2})

	s.Enqueue("agent1", types.Event{EventID: "evt_1", From: "bob", Text: "hi", Target: "Bob"})
	s.Enqueue("agent1", types.Event{EventID: "evt_2", From: "bob", Text: "hi2", Target: "Bob"})
	s.Enqueue("agent2", types.Event{EventID: "evt_3", From: "bob", Text: "hi3", Target: "Bob"})

	n := s.DropForWorker("agent1")
	if n != 2 {
		t.Fatalf("DropForWorker(agent1) = %d, want 2", n)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 remaining for agent2", s.Len())
	}
}
