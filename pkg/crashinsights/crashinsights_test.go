package crashinsights

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestAnalyze_SegfaultBySignal(t *testing.T) {
	cat, desc := Analyze(nil, "11")
	if cat != CategorySegfault {
		t.Fatalf("category = %v, want segfault", cat)
	}
	if desc == "" {
		t.Fatal("expected non-empty description")
	}
}

func TestAnalyze_OOMBySigkillAndExit137(t *testing.T) {
	if cat, _ := Analyze(nil, "9"); cat != CategoryOOM {
		t.Fatalf("SIGKILL category = %v, want oom", cat)
	}
	if cat, _ := Analyze(intPtr(137), ""); cat != CategoryOOM {
		t.Fatalf("exit 137 category = %v, want oom", cat)
	}
}

func TestAnalyze_SegfaultByExit139(t *testing.T) {
	if cat, _ := Analyze(intPtr(139), ""); cat != CategorySegfault {
		t.Fatalf("exit 139 category = %v, want segfault", cat)
	}
}

func TestAnalyze_ErrorNonzeroExit(t *testing.T) {
	cat, desc := Analyze(intPtr(1), "")
	if cat != CategoryError {
		t.Fatalf("category = %v, want error", cat)
	}
	if desc == "" {
		t.Fatal("expected non-empty description")
	}
}

func TestAnalyze_UnknownNoInfo(t *testing.T) {
	if cat, _ := Analyze(nil, ""); cat != CategoryUnknown {
		t.Fatalf("category = %v, want unknown", cat)
	}
}

func TestAnalyze_OtherSignal(t *testing.T) {
	if cat, _ := Analyze(nil, "15"); cat != CategorySignal {
		t.Fatalf("category = %v, want signal", cat)
	}
}

func TestStore_RecordAndRecent(t *testing.T) {
	s := NewStore(0)
	s.Record(Record{WorkerName: "w1", Category: CategoryError, Timestamp: time.Now()})
	if s.Total() != 1 {
		t.Fatalf("Total() = %d, want 1", s.Total())
	}
	recent := s.Recent(10)
	if len(recent) != 1 || recent[0].WorkerName != "w1" {
		t.Fatalf("Recent(10) = %+v", recent)
	}
}

func TestStore_TrimsToMax(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Record(Record{WorkerName: fmt.Sprintf("w%d", i), Category: CategoryError, Timestamp: time.Now()})
	}
	if s.Total() != 3 {
		t.Fatalf("Total() = %d, want 3", s.Total())
	}
	recent := s.Recent(3)
	if recent[0].WorkerName != "w2" || recent[2].WorkerName != "w4" {
		t.Fatalf("expected the 3 most recent kept, got %+v", recent)
	}
}

func TestStore_PatternsGroupByCategoryAndDedupWorkers(t *testing.T) {
	s := NewStore(0)
	s.Record(Record{WorkerName: "w1", Category: CategoryError, Timestamp: time.Now()})
	s.Record(Record{WorkerName: "w2", Category: CategoryError, Timestamp: time.Now()})
	s.Record(Record{WorkerName: "w1", Category: CategoryError, Timestamp: time.Now()})
	s.Record(Record{WorkerName: "w3", Category: CategoryOOM, Timestamp: time.Now()})

	patterns := s.Patterns()
	if len(patterns) != 2 {
		t.Fatalf("expected 2 patterns, got %d", len(patterns))
	}
	if patterns[0].Category != CategoryError || patterns[0].Count != 3 {
		t.Fatalf("expected error pattern first with count 3, got %+v", patterns[0])
	}
	if len(patterns[0].Workers) != 2 {
		t.Fatalf("expected 2 deduped workers, got %v", patterns[0].Workers)
	}
}

func TestStore_HealthScore(t *testing.T) {
	s := NewStore(0)
	now := time.Now()
	if s.HealthScore(now) != 100 {
		t.Fatalf("HealthScore with no crashes = %d, want 100", s.HealthScore(now))
	}
	for i := 0; i < 15; i++ {
		s.Record(Record{WorkerName: "w1", Category: CategoryError, Timestamp: now})
	}
	if got := s.HealthScore(now); got != 0 {
		t.Fatalf("HealthScore with 15 recent crashes = %d, want 0", got)
	}
}

func TestAdvisor_DisabledReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	var a *Advisor
	if got := a.Diagnose(ctx, Record{}, nil); got != "" {
		t.Fatalf("Diagnose on nil advisor = %q, want empty", got)
	}

	a2 := NewAdvisor("", "", "")
	if got := a2.Diagnose(ctx, Record{}, nil); got != "" {
		t.Fatalf("Diagnose with disabled provider = %q, want empty", got)
	}
}
