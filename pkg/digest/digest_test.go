package digest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentrelay/broker/pkg/types"
)

type fakePublisher struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakePublisher) PublishDigest(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func TestRender_SummarizesWorkersByState(t *testing.T) {
	snap := Snapshot{
		Workers: []types.WorkerInfo{
			{Name: "a1", CLI: "claude", Owner: "alice", State: types.WorkerReady},
			{Name: "a2", CLI: "codex", Owner: "bob", State: types.WorkerExited},
		},
		PendingDeliveries: 3,
		HealthScore:       87,
	}
	out := Render(snap)
	if !strings.Contains(out, "2 workers") {
		t.Fatalf("expected worker count in digest, got: %s", out)
	}
	if !strings.Contains(out, "health=87/100") {
		t.Fatalf("expected health score in digest, got: %s", out)
	}
	if !strings.Contains(out, "a1") || !strings.Contains(out, "a2") {
		t.Fatalf("expected both worker names listed, got: %s", out)
	}
}

func TestScheduler_EmptyExpressionNeverRuns(t *testing.T) {
	pub := &fakePublisher{}
	s := New("", pub, func() Snapshot { return Snapshot{} })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if pub.count() != 0 {
		t.Fatalf("expected no digests published for an empty cron expression, got %d", pub.count())
	}
}
