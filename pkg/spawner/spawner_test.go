package spawner

import (
	"testing"
	"time"

	"github.com/agentrelay/broker/pkg/types"
)

func TestSpawner_OwnerOfUnknownWorkerIsEmpty(t *testing.T) {
	s := New(4)
	if owner := s.OwnerOf("nope"); owner != "" {
		t.Fatalf("OwnerOf(unknown) = %q, want empty", owner)
	}
}

func TestSpawner_ListEmptyInitially(t *testing.T) {
	s := New(4)
	if got := s.List(); len(got) != 0 {
		t.Fatalf("List() = %v, want empty", got)
	}
}

func TestSpawner_ReleaseUnknownWorkerIsNotFound(t *testing.T) {
	s := New(4)
	err := s.Release("nope", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected error releasing an unregistered worker")
	}
	terr, ok := err.(*types.Error)
	if !ok || terr.Kind != types.ErrNotFound {
		t.Fatalf("Release error = %v, want ErrNotFound", err)
	}
}

func TestSpawner_ReapExitedEmptyRegistry(t *testing.T) {
	s := New(4)
	if got := s.ReapExited(); len(got) != 0 {
		t.Fatalf("ReapExited() = %v, want empty", got)
	}
}

func TestSpawner_ShutdownAllEmptyRegistryReturnsImmediately(t *testing.T) {
	s := New(4)
	done := make(chan struct{})
	go func() {
		s.ShutdownAll(50 * time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ShutdownAll on an empty registry did not return promptly")
	}
}
