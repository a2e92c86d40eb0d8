// Package spawner implements the Spawner: the broker's registry of live
// PTY workers, the spawn_wrap/release/reap_exited/shutdown_all operations
// that manage their lifecycle, and the owner_of lookup the release-authority
// rule in pkg/ownership depends on.
//
// Grounded on GandalftheGUI-grove's daemon registry (a mutex-protected
// name-to-Instance map with spawn/kill/list operations), generalized here
// to drive ptyworker.Worker instead of a bare PTY handle and to cap
// concurrent spawns with a resilience.Bulkhead rather than spawning
// unboundedly.
package spawner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentrelay/broker/pkg/logger"
	"github.com/agentrelay/broker/pkg/ptyworker"
	"github.com/agentrelay/broker/pkg/resilience"
	"github.com/agentrelay/broker/pkg/types"
)

// Spawner owns the name -> *ptyworker.Worker registry.
type Spawner struct {
	mu      sync.RWMutex
	workers map[string]*ptyworker.Worker

	bulkhead *resilience.Bulkhead

	// OnSpawned wires a freshly started Worker into the broker's frame
	// plumbing; set by the broker root after construction. Left nil in
	// tests that only exercise lifecycle bookkeeping.
	OnSpawned func(w *ptyworker.Worker)
}

// New constructs a Spawner whose spawn_wrap calls are capped at
// maxConcurrent in flight at once.
func New(maxConcurrent int) *Spawner {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Spawner{
		workers:  make(map[string]*ptyworker.Worker),
		bulkhead: resilience.NewBulkhead("spawner", maxConcurrent),
	}
}

// SpawnWrap executes `$argv0 wrap <cli> [args...]`, recording owner
// alongside the worker, and returns the child's PID. Concurrent spawns
// beyond the configured cap block (respecting ctx) rather than forking
// unboundedly.
func (s *Spawner) SpawnWrap(ctx context.Context, name, cli string, args []string, env []string, owner string, progressWindow bool) (int, error) {
	s.mu.RLock()
	_, exists := s.workers[name]
	s.mu.RUnlock()
	if exists {
		return 0, types.NewError(types.ErrAlreadyExists, "spawn_wrap", fmt.Errorf("worker %q already exists", name))
	}

	w := ptyworker.NewWorker(name, cli, args, owner, progressWindow)

	var pid int
	err := s.bulkhead.Execute(ctx, func() error {
		p, startErr := w.Start(env)
		pid = p
		return startErr
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.workers[name] = w
	s.mu.Unlock()

	logger.InfoCF("spawner", "worker spawned", map[string]any{"name": name, "cli": cli, "owner": owner, "pid": pid})
	if s.OnSpawned != nil {
		s.OnSpawned(w)
	}
	return pid, nil
}

// Get resolves a worker by name, for the delivery.WorkerHandle and
// orchestrator frame-routing lookups.
func (s *Spawner) Get(name string) *ptyworker.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers[name]
}

// OwnerOf returns the recorded owner of a worker, or "" if unknown
// (including for a name with no registered worker, which release() must
// treat as "no owner" rather than crash).
func (s *Spawner) OwnerOf(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[name]
	if !ok {
		return ""
	}
	return w.Owner
}

// List returns a snapshot of every registered worker's status.
func (s *Spawner) List() []types.WorkerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.Info())
	}
	return out
}

// Release sends a graceful shutdown to the named worker, waits up to
// grace, then escalates to termination, and removes it from the registry.
func (s *Spawner) Release(name string, grace time.Duration) error {
	s.mu.Lock()
	w, ok := s.workers[name]
	if ok {
		delete(s.workers, name)
	}
	s.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrNotFound, "release", fmt.Errorf("no such worker %q", name))
	}
	logger.InfoCF("spawner", "releasing worker", map[string]any{"name": name, "grace": grace})
	return w.GracefulRelease(grace)
}

// ReapExited does a non-blocking sweep of the registry, removing and
// returning the names of workers whose process has already exited.
func (s *Spawner) ReapExited() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reaped []string
	for name, w := range s.workers {
		if w.State() == types.WorkerExited {
			delete(s.workers, name)
			reaped = append(reaped, name)
		}
	}
	return reaped
}

// ShutdownAll releases every registered worker in parallel, each bounded
// by grace, and waits for all of them to finish.
func (s *Spawner) ShutdownAll(grace time.Duration) {
	s.mu.RLock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := s.Release(name, grace); err != nil {
				logger.WarnCF("spawner", "release during shutdown_all failed", map[string]any{"name": name, "err": err.Error()})
			}
		}(name)
	}
	wg.Wait()
}
