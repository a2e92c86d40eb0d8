// Package broker is the composition root: it owns the wiring between the
// Relay Link, Event Router, Spawner, Delivery Supervisor, and the
// supporting audit/crash-insight/digest/health subsystems, and the
// top-level run loop that ties them together.
//
// Grounded on cmd/devopsclaw/cobra_cli.go's newFleetStack: one constructor
// that builds every long-lived component from a single Config and wires
// their callbacks together, handed back to main for Run/shutdown.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/agentrelay/broker/pkg/audit"
	"github.com/agentrelay/broker/pkg/config"
	"github.com/agentrelay/broker/pkg/crashinsights"
	"github.com/agentrelay/broker/pkg/credstore"
	"github.com/agentrelay/broker/pkg/dedup"
	"github.com/agentrelay/broker/pkg/delivery"
	"github.com/agentrelay/broker/pkg/digest"
	"github.com/agentrelay/broker/pkg/health"
	"github.com/agentrelay/broker/pkg/logger"
	"github.com/agentrelay/broker/pkg/metrics"
	"github.com/agentrelay/broker/pkg/orchestrator"
	"github.com/agentrelay/broker/pkg/ownership"
	"github.com/agentrelay/broker/pkg/ptyworker"
	"github.com/agentrelay/broker/pkg/relaylink"
	"github.com/agentrelay/broker/pkg/router"
	"github.com/agentrelay/broker/pkg/spawner"
	"github.com/agentrelay/broker/pkg/types"
)

// reapInterval is how often the broker sweeps the Spawner for exited
// workers and runs the Delivery Supervisor's retry pass.
const reapInterval = 500 * time.Millisecond

// Broker owns every long-lived component and the goroutines that drive
// them. Construct with New, then call Run.
type Broker struct {
	cfg *config.Config

	cred     *credstore.Store
	link     *relaylink.Link
	router   *router.Router
	dedup    *dedup.Cache
	spawner  *spawner.Spawner
	delivery *delivery.Supervisor
	auditLog *audit.Logger
	crashes  *crashinsights.Store
	advisor  *crashinsights.Advisor
	health   *health.Server

	inbound chan []byte
}

// New builds every component from cfg, wiring their callbacks together.
// Nothing runs until Run is called.
func New(cfg *config.Config) (*Broker, error) {
	cred, err := credstore.Open(cfg.ProjectDir, cfg.RelaycastBaseURL)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	dedupCache := dedup.New(dedup.DefaultTTL, dedup.DefaultCapacity)

	auditDB, err := audit.NewSQLiteStore(cfg.ProjectDir + "/.agent-relay/audit.db")
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	auditLog := audit.NewLogger(auditDB)

	link := relaylink.New(relaylink.Config{
		BaseURL:   cfg.RelayBaseURL,
		AgentName: cfg.RelayAgentName,
		Channels:  cfg.RelayChannels,
		Tokens:    cred,
	})

	rt := router.New(dedupCache, cred.AgentID(), cfg.RelayAgentName)

	sp := spawner.New(cfg.MaxConcurrentSpawns)

	sup := delivery.New(cfg.DeliveryRetryInterval, func(name string) delivery.WorkerHandle {
		w := sp.Get(name)
		if w == nil {
			return nil
		}
		return w
	})

	crashes := crashinsights.NewStore(0)
	advisor := crashinsights.NewAdvisor(cfg.CrashAdvisorProvider, cfg.CrashAdvisorAPIKey, cfg.CrashAdvisorModel)

	hs := health.NewServer("0.0.0.0", 8089)
	hs.RegisterCheck("relay_link", func() (bool, string) {
		if link.IsConnected() {
			return true, "connected"
		}
		return false, "disconnected"
	})

	b := &Broker{
		cfg:      cfg,
		cred:     cred,
		link:     link,
		router:   rt,
		dedup:    dedupCache,
		spawner:  sp,
		delivery: sup,
		auditLog: auditLog,
		crashes:  crashes,
		advisor:  advisor,
		health:   hs,
		inbound:  make(chan []byte, 256),
	}
	hs.Handle("/workers", b.handleWorkersList)
	hs.Handle("/workers/spawn", b.handleWorkerSpawn)
	hs.Handle("/workers/release", b.handleWorkerRelease)
	hs.Handle("/digest", b.handleDigestNow)

	sp.OnSpawned = b.wireWorker
	return b, nil
}

// Run blocks until ctx is cancelled, then performs the shutdown sequence:
// Delivery Supervisor stops retrying, every worker is released with its
// configured grace, and the Relay Link's connection is torn down.
func (b *Broker) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if err := b.health.Start(); err != nil {
		logger.WarnCF("broker", "health server failed to start", map[string]any{"err": err.Error()})
	}
	b.health.SetReady(true)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.link.Run(ctx, b.inbound)
	}()

	digestSched := digest.New(b.cfg.DigestCron, b.link, b.snapshot)
	wg.Add(1)
	go func() {
		defer wg.Done()
		digestSched.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.reapLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.routeLoop(ctx)
	}()

	<-ctx.Done()
	b.shutdown()
	wg.Wait()
	return ctx.Err()
}

func (b *Broker) shutdown() {
	logger.InfoCF("broker", "shutting down", nil)
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.health.Stop(stopCtx)
	b.spawner.ShutdownAll(b.cfg.ReleaseGrace)
}

// routeLoop consumes raw relay-event JSON from the Link, maps/dedups/
// filters it through the Router, and dispatches accepted events.
func (b *Broker) routeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-b.inbound:
			ev, ok := b.router.Ingest(raw, time.Now())
			if !ok {
				continue
			}
			b.dispatch(ctx, ev)
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, ev *types.Event) {
	metrics.EventsRoutedTotal.WithLabelValues(string(ev.Kind)).Inc()

	if ev.Kind == types.KindBrokerCommand {
		b.handleCommand(ctx, ev)
		return
	}

	for _, w := range b.spawner.List() {
		deliveryID := b.delivery.Enqueue(w.Name, *ev)
		b.auditLog.LogDeliveryEnqueued(ctx, w.Name, deliveryID, ev.EventID)
		metrics.DeliveriesEnqueuedTotal.WithLabelValues(w.Name).Inc()
	}
}

func (b *Broker) handleCommand(ctx context.Context, ev *types.Event) {
	cmd := ev.Command
	switch cmd.Action {
	case types.CommandSpawn:
		if cmd.Spawn == nil {
			return
		}
		_, err := b.spawner.SpawnWrap(ctx, cmd.Spawn.Name, cmd.Spawn.CLI, cmd.Spawn.Args, nil, ev.From, false)
		if err != nil {
			logger.WarnCF("broker", "spawn command failed", map[string]any{"name": cmd.Spawn.Name, "err": err.Error()})
		}
	case types.CommandRelease:
		if cmd.Release == nil {
			return
		}
		owner := b.spawner.OwnerOf(cmd.Release.Name)
		senderIsHuman := ownership.IsHuman(ev.From, ev.SenderAgentID, ev.SenderKind, nil)
		if !ownership.CanReleaseChild(owner, ev.From, senderIsHuman) {
			b.auditLog.LogReleaseDenied(ctx, cmd.Release.Name, owner, ev.From)
			return
		}
		if err := b.spawner.Release(cmd.Release.Name, b.cfg.ReleaseGrace); err != nil {
			logger.WarnCF("broker", "release command failed", map[string]any{"name": cmd.Release.Name, "err": err.Error()})
			return
		}
		b.auditLog.LogWorkerReleased(ctx, cmd.Release.Name, ev.From, false)
	}
}

// handleWorkersList serves GET /workers: the operator-facing analogue of
// a broker.command spawn/release, for `agent-relay worker list`.
func (b *Broker) handleWorkersList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"workers": b.spawner.List()})
}

type spawnRequest struct {
	Name  string   `json:"name"`
	CLI   string   `json:"cli"`
	Args  []string `json:"args"`
	Owner string   `json:"owner"`
}

// handleWorkerSpawn serves POST /workers/spawn for `agent-relay worker
// spawn`. The worker's owner is the request's owner field (the CLI's
// --owner flag), recorded as given; it is empty when the flag is unset.
func (b *Broker) handleWorkerSpawn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pid, err := b.spawner.SpawnWrap(r.Context(), req.Name, req.CLI, req.Args, nil, req.Owner, false)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"name": req.Name, "pid": pid})
}

type releaseRequest struct {
	Name string `json:"name"`
}

// handleWorkerRelease serves POST /workers/release for `agent-relay
// worker release`. Operator-issued releases bypass the ownership check:
// the CLI runs with local filesystem access to the project directory
// already, a stronger trust position than a Relay channel message.
func (b *Broker) handleWorkerRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := b.spawner.Release(req.Name, b.cfg.ReleaseGrace); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	b.auditLog.LogWorkerReleased(r.Context(), req.Name, "operator", false)
	w.WriteHeader(http.StatusNoContent)
}

// handleDigestNow serves POST /digest for `agent-relay digest`: renders
// and publishes the current fleet snapshot outside the cron schedule.
func (b *Broker) handleDigestNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	text := digest.Render(b.snapshot())
	if err := b.link.PublishDigest(r.Context(), text); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"text": text})
}

// wireWorker attaches a freshly spawned worker's output pipeline: its
// OnAck and OnExited callbacks feed the Delivery Supervisor, audit
// logging, crash insight recording, and Prometheus counters, while its
// orchestrator frames go to drainFrames, which discards them.
func (b *Broker) wireWorker(w *ptyworker.Worker) {
	w.SetDedupSeeder(func(id string, now time.Time) { b.dedup.Seed(id, now) })

	pr, pw := newFramePipe()
	loop := ptyworker.NewLoop(w, nil, nil, orchestrator.NewWriter(pw))

	w.OnAck = func(deliveryID, eventID string) {
		b.delivery.Ack(deliveryID, eventID)
		b.auditLog.LogDeliveryAck(context.Background(), w.Name, deliveryID, eventID)
		metrics.DeliveriesAckedTotal.WithLabelValues(w.Name).Inc()
	}
	w.OnExited = func(name string, err error) {
		b.delivery.DropForWorker(name)
		b.auditLog.LogWorkerExited(context.Background(), name, err)
		b.recordCrash(name, err)
	}

	b.auditLog.LogWorkerSpawned(context.Background(), w.Name, w.CLI, w.Owner, 0)
	metrics.WorkersTotal.WithLabelValues(string(types.WorkerReady)).Inc()

	go loop.Run()
	go b.drainFrames(pr)
}

// drainFrames keeps a worker's frame pipe from blocking its Loop. Delivery
// acks and lifecycle events are already observed through the worker's
// OnAck/OnExited callbacks; this just prevents the pipe write side from
// stalling once nothing else reads it.
func (b *Broker) drainFrames(r *orchestrator.Reader) {
	for {
		if _, err := r.Next(); err != nil {
			return
		}
	}
}

func (b *Broker) recordCrash(workerName string, exitErr error) {
	exitCode, signal := decodeExit(exitErr)
	category, desc := crashinsights.Analyze(exitCode, signal)
	rec := crashinsights.Record{
		WorkerName: workerName,
		ExitCode:   exitCode,
		Signal:     signal,
		Timestamp:  time.Now(),
		Category:   category,
	}
	b.crashes.Record(rec)
	metrics.CrashesTotal.WithLabelValues(string(category)).Inc()
	metrics.FleetHealthScore.Set(float64(b.crashes.HealthScore(time.Now())))

	if diag := b.advisor.Diagnose(context.Background(), rec, b.crashes.Patterns()); diag != "" {
		logger.InfoCF("broker", "crash diagnosis", map[string]any{"worker": workerName, "category": category, "desc": desc, "diagnosis": diag})
	}
}

func (b *Broker) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, dropped := range b.delivery.RetryDue(now) {
				b.auditLog.LogDeliveryDropped(ctx, dropped.WorkerName, dropped.DeliveryID, dropped.EventID, string(dropped.Reason))
				metrics.DeliveriesDroppedTotal.WithLabelValues(dropped.WorkerName, string(dropped.Reason)).Inc()
			}
			metrics.PendingDeliveries.Set(float64(b.delivery.Len()))
			metrics.DedupCacheSize.Set(float64(b.dedup.Len()))
			b.spawner.ReapExited()
		}
	}
}

// snapshot builds the Snapshot digest.Render/Scheduler consumes.
func (b *Broker) snapshot() digest.Snapshot {
	return digest.Snapshot{
		Workers:           b.spawner.List(),
		PendingDeliveries: b.delivery.Len(),
		HealthScore:       b.crashes.HealthScore(time.Now()),
	}
}

// decodeExit extracts the exit code and signal number crashinsights.Analyze
// expects from a process-exit error, if it's an *exec.ExitError wrapping a
// Unix wait status; otherwise both are absent (a clean nil error, or a
// non-exit error such as a failure to even start the process).
func decodeExit(exitErr error) (*int, string) {
	var ee *exec.ExitError
	if !errors.As(exitErr, &ee) {
		return nil, ""
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	if !ok {
		return nil, ""
	}
	if ws.Signaled() {
		sig := int(ws.Signal())
		return nil, fmt.Sprintf("%d", sig)
	}
	code := ws.ExitStatus()
	return &code, ""
}

// newFramePipe returns an in-process reader/writer pair connecting a
// Loop's orchestrator.Writer to a goroutine decoding the same frames with
// orchestrator.Reader, since a PTY worker's Loop lives in the broker's own
// process rather than behind a real subprocess pipe.
func newFramePipe() (*orchestrator.Reader, io.Writer) {
	pr, pw := io.Pipe()
	return orchestrator.NewReader(pr), pw
}
