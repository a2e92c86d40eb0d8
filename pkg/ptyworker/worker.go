// Package ptyworker implements the per-agent PTY Worker: the component
// that owns one wrapped CLI's pseudo-terminal, renders relay messages into
// injection strings, verifies their echo, and runs the modal
// auto-responders, idle detector, and auto-enter nudge against the raw
// byte stream.
//
// Grounded on GandalftheGUI-grove's daemon Instance (PTY allocation via
// creack/pty, a reader goroutine draining into rolling buffers, and
// process-group teardown on release) generalized from a single-purpose
// terminal multiplexer into an engine with injection, verification, and
// modal-prompt handling layered on top.
package ptyworker

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/agentrelay/broker/pkg/logger"
	"github.com/agentrelay/broker/pkg/types"
)

// injectionRequest is one queued message awaiting delivery to the PTY.
type injectionRequest struct {
	DeliveryID string
	From       string
	EventID    string
	Body       string
	Target     string
}

// Worker owns one PTY-backed child process and the injection/verification/
// auto-responder state that goes with it. All mutable state is only ever
// touched from the worker's own loop goroutine (see loop.go); exported
// methods that enqueue work or read snapshots take the mutex.
type Worker struct {
	Name    string
	CLI     string
	Args    []string
	Owner   string
	cliKind CLIKind

	cmd *exec.Cmd
	ptm *os.File

	mu        sync.Mutex
	state     types.WorkerState
	pid       int
	createdAt time.Time

	queue []injectionRequest

	throttle       *Throttle
	autoEnter      *AutoEnter
	idle           *IdleDetector
	activity       *ActivityWindow
	responders     *AutoResponders
	mcpIDs         *McpIDExtractor
	termQuery      *TerminalQueryParser
	echoBuf        *EchoBuffer
	pending        *PendingVerification
	pendingReq     *injectionRequest
	editorBuf      []byte
	autoSuggestion bool
	progressWindow bool

	lastOutput time.Time

	// onOutputChan, when set (by NewLoop), receives every raw PTY chunk
	// for the worker's cooperative loop to process. A Worker used without
	// a Loop (e.g. in isolation tests) simply has nowhere to deliver
	// output and drops it after updating lastOutput.
	onOutputChan chan<- []byte

	// dedupSeed lets the loop pre-seed an MCP-extracted message id into
	// the broker-wide dedup cache. Wired in by the broker root via
	// SetDedupSeeder; left nil in standalone worker tests.
	dedupSeed func(id string, now time.Time)

	// Outbound callbacks to the owner of this worker. The broker root sets
	// OnAck and OnExited from Spawner.OnSpawned, after Start; Loop.Run
	// wraps OnExited so it also emits a worker_exited frame.
	OnStream         func(chunk []byte)
	OnAck            func(deliveryID, eventID string)
	OnDeliveryFailed func(deliveryID, eventID, reason string)
	OnExited         func(name string, err error)
}

// SetDedupSeeder wires the shared dedup cache's Seed method in, so
// MCP-extracted message ids are inserted before their Relay echo arrives.
func (w *Worker) SetDedupSeeder(seed func(id string, now time.Time)) {
	w.dedupSeed = seed
}

// HandleOutput records a raw PTY chunk's arrival time and forwards it to
// the loop (if one is attached) for the full per-chunk pipeline.
func (w *Worker) HandleOutput(chunk []byte) {
	w.mu.Lock()
	w.lastOutput = time.Now()
	w.mu.Unlock()
	if w.OnStream != nil {
		w.OnStream(chunk)
	}
	if w.onOutputChan != nil {
		w.onOutputChan <- chunk
	}
}

const editorBufCap = 2000

// NewWorker constructs a Worker for the given CLI command, not yet
// started. progressWindow enables the optional post-verification activity
// window (§4.C.6's "progress flag").
func NewWorker(name, cliName string, args []string, owner string, progressWindow bool) *Worker {
	kind := classifyCLI(cliName)
	return &Worker{
		Name:           name,
		CLI:            cliName,
		Args:           args,
		Owner:          owner,
		cliKind:        kind,
		state:          types.WorkerCreating,
		throttle:       NewThrottle(),
		autoEnter:      NewAutoEnter(),
		idle:           NewIdleDetector(DefaultIdleThreshold, time.Now()),
		activity:       NewActivityWindow(kind),
		responders:     NewAutoResponders(),
		mcpIDs:         NewMcpIDExtractor(),
		termQuery:      NewTerminalQueryParser(),
		echoBuf:        &EchoBuffer{},
		progressWindow: progressWindow,
	}
}

func classifyCLI(name string) CLIKind {
	switch name {
	case "claude":
		return CLIClaude
	case "codex":
		return CLICodex
	case "gemini":
		return CLIGemini
	default:
		return CLIUnknown
	}
}

// argv0Wrap is the executable used to re-exec a wrapped CLI under the
// broker's own supervision, mirroring `$argv0 wrap <cli> [args...]`.
var argv0Wrap = os.Args[0]

// Start allocates a PTY, spawns `argv0 wrap <cli> [args...]`, and launches
// the background reader goroutine that feeds HandleOutput. Returns the
// child's PID.
func (w *Worker) Start(env []string) (int, error) {
	cmdArgs := append([]string{"wrap", w.CLI}, w.Args...)
	cmd := exec.Command(argv0Wrap, cmdArgs...)
	cmd.Env = append(append([]string{}, env...), "TERM=xterm-256color")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptm, err := pty.Start(cmd)
	if err != nil {
		return 0, types.NewError(types.ErrResource, "start pty", err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.ptm = ptm
	w.pid = cmd.Process.Pid
	w.createdAt = time.Now()
	w.state = types.WorkerReady
	w.lastOutput = time.Now()
	w.mu.Unlock()

	logger.InfoCF("ptyworker", "worker started", map[string]any{
		"name": w.Name, "cli": w.CLI, "pid": w.pid,
	})

	go w.readLoop()
	return w.pid, nil
}

// readLoop drains the PTY until EOF, forwarding every chunk to
// HandleOutput, then reports process exit via OnExited.
func (w *Worker) readLoop() {
	buf := make([]byte, 8192)
	for {
		n, err := w.ptm.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			w.HandleOutput(chunk)
		}
		if err != nil {
			break
		}
	}
	waitErr := w.cmd.Wait()
	w.mu.Lock()
	w.state = types.WorkerExited
	w.mu.Unlock()
	logger.InfoCF("ptyworker", "worker exited", map[string]any{"name": w.Name, "err": waitErr})
	if w.OnExited != nil {
		w.OnExited(w.Name, waitErr)
	}
}

// Resize forwards new terminal dimensions to the PTY.
func (w *Worker) Resize(rows, cols int) error {
	w.mu.Lock()
	ptm := w.ptm
	w.mu.Unlock()
	if ptm == nil {
		return nil
	}
	return pty.Setsize(ptm, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// State returns a snapshot of the worker's lifecycle state.
func (w *Worker) State() types.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Alive reports whether the worker's process has not yet exited, for the
// Delivery Supervisor's liveness check (the delivery.WorkerHandle
// interface).
func (w *Worker) Alive() bool {
	return w.State() != types.WorkerExited
}

// Info returns a read-only snapshot for status reporting.
func (w *Worker) Info() types.WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return types.WorkerInfo{
		Name:      w.Name,
		Runtime:   types.RuntimePTY,
		CLI:       w.CLI,
		Args:      w.Args,
		Owner:     w.Owner,
		State:     w.state,
		PID:       w.pid,
		CreatedAt: w.createdAt,
	}
}

// Enqueue adds a relay delivery to the tail of the pending-injection
// queue, preserving FIFO order.
func (w *Worker) Enqueue(deliveryID, from, eventID, body, target string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, injectionRequest{
		DeliveryID: deliveryID, From: from, EventID: eventID, Body: body, Target: target,
	})
}

// QueueLen reports the number of deliveries awaiting injection.
func (w *Worker) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Destroy terminates the child process group with SIGKILL. Used on
// release-grace expiry and on broker shutdown.
func (w *Worker) Destroy() error {
	w.mu.Lock()
	cmd := w.cmd
	w.state = types.WorkerReleasing
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return cmd.Process.Kill()
	}
	return syscall.Kill(-pgid, syscall.SIGKILL)
}

// GracefulRelease sends SIGTERM to the process group, then waits up to
// grace before escalating to Destroy.
func (w *Worker) GracefulRelease(grace time.Duration) error {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if w.State() == types.WorkerExited {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	if w.State() == types.WorkerExited {
		return nil
	}
	return w.Destroy()
}

// writePTY serializes writes to the PTY; the worker loop is the only
// writer, so this has no internal locking beyond what os.File already
// guarantees for a single writer.
func (w *Worker) writePTY(p []byte) error {
	if w.ptm == nil {
		return io.ErrClosedPipe
	}
	_, err := w.ptm.Write(p)
	return err
}

// describeDeliveryFailed formats the worker_error reason string for a
// verification timeout that exhausted its retries.
func describeDeliveryFailed(deliveryID string) string {
	return fmt.Sprintf("delivery %s: echo not verified within window", deliveryID)
}
