package ptyworker

import (
	"time"

	"github.com/agentrelay/broker/pkg/logger"
	"github.com/agentrelay/broker/pkg/orchestrator"
)

const (
	injectionTickInterval    = 50 * time.Millisecond
	autoEnterTickInterval    = 2 * time.Second
	verificationTickInterval = 200 * time.Millisecond
)

// ResizeRequest is one terminal-resize signal delivered to the loop.
type ResizeRequest struct {
	Rows, Cols int
}

// Loop wires one Worker's six sources together: orchestrator frames, PTY
// output (delivered by Worker.readLoop calling HandleOutput, which in turn
// pushes onto Worker.onOutputChan), and the three timers, plus resize. It owns no
// PTY state itself — that lives on Worker — and exists only to sequence
// access to it from a single goroutine, matching the cooperative
// single-loop-per-worker scheduling model the rest of the broker uses.
type Loop struct {
	w       *Worker
	frames  <-chan orchestrator.Frame
	resize  <-chan ResizeRequest
	out     *orchestrator.Writer
	outputs chan []byte
}

// NewLoop builds a Loop for w. frames delivers orchestrator-to-worker
// envelopes; out is where worker-to-orchestrator frames are written.
func NewLoop(w *Worker, frames <-chan orchestrator.Frame, resize <-chan ResizeRequest, out *orchestrator.Writer) *Loop {
	l := &Loop{w: w, frames: frames, resize: resize, out: out, outputs: make(chan []byte, 512)}
	w.onOutputChan = l.outputs
	return l
}

// Run blocks until a shutdown_worker frame arrives or the PTY closes.
func (l *Loop) Run() {
	injectionTick := time.NewTicker(injectionTickInterval)
	autoEnterTick := time.NewTicker(autoEnterTickInterval)
	verificationTick := time.NewTicker(verificationTickInterval)
	defer injectionTick.Stop()
	defer autoEnterTick.Stop()
	defer verificationTick.Stop()

	exited := make(chan struct{})
	prevExited := l.w.OnExited
	l.w.OnExited = func(name string, err error) {
		if prevExited != nil {
			prevExited(name, err)
		}
		l.emit(orchestrator.TypeWorkerExited, map[string]any{"name": name})
		close(exited)
	}

	for {
		select {
		case f, ok := <-l.frames:
			if !ok {
				return
			}
			if l.handleFrame(f) {
				return
			}

		case chunk, ok := <-l.outputs:
			if !ok {
				return
			}
			l.handlePTYOutput(chunk)

		case <-injectionTick.C:
			l.tryDeliverHead()

		case <-autoEnterTick.C:
			l.tryAutoEnter()

		case <-verificationTick.C:
			l.tryExpireVerification()

		case r, ok := <-l.resize:
			if !ok {
				continue
			}
			if err := l.w.Resize(r.Rows, r.Cols); err != nil {
				logger.WarnCF("ptyworker", "resize failed", map[string]any{"name": l.w.Name, "err": err.Error()})
			}

		case <-exited:
			return
		}
	}
}

func (l *Loop) emit(typ string, payload any) {
	if l.out == nil {
		return
	}
	f, err := orchestrator.NewFrame(typ, "", payload)
	if err != nil {
		logger.ErrorCF("ptyworker", "marshal outbound frame", map[string]any{"type": typ, "err": err.Error()})
		return
	}
	if err := l.out.Write(f); err != nil {
		logger.ErrorCF("ptyworker", "write outbound frame", map[string]any{"type": typ, "err": err.Error()})
	}
}

// handleFrame dispatches one orchestrator-to-worker frame. Returns true
// when the loop should terminate (shutdown_worker).
func (l *Loop) handleFrame(f orchestrator.Frame) bool {
	if f.V != orchestrator.ProtocolVersion {
		l.emitError(f.RequestID, "malformed_input", "unsupported protocol version")
		return false
	}
	switch f.Type {
	case orchestrator.TypeInitWorker:
		l.emit(orchestrator.TypeWorkerReady, map[string]any{"name": l.w.Name})

	case orchestrator.TypeDeliverRelay:
		var p struct {
			DeliveryID string `json:"delivery_id"`
			From       string `json:"from"`
			EventID    string `json:"event_id"`
			Body       string `json:"body"`
			Target     string `json:"target"`
		}
		if err := f.DecodePayload(&p); err != nil {
			l.emitError(f.RequestID, "malformed_input", "bad deliver_relay payload")
			return false
		}
		l.w.Enqueue(p.DeliveryID, p.From, p.EventID, p.Body, p.Target)

	case orchestrator.TypeShutdownWorker:
		_ = l.w.GracefulRelease(2 * time.Second)
		return true

	case orchestrator.TypePing:
		l.emit(orchestrator.TypePong, nil)

	default:
		l.emitError(f.RequestID, "malformed_input", "unknown frame type "+f.Type)
	}
	return false
}

func (l *Loop) emitError(requestID, kind, message string) {
	f, err := orchestrator.NewFrame(orchestrator.TypeWorkerError, requestID, map[string]any{
		"kind": kind, "message": message, "retryable": false,
	})
	if err != nil {
		return
	}
	if l.out != nil {
		_ = l.out.Write(f)
	}
}

// handlePTYOutput runs the full per-chunk pipeline described for PTY
// output: terminal-query answers, streaming, last-output bookkeeping,
// modal buffers, MCP-id pre-seeding, and auto-responders, in that order.
func (l *Loop) handlePTYOutput(chunk []byte) {
	w := l.w

	if resp := w.termQuery.Feed(chunk); len(resp) > 0 {
		_ = w.writePTY(resp)
	}

	l.emit(orchestrator.TypeWorkerStream, map[string]any{"data": string(chunk)})

	now := time.Now()
	w.idle.OnOutput(now)

	stripped := StripANSI(string(chunk))

	w.echoBuf.Append(chunk)
	w.editorBuf = appendTailBytes(w.editorBuf, stripped, editorBufCap)

	isEcho := l.tryVerifyEcho(stripped)
	w.autoEnter.RecordOutput(now, isEcho)

	for _, id := range w.mcpIDs.Feed(stripped) {
		// Pre-seeding happens through the worker's shared dedup cache,
		// wired in by the broker root via SetDedupSeeder; a worker built
		// without one (e.g. in isolation tests) just skips this step.
		if w.dedupSeed != nil {
			w.dedupSeed(id, now)
		}
	}

	if w.pending != nil && w.progressWindow && w.activity != nil {
		expectedExcised := stripped
		if w.pending.ExpectedEcho != "" {
			expectedExcised = removeFirst(stripped, w.pending.ExpectedEcho)
		}
		if active, _ := w.activity.Feed(expectedExcised, now); active {
			l.emit(orchestrator.TypeEvent, map[string]any{"kind": "delivery_active", "name": w.Name})
		}
	}

	if resp := w.responders.Feed(stripped, now); resp != nil {
		l.applyAutoResponse(resp)
	}
}

func (l *Loop) applyAutoResponse(resp *AutoResponse) {
	for _, wr := range resp.Writes {
		_ = l.w.writePTY(wr.Bytes)
		if wr.PauseAfter > 0 {
			time.Sleep(wr.PauseAfter)
		}
	}
}

// tryVerifyEcho checks the current echo buffer against any pending
// verification. Reports whether the just-handled chunk is (part of) the
// echo of our own injection, for the auto-enter reset rule.
func (l *Loop) tryVerifyEcho(stripped string) bool {
	w := l.w
	if w.pending == nil {
		return false
	}
	if !w.echoBuf.ContainsStripped(w.pending.ExpectedEcho) {
		return false
	}
	w.throttle.Success()
	l.emit(orchestrator.TypeEvent, map[string]any{"kind": "delivery_verified", "delivery_id": w.pending.DeliveryID})
	if l.w.progressWindow && l.w.activity != nil {
		l.w.activity.Open(time.Now())
	}
	w.echoBuf.Reset()
	w.pending = nil
	w.pendingReq = nil
	return true
}

// tryDeliverHead runs the injection-tick source: dequeues the head of the
// pending-injection queue (if any) and performs the delivery procedure.
func (l *Loop) tryDeliverHead() {
	w := l.w
	w.mu.Lock()
	if len(w.queue) == 0 || w.pending != nil {
		w.mu.Unlock()
		return
	}
	req := w.queue[0]
	w.queue = w.queue[1:]
	w.mu.Unlock()

	time.Sleep(w.throttle.Delay())

	if w.autoSuggestion {
		_ = w.writePTY([]byte{0x1b})
		time.Sleep(100 * time.Millisecond)
		w.autoSuggestion = false
	}

	rendered := FormatInjection(RenderParams{
		From: req.From, EventID: req.EventID, Body: req.Body, Target: req.Target,
		Attempt: 1, IncludeReminder: true,
	})
	l.inject(req, rendered)

	// Ack-emission policy: on injection, not on echo verification (see
	// the open-question decisions in SPEC_FULL.md §5). The
	// verification path below still runs to completion and reports a
	// separate event on timeout/failure rather than retracting this ack.
	if w.OnAck != nil {
		w.OnAck(req.DeliveryID, req.EventID)
	}
	l.emit(orchestrator.TypeDeliveryAck, map[string]any{"delivery_id": req.DeliveryID, "event_id": req.EventID})
}

// inject performs steps 3-7 of the delivery procedure: write the
// injection string, pause, write CR, then start a PendingVerification.
// req is retained on the worker so a verification-timeout retry can
// re-render with an escalated prefix.
func (l *Loop) inject(req injectionRequest, rendered string) {
	w := l.w
	_ = w.writePTY([]byte(rendered))
	time.Sleep(50 * time.Millisecond)
	_ = w.writePTY([]byte("\r"))

	now := time.Now()
	w.autoEnter.RecordInjection(now)
	w.pending = NewPendingVerification(req.DeliveryID, rendered, now)
	reqCopy := req
	w.pendingReq = &reqCopy
}

// tryAutoEnter runs the auto-enter-timer source.
func (l *Loop) tryAutoEnter() {
	w := l.w
	now := time.Now()
	editorBuf := string(w.editorBuf)
	if w.autoEnter.ShouldFire(now, w.autoSuggestion, editorBuf) {
		_ = w.writePTY([]byte("\r"))
		w.autoEnter.Fire(now)
		l.emit(orchestrator.TypeEvent, map[string]any{"kind": "auto_enter", "name": w.Name})
	}
}

// tryExpireVerification runs the verification-timer source. It also polls
// the idle detector and the optional activity window for silent expiry,
// since there is no dedicated timer slot for them and this one already
// fires every 200 ms.
func (l *Loop) tryExpireVerification() {
	w := l.w
	if w.idle.Check(time.Now()) {
		l.emit(orchestrator.TypeEvent, map[string]any{"kind": "agent_idle", "name": w.Name})
	}
	if w.progressWindow && w.activity != nil && w.activity.Expired(time.Now()) {
		l.emit(orchestrator.TypeEvent, map[string]any{"kind": "delivery_inactive", "name": w.Name})
	}
	if w.pending == nil {
		return
	}
	if !w.pending.TimedOut(time.Now()) {
		return
	}
	if w.pending.CanRetry() && w.pendingReq != nil {
		attempt := w.pending.Retry(time.Now())
		req := *w.pendingReq
		rendered := FormatInjection(RenderParams{
			From: req.From, EventID: req.EventID, Body: req.Body, Target: req.Target,
			Attempt: attempt, IncludeReminder: false,
		})
		logger.WarnCF("ptyworker", "re-injecting after verification timeout", map[string]any{
			"name": w.Name, "delivery_id": w.pending.DeliveryID, "attempt": attempt,
		})
		l.inject(req, rendered)
		w.pending.Attempts = attempt
		return
	}
	w.throttle.Failure()
	id := w.pending.DeliveryID
	w.pending = nil
	w.pendingReq = nil
	l.emit(orchestrator.TypeEvent, map[string]any{"kind": "delivery_verification_failed", "delivery_id": id})
	if w.OnDeliveryFailed != nil {
		w.OnDeliveryFailed(id, "", describeDeliveryFailed(id))
	}
}

func appendTailBytes(buf []byte, chunk string, capacity int) []byte {
	buf = append(buf, chunk...)
	if len(buf) > capacity {
		buf = buf[len(buf)-capacity:]
	}
	return buf
}

func removeFirst(haystack, needle string) string {
	idx := indexOf(haystack, needle)
	if idx < 0 {
		return haystack
	}
	return haystack[:idx] + haystack[idx+len(needle):]
}

func indexOf(haystack, needle string) int {
	if needle == "" {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
