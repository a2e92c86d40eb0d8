package ptyworker

import (
	"strings"
	"time"
)

// DefaultIdleThreshold is the default silence duration before a worker is
// considered idle.
const DefaultIdleThreshold = 5 * time.Second

// ActivityWindowDuration is how long the post-verification activity window
// stays open looking for a progress pattern match.
const ActivityWindowDuration = 5 * time.Second

// activityBufferCap bounds the rolling buffer scanned during the activity
// window.
const activityBufferCap = 16 * 1024

// IdleDetector implements an edge-triggered idle signal: at most one
// transition emission per idle period, re-armed by any subsequent PTY
// output.
type IdleDetector struct {
	threshold     time.Duration
	lastOutput    time.Time
	isIdle        bool
}

// NewIdleDetector returns a detector using the given threshold, primed as
// if output had just occurred at `now`.
func NewIdleDetector(threshold time.Duration, now time.Time) *IdleDetector {
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	return &IdleDetector{threshold: threshold, lastOutput: now}
}

// OnOutput records PTY output, re-arming the idle detector.
func (d *IdleDetector) OnOutput(now time.Time) {
	d.lastOutput = now
	d.isIdle = false
}

// Check returns true exactly once per idle period: the edge transition into
// idle. Call on a steady tick (e.g. the 200ms verification timer) or
// whenever convenient; it is idempotent between transitions.
func (d *IdleDetector) Check(now time.Time) bool {
	if d.isIdle {
		return false
	}
	if now.Sub(d.lastOutput) < d.threshold {
		return false
	}
	d.isIdle = true
	return true
}

// LastOutput reports the last time OnOutput was called.
func (d *IdleDetector) LastOutput() time.Time { return d.lastOutput }

// claudePatterns, codexPatterns, geminiPatterns, and the generic fallback
// are the per-CLI progress patterns searched during an activity window.
var (
	claudePatterns = []string{"⠋", "Tool:", "Read(", "Write(", "Edit("}
	codexPatterns  = []string{"Thinking...", "Running:", "$ ", "function_call"}
	geminiPatterns = []string{"Generating", "Action:", "Executing"}
)

// CLIKind identifies which pattern set ActivityWindow should search.
type CLIKind string

const (
	CLIClaude  CLIKind = "claude"
	CLICodex   CLIKind = "codex"
	CLIGemini  CLIKind = "gemini"
	CLIUnknown CLIKind = "unknown"
)

// ActivityWindow tracks the optional post-verification "activity window":
// after a successful echo verification, search a rolling buffer (with the
// expected echo excised) for a per-CLI progress pattern for up to
// ActivityWindowDuration. The unknown-CLI "any output" fallback is
// explicitly best-effort telemetry, not a delivery contract.
type ActivityWindow struct {
	cli       CLIKind
	expires   time.Time
	buf       string
	open      bool
	matched   bool
}

// NewActivityWindow returns a closed window; call Open after a successful
// echo verification.
func NewActivityWindow(cli CLIKind) *ActivityWindow {
	return &ActivityWindow{cli: cli}
}

// Open starts (or restarts) the window.
func (w *ActivityWindow) Open(now time.Time) {
	w.open = true
	w.matched = false
	w.buf = ""
	w.expires = now.Add(ActivityWindowDuration)
}

// Feed appends excised output (the expected echo already removed by the
// caller) to the window's buffer and checks for a progress-pattern match.
// Returns (active, stillOpen). Once matched or expired the window closes.
func (w *ActivityWindow) Feed(chunk string, now time.Time) (active bool, stillOpen bool) {
	if !w.open {
		return false, false
	}
	if now.After(w.expires) {
		w.open = false
		return false, false
	}
	w.buf += chunk
	if len(w.buf) > activityBufferCap {
		w.buf = w.buf[len(w.buf)-activityBufferCap:]
	}
	if w.matches() {
		w.matched = true
		w.open = false
		return true, false
	}
	return false, true
}

// Expired reports whether the window timed out without a match, i.e. the
// inactive case. Edge-triggered: it also closes the window, so a caller
// polling this on a timer only sees the transition once.
func (w *ActivityWindow) Expired(now time.Time) bool {
	if !w.open || !now.After(w.expires) || w.matched {
		return false
	}
	w.open = false
	return true
}

func (w *ActivityWindow) matches() bool {
	var patterns []string
	switch w.cli {
	case CLIClaude:
		patterns = claudePatterns
	case CLICodex:
		patterns = codexPatterns
	case CLIGemini:
		patterns = geminiPatterns
	default:
		return strings.TrimSpace(w.buf) != ""
	}
	for _, p := range patterns {
		if strings.Contains(w.buf, p) {
			return true
		}
	}
	return false
}
