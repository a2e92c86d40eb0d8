package ptyworker

import (
	"strings"
	"time"
)

// autoEnterBackoff is the ladder indexed by auto_enter_retry_count.
var autoEnterBackoff = []float64{1.0, 1.5, 2.5, 4.0, 6.0}

const (
	autoEnterBaseSilence  = 10 * time.Second
	autoEnterCooldown     = 5 * time.Second
	autoEnterMaxRetries   = 5
	editorBufferScanTail  = 500
)

// claudeUIIndicators are the markers that, if present alongside a vim mode
// line, mean the line is actually part of Claude's own status UI rather
// than a real editor mode.
var claudeUIIndicators = []string{"⏵", "⏴", "►", "▶"}

var vimModeMarkers = []string{
	"-- INSERT --", "-- REPLACE --", "-- VISUAL --",
	"-- VISUAL LINE --", "-- VISUAL BLOCK --", "-- SELECT --", "-- TERMINAL --",
}

// AutoEnter tracks the per-worker state the stuck-agent nudge needs:
// last injection/output times, the auto-enter retry count, and the last
// time it fired.
type AutoEnter struct {
	lastInjectionTime time.Time
	hasInjection      bool
	lastOutputTime    time.Time
	lastAutoEnter     time.Time
	retryCount        int
}

// NewAutoEnter returns a fresh, never-fired tracker.
func NewAutoEnter() *AutoEnter { return &AutoEnter{} }

// RecordInjection marks that a delivery was just injected, per the
// delivery procedure's step 6 (reset auto_enter_retry_count to 0).
func (a *AutoEnter) RecordInjection(now time.Time) {
	a.lastInjectionTime = now
	a.hasInjection = true
	a.retryCount = 0
}

// RecordOutput updates last_output_time. A line of PTY output that is not
// itself the echo of our own injection resets the retry counter; pass isEcho=true while that output is still the echoed injection.
func (a *AutoEnter) RecordOutput(now time.Time, isEcho bool) {
	a.lastOutputTime = now
	if !isEcho {
		a.retryCount = 0
	}
}

// ShouldFire evaluates every stuck-agent-nudge condition and returns true
// if the auto-enter nudge should write a CR now.
func (a *AutoEnter) ShouldFire(now time.Time, autoSuggestionVisible bool, editorBuffer string) bool {
	if !a.hasInjection {
		return false
	}
	requiredSilence := time.Duration(float64(autoEnterBaseSilence) * autoEnterBackoff[a.backoffIndex()])
	if now.Sub(a.lastInjectionTime) <= requiredSilence {
		return false
	}
	if now.Sub(a.lastOutputTime) <= requiredSilence {
		return false
	}
	if !a.lastAutoEnter.IsZero() && now.Sub(a.lastAutoEnter) < autoEnterCooldown {
		return false
	}
	if IsInEditorMode(editorBuffer) {
		return false
	}
	if autoSuggestionVisible {
		return false
	}
	if a.retryCount >= autoEnterMaxRetries {
		return false
	}
	return true
}

func (a *AutoEnter) backoffIndex() int {
	if a.retryCount < 0 {
		return 0
	}
	if a.retryCount >= len(autoEnterBackoff) {
		return len(autoEnterBackoff) - 1
	}
	return a.retryCount
}

// Fire records that a CR was written: updates last_auto_enter_time and
// increments the retry count. Call only after ShouldFire returned true.
func (a *AutoEnter) Fire(now time.Time) {
	a.lastAutoEnter = now
	a.retryCount++
}

// IsInEditorMode scans the last editorBufferScanTail characters of the
// ANSI-stripped buffer.
func IsInEditorMode(buffer string) bool {
	tail := buffer
	if len(tail) > editorBufferScanTail {
		tail = tail[len(tail)-editorBufferScanTail:]
	}

	if strings.Contains(tail, "GNU nano") || strings.Contains(tail, "^G Get Help") {
		return true
	}
	if strings.Contains(tail, "(END)") || strings.Contains(tail, "--More--") {
		return true
	}

	marker, idx := lastVimMarker(tail)
	if marker == "" {
		return false
	}
	rest := tail[idx+len(marker):]
	if strings.TrimSpace(rest) != "" {
		return false // marker must be the last occurrence, followed only by whitespace/newline
	}
	if hasClaudeIndicatorNear(tail) {
		return false
	}
	return true
}

func lastVimMarker(tail string) (string, int) {
	best := -1
	bestMarker := ""
	for _, m := range vimModeMarkers {
		if idx := strings.LastIndex(tail, m); idx > best {
			best = idx
			bestMarker = m
		}
	}
	return bestMarker, best
}

func hasClaudeIndicatorNear(tail string) bool {
	for _, ind := range claudeUIIndicators {
		if strings.Contains(tail, ind) {
			return true
		}
	}
	return false
}
