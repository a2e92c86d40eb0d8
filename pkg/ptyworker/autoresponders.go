package ptyworker

import (
	"strings"
	"time"
)

// AutoResponse is the action an auto-responder wants taken against the PTY.
type AutoResponse struct {
	// Writes go to the PTY in order; each one sleeps for its own
	// PauseAfter (if non-zero) before the next write.
	Writes []AutoWrite
}

// AutoWrite is one write-then-optional-sleep step of an auto-responder
// action.
type AutoWrite struct {
	Bytes      []byte
	PauseAfter time.Duration
}

// mcpApprovalBuffer, bypassBuffer etc. are the per-responder rolling
// buffers: "append-and-keep-tail" at a fixed
// capacity, detection running on the ANSI-stripped contents.
const (
	mcpApprovalBufferCap = 2500
	bypassBufferCap      = 2500
	codexBufferCap       = 2000
	geminiBufferCap      = 2000
)

// AutoResponders runs the four modal auto-responders in a fixed order over
// ANSI-stripped PTY output, grounded on the same rolling-buffer idiom as
// McpIDExtractor but with per-responder trigger/cooldown state machines.
type AutoResponders struct {
	mcpApproval mcpApprovalState
	bypass      bypassState
	codex       codexState
	gemini      geminiState
}

// NewAutoResponders returns a fresh, unfired set of responders.
func NewAutoResponders() *AutoResponders {
	return &AutoResponders{}
}

// Feed appends stripped to every responder's rolling buffer and runs each
// responder's trigger check in order, returning the first one that fires
// ("runs the modal auto-responders in order").
// Multiple responders can in principle be ready in the same chunk; only
// one fires per chunk, matching the single-head injection queue idiom
// used for PendingVerification.
func (a *AutoResponders) Feed(stripped string, now time.Time) *AutoResponse {
	if resp := a.mcpApproval.feed(stripped, now); resp != nil {
		return resp
	}
	if resp := a.bypass.feed(stripped, now); resp != nil {
		return resp
	}
	if resp := a.codex.feed(stripped, now); resp != nil {
		return resp
	}
	if resp := a.gemini.feed(stripped, now); resp != nil {
		return resp
	}
	return nil
}

func appendTail(buf string, chunk string, cap int) string {
	buf += chunk
	if len(buf) > cap {
		buf = buf[len(buf)-cap:]
	}
	return buf
}

// --- MCP-approval ---

type mcpApprovalState struct {
	buf        string
	fired      bool
	soleStart  time.Time // when a lone trigger half first appeared
	haveSole   bool
}

func (s *mcpApprovalState) feed(chunk string, now time.Time) *AutoResponse {
	if s.fired {
		return nil
	}
	s.buf = appendTail(s.buf, chunk, mcpApprovalBufferCap)

	hasHeader := strings.Contains(s.buf, "MCP Server Approval Required") || strings.Contains(s.buf, "MCP server approval")
	hasApproveAll := strings.Contains(strings.ToLower(s.buf), "approve all")

	if hasHeader && hasApproveAll {
		s.fired = true
		s.buf = ""
		return &AutoResponse{Writes: []AutoWrite{{Bytes: []byte("a")}}}
	}

	if hasHeader || hasApproveAll {
		if !s.haveSole {
			s.haveSole = true
			s.soleStart = now
		}
		if now.Sub(s.soleStart) >= 5*time.Second {
			s.fired = true
			s.buf = ""
			return &AutoResponse{Writes: []AutoWrite{{Bytes: []byte("a")}}}
		}
	} else {
		s.haveSole = false
	}
	return nil
}

// --- Bypass-permissions ---

type bypassState struct {
	buf          string
	fireCount    int
	cooldownUnti time.Time
}

func (s *bypassState) feed(chunk string, now time.Time) *AutoResponse {
	if s.fireCount >= 5 {
		return nil
	}
	if now.Before(s.cooldownUnti) {
		s.buf = ""
		return nil
	}
	s.buf = appendTail(s.buf, chunk, bypassBufferCap)

	lower := strings.ToLower(s.buf)
	hasKeyword := strings.Contains(lower, "bypass") || strings.Contains(lower, "dangerously")
	hasPrompt := strings.Contains(lower, "yes") || strings.Contains(lower, "no") ||
		strings.Contains(lower, "proceed") || strings.Contains(lower, "accept") && strings.Contains(lower, "risk")
	if !hasKeyword || !hasPrompt {
		return nil
	}

	isMenu := strings.Contains(lower, "accept") && strings.Contains(lower, "exit") && strings.Contains(lower, "enter confirm")

	s.fireCount++
	s.cooldownUnti = now.Add(2 * time.Second)
	s.buf = ""

	if isMenu {
		return &AutoResponse{Writes: []AutoWrite{
			{Bytes: []byte("\x1b[B")}, // Down-arrow
			{PauseAfter: 200 * time.Millisecond},
			{Bytes: []byte("\r")},
		}}
	}
	return &AutoResponse{Writes: []AutoWrite{{Bytes: []byte("y\n")}}}
}

// --- Codex-upgrade ---

type codexState struct {
	buf   string
	fired bool
}

func (s *codexState) feed(chunk string, now time.Time) *AutoResponse {
	if s.fired {
		return nil
	}
	s.buf = appendTail(s.buf, chunk, codexBufferCap)
	lower := strings.ToLower(s.buf)

	upgradeTrigger := strings.Contains(lower, "codex") &&
		(strings.Contains(lower, "upgrade") || (strings.Contains(lower, "new") && strings.Contains(lower, "model")))
	existingTrigger := strings.Contains(lower, "try") && strings.Contains(lower, "existing")

	if !upgradeTrigger || !existingTrigger {
		return nil
	}
	s.fired = true
	s.buf = ""
	return &AutoResponse{Writes: []AutoWrite{
		{Bytes: []byte("\x1b[B")},
		{PauseAfter: 100 * time.Millisecond},
		{Bytes: []byte("\r")},
	}}
}

// --- Gemini action-required ---

type geminiState struct {
	buf          string
	cooldownUnti time.Time
}

func (s *geminiState) feed(chunk string, now time.Time) *AutoResponse {
	if now.Before(s.cooldownUnti) {
		s.buf = ""
		return nil
	}
	s.buf = appendTail(s.buf, chunk, geminiBufferCap)

	if !strings.Contains(s.buf, "Action Required") {
		return nil
	}
	if !strings.Contains(s.buf, "Allow once") && !strings.Contains(s.buf, "Allow for this session") {
		return nil
	}
	s.cooldownUnti = now.Add(2 * time.Second)
	s.buf = ""
	return &AutoResponse{Writes: []AutoWrite{{Bytes: []byte("2\n")}}}
}
