package ptyworker

import (
	"fmt"
	"strings"
	"time"
)

// RenderParams bundles format_injection's inputs: "a pure
// function of (from, event_id, body, target, include_reminder?,
// pre_registered?, assigned_name?) producing the same bytes for the same
// inputs." from is the raw sender identity (Event.RawFrom), not the
// router-normalized display name — the reply-target/display derivation
// below has its own normalization rule, distinct from the Router's ingress
// one.
type RenderParams struct {
	From            string
	EventID         string
	Body            string
	Target          string
	Attempt         int // 1 = first injection, 2 = retry, >=3 = further retries
	IncludeReminder bool
	PreRegistered   bool
	AssignedName    string // "" if unknown
}

// FormatInjection renders the canonical injection string. Ported from the relay_line/reminder assembly in this stack's PTY
// bridging reference material, re-expressed idiomatically rather than
// translated line for line.
func FormatInjection(p RenderParams) string {
	senderName := senderDisplayName(p.From)
	relayLine, preWrapped := buildRelayLine(senderName, p.Target, p.EventID, p.Body, p.Attempt)

	if !p.IncludeReminder {
		hint := buildShortHint(p.From, p.Target, relayLine, p.PreRegistered, p.AssignedName)
		return hint + "\n" + relayLine
	}
	_ = preWrapped
	reminder := buildReminder(p.From, p.Target, relayLine, p.PreRegistered, p.AssignedName)
	return reminder + "\n" + relayLine
}

func buildRelayLine(senderName, target, eventID, body string, attempt int) (line string, preWrapped bool) {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "Relay message from ") {
		return trimmed, true
	}
	if strings.HasPrefix(trimmed, "<system-reminder>") {
		return body, true
	}

	prefix := ""
	switch {
	case attempt == 2:
		prefix = "[RETRY] "
	case attempt >= 3:
		prefix = "[URGENT - PLEASE ACKNOWLEDGE] "
	}

	if strings.HasPrefix(target, "#") {
		return fmt.Sprintf("\n%sRelay message from %s in %s [%s]: %s\n", prefix, senderName, target, eventID, body), false
	}
	return fmt.Sprintf("\n%sRelay message from %s [%s]: %s\n", prefix, senderName, eventID, body), false
}

// senderDisplayName and senderReplyTarget implement format_injection's own
// identity derivation: strip a "human:" prefix first, then collapse
// broker-shaped names to "Dashboard". This differs from the Router's
// ingress normalization (router.NormalizeIdentity) in two respects: a
// bare "broker-<alnum>" identity matches here but bare "broker" does not,
// and a "human:alice" sender displays as "alice", not "Dashboard".
func senderDisplayName(from string) string {
	normalized := stripHumanPrefix(from)
	if isBrokerHyphenIdentity(normalized) {
		return "Dashboard"
	}
	return normalized
}

func senderReplyTarget(from string) string {
	return stripHumanPrefix(from)
}

func stripHumanPrefix(from string) string {
	rest, ok := cutPrefix(from, "human:")
	if !ok {
		return from
	}
	trimmed := strings.TrimSpace(rest)
	if trimmed == "" {
		return from
	}
	return trimmed
}

func isBrokerHyphenIdentity(name string) bool {
	trimmed := strings.TrimSpace(name)
	rest, ok := cutPrefix(trimmed, "broker-")
	if !ok || rest == "" {
		return false
	}
	for _, c := range rest {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// detectChannelContext implements the `[#channel]`-in-body precedence rule
// target wins if it starts with '#'; otherwise a
// "[#channel]" or " in #channel" marker inside the rendered line wins.
func detectChannelContext(relayLine, target string) string {
	if strings.HasPrefix(target, "#") {
		return strings.TrimSpace(target)
	}
	if start := strings.Index(relayLine, "[#"); start >= 0 {
		rest := relayLine[start+1:]
		if end := strings.Index(rest, "]"); end >= 0 {
			channel := strings.TrimSpace(rest[:end])
			if strings.HasPrefix(channel, "#") && len(channel) > 1 {
				return channel
			}
		}
	}
	if start := strings.Index(relayLine, " in #"); start >= 0 {
		rest := relayLine[start+4:]
		end := len(rest)
		for i, c := range rest {
			if c == ' ' || c == ':' || c == ']' || c == '\n' {
				end = i
				break
			}
		}
		candidate := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(candidate, "#") && len(candidate) > 1 {
			return candidate
		}
	}
	return ""
}

func buildReminder(sender, target, relayLine string, preRegistered bool, assignedName string) string {
	senderName := senderDisplayName(sender)
	replyTarget := senderReplyTarget(sender)
	channelHint := strings.TrimPrefix(channelOrDefault(relayLine, target), "#")

	var dmHint string
	if strings.EqualFold(replyTarget, senderName) {
		dmHint = fmt.Sprintf("- For direct replies to %q, use mcp__relaycast__send_dm or relaycast.send_dm (to: %q).", senderName, senderName)
	} else {
		dmHint = fmt.Sprintf("- For direct replies to %q, use mcp__relaycast__send_dm or relaycast.send_dm (to: %q).", senderName, replyTarget)
	}
	channelHintLine := fmt.Sprintf("- For channel replies, use mcp__relaycast__post_message or relaycast.post_message (channel: %q).", channelHint)

	var reg1, reg2 string
	switch {
	case preRegistered:
		reg1 = "You are pre-registered by the broker under your assigned worker name."
		reg2 = `Do not call mcp__relaycast__register unless a send/reply fails with "Not registered".`
	case assignedName != "":
		reg1 = "This worker was not pre-registered by the broker."
		reg2 = fmt.Sprintf(`Before replying, call mcp__relaycast__register (name: %q, type: "agent").`, assignedName)
	default:
		reg1 = "This worker was not pre-registered by the broker."
		reg2 = `Before replying, call mcp__relaycast__register (name: "<worker-name>", type: "agent").`
	}

	lines := []string{
		"<system-reminder>",
		"Relaycast MCP tools are available for replies.",
		reg1,
		reg2,
		dmHint,
		channelHintLine,
		"- For thread replies, use mcp__relaycast__reply_to_thread or relaycast.reply_to_thread.",
		"- To check unread messages/reactions, use mcp__relaycast__check_inbox or relaycast.check_inbox.",
		`- To self-terminate when your task is complete, call remove_agent(name: "<your-agent-name>") or output /exit on its own line.`,
		"</system-reminder>",
	}
	return strings.Join(lines, "\n")
}

func buildShortHint(sender, target, relayLine string, preRegistered bool, assignedName string) string {
	senderName := senderDisplayName(sender)
	replyTarget := senderReplyTarget(sender)
	dmTarget := replyTarget
	if strings.EqualFold(replyTarget, senderName) {
		dmTarget = senderName
	}
	channelHint := strings.TrimPrefix(channelOrDefault(relayLine, target), "#")

	var registerHint string
	switch {
	case preRegistered:
		registerHint = ""
	case assignedName != "":
		registerHint = fmt.Sprintf(` If unregistered, call mcp__relaycast__register(name: %q, type: "agent") first.`, assignedName)
	default:
		registerHint = ` If unregistered, call mcp__relaycast__register(name: "<worker-name>", type: "agent") first.`
	}

	return fmt.Sprintf(
		`<system-reminder>Reply via Relaycast MCP: mcp__relaycast__send_dm/relaycast.send_dm (to: %q) or mcp__relaycast__post_message/relaycast.post_message (channel: %q).%s</system-reminder>`,
		dmTarget, channelHint, registerHint,
	)
}

func channelOrDefault(relayLine, target string) string {
	if ctx := detectChannelContext(relayLine, target); ctx != "" {
		return ctx
	}
	return "#general"
}

// --- Delivery procedure and echo verification ---

// EchoBufferCapacity and echoBufferTrimTo are the bounded-buffer sizes the
// verification step uses: append up to 16000 bytes, trim to the most
// recent 12000 on overflow.
const (
	EchoBufferCapacity = 16000
	echoBufferTrimTo   = 12000
)

// EchoBuffer accumulates raw PTY output for echo-verification scanning.
type EchoBuffer struct {
	buf []byte
}

// Append adds a chunk, trimming to the most recent echoBufferTrimTo bytes
// if the buffer would exceed EchoBufferCapacity.
func (e *EchoBuffer) Append(chunk []byte) {
	e.buf = append(e.buf, chunk...)
	if len(e.buf) > EchoBufferCapacity {
		e.buf = e.buf[len(e.buf)-echoBufferTrimTo:]
	}
}

// ContainsStripped reports whether the ANSI-stripped buffer contents
// contain the given (already-rendered) expected echo substring.
func (e *EchoBuffer) ContainsStripped(expected string) bool {
	return strings.Contains(StripANSI(string(e.buf)), expected)
}

// Reset clears the buffer, e.g. after a successful verification.
func (e *EchoBuffer) Reset() { e.buf = e.buf[:0] }

// VerificationTimeout is the default window before a PendingVerification
// without a matching echo times out.
const VerificationTimeout = 5 * time.Second

// PendingVerification tracks one in-flight injection awaiting echo
// confirmation.
type PendingVerification struct {
	DeliveryID     string
	ExpectedEcho   string
	Attempts       int
	MaxAttempts    int
	InjectedAt     time.Time
}

// NewPendingVerification starts tracking a just-injected delivery with the
// default max_attempts=1.
func NewPendingVerification(deliveryID, expectedEcho string, now time.Time) *PendingVerification {
	return &PendingVerification{
		DeliveryID:   deliveryID,
		ExpectedEcho: expectedEcho,
		Attempts:     1,
		MaxAttempts:  1,
		InjectedAt:   now,
	}
}

// TimedOut reports whether the verification window has elapsed without a
// match.
func (pv *PendingVerification) TimedOut(now time.Time) bool {
	return now.Sub(pv.InjectedAt) >= VerificationTimeout
}

// CanRetry reports whether another re-injection attempt is permitted.
func (pv *PendingVerification) CanRetry() bool {
	return pv.Attempts < pv.MaxAttempts
}

// Retry bumps the attempt count and refreshes injected_at, returning the
// new attempt number for escalated-prefix rendering.
func (pv *PendingVerification) Retry(now time.Time) int {
	pv.Attempts++
	pv.InjectedAt = now
	return pv.Attempts
}
