package ptyworker

import (
	"strings"
	"testing"
)

func TestFormatInjection_ChannelForm(t *testing.T) {
	out := FormatInjection(RenderParams{
		From: "alice", EventID: "evt_1", Body: "hello", Target: "#general",
		Attempt: 1, IncludeReminder: true,
	})
	want := "\nRelay message from alice in #general [evt_1]: hello\n"
	if !containsAt(out, want) {
		t.Fatalf("expected output to contain %q, got %q", want, out)
	}
}

func TestFormatInjection_DMForm(t *testing.T) {
	out := FormatInjection(RenderParams{
		From: "alice", EventID: "evt_1", Body: "hello", Target: "Bob",
		Attempt: 1, IncludeReminder: true,
	})
	want := "\nRelay message from alice [evt_1]: hello\n"
	if !containsAt(out, want) {
		t.Fatalf("expected output to contain %q, got %q", want, out)
	}
}

func TestFormatInjection_HumanPrefixStrippedNotDashboard(t *testing.T) {
	if got := senderDisplayName("human:alice"); got != "alice" {
		t.Fatalf("sender display = %q, want alice", got)
	}
	if got := senderReplyTarget("human:alice"); got != "alice" {
		t.Fatalf("reply target = %q, want alice", got)
	}
}

func TestFormatInjection_BrokerHyphenMapsToDashboard(t *testing.T) {
	if got := senderDisplayName("broker-951762d5"); got != "Dashboard" {
		t.Fatalf("sender display = %q, want Dashboard", got)
	}
	if got := senderReplyTarget("broker-951762d5"); got != "broker-951762d5" {
		t.Fatalf("reply target = %q, want raw identity", got)
	}
}

func TestFormatInjection_PreWrappedBodyUsedAsIs(t *testing.T) {
	body := "Relay message from alice [evt_1]: already wrapped"
	out := FormatInjection(RenderParams{
		From: "alice", EventID: "evt_1", Body: body, Target: "Bob",
		Attempt: 1, IncludeReminder: false,
	})
	if !containsAt(out, body) {
		t.Fatalf("expected pre-wrapped body passed through, got %q", out)
	}
}

func TestFormatInjection_SystemReminderBodyVerbatim(t *testing.T) {
	body := "<system-reminder>custom</system-reminder>"
	out := FormatInjection(RenderParams{
		From: "alice", EventID: "evt_1", Body: body, Target: "Bob",
		Attempt: 1, IncludeReminder: false,
	})
	if !containsAt(out, body) {
		t.Fatalf("expected system-reminder body verbatim, got %q", out)
	}
}

func TestFormatInjection_RetryEscalationPrefixes(t *testing.T) {
	out2 := FormatInjection(RenderParams{From: "alice", EventID: "e", Body: "hi", Target: "Bob", Attempt: 2})
	if !containsAt(out2, "[RETRY] Relay message from alice") {
		t.Fatalf("expected [RETRY] prefix, got %q", out2)
	}
	out3 := FormatInjection(RenderParams{From: "alice", EventID: "e", Body: "hi", Target: "Bob", Attempt: 3})
	if !containsAt(out3, "[URGENT - PLEASE ACKNOWLEDGE] Relay message from alice") {
		t.Fatalf("expected URGENT prefix, got %q", out3)
	}
}

func TestFormatInjection_Deterministic(t *testing.T) {
	p := RenderParams{From: "alice", EventID: "e1", Body: "hi", Target: "#x", Attempt: 1, IncludeReminder: true, PreRegistered: true}
	a := FormatInjection(p)
	b := FormatInjection(p)
	if a != b {
		t.Fatalf("expected pure function, got different output for identical input")
	}
}

func TestEchoBuffer_OverflowTrimsToTail(t *testing.T) {
	var e EchoBuffer
	e.Append(make([]byte, EchoBufferCapacity+500))
	if len(e.buf) != echoBufferTrimTo {
		t.Fatalf("expected trim to %d, got %d", echoBufferTrimTo, len(e.buf))
	}
}

func TestEchoBuffer_MatchesAfterANSIStrip(t *testing.T) {
	var e EchoBuffer
	e.Append([]byte("\x1b[32mRelay message from alice [e1]: hi\x1b[0m"))
	if !e.ContainsStripped("Relay message from alice [e1]: hi") {
		t.Fatalf("expected stripped match")
	}
}

func containsAt(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
