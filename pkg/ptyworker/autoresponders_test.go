package ptyworker

import (
	"testing"
	"time"
)

func TestMcpApproval_FiresOnHeaderAndApproveAll(t *testing.T) {
	a := NewAutoResponders()
	now := time.Now()
	resp := a.Feed("MCP Server Approval Required\nApprove All\n", now)
	if resp == nil || string(resp.Writes[0].Bytes) != "a" {
		t.Fatalf("expected single 'a' write, got %+v", resp)
	}
	if resp2 := a.Feed("MCP Server Approval Required\nApprove All\n", now); resp2 != nil {
		t.Fatalf("expected one-shot, got second fire %+v", resp2)
	}
}

func TestMcpApproval_FiresAfterPersistence(t *testing.T) {
	a := NewAutoResponders()
	t0 := time.Now()
	if resp := a.Feed("MCP Server Approval Required\n", t0); resp != nil {
		t.Fatalf("expected no immediate fire, got %+v", resp)
	}
	if resp := a.Feed("still here\n", t0.Add(6*time.Second)); resp == nil {
		t.Fatalf("expected fire after 5s persistence")
	}
}

func TestBypassPermissions_SendsYOnPlainPrompt(t *testing.T) {
	a := NewAutoResponders()
	resp := a.Feed("dangerously skip permissions? proceed (yes/no)", time.Now())
	if resp == nil || string(resp.Writes[0].Bytes) != "y\n" {
		t.Fatalf("got %+v", resp)
	}
}

func TestBypassPermissions_MenuSendsDownEnter(t *testing.T) {
	a := NewAutoResponders()
	resp := a.Feed("bypass permissions: accept risk, exit, or enter confirm", time.Now())
	if resp == nil || len(resp.Writes) != 3 || string(resp.Writes[0].Bytes) != "\x1b[B" {
		t.Fatalf("got %+v", resp)
	}
}

func TestCodexUpgrade_FiresOnBothPhrases(t *testing.T) {
	a := NewAutoResponders()
	resp := a.Feed("codex has a new model available, try existing model instead?", time.Now())
	if resp == nil || string(resp.Writes[2].Bytes) != "\r" {
		t.Fatalf("got %+v", resp)
	}
}

func TestGeminiActionRequired_SendsTwo(t *testing.T) {
	a := NewAutoResponders()
	resp := a.Feed("Action Required: Allow once?", time.Now())
	if resp == nil || string(resp.Writes[0].Bytes) != "2\n" {
		t.Fatalf("got %+v", resp)
	}
}

func TestBypassPermissions_RateLimitedToFiveFires(t *testing.T) {
	a := NewAutoResponders()
	now := time.Now()
	fires := 0
	for i := 0; i < 10; i++ {
		now = now.Add(3 * time.Second)
		if resp := a.Feed("dangerously proceed yes/no", now); resp != nil {
			fires++
		}
	}
	if fires != 5 {
		t.Fatalf("expected exactly 5 fires, got %d", fires)
	}
}
