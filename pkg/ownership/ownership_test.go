package ownership

import (
	"testing"

	"github.com/agentrelay/broker/pkg/types"
)

func TestCanReleaseChild_OwnerMayRelease(t *testing.T) {
	if !CanReleaseChild("alice", "alice", false) {
		t.Fatal("expected owner to be allowed to release their own child")
	}
}

func TestCanReleaseChild_HumanMayAlwaysRelease(t *testing.T) {
	if !CanReleaseChild("alice", "bob", true) {
		t.Fatal("expected a human sender to be allowed regardless of ownership")
	}
}

// Agent-to-agent release of another
// agent's child is forbidden.
func TestCanReleaseChild_AgentCannotReleaseOthersChild(t *testing.T) {
	if CanReleaseChild("alice", "bob", false) {
		t.Fatal("expected non-owning non-human sender to be denied")
	}
}

func TestCanReleaseChild_DirectlySpawnedOnlyHuman(t *testing.T) {
	if CanReleaseChild("", "bob", false) {
		t.Fatal("expected directly-spawned worker (no owner) to deny non-human release")
	}
	if !CanReleaseChild("", "bob", true) {
		t.Fatal("expected directly-spawned worker to allow human release")
	}
}

func TestIsHuman_ExplicitSenderKind(t *testing.T) {
	if !IsHuman("alice", "", types.SenderHuman, nil) {
		t.Fatal("expected explicit human sender_kind to classify as human")
	}
	if IsHuman("alice", "", types.SenderAgent, nil) {
		t.Fatal("expected explicit agent sender_kind to classify as non-human")
	}
}

func TestIsHuman_FallbackHeuristics(t *testing.T) {
	if !IsHuman("human:bob", "", types.SenderUnknown, nil) {
		t.Fatal("expected human: prefix fallback to classify as human")
	}
	ids := HumanSenderIDs{"agent-99": {}}
	if !IsHuman("bob", "agent-99", types.SenderUnknown, ids) {
		t.Fatal("expected configured human agent id to classify as human")
	}
	if IsHuman("bob", "agent-1", types.SenderUnknown, ids) {
		t.Fatal("expected unconfigured unknown sender to classify as non-human")
	}
}
