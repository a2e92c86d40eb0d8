// Package ownership implements the release-authority rule, the one access-control decision this broker makes.
//
// The deny-by-default, audited decision shape is grounded on this stack's
// rbac.Enforcer.Check: a single boolean decision derived from an identity
// and a resource, logged either way so denials are auditable.
package ownership

import (
	"github.com/agentrelay/broker/pkg/logger"
	"github.com/agentrelay/broker/pkg/types"
)

// HumanSenderIDs is a configured set of Relay-assigned agent ids that
// should be treated as human even without an explicit sender_kind field.
type HumanSenderIDs map[string]struct{}

// IsHuman classifies a sender as human using the event's sender_kind when
// present, falling back to the "human:" prefix and a configured id set.
func IsHuman(from, senderAgentID string, senderKind types.SenderKind, humanIDs HumanSenderIDs) bool {
	switch senderKind {
	case types.SenderHuman:
		return true
	case types.SenderAgent:
		return false
	}
	if len(from) >= len("human:") && from[:len("human:")] == "human:" {
		return true
	}
	if senderAgentID != "" {
		if _, ok := humanIDs[senderAgentID]; ok {
			return true
		}
	}
	return false
}

// CanReleaseChild implements the release-authority rule: a request to
// release worker W
// from sender S is allowed iff owner(W) == S, or S is human. Agent-to-agent
// release of another agent's child is forbidden.
//
// owner is the worker's recorded owner (the `from` string of whoever
// invoked spawn, normalized the same way Router normalizes identities;
// "" for directly-spawned workers, which only a human may release).
func CanReleaseChild(owner, sender string, senderIsHuman bool) bool {
	allowed := senderIsHuman || (owner != "" && owner == sender)
	logDecision(owner, sender, senderIsHuman, allowed)
	return allowed
}

func logDecision(owner, sender string, senderIsHuman, allowed bool) {
	fields := map[string]any{
		"owner":           owner,
		"sender":          sender,
		"sender_is_human": senderIsHuman,
		"allowed":         allowed,
	}
	if allowed {
		logger.InfoCF("ownership", "release authorized", fields)
	} else {
		logger.WarnCF("ownership", "release denied", fields)
	}
}
