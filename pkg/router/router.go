// Package router implements the Event Router: mapping raw
// Relay JSON into the broker's typed Event representation, deduplicating,
// filtering self-echoes, and routing broker commands.
//
// The field-extraction-at-the-boundary idiom (probe several nesting levels
// and field-name variants once, then hand downstream code a single typed
// struct) is grounded on this stack's fleet.TypedCommand discriminated
// union and agent/context.go's sanitize-then-normalize pass over raw
// provider payloads.
package router

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentrelay/broker/pkg/dedup"
	"github.com/agentrelay/broker/pkg/logger"
	"github.com/agentrelay/broker/pkg/types"
)

// messageTypes lists every `type` discriminator recognized as a
// message-carrying event.
var messageTypes = map[string]types.EventKind{
	"message.created":           types.KindMessageCreated,
	"message.received":          types.KindMessageCreated,
	"message.new":               types.KindMessageCreated,
	"message.sent":              types.KindMessageCreated,
	"message.delivered":         types.KindMessageCreated,
	"dm.received":               types.KindDMReceived,
	"dm.created":                types.KindDMReceived,
	"dm.new":                    types.KindDMReceived,
	"dm.sent":                   types.KindDMReceived,
	"dm.message.created":        types.KindDMReceived,
	"direct_message.received":   types.KindDMReceived,
	"direct_message.created":    types.KindDMReceived,
	"thread.reply":              types.KindThreadReply,
	"thread.message.created":    types.KindThreadReply,
	"thread.message.sent":       types.KindThreadReply,
	"group_dm.received":         types.KindGroupDMReceived,
	"group_dm.created":          types.KindGroupDMReceived,
	"group_dm.message.created":  types.KindGroupDMReceived,
}

var presenceTypes = map[string]bool{
	"agent.online": true, "agent.offline": true,
	"user.online": true, "user.offline": true,
}

// Router maps, deduplicates, and filters inbound Relay events.
type Router struct {
	dedup *dedup.Cache

	mu           sync.RWMutex
	localAgentID string
	selfNames    map[string]struct{}
	selfIDs      map[string]struct{}
}

// New creates a Router backed by the given shared dedup cache.
func New(cache *dedup.Cache, localAgentID, registeredAgentName string) *Router {
	r := &Router{
		dedup:        cache,
		localAgentID: localAgentID,
		selfNames:    map[string]struct{}{},
		selfIDs:      map[string]struct{}{},
	}
	if registeredAgentName != "" {
		r.selfNames[registeredAgentName] = struct{}{}
	}
	if localAgentID != "" {
		r.selfIDs[localAgentID] = struct{}{}
	}
	return r
}

// AddSelfName seeds an additional name that should be treated as this
// broker's own identity (e.g. one read from an external MCP config file).
func (r *Router) AddSelfName(name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfNames[name] = struct{}{}
}

// AddSelfID seeds an additional Relay-assigned agent id treated as self.
func (r *Router) AddSelfID(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfIDs[id] = struct{}{}
}

func (r *Router) isSelf(from, senderAgentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.selfNames[from]; ok {
		return true
	}
	if senderAgentID != "" {
		if _, ok := r.selfIDs[senderAgentID]; ok {
			return true
		}
	}
	return false
}

// Ingest runs the full Router algorithm on one raw inbound JSON payload:
// map, dedup, self-echo filter, command-acceptance check. It returns
// (event, true) if the event should be dispatched, or (nil, false) if it
// was dropped (malformed, duplicate, self-echo, or an unaccepted command).
func (r *Router) Ingest(raw []byte, now time.Time) (*types.Event, bool) {
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.WarnCF("router", "malformed event json", map[string]any{"error": err.Error()})
		return nil, false
	}

	typ, _ := env["type"].(string)
	if typ == "" {
		return nil, false
	}

	var ev *types.Event
	if typ == "command.invoked" {
		ev = r.mapCommand(env)
	} else {
		ev = r.mapEvent(typ, env)
	}
	if ev == nil {
		return nil, false
	}

	if !r.dedup.InsertIfNew(ev.EventID, now) {
		return nil, false
	}

	if ev.Kind == types.KindBrokerCommand {
		if !r.acceptCommand(ev.Command) {
			return nil, false
		}
		return ev, true
	}

	if r.isSelf(ev.From, ev.SenderAgentID) {
		return nil, false
	}
	return ev, true
}

// MapEvent is the pure mapping half of Ingest: it
// performs no dedup or filtering, only JSON-to-Event translation. Exposed
// for testing against the field-extraction algorithm directly.
func (r *Router) MapEvent(raw []byte) (*types.Event, bool) {
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	typ, _ := env["type"].(string)
	ev := r.mapEvent(typ, env)
	return ev, ev != nil
}

// MapCommand is the pure mapping half for command.invoked events.
func (r *Router) MapCommand(raw []byte) (*types.Event, bool) {
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	if typ, _ := env["type"].(string); typ != "command.invoked" {
		return nil, false
	}
	ev := r.mapCommand(env)
	return ev, ev != nil
}

func (r *Router) mapEvent(typ string, env map[string]any) *types.Event {
	kind, known := messageTypes[typ]
	isPresence := presenceTypes[typ]
	if !known && !isPresence {
		return nil
	}

	if isPresence {
		from, _ := firstString(env, "from", "agent_name", "user", "username")
		return &types.Event{
			EventID:  fmt.Sprintf("presence-%s-%s", typ, from),
			Kind:     types.KindPresence,
			From:     normalizeIdentity(from),
			RawFrom:  from,
			Priority: types.PriorityPresence,
		}
	}

	// Special case: message.created with no channel
	// but a non-empty conversation_id is reclassified as DM.
	if typ == "message.created" {
		channel, _ := searchField(env, "channel")
		convID, _ := searchField(env, "conversation_id")
		if channel == "" && convID != "" {
			kind = types.KindDMReceived
		}
	}

	eventID, _ := searchField(env, "id", "event_id", "message_id")
	from, _ := searchField(env, "from", "agent_name", "sender", "username", "user")
	senderAgentID, _ := searchField(env, "agent_id", "sender_agent_id")
	target, _ := searchField(env, "channel", "conversation_id", "target")
	text, _ := searchField(env, "text", "content", "body")
	threadID, _ := searchField(env, "thread_id", "thread")
	senderKindRaw, _ := searchField(env, "sender_kind", "kind")

	if text == "" {
		// Step 3: require either a message object or inline text-like field.
		return nil
	}

	if eventID == "" {
		digestInput := strings.Join([]string{string(typ), from, target, text, threadID}, "\x1f")
		sum := sha256.Sum256([]byte(digestInput))
		eventID = "synthetic-" + typ + "-" + hex.EncodeToString(sum[:])[:16]
	}

	priority := types.PriorityChannel
	if kind == types.KindDMReceived {
		priority = types.PriorityDM
	}

	return &types.Event{
		EventID:       eventID,
		Kind:          kind,
		From:          normalizeIdentity(from),
		RawFrom:       from,
		SenderAgentID: senderAgentID,
		SenderKind:    classifySenderKind(senderKindRaw, from),
		Target:        target,
		Text:          text,
		ThreadID:      threadID,
		Priority:      priority,
	}
}

func (r *Router) mapCommand(env map[string]any) *types.Event {
	command, _ := env["command"].(string)
	command = strings.TrimPrefix(command, "/")
	if idx := strings.Index(command, "-"); idx >= 0 {
		command = command[:idx]
	}

	params, _ := env["parameters"].(map[string]any)
	invokedBy, _ := env["invoked_by"].(string)
	handlerAgentID, _ := env["handler_agent_id"].(string)
	channel, _ := env["channel"].(string)

	var action types.CommandAction
	var spawn *types.SpawnParams
	var release *types.ReleaseParams

	switch command {
	case "spawn":
		action = types.CommandSpawn
		name, _ := params["name"].(string)
		cli, _ := params["cli"].(string)
		var args []string
		if rawArgs, ok := params["args"].([]any); ok {
			for _, a := range rawArgs {
				if s, ok := a.(string); ok {
					args = append(args, s)
				}
			}
		}
		spawn = &types.SpawnParams{Name: name, CLI: cli, Args: args}
	case "release":
		action = types.CommandRelease
		name, _ := params["name"].(string)
		release = &types.ReleaseParams{Name: name}
	default:
		return nil
	}

	digestInput := strings.Join([]string{"command.invoked", command, invokedBy, channel}, "\x1f")
	sum := sha256.Sum256([]byte(digestInput))
	eventID := "synthetic-command-" + hex.EncodeToString(sum[:])[:16]

	return &types.Event{
		EventID:  eventID,
		Kind:     types.KindBrokerCommand,
		From:     normalizeIdentity(invokedBy),
		RawFrom:  invokedBy,
		Target:   channel,
		Priority: types.PriorityChannel,
		Command: &types.BrokerCommand{
			Action:         action,
			HandlerAgentID: handlerAgentID,
			InvokedBy:      invokedBy,
			Spawn:          spawn,
			Release:        release,
		},
	}
}

// acceptCommand implements command routing: accepted if the
// handler_agent_id equals the local agent id, or is absent (warn + accept,
// for single-broker-setup ergonomics).
func (r *Router) acceptCommand(cmd *types.BrokerCommand) bool {
	if cmd.HandlerAgentID == "" {
		logger.WarnCF("router", "broker command missing handler_agent_id, accepting by default",
			map[string]any{"action": cmd.Action})
		return true
	}
	return cmd.HandlerAgentID == r.localAgentID
}

// NormalizeIdentity is the exported form of normalizeIdentity. The PTY
// worker's injection formatter does not call it; it applies its own
// display-name rule to the raw identity carried on Event.RawFrom.
func NormalizeIdentity(from string) string { return normalizeIdentity(from) }

// normalizeIdentity implements the identity normalization
// invariant: "broker" / "broker-<alnum>" / "human:*" -> "Dashboard".
func normalizeIdentity(from string) string {
	if from == "broker" || isBrokerAlnum(from) || strings.HasPrefix(from, "human:") {
		return "Dashboard"
	}
	return from
}

func isBrokerAlnum(from string) bool {
	const prefix = "broker-"
	if !strings.HasPrefix(from, prefix) {
		return false
	}
	suffix := from[len(prefix):]
	if suffix == "" {
		return false
	}
	for _, c := range suffix {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// ReplyTarget returns the identity a reply should be addressed to: the
// part after a "human:" prefix, or the raw from string otherwise. Callers
// keep the raw identity on Event.RawFrom; see FormatInjection in
// pkg/ptyworker.
func ReplyTarget(rawFrom string) string {
	if strings.HasPrefix(rawFrom, "human:") {
		return strings.TrimPrefix(rawFrom, "human:")
	}
	return rawFrom
}

func classifySenderKind(raw, from string) types.SenderKind {
	switch raw {
	case "human":
		return types.SenderHuman
	case "agent":
		return types.SenderAgent
	}
	if strings.HasPrefix(from, "human:") {
		return types.SenderHuman
	}
	return types.SenderUnknown
}

// firstString returns the first present string field among candidates.
func firstString(env map[string]any, candidates ...string) (string, bool) {
	for _, c := range candidates {
		if v, ok := env[c].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// nestedMaps returns the four nesting levels searched by field
// extraction, in priority order: top, message, payload, payload.message
func nestedMaps(env map[string]any) []map[string]any {
	levels := []map[string]any{env}
	if m, ok := env["message"].(map[string]any); ok {
		levels = append(levels, m)
	}
	if p, ok := env["payload"].(map[string]any); ok {
		levels = append(levels, p)
		if pm, ok := p["message"].(map[string]any); ok {
			levels = append(levels, pm)
		}
	}
	return levels
}

// searchField searches the four nesting levels for any of the candidate
// field names, in level-priority then candidate-priority order.
func searchField(env map[string]any, candidates ...string) (string, bool) {
	for _, level := range nestedMaps(env) {
		for _, c := range candidates {
			if v, ok := level[c].(string); ok && v != "" {
				return v, true
			}
		}
	}
	return "", false
}
