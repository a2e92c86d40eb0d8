// Package types holds the broker's shared data model: the Event envelope,
// Delivery tracking records, Worker lifecycle state, and the priority/kind
// enumerations every component maps onto.
package types

import "time"

// EventKind classifies an Event after Router mapping.
type EventKind string

const (
	KindMessageCreated  EventKind = "message_created"
	KindDMReceived      EventKind = "dm_received"
	KindThreadReply     EventKind = "thread_reply"
	KindGroupDMReceived EventKind = "group_dm_received"
	KindPresence        EventKind = "presence"
	KindBrokerCommand   EventKind = "broker_command"
)

// SenderKind classifies who originated an Event.
type SenderKind string

const (
	SenderHuman   SenderKind = "human"
	SenderAgent   SenderKind = "agent"
	SenderUnknown SenderKind = "unknown"
)

// Priority orders events for injection scheduling (DMs ahead of channel
// traffic ahead of presence).
type Priority int

const (
	PriorityDM       Priority = 2 // P2
	PriorityChannel  Priority = 3 // P3
	PriorityPresence Priority = 4 // P4
)

// Event is the Router's typed, normalized representation of one inbound
// Relay occurrence. Kind
// discriminates which of the kind-specific fields are meaningful, but all
// fields live on one struct so downstream code need not type-switch to
// read the common ones (from, target, text).
type Event struct {
	EventID       string
	Kind          EventKind
	From          string
	RawFrom       string // pre-normalization identity, for reply-target/injection rendering
	SenderAgentID string
	SenderKind    SenderKind
	Target        string
	Text          string
	ThreadID      string
	Priority      Priority

	// Command is populated only when Kind == KindBrokerCommand.
	Command *BrokerCommand
}

// BrokerCommand is the parsed payload of a broker_command Event: either a
// spawn or a release request.
type BrokerCommand struct {
	Action          CommandAction
	HandlerAgentID  string
	InvokedBy       string
	Spawn           *SpawnParams
	Release         *ReleaseParams
}

// CommandAction discriminates the two supported broker commands.
type CommandAction string

const (
	CommandSpawn   CommandAction = "spawn"
	CommandRelease CommandAction = "release"
)

// SpawnParams is the parameter set for a spawn command.
type SpawnParams struct {
	Name string
	CLI  string
	Args []string
}

// ReleaseParams is the parameter set for a release command.
type ReleaseParams struct {
	Name string
}

// WorkerState is the Worker lifecycle.
type WorkerState string

const (
	WorkerCreating  WorkerState = "creating"
	WorkerReady     WorkerState = "ready"
	WorkerActive    WorkerState = "active"
	WorkerReleasing WorkerState = "releasing"
	WorkerExited    WorkerState = "exited"
)

// WorkerRuntime distinguishes PTY-backed workers from headless ones.
type WorkerRuntime string

const (
	RuntimePTY      WorkerRuntime = "pty"
	RuntimeHeadless WorkerRuntime = "headless"
)

// WorkerInfo is a read-only snapshot of one worker's identity and lifecycle
// state, suitable for status reporting and for the Spawner/Router's
// bookkeeping of who owns what.
type WorkerInfo struct {
	Name      string
	Runtime   WorkerRuntime
	CLI       string
	Args      []string
	Channels  []string
	Owner     string // the `from` string of whoever invoked spawn; "" for direct spawns
	State     WorkerState
	PID       int
	CreatedAt time.Time
}
