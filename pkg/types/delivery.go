package types

import "time"

// Delivery is a tracked attempt to inject one Event into one worker.
// Invariant: for each (WorkerName, EventID) at most one
// Delivery is pending at any time; DeliveryID is stable across retries.
type Delivery struct {
	DeliveryID      string
	EventID         string
	WorkerName      string
	Attempts        int
	NextRetryAt     time.Time
	InjectionString string
}

// DropReason names why the Delivery Supervisor removed a pending delivery
// without an ack.
type DropReason string

const (
	DropWorkerExited        DropReason = "worker_exited"
	DropMaxRetriesExceeded  DropReason = "max_retries_exceeded"
)
