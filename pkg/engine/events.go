// Package engine implements the daemon's core: a single-threaded
// cooperative event loop that owns all mutable dataflow state, fans
// output messages out to local subscribers via shared-memory hand-off,
// and drives orderly dataflow and node shutdown.
package engine

import (
	"time"

	"github.com/flowmesh/dorad/pkg/ids"
)

// Metadata is attached to every message and tick the engine forwards. It
// stands in for a hybrid logical clock: a per-engine monotonic sequence
// number plus a wall-clock timestamp, sufficient for subscribers to
// order events from a single source without a full HLC implementation.
type Metadata struct {
	Sequence  uint64
	Timestamp time.Time
}

// Payload describes a shared-memory-backed message body as seen by a
// subscriber: the segment's OS-level identifier, its byte length, and
// the drop token the subscriber must release once done reading it. A
// nil *Payload means the message carries no data (see SendOutMessage
// step 5 and the zero-length boundary behaviour).
type Payload struct {
	SegmentID string
	Len       int
	Token     ids.DropToken
}

// DaemonEvent is sent from the engine to a node over that node's
// subscribe channel.
type DaemonEvent interface{ isDaemonEvent() }

// InputEvent delivers one message (or, for timer ticks, no data) to a
// node's named input.
type InputEvent struct {
	Input    ids.InputID
	Metadata Metadata
	Data     *Payload
}

func (InputEvent) isDaemonEvent() {}

// InputClosedEvent notifies a node that one of its inputs has no more
// live upstreams.
type InputClosedEvent struct {
	Input ids.InputID
}

func (InputClosedEvent) isDaemonEvent() {}

// StopEvent asks a node to shut down.
type StopEvent struct{}

func (StopEvent) isDaemonEvent() {}

// NodeEvent is sent from a node's connection goroutine to the engine.
type NodeEvent interface{ isNodeEvent() }

// SubscribeEvent registers a node's event sender under (Dataflow, Node).
// Reply is buffered (capacity 1); Done is closed by the connection
// goroutine if it gives up waiting for a reply (e.g. the socket broke),
// letting the engine detect a dead requester without blocking.
type SubscribeEvent struct {
	Dataflow ids.DataflowID
	Node     ids.NodeID
	Sender   chan<- DaemonEvent
	Reply    chan<- error
	Done     <-chan struct{}
}

func (SubscribeEvent) isNodeEvent() {}

// PrepareOutputEvent reserves a pending output message.
type PrepareOutputEvent struct {
	Dataflow ids.DataflowID
	Node     ids.NodeID
	Output   ids.DataID
	Metadata Metadata
	DataLen  int
	Reply    chan<- PrepareReply
	Done     <-chan struct{}
}

func (PrepareOutputEvent) isNodeEvent() {}

// PrepareReply is the control reply to a PrepareOutputEvent: either a
// handle to reuse in a following SendOutEvent, or an error.
type PrepareReply struct {
	Handle string
	Err    error
}

// SendOutEvent commits a previously prepared output message for fan-out.
type SendOutEvent struct {
	Dataflow ids.DataflowID
	Node     ids.NodeID
	Handle   string
	Reply    chan<- error
	Done     <-chan struct{}
}

func (SendOutEvent) isNodeEvent() {}

// StoppedEvent notifies the engine that a node has finished.
type StoppedEvent struct {
	Dataflow ids.DataflowID
	Node     ids.NodeID
	Reply    chan<- error
	Done     <-chan struct{}
}

func (StoppedEvent) isNodeEvent() {}

// DropEvent releases one subscriber's hold on a shared-memory segment.
// It carries no reply: the protocol treats Drop as a fire-and-forget
// signal.
type DropEvent struct {
	Token ids.DropToken
}

func (DropEvent) isNodeEvent() {}

// DoraEvent is the engine's internal event kind: timer ticks and
// asynchronous node-spawn results.
type DoraEvent interface{ isDoraEvent() }

// TimerTickEvent is pushed once per configured interval by a timer
// goroutine.
type TimerTickEvent struct {
	Dataflow ids.DataflowID
	Interval time.Duration
	Metadata Metadata
}

func (TimerTickEvent) isDoraEvent() {}

// SpawnedNodeResultEvent reports that a previously spawned node's
// process has exited.
type SpawnedNodeResultEvent struct {
	Dataflow ids.DataflowID
	Node     ids.NodeID
	Err      error
}

func (SpawnedNodeResultEvent) isDoraEvent() {}

// CoordinatorCommand is sent from the coordinator adapter to the engine.
type CoordinatorCommand interface{ isCoordinatorCommand() }

// SpawnNodeParams describes one node the coordinator wants installed:
// its launch parameters and its declared inputs/outputs.
type SpawnNodeParams struct {
	Node    ids.NodeID
	Path    string
	Args    []string
	Env     []string
	Inputs  map[ids.DataID]InputSource
	Outputs []ids.DataID
}

// InputSource is a sum type: exactly one of Upstream or TimerInterval is
// set, matching the descriptor's User/Timer InputMapping.
type InputSource struct {
	Upstream      *ids.OutputID
	TimerInterval time.Duration
}

// SpawnCommand installs a new dataflow.
type SpawnCommand struct {
	Dataflow ids.DataflowID
	Nodes    map[ids.NodeID]SpawnNodeParams
	Reply    chan<- SpawnResult
}

func (SpawnCommand) isCoordinatorCommand() {}

// StopDataflowCommand asks the engine to stop every node of a dataflow.
type StopDataflowCommand struct {
	Dataflow ids.DataflowID
	Reply    chan<- SpawnResult
}

func (StopDataflowCommand) isCoordinatorCommand() {}

// DestroyCommand asks the engine to exit its loop.
type DestroyCommand struct {
	Reply chan<- DestroyResult
}

func (DestroyCommand) isCoordinatorCommand() {}

// WatchdogCommand is an inbound liveness probe (used when the daemon
// itself is being watched, distinct from the outbound watchdog in
// §4.6/loop.go).
type WatchdogCommand struct {
	Reply chan<- struct{}
}

func (WatchdogCommand) isCoordinatorCommand() {}

// SpawnResult is the reply to both Spawn and StopDataflow, matching the
// wire protocol's reuse of one reply shape for both (§9 Open Questions).
type SpawnResult struct {
	Err error
}

// DestroyResult is the reply to Destroy.
type DestroyResult struct {
	Err error
}

// AllNodesFinished is the daemon-originated event sent to the
// coordinator once a dataflow's running_nodes set empties.
type AllNodesFinished struct {
	Dataflow ids.DataflowID
	Err      error
}
