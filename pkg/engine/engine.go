package engine

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmesh/dorad/pkg/daemonlog"
	"github.com/flowmesh/dorad/pkg/ids"
	"github.com/flowmesh/dorad/pkg/shmem"
)

// Backpressure constants. These are part of the wire contract described
// in SPEC_FULL §9 and must not be tuned per call site.
const (
	// DataSendTimeout bounds how long the engine waits to enqueue an
	// Input event on a subscriber channel before dropping the delivery.
	DataSendTimeout = 10 * time.Millisecond

	// TimerSendTimeout bounds delivery of a timer tick; shorter than
	// DataSendTimeout because ticks must never accumulate backlog.
	TimerSendTimeout = 1 * time.Millisecond

	// WatchdogInterval is how often the engine probes the coordinator
	// for liveness.
	WatchdogInterval = 5 * time.Second

	// DoraEventsCapacity and NodeEventsCapacity are the internal queue
	// sizes; deliberately small so a stalled engine applies backpressure
	// to producers quickly rather than buffering unbounded work.
	DoraEventsCapacity = 5
	NodeEventsCapacity = 10
)

// PreparedMessage is a pending output reserved by PrepareOutputMessage
// and not yet committed by SendOutMessage.
type PreparedMessage struct {
	Output   ids.DataID
	Metadata Metadata
	Segment  *shmem.Segment // nil for a zero-length output
}

// SpawnRequest is everything a Spawner needs to launch one node.
type SpawnRequest struct {
	Dataflow   ids.DataflowID
	Node       ids.NodeID
	Params     SpawnNodeParams
	ListenPort int
}

// Spawner launches node child processes. Spawn itself should return
// promptly: pre-spawn validation errors are returned synchronously, but
// the node's eventual termination must be reported asynchronously by
// sending a SpawnedNodeResultEvent on results. This mirrors the "launch
// a child process, report termination" contract the core engine expects
// of its spawner collaborator (SPEC_FULL §1/§11).
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest, results chan<- DoraEvent) error
}

// Stopper is an optional capability a Spawner backend may implement to
// force-stop a node rather than waiting for it to exit on its own after
// the wire StopEvent. ProcessBackend has no use for it (its children
// are trusted to self-terminate); ContainerdSpawner implements it to
// reclaim a sandboxed container that outlives its grace period.
type Stopper interface {
	Stop(ctx context.Context, dataflow ids.DataflowID, node ids.NodeID) error
}

// RemoteReceiver is an extension point for routing an output to a
// subscriber on another machine instead of a local subscribe channel.
// No backend implements it yet; SendOutMessage's fan-out only ever
// walks local receivers. Declared so a future cross-machine transport
// has a seam to attach to without reshaping the routing table.
type RemoteReceiver interface {
	SendRemote(ctx context.Context, input ids.InputID, metadata Metadata, segment *shmem.Segment) error
}

// CoordinatorNotifier sends daemon-originated events to the coordinator.
// NotifyAllNodesFinished is best-effort: a failure to deliver is logged,
// never fatal, matching §4.3's "notify the coordinator (best-effort)".
// SendWatchdog is not: the engine loop treats its error as fatal.
type CoordinatorNotifier interface {
	NotifyAllNodesFinished(AllNodesFinished)
	// SendWatchdog performs one watchdog round-trip; a non-nil error is
	// treated as loss of coordinator contact by the engine loop.
	SendWatchdog(ctx context.Context) error
}

// EngineSnapshot is a point-in-time copy of the engine's size counters,
// handed out through the loop goroutine rather than read directly off
// its maps (SPEC_FULL §5: no other goroutine ever touches engine
// state).
type EngineSnapshot struct {
	Dataflows             int
	Nodes                 int
	OpenSharedMemSegments int
}

// Config configures a new Engine.
type Config struct {
	MachineID  string
	ListenPort int

	// Commands carries inbound coordinator commands. In standalone mode
	// this is a one-element channel carrying a single SpawnCommand,
	// closed after consumption.
	Commands <-chan CoordinatorCommand

	// NewConnections carries freshly accepted node sockets; the engine
	// promotes each to a background decoder goroutine.
	NewConnections <-chan net.Conn

	Spawner     Spawner
	Coordinator CoordinatorNotifier // nil when no coordinator is configured

	// ExitWhenDone, when non-nil, puts the engine in standalone mode:
	// the loop exits once every (dataflow, node) pair in the set has
	// been removed (SPEC_FULL §12).
	ExitWhenDone map[ExitKey]struct{}

	// Log is the logger the engine attaches fields to. Nil selects the
	// global daemonlog.Logger.
	Log *zerolog.Logger
}

type ExitKey struct {
	Dataflow ids.DataflowID
	Node     ids.NodeID
}

// Engine is the event-loop core. All exported state is reached only
// through Run; there is intentionally no accessor that lets another
// goroutine touch the maps below directly.
type Engine struct {
	machineID  string
	listenPort int

	commands         <-chan CoordinatorCommand
	newConnections   <-chan net.Conn
	doraEvents       chan DoraEvent
	nodeEvents       chan NodeEvent
	snapshotRequests chan chan EngineSnapshot

	spawner     Spawner
	coordinator CoordinatorNotifier

	exitWhenDone map[ExitKey]struct{}

	preparedMessages    map[string]*PreparedMessage
	sentOutSharedMemory map[ids.DropToken]*shmem.Segment
	running             map[ids.DataflowID]*RunningDataflow
	dropTokens          ids.DropTokenSource
	handleCounter       uint64

	log zerolog.Logger

	standaloneErr error
}

// New builds an Engine ready to Run.
func New(cfg Config) *Engine {
	log := daemonlog.Logger
	if cfg.Log != nil {
		log = *cfg.Log
	}

	var exitWhenDone map[ExitKey]struct{}
	if cfg.ExitWhenDone != nil {
		exitWhenDone = cfg.ExitWhenDone
	}

	return &Engine{
		machineID:           cfg.MachineID,
		listenPort:          cfg.ListenPort,
		commands:            cfg.Commands,
		newConnections:      cfg.NewConnections,
		doraEvents:          make(chan DoraEvent, DoraEventsCapacity),
		nodeEvents:          make(chan NodeEvent, NodeEventsCapacity),
		snapshotRequests:    make(chan chan EngineSnapshot, 1),
		spawner:             cfg.Spawner,
		coordinator:         cfg.Coordinator,
		exitWhenDone:        exitWhenDone,
		preparedMessages:    make(map[string]*PreparedMessage),
		sentOutSharedMemory: make(map[ids.DropToken]*shmem.Segment),
		running:             make(map[ids.DataflowID]*RunningDataflow),
		log:                 log,
	}
}

// Snapshot asks the loop goroutine for a copy of its size counters and
// waits for the reply, bounded by ctx. It is the only safe way for
// another goroutine (the metrics collector) to observe engine state:
// e.running and friends are touched only inside Run, never read
// directly from outside it.
func (e *Engine) Snapshot(ctx context.Context) (EngineSnapshot, error) {
	reply := make(chan EngineSnapshot, 1)
	select {
	case e.snapshotRequests <- reply:
	case <-ctx.Done():
		return EngineSnapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return EngineSnapshot{}, ctx.Err()
	}
}

// snapshot computes the current size counters. Called only from the
// loop goroutine.
func (e *Engine) snapshot() EngineSnapshot {
	nodes := 0
	for _, df := range e.running {
		nodes += len(df.runningNodes)
	}
	return EngineSnapshot{
		Dataflows:             len(e.running),
		Nodes:                 nodes,
		OpenSharedMemSegments: len(e.sentOutSharedMemory),
	}
}

func (e *Engine) nextHandle() string {
	e.handleCounter++
	return fmt.Sprintf("dora-handle-%d", e.handleCounter)
}
