package engine

import (
	"context"
	"time"

	"github.com/flowmesh/dorad/pkg/ids"
)

// RunningDataflow holds the per-dataflow state the engine owns for one
// active dataflow. Every field is touched only from the engine loop
// goroutine; there is no mutex because there is no other writer.
type RunningDataflow struct {
	ID ids.DataflowID

	// subscribeChannels maps a node to its event queue. An entry exists
	// only while the node's open-input set is non-empty and the
	// channel has not been observed closed (invariant 2 in SPEC_FULL).
	subscribeChannels map[ids.NodeID]chan<- DaemonEvent

	// mappings routes one node's output to the set of inputs subscribed
	// to it. Built at spawn time; read-only afterward.
	mappings map[ids.OutputID]map[ids.InputID]struct{}

	// remoteReceivers would route an output to subscribers on another
	// machine. Never populated by any spawner today; kept so
	// SendOutMessage's fan-out has a seam to extend without reshaping
	// mappings once a cross-machine transport exists.
	remoteReceivers map[ids.OutputID][]RemoteReceiver

	// timers maps a tick interval to the inputs that should receive it.
	timers map[time.Duration]map[ids.InputID]struct{}

	// openInputs tracks, per node, which of its declared inputs still
	// have a live upstream (a real mapping or a running timer).
	openInputs map[ids.NodeID]map[ids.DataID]struct{}

	// runningNodes is the set of nodes whose termination has not yet
	// been observed (Stopped event or SpawnedNodeResult).
	runningNodes map[ids.NodeID]struct{}

	// timerCancels cancels every timer goroutine started for this
	// dataflow; invoked when the dataflow is torn down.
	timerCancels []context.CancelFunc
}

func newRunningDataflow(id ids.DataflowID) *RunningDataflow {
	return &RunningDataflow{
		ID:                id,
		subscribeChannels: make(map[ids.NodeID]chan<- DaemonEvent),
		mappings:          make(map[ids.OutputID]map[ids.InputID]struct{}),
		timers:            make(map[time.Duration]map[ids.InputID]struct{}),
		openInputs:        make(map[ids.NodeID]map[ids.DataID]struct{}),
		runningNodes:      make(map[ids.NodeID]struct{}),
	}
}

// closeSubscriberIfExhausted drops node's subscribe channel once it has
// no open inputs left, preserving invariant 2.
func (d *RunningDataflow) closeSubscriberIfExhausted(node ids.NodeID) {
	if len(d.openInputs[node]) == 0 {
		delete(d.subscribeChannels, node)
	}
}

// cancelTimers stops every timer goroutine owned by this dataflow.
func (d *RunningDataflow) cancelTimers() {
	for _, cancel := range d.timerCancels {
		cancel()
	}
}
