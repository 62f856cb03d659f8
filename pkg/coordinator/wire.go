package coordinator

import "github.com/flowmesh/dorad/pkg/ids"

// Wire message kinds for the coordinator protocol. "watchdog"/
// "watchdog_ack" are used symmetrically: whichever side sends
// "watchdog" expects "watchdog_ack" back on the same connection.
const (
	kindSpawn        = "spawn"
	kindStopDataflow = "stop_dataflow"
	kindDestroy      = "destroy"
	kindWatchdog     = "watchdog"

	kindResult        = "result"
	kindDestroyResult = "destroy_result"
	kindWatchdogAck   = "watchdog_ack"

	kindAllNodesFinished = "all_nodes_finished"
)

type spawnNodeParamsMsg struct {
	Node    ids.NodeID
	Path    string
	Args    []string
	Env     []string
	Inputs  map[ids.DataID]inputSourceMsg
	Outputs []ids.DataID
}

type inputSourceMsg struct {
	UpstreamNode   ids.NodeID
	UpstreamOutput ids.DataID
	HasUpstream    bool
	TimerIntervalNs int64
}

type spawnMsg struct {
	Dataflow ids.DataflowID
	Nodes    map[ids.NodeID]spawnNodeParamsMsg
}

type stopDataflowMsg struct {
	Dataflow ids.DataflowID
}

type resultMsg struct {
	Err string
}

type allNodesFinishedMsg struct {
	Dataflow ids.DataflowID
	Err      string
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
