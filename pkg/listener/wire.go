package listener

import (
	"time"

	"github.com/flowmesh/dorad/pkg/ids"
)

// Wire message kinds exchanged on the node socket. Request kinds are
// sent node→daemon; push/reply kinds are sent daemon→node.
const (
	kindSubscribe     = "subscribe"
	kindPrepareOutput = "prepare_output"
	kindSendOut       = "send_out"
	kindStopped       = "stopped"
	kindDrop          = "drop"

	kindResult   = "result"
	kindPrepared = "prepared"
	kindInput    = "input"
	kindClosed   = "input_closed"
	kindStop     = "stop"
)

type subscribeMsg struct {
	Dataflow ids.DataflowID
	Node     ids.NodeID
}

type prepareOutputMsg struct {
	Dataflow  ids.DataflowID
	Node      ids.NodeID
	Output    ids.DataID
	Sequence  uint64
	Timestamp time.Time
	DataLen   int
}

type sendOutMsg struct {
	Dataflow ids.DataflowID
	Node     ids.NodeID
	Handle   string
}

type stoppedMsg struct {
	Dataflow ids.DataflowID
	Node     ids.NodeID
}

type dropMsg struct {
	Token ids.DropToken
}

// resultMsg carries an error as a string, matching the wire protocol's
// Result<(), string> shape rather than a typed error code.
type resultMsg struct {
	Err string
}

type preparedMsg struct {
	Handle string
	Err    string
}

type inputMsg struct {
	Input     ids.InputID
	Sequence  uint64
	Timestamp time.Time
	HasData   bool
	SegmentID string
	Len       int
	Token     ids.DropToken
}

type inputClosedMsg struct {
	Input ids.InputID
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
