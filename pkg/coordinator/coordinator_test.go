package coordinator

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/dorad/pkg/codec"
	"github.com/flowmesh/dorad/pkg/engine"
	"github.com/flowmesh/dorad/pkg/ids"
)

var errAlreadyExists = errors.New("dataflow already exists")

const testTimeout = 2 * time.Second

// newTestAdapter wires an Adapter directly onto one end of a net.Pipe,
// skipping Dial's network dial and registration handshake so tests run
// without a real listener.
func newTestAdapter(t *testing.T) (a *Adapter, peer net.Conn) {
	t.Helper()
	serverSide, peer := net.Pipe()

	a = &Adapter{
		conn:        serverSide,
		commands:    make(chan engine.CoordinatorCommand, commandQueueCapacity),
		writes:      make(chan codec.Envelope, commandQueueCapacity),
		watchdogAck: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go a.writeLoop()
	go a.readLoop()

	t.Cleanup(func() { a.Close() })
	return a, peer
}

func writeEnvelope(t *testing.T, conn net.Conn, kind string, v interface{}) {
	t.Helper()
	env, err := codec.Encode(kind, v)
	require.NoError(t, err)
	require.NoError(t, codec.WriteFrame(conn, env))
}

func readEnvelope(t *testing.T, conn net.Conn) codec.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	env, err := codec.ReadFrame(codec.NewFrameReader(conn))
	require.NoError(t, err)
	return env
}

func TestSpawnCommandRoundTrip(t *testing.T) {
	a, peer := newTestAdapter(t)

	dataflow := ids.NewDataflowID()
	writeEnvelope(t, peer, kindSpawn, spawnMsg{
		Dataflow: dataflow,
		Nodes: map[ids.NodeID]spawnNodeParamsMsg{
			"producer": {
				Node:    "producer",
				Path:    "/bin/producer",
				Outputs: []ids.DataID{"x"},
			},
			"consumer": {
				Node: "consumer",
				Path: "/bin/consumer",
				Inputs: map[ids.DataID]inputSourceMsg{
					"in": {UpstreamNode: "producer", UpstreamOutput: "x", HasUpstream: true},
				},
			},
		},
	})

	var cmd engine.SpawnCommand
	select {
	case c := <-a.Commands():
		var ok bool
		cmd, ok = c.(engine.SpawnCommand)
		require.True(t, ok, "expected SpawnCommand, got %T", c)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for SpawnCommand")
	}
	require.Equal(t, dataflow, cmd.Dataflow)
	require.Len(t, cmd.Nodes, 2)
	require.Equal(t, "/bin/producer", cmd.Nodes["producer"].Path)
	upstream := cmd.Nodes["consumer"].Inputs["in"].Upstream
	require.NotNil(t, upstream)
	require.Equal(t, ids.NodeID("producer"), upstream.Node)

	cmd.Reply <- engine.SpawnResult{}

	env := readEnvelope(t, peer)
	require.Equal(t, kindResult, env.Kind)
	var result resultMsg
	require.NoError(t, codec.Decode(env, &result))
	require.Empty(t, result.Err)
}

func TestSpawnCommandReportsErrorResult(t *testing.T) {
	a, peer := newTestAdapter(t)

	writeEnvelope(t, peer, kindSpawn, spawnMsg{Dataflow: ids.NewDataflowID(), Nodes: map[ids.NodeID]spawnNodeParamsMsg{}})

	cmd := (<-a.Commands()).(engine.SpawnCommand)
	cmd.Reply <- engine.SpawnResult{Err: errAlreadyExists}

	env := readEnvelope(t, peer)
	var result resultMsg
	require.NoError(t, codec.Decode(env, &result))
	require.Equal(t, errAlreadyExists.Error(), result.Err)
}

func TestStopDataflowCommandRoundTrip(t *testing.T) {
	a, peer := newTestAdapter(t)

	dataflow := ids.NewDataflowID()
	writeEnvelope(t, peer, kindStopDataflow, stopDataflowMsg{Dataflow: dataflow})

	cmd := (<-a.Commands()).(engine.StopDataflowCommand)
	require.Equal(t, dataflow, cmd.Dataflow)
	cmd.Reply <- engine.SpawnResult{}

	env := readEnvelope(t, peer)
	require.Equal(t, kindResult, env.Kind)
}

func TestDestroyCommandRoundTrip(t *testing.T) {
	a, peer := newTestAdapter(t)

	writeEnvelope(t, peer, kindDestroy, struct{}{})

	cmd := (<-a.Commands()).(engine.DestroyCommand)
	cmd.Reply <- engine.DestroyResult{}

	env := readEnvelope(t, peer)
	require.Equal(t, kindDestroyResult, env.Kind)
}

func TestInboundWatchdogRoutesThroughEngineAndAcks(t *testing.T) {
	a, peer := newTestAdapter(t)

	writeEnvelope(t, peer, kindWatchdog, struct{}{})

	cmd := (<-a.Commands()).(engine.WatchdogCommand)
	cmd.Reply <- struct{}{}

	env := readEnvelope(t, peer)
	require.Equal(t, kindWatchdogAck, env.Kind)
}

func TestSendWatchdogWaitsForAck(t *testing.T) {
	a, peer := newTestAdapter(t)

	go func() {
		env := readEnvelope(t, peer)
		require.Equal(t, kindWatchdog, env.Kind)
		writeEnvelope(t, peer, kindWatchdogAck, struct{}{})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, a.SendWatchdog(ctx))
}

func TestNotifyAllNodesFinishedIsBestEffort(t *testing.T) {
	a, peer := newTestAdapter(t)

	dataflow := ids.NewDataflowID()
	go a.NotifyAllNodesFinished(engine.AllNodesFinished{Dataflow: dataflow})

	env := readEnvelope(t, peer)
	require.Equal(t, kindAllNodesFinished, env.Kind)
	var msg allNodesFinishedMsg
	require.NoError(t, codec.Decode(env, &msg))
	require.Equal(t, dataflow, msg.Dataflow)
}
