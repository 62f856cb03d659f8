package listener

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/dorad/pkg/codec"
	"github.com/flowmesh/dorad/pkg/engine"
	"github.com/flowmesh/dorad/pkg/ids"
)

const testTimeout = 2 * time.Second

func newTestConnection(t *testing.T) (client net.Conn, events chan engine.NodeEvent) {
	t.Helper()
	server, client := net.Pipe()
	events = make(chan engine.NodeEvent, 8)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go HandleConnection(ctx, server, events)
	return client, events
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

func TestSubscribeRoundTripsResultThenPushesInput(t *testing.T) {
	client, events := newTestConnection(t)

	writeEnvelope(t, client, kindSubscribe, subscribeMsg{Dataflow: ids.NewDataflowID(), Node: "n1"})

	var ev engine.SubscribeEvent
	select {
	case e := <-events:
		var ok bool
		ev, ok = e.(engine.SubscribeEvent)
		require.True(t, ok, "expected SubscribeEvent, got %T", e)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for SubscribeEvent")
	}
	ev.Reply <- nil

	resultEnv := readEnvelope(t, client)
	require.Equal(t, kindResult, resultEnv.Kind)
	var result resultMsg
	require.NoError(t, codec.Decode(resultEnv, &result))
	require.Empty(t, result.Err)

	ev.Sender <- engine.InputEvent{
		Input:    ids.InputID{Node: "n1", Input: "in"},
		Metadata: engine.Metadata{Sequence: 1, Timestamp: time.Now()},
		Data:     &engine.Payload{SegmentID: "seg-1", Len: 4, Token: 7},
	}

	inputEnv := readEnvelope(t, client)
	require.Equal(t, kindInput, inputEnv.Kind)
	var msg inputMsg
	require.NoError(t, codec.Decode(inputEnv, &msg))
	require.True(t, msg.HasData)
	require.Equal(t, "seg-1", msg.SegmentID)
	require.Equal(t, ids.DropToken(7), msg.Token)
}

func TestPrepareOutputRoundTrip(t *testing.T) {
	client, events := newTestConnection(t)

	dataflow := ids.NewDataflowID()
	writeEnvelope(t, client, kindPrepareOutput, prepareOutputMsg{
		Dataflow: dataflow,
		Node:     "n1",
		Output:   "out",
		Sequence: 3,
		DataLen:  16,
	})

	var ev engine.PrepareOutputEvent
	select {
	case e := <-events:
		var ok bool
		ev, ok = e.(engine.PrepareOutputEvent)
		require.True(t, ok, "expected PrepareOutputEvent, got %T", e)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for PrepareOutputEvent")
	}
	require.Equal(t, dataflow, ev.Dataflow)
	require.Equal(t, 16, ev.DataLen)

	ev.Reply <- engine.PrepareReply{Handle: "handle-1"}

	env := readEnvelope(t, client)
	require.Equal(t, kindPrepared, env.Kind)
	var prepared preparedMsg
	require.NoError(t, codec.Decode(env, &prepared))
	require.Equal(t, "handle-1", prepared.Handle)
	require.Empty(t, prepared.Err)
}

func TestSendOutRoundTrip(t *testing.T) {
	client, events := newTestConnection(t)

	writeEnvelope(t, client, kindSendOut, sendOutMsg{Dataflow: ids.NewDataflowID(), Node: "n1", Handle: "handle-1"})

	var ev engine.SendOutEvent
	select {
	case e := <-events:
		var ok bool
		ev, ok = e.(engine.SendOutEvent)
		require.True(t, ok, "expected SendOutEvent, got %T", e)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for SendOutEvent")
	}
	require.Equal(t, "handle-1", ev.Handle)
	ev.Reply <- nil

	env := readEnvelope(t, client)
	require.Equal(t, kindResult, env.Kind)
}

func TestStoppedRoundTrip(t *testing.T) {
	client, events := newTestConnection(t)

	writeEnvelope(t, client, kindStopped, stoppedMsg{Dataflow: ids.NewDataflowID(), Node: "n1"})

	select {
	case e := <-events:
		ev, ok := e.(engine.StoppedEvent)
		require.True(t, ok, "expected StoppedEvent, got %T", e)
		ev.Reply <- nil
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for StoppedEvent")
	}

	env := readEnvelope(t, client)
	require.Equal(t, kindResult, env.Kind)
}

func TestDropIsFireAndForget(t *testing.T) {
	client, events := newTestConnection(t)

	writeEnvelope(t, client, kindDrop, dropMsg{Token: ids.DropToken(42)})

	select {
	case e := <-events:
		ev, ok := e.(engine.DropEvent)
		require.True(t, ok, "expected DropEvent, got %T", e)
		require.Equal(t, ids.DropToken(42), ev.Token)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for DropEvent")
	}
}

// TestSubscribeSenderClosedOnAbruptDisconnect covers a node that
// subscribes and then vanishes without sending Stopped: the connection's
// teardown must close the sender channel so the engine side observes it
// (via sendWithTimeout/sendNonBlocking's recover-based sendClosed) and
// prunes its subscribeChannels entry instead of timing out on it forever.
func TestSubscribeSenderClosedOnAbruptDisconnect(t *testing.T) {
	client, events := newTestConnection(t)

	writeEnvelope(t, client, kindSubscribe, subscribeMsg{Dataflow: ids.NewDataflowID(), Node: "n1"})

	var ev engine.SubscribeEvent
	select {
	case e := <-events:
		var ok bool
		ev, ok = e.(engine.SubscribeEvent)
		require.True(t, ok, "expected SubscribeEvent, got %T", e)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for SubscribeEvent")
	}
	ev.Reply <- nil
	readEnvelope(t, client) // the Result envelope

	client.Close()

	require.Eventually(t, func() bool {
		closed := false
		func() {
			defer func() {
				if recover() != nil {
					closed = true
				}
			}()
			select {
			case ev.Sender <- engine.StopEvent{}:
			default:
			}
		}()
		return closed
	}, testTimeout, 10*time.Millisecond, "sender should be closed once the connection tears down")
}

func TestUnknownMessageKindClosesConnection(t *testing.T) {
	client, _ := newTestConnection(t)

	env, err := codec.Encode("bogus", struct{}{})
	require.NoError(t, err)
	require.NoError(t, codec.WriteFrame(client, env))

	client.SetReadDeadline(time.Now().Add(testTimeout))
	buf := make([]byte, 1)
	_, err = client.Read(buf)
	require.Error(t, err)
}
