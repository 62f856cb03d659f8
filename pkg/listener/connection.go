package listener

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/flowmesh/dorad/pkg/codec"
	"github.com/flowmesh/dorad/pkg/daemonlog"
	"github.com/flowmesh/dorad/pkg/engine"
)

const writeQueueCapacity = 32

// HandleConnection implements engine.ConnectionHandler: it frames node
// requests off conn, turns each into an engine.NodeEvent with a
// buffered reply channel, and relays the engine's replies and
// subsequently-pushed daemon events back over the same socket. One
// goroutine owns all writes to conn; the caller's goroutine (this one)
// owns all reads.
func HandleConnection(ctx context.Context, conn net.Conn, events chan<- engine.NodeEvent) {
	defer conn.Close()

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }
	defer closeDone()

	writes := make(chan codec.Envelope, writeQueueCapacity)
	var wg sync.WaitGroup
	wg.Add(1)
	go runWriter(conn, writes, done, &wg)
	defer wg.Wait()
	defer close(writes)

	reader := codec.NewFrameReader(conn)

	for {
		env, err := codec.ReadFrame(reader)
		if err != nil {
			closeDone()
			return
		}

		if err := dispatch(ctx, env, events, writes, done); err != nil {
			daemonlog.Logger.Warn().Err(err).Msg("node connection protocol error")
			closeDone()
			return
		}
	}
}

func runWriter(conn net.Conn, writes <-chan codec.Envelope, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case env, ok := <-writes:
			if !ok {
				return
			}
			if err := codec.WriteFrame(conn, env); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func dispatch(ctx context.Context, env codec.Envelope, events chan<- engine.NodeEvent, writes chan<- codec.Envelope, done <-chan struct{}) error {
	switch env.Kind {
	case kindSubscribe:
		var msg subscribeMsg
		if err := codec.Decode(env, &msg); err != nil {
			return err
		}
		return handleSubscribe(ctx, msg, events, writes, done)

	case kindPrepareOutput:
		var msg prepareOutputMsg
		if err := codec.Decode(env, &msg); err != nil {
			return err
		}
		reply := make(chan engine.PrepareReply, 1)
		events <- engine.PrepareOutputEvent{
			Dataflow: msg.Dataflow,
			Node:     msg.Node,
			Output:   msg.Output,
			Metadata: engine.Metadata{Sequence: msg.Sequence, Timestamp: msg.Timestamp},
			DataLen:  msg.DataLen,
			Reply:    reply,
			Done:     done,
		}
		return awaitPrepared(reply, writes, done)

	case kindSendOut:
		var msg sendOutMsg
		if err := codec.Decode(env, &msg); err != nil {
			return err
		}
		reply := make(chan error, 1)
		events <- engine.SendOutEvent{Dataflow: msg.Dataflow, Node: msg.Node, Handle: msg.Handle, Reply: reply, Done: done}
		return awaitResult(reply, writes, done)

	case kindStopped:
		var msg stoppedMsg
		if err := codec.Decode(env, &msg); err != nil {
			return err
		}
		reply := make(chan error, 1)
		events <- engine.StoppedEvent{Dataflow: msg.Dataflow, Node: msg.Node, Reply: reply, Done: done}
		return awaitResult(reply, writes, done)

	case kindDrop:
		var msg dropMsg
		if err := codec.Decode(env, &msg); err != nil {
			return err
		}
		events <- engine.DropEvent{Token: msg.Token}
		return nil

	default:
		return fmt.Errorf("unknown node message kind %q", env.Kind)
	}
}

// handleSubscribe installs a per-connection sender channel with the
// engine and starts a goroutine that encodes everything the engine
// pushes on it back onto writes, until the connection dies, at which
// point it closes sender so the engine prunes its subscribe-channel
// entry (invariant 2) instead of wasting every subsequent fan-out's
// send timeout on a channel nobody reads anymore.
func handleSubscribe(ctx context.Context, msg subscribeMsg, events chan<- engine.NodeEvent, writes chan<- codec.Envelope, done <-chan struct{}) error {
	sender := make(chan engine.DaemonEvent, writeQueueCapacity)
	reply := make(chan error, 1)
	events <- engine.SubscribeEvent{Dataflow: msg.Dataflow, Node: msg.Node, Sender: sender, Reply: reply, Done: done}

	if err := awaitResult(reply, writes, done); err != nil {
		return err
	}

	go pushDaemonEvents(sender, writes, done)
	return nil
}

func pushDaemonEvents(sender chan engine.DaemonEvent, writes chan<- codec.Envelope, done <-chan struct{}) {
	defer func() {
		// The engine may be sending on sender concurrently; a closed-
		// channel send panics, recovered by sendWithTimeout/
		// sendNonBlocking on the engine side.
		recover()
		close(sender)
	}()
	for {
		select {
		case ev, ok := <-sender:
			if !ok {
				return
			}
			env, err := encodeDaemonEvent(ev)
			if err != nil {
				daemonlog.Logger.Error().Err(err).Msg("failed to encode daemon event")
				continue
			}
			select {
			case writes <- env:
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}

func encodeDaemonEvent(ev engine.DaemonEvent) (codec.Envelope, error) {
	switch e := ev.(type) {
	case engine.InputEvent:
		msg := inputMsg{Input: e.Input, Sequence: e.Metadata.Sequence, Timestamp: e.Metadata.Timestamp}
		if e.Data != nil {
			msg.HasData = true
			msg.SegmentID = e.Data.SegmentID
			msg.Len = e.Data.Len
			msg.Token = e.Data.Token
		}
		return codec.Encode(kindInput, msg)
	case engine.InputClosedEvent:
		return codec.Encode(kindClosed, inputClosedMsg{Input: e.Input})
	case engine.StopEvent:
		return codec.Encode(kindStop, struct{}{})
	default:
		return codec.Envelope{}, fmt.Errorf("unknown daemon event %T", ev)
	}
}

func awaitResult(reply <-chan error, writes chan<- codec.Envelope, done <-chan struct{}) error {
	select {
	case err := <-reply:
		env, encErr := codec.Encode(kindResult, resultMsg{Err: errString(err)})
		if encErr != nil {
			return encErr
		}
		return sendEnvelope(env, writes, done)
	case <-done:
		return fmt.Errorf("connection closed awaiting reply")
	}
}

func awaitPrepared(reply <-chan engine.PrepareReply, writes chan<- codec.Envelope, done <-chan struct{}) error {
	select {
	case r := <-reply:
		env, encErr := codec.Encode(kindPrepared, preparedMsg{Handle: r.Handle, Err: errString(r.Err)})
		if encErr != nil {
			return encErr
		}
		return sendEnvelope(env, writes, done)
	case <-done:
		return fmt.Errorf("connection closed awaiting reply")
	}
}

func sendEnvelope(env codec.Envelope, writes chan<- codec.Envelope, done <-chan struct{}) error {
	select {
	case writes <- env:
		return nil
	case <-done:
		return fmt.Errorf("connection closed writing reply")
	}
}
