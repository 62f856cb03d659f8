package engine

import (
	"fmt"
	"time"

	"github.com/flowmesh/dorad/pkg/ids"
	"github.com/flowmesh/dorad/pkg/shmem"
)

func (e *Engine) handleNodeEvent(ev NodeEvent) {
	switch n := ev.(type) {
	case SubscribeEvent:
		e.handleSubscribe(n)
	case PrepareOutputEvent:
		e.handlePrepareOutput(n)
	case SendOutEvent:
		e.handleSendOut(n)
	case StoppedEvent:
		e.handleStopped(n)
	case DropEvent:
		e.handleDrop(n)
	default:
		e.log.Warn().Msg("unknown node event")
	}
}

func (e *Engine) handleSubscribe(ev SubscribeEvent) {
	df, ok := e.running[ev.Dataflow]
	if !ok {
		trySend(ev.Reply, ev.Done, fmt.Errorf("subscribe %s: %w", ev.Dataflow, ErrDataflowNotFound))
		return
	}
	df.subscribeChannels[ev.Node] = ev.Sender
	trySend(ev.Reply, ev.Done, nil)
}

func (e *Engine) handlePrepareOutput(ev PrepareOutputEvent) {
	var segment *shmem.Segment
	var handle string

	if ev.DataLen > 0 {
		seg, err := shmem.Allocate(ev.DataLen)
		if err != nil {
			trySendPrepare(ev.Reply, ev.Done, PrepareReply{Err: fmt.Errorf("prepare output: %w", err)})
			return
		}
		segment = seg
		handle = seg.ID()
	} else {
		handle = e.nextHandle()
	}

	e.preparedMessages[handle] = &PreparedMessage{
		Output:   ev.Output,
		Metadata: ev.Metadata,
		Segment:  segment,
	}

	if !trySendPrepare(ev.Reply, ev.Done, PrepareReply{Handle: handle}) {
		// The producer died between prepare and reply delivery: roll
		// back immediately so the segment is not leaked (§7 kind 6).
		delete(e.preparedMessages, handle)
		if segment != nil {
			_ = segment.Release()
		}
	}
}

func (e *Engine) handleSendOut(ev SendOutEvent) {
	prepared, ok := e.preparedMessages[ev.Handle]
	if !ok {
		trySend(ev.Reply, ev.Done, fmt.Errorf("send handle %q: %w", ev.Handle, ErrUnknownPrepareHandle))
		return
	}
	delete(e.preparedMessages, ev.Handle)

	df, ok := e.running[ev.Dataflow]
	if !ok {
		if prepared.Segment != nil {
			_ = prepared.Segment.Release()
		}
		trySend(ev.Reply, ev.Done, fmt.Errorf("send %s: %w", ev.Dataflow, ErrDataflowNotFound))
		return
	}

	if _, ok := df.runningNodes[ev.Node]; !ok {
		if prepared.Segment != nil {
			_ = prepared.Segment.Release()
		}
		trySend(ev.Reply, ev.Done, fmt.Errorf("send from %s: %w", ev.Node, ErrNodeNotSubscribed))
		return
	}

	outputID := ids.OutputID{Node: ev.Node, Output: prepared.Output}
	receivers := df.mappings[outputID]

	var closed []ids.NodeID
	for input := range receivers {
		token := e.dropTokens.Next()

		var payload *Payload
		if prepared.Segment != nil {
			payload = &Payload{
				SegmentID: prepared.Segment.ID(),
				Len:       prepared.Segment.Len(),
				Token:     token,
			}
		}

		ch, ok := df.subscribeChannels[input.Node]
		if !ok {
			continue
		}

		event := InputEvent{Input: input, Metadata: prepared.Metadata, Data: payload}
		switch sendWithTimeout(ch, event, DataSendTimeout) {
		case sendOK:
			if prepared.Segment != nil {
				e.sentOutSharedMemory[token] = prepared.Segment.Retain()
			}
		case sendClosed:
			closed = append(closed, input.Node)
		case sendTimedOut:
			e.log.Warn().
				Str("dataflow_id", df.ID.String()).
				Str("input", input.String()).
				Msg("subscriber too slow, dropping delivery")
		}
	}

	for _, node := range closed {
		delete(df.subscribeChannels, node)
	}

	// The producer's own reference is released now that fan-out is
	// done; any successful delivery above retained its own reference.
	if prepared.Segment != nil {
		_ = prepared.Segment.Release()
	}

	trySend(ev.Reply, ev.Done, nil)
}

func (e *Engine) handleStopped(ev StoppedEvent) {
	trySend(ev.Reply, ev.Done, nil)

	df, ok := e.running[ev.Dataflow]
	if !ok {
		return
	}

	for outputID, receivers := range df.mappings {
		if outputID.Node != ev.Node {
			continue
		}
		for input := range receivers {
			if ch, ok := df.subscribeChannels[input.Node]; ok {
				// Best-effort, no timeout per §4.3: a full or closed
				// channel is simply skipped rather than given any of the
				// data-message/timer send timeouts.
				sendNonBlocking(ch, InputClosedEvent{Input: input})
			}
			if inputs, ok := df.openInputs[input.Node]; ok {
				delete(inputs, input.Input)
				df.closeSubscriberIfExhausted(input.Node)
			}
		}
	}

	delete(df.runningNodes, ev.Node)

	if len(df.runningNodes) == 0 {
		e.finishDataflow(df, nil)
	}
}

func (e *Engine) finishDataflow(df *RunningDataflow, err error) {
	df.cancelTimers()
	delete(e.running, df.ID)

	if e.coordinator != nil {
		e.coordinator.NotifyAllNodesFinished(AllNodesFinished{Dataflow: df.ID, Err: err})
	}
}

func (e *Engine) handleDrop(ev DropEvent) {
	segment, ok := e.sentOutSharedMemory[ev.Token]
	if !ok {
		e.log.Warn().Uint64("drop_token", uint64(ev.Token)).Msg("drop for unknown token")
		return
	}
	delete(e.sentOutSharedMemory, ev.Token)
	if err := segment.Release(); err != nil {
		e.log.Error().Err(err).Msg("failed to release shared-memory segment")
	}
}

// sendResult is the outcome of a timed subscriber send.
type sendResult int

const (
	sendOK sendResult = iota
	sendClosed
	sendTimedOut
)

// sendWithTimeout enqueues event on ch, treating a full channel as a
// timeout rather than blocking the engine loop indefinitely. A send on
// a closed channel panics in Go; subscriber channels are retired
// proactively elsewhere (closeSubscriberIfExhausted), but a node's
// connection goroutine can also close its receive side independently
// on disconnect, so the recover here converts that race into sendClosed.
func sendWithTimeout(ch chan<- DaemonEvent, event DaemonEvent, timeout time.Duration) (result sendResult) {
	defer func() {
		if recover() != nil {
			result = sendClosed
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- event:
		return sendOK
	case <-timer.C:
		return sendTimedOut
	}
}

// sendNonBlocking enqueues event on ch with no timeout at all: a full
// channel is skipped immediately rather than waited on, used for
// Stopped-driven InputClosed delivery which carries none of the data-
// or timer-message backpressure budgets.
func sendNonBlocking(ch chan<- DaemonEvent, event DaemonEvent) {
	defer func() { recover() }()
	select {
	case ch <- event:
	default:
	}
}

// trySend delivers a reply on a one-shot, capacity-1 reply channel. If
// done is already closed (the requesting connection gave up) the reply
// is dropped and trySend reports failure, letting callers roll back any
// state the reply would otherwise have committed the requester to.
func trySend(reply chan<- error, done <-chan struct{}, err error) bool {
	select {
	case <-done:
		return false
	default:
	}
	select {
	case reply <- err:
		return true
	default:
		return false
	}
}

func trySendPrepare(reply chan<- PrepareReply, done <-chan struct{}, r PrepareReply) bool {
	select {
	case <-done:
		return false
	default:
	}
	select {
	case reply <- r:
		return true
	default:
		return false
	}
}
