package engine

import (
	"github.com/flowmesh/dorad/pkg/ids"
)

// handleDoraEvent dispatches one internal engine event. It returns
// exit=true when the loop must stop (standalone exit_when_done drained,
// or a standalone node failure that must propagate).
func (e *Engine) handleDoraEvent(ev DoraEvent) (exit bool) {
	switch d := ev.(type) {
	case TimerTickEvent:
		e.handleTimerTick(d)
		return false
	case SpawnedNodeResultEvent:
		return e.handleSpawnedNodeResult(d)
	default:
		e.log.Warn().Msg("unknown dora event")
		return false
	}
}

func (e *Engine) handleTimerTick(ev TimerTickEvent) {
	df, ok := e.running[ev.Dataflow]
	if !ok {
		return
	}
	receivers, ok := df.timers[ev.Interval]
	if !ok || len(receivers) == 0 {
		return
	}

	var closed []ids.NodeID
	for input := range receivers {
		ch, ok := df.subscribeChannels[input.Node]
		if !ok {
			continue
		}
		event := InputEvent{Input: input, Metadata: ev.Metadata, Data: nil}
		if sendWithTimeout(ch, event, TimerSendTimeout) == sendClosed {
			closed = append(closed, input.Node)
		}
	}

	for _, node := range closed {
		delete(df.subscribeChannels, node)
	}
}

func (e *Engine) handleSpawnedNodeResult(ev SpawnedNodeResultEvent) (exit bool) {
	df, ok := e.running[ev.Dataflow]
	if ok {
		if _, stillSubscribed := df.subscribeChannels[ev.Node]; stillSubscribed {
			e.log.Warn().
				Str("dataflow_id", ev.Dataflow.String()).
				Str("node_id", string(ev.Node)).
				Msg("node process exited without sending Stopped")
		}
		// Termination counts as observed whether or not Stopped arrived
		// first; deleting an already-removed node is a no-op.
		delete(df.runningNodes, ev.Node)
		if len(df.runningNodes) == 0 {
			e.finishDataflow(df, nil)
		}
	}

	if ev.Err != nil {
		e.log.Error().
			Err(ev.Err).
			Str("dataflow_id", ev.Dataflow.String()).
			Str("node_id", string(ev.Node)).
			Msg("node exited with error")

		// A standalone run propagates the first node failure and exits
		// immediately rather than waiting for the rest of exitWhenDone to
		// drain.
		if e.exitWhenDone != nil {
			e.standaloneErr = ev.Err
			return true
		}
	} else {
		e.log.Info().
			Str("dataflow_id", ev.Dataflow.String()).
			Str("node_id", string(ev.Node)).
			Msg("node exited")
	}

	if e.exitWhenDone != nil {
		key := ExitKey{Dataflow: ev.Dataflow, Node: ev.Node}
		delete(e.exitWhenDone, key)
		if len(e.exitWhenDone) == 0 {
			return true
		}
	}
	return false
}
