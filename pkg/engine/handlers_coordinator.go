package engine

import (
	"context"
	"fmt"

	"github.com/flowmesh/dorad/pkg/ids"
)

// handleCoordinatorCommand dispatches one inbound coordinator command.
// It returns exit=true when the loop must stop (Destroy).
func (e *Engine) handleCoordinatorCommand(ctx context.Context, cmd CoordinatorCommand) (exit bool) {
	switch c := cmd.(type) {
	case SpawnCommand:
		e.handleSpawn(ctx, c)
	case StopDataflowCommand:
		e.handleStopDataflow(ctx, c)
	case DestroyCommand:
		c.Reply <- DestroyResult{}
		for _, df := range e.running {
			df.cancelTimers()
		}
		return true
	case WatchdogCommand:
		c.Reply <- struct{}{}
	default:
		e.log.Warn().Msg("unknown coordinator command")
	}
	return false
}

func (e *Engine) handleSpawn(ctx context.Context, cmd SpawnCommand) {
	if _, exists := e.running[cmd.Dataflow]; exists {
		cmd.Reply <- SpawnResult{Err: fmt.Errorf("spawn %s: %w", cmd.Dataflow, ErrDuplicateDataflow)}
		return
	}

	df := newRunningDataflow(cmd.Dataflow)
	e.running[cmd.Dataflow] = df

	for nodeID, params := range cmd.Nodes {
		if err := e.installNode(ctx, df, nodeID, params); err != nil {
			cmd.Reply <- SpawnResult{Err: fmt.Errorf("spawn %s node %s: %w", cmd.Dataflow, nodeID, err)}
			return
		}
	}

	e.startTimers(ctx, df)

	cmd.Reply <- SpawnResult{}
}

// installNode records a node's routing state and invokes the spawner.
// A synchronous spawn failure aborts the remaining nodes in this Spawn
// and is reported back on the reply channel (§4.2/§7 kind 4); state
// already installed for this or prior nodes is not rolled back.
func (e *Engine) installNode(ctx context.Context, df *RunningDataflow, node ids.NodeID, params SpawnNodeParams) error {
	df.runningNodes[node] = struct{}{}
	df.openInputs[node] = make(map[ids.DataID]struct{})

	for inputData, source := range params.Inputs {
		df.openInputs[node][inputData] = struct{}{}
		input := ids.InputID{Node: node, Input: inputData}

		switch {
		case source.Upstream != nil:
			set, ok := df.mappings[*source.Upstream]
			if !ok {
				set = make(map[ids.InputID]struct{})
				df.mappings[*source.Upstream] = set
			}
			set[input] = struct{}{}
		case source.TimerInterval > 0:
			set, ok := df.timers[source.TimerInterval]
			if !ok {
				set = make(map[ids.InputID]struct{})
				df.timers[source.TimerInterval] = set
			}
			set[input] = struct{}{}
		default:
			e.log.Warn().
				Str("dataflow_id", df.ID.String()).
				Str("node_id", string(node)).
				Str("input", string(inputData)).
				Msg("input has neither an upstream nor a timer mapping")
		}
	}

	req := SpawnRequest{
		Dataflow:   df.ID,
		Node:       node,
		Params:     params,
		ListenPort: e.listenPort,
	}
	if err := e.spawner.Spawn(ctx, req, e.doraEvents); err != nil {
		e.log.Error().
			Err(err).
			Str("dataflow_id", df.ID.String()).
			Str("node_id", string(node)).
			Msg("failed to spawn node")
		return err
	}
	return nil
}

// startTimers launches one goroutine per distinct interval configured
// across the dataflow's nodes; each stamps fresh Metadata on every tick
// and pushes a TimerTickEvent onto the engine's Dora queue until its
// context is cancelled.
func (e *Engine) startTimers(ctx context.Context, df *RunningDataflow) {
	for interval := range df.timers {
		timerCtx, cancel := context.WithCancel(ctx)
		df.timerCancels = append(df.timerCancels, cancel)
		go runTimer(timerCtx, df.ID, interval, e.doraEvents)
	}
}

func (e *Engine) handleStopDataflow(ctx context.Context, cmd StopDataflowCommand) {
	df, ok := e.running[cmd.Dataflow]
	if !ok {
		cmd.Reply <- SpawnResult{Err: fmt.Errorf("stop dataflow %s: %w", cmd.Dataflow, ErrDataflowNotFound)}
		return
	}

	for _, ch := range df.subscribeChannels {
		select {
		case ch <- StopEvent{}:
		default:
			// Best-effort: a subscriber too backed up to take Stop misses
			// it; its entry is dropped from the map below either way, so
			// the engine sends it nothing further.
		}
	}
	df.subscribeChannels = make(map[ids.NodeID]chan<- DaemonEvent)

	// Backends that can force-stop a node (e.g. ContainerdSpawner) get a
	// chance to reclaim it rather than waiting indefinitely on a node
	// that ignores the StopEvent it was just sent; each runs off the
	// loop goroutine since it may block up to the backend's own grace
	// period.
	if stopper, ok := e.spawner.(Stopper); ok {
		for node := range df.runningNodes {
			go func(node ids.NodeID) {
				if err := stopper.Stop(ctx, df.ID, node); err != nil {
					e.log.Warn().
						Err(err).
						Str("dataflow_id", df.ID.String()).
						Str("node_id", string(node)).
						Msg("failed to force-stop node")
				}
			}(node)
		}
	}

	cmd.Reply <- SpawnResult{}
}
