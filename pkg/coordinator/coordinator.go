// Package coordinator adapts the engine's CoordinatorCommand/
// CoordinatorNotifier collaborators onto a single long-lived TCP
// connection to the coordinator: inbound requests become engine
// commands with reply channels, and outbound watchdog probes and
// AllNodesFinished notifications are written back on the same
// connection.
package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flowmesh/dorad/pkg/codec"
	"github.com/flowmesh/dorad/pkg/daemonlog"
	"github.com/flowmesh/dorad/pkg/engine"
	"github.com/flowmesh/dorad/pkg/ids"
)

const commandQueueCapacity = 8

// Adapter implements engine.CoordinatorNotifier and exposes a Commands
// channel wired into engine.Config.Commands.
type Adapter struct {
	conn net.Conn

	commands chan engine.CoordinatorCommand
	writes   chan codec.Envelope

	watchdogAck chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

var _ engine.CoordinatorNotifier = (*Adapter)(nil)

// Dial connects to the coordinator at addr and starts the adapter's
// read/write goroutines. machineID is sent as part of registration so
// the coordinator can address this daemon in future commands.
func Dial(ctx context.Context, addr, machineID string) (*Adapter, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	a := &Adapter{
		conn:        conn,
		commands:    make(chan engine.CoordinatorCommand, commandQueueCapacity),
		writes:      make(chan codec.Envelope, commandQueueCapacity),
		watchdogAck: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	if err := a.register(machineID); err != nil {
		conn.Close()
		return nil, err
	}

	go a.writeLoop()
	go a.readLoop()
	return a, nil
}

func (a *Adapter) register(machineID string) error {
	env, err := codec.Encode("register", struct{ MachineID string }{MachineID: machineID})
	if err != nil {
		return err
	}
	return codec.WriteFrame(a.conn, env)
}

// Commands is wired into engine.Config.Commands.
func (a *Adapter) Commands() <-chan engine.CoordinatorCommand { return a.commands }

func (a *Adapter) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	return a.conn.Close()
}

func (a *Adapter) writeLoop() {
	for {
		select {
		case env, ok := <-a.writes:
			if !ok {
				return
			}
			if err := codec.WriteFrame(a.conn, env); err != nil {
				daemonlog.Logger.Error().Err(err).Msg("coordinator write failed")
				a.Close()
				return
			}
		case <-a.done:
			return
		}
	}
}

func (a *Adapter) readLoop() {
	defer close(a.commands)
	reader := codec.NewFrameReader(a.conn)

	for {
		env, err := codec.ReadFrame(reader)
		if err != nil {
			daemonlog.Logger.Warn().Err(err).Msg("coordinator connection closed")
			a.Close()
			return
		}

		switch env.Kind {
		case kindWatchdogAck:
			select {
			case a.watchdogAck <- struct{}{}:
			default:
			}

		case kindSpawn:
			var msg spawnMsg
			if err := codec.Decode(env, &msg); err != nil {
				daemonlog.Logger.Error().Err(err).Msg("decode spawn command")
				continue
			}
			a.handleSpawn(msg)

		case kindStopDataflow:
			var msg stopDataflowMsg
			if err := codec.Decode(env, &msg); err != nil {
				daemonlog.Logger.Error().Err(err).Msg("decode stop_dataflow command")
				continue
			}
			a.handleStopDataflow(msg)

		case kindDestroy:
			a.handleDestroy()

		case kindWatchdog:
			a.handleWatchdog()

		default:
			daemonlog.Logger.Warn().Str("kind", env.Kind).Msg("unknown coordinator message kind")
		}
	}
}

func (a *Adapter) handleSpawn(msg spawnMsg) {
	reply := make(chan engine.SpawnResult, 1)
	a.commands <- engine.SpawnCommand{
		Dataflow: msg.Dataflow,
		Nodes:    decodeSpawnNodes(msg.Nodes),
		Reply:    reply,
	}

	go func() {
		result := <-reply
		env, _ := codec.Encode(kindResult, resultMsg{Err: errString(result.Err)})
		a.writes <- env
	}()
}

func decodeSpawnNodes(wire map[ids.NodeID]spawnNodeParamsMsg) map[ids.NodeID]engine.SpawnNodeParams {
	nodes := make(map[ids.NodeID]engine.SpawnNodeParams, len(wire))
	for nodeID, n := range wire {
		inputs := make(map[ids.DataID]engine.InputSource, len(n.Inputs))
		for dataID, src := range n.Inputs {
			input := engine.InputSource{}
			if src.HasUpstream {
				input.Upstream = &ids.OutputID{Node: src.UpstreamNode, Output: src.UpstreamOutput}
			} else {
				input.TimerInterval = time.Duration(src.TimerIntervalNs)
			}
			inputs[dataID] = input
		}
		nodes[nodeID] = engine.SpawnNodeParams{
			Node:    n.Node,
			Path:    n.Path,
			Args:    n.Args,
			Env:     n.Env,
			Inputs:  inputs,
			Outputs: n.Outputs,
		}
	}
	return nodes
}

func (a *Adapter) handleStopDataflow(msg stopDataflowMsg) {
	reply := make(chan engine.SpawnResult, 1)
	a.commands <- engine.StopDataflowCommand{Dataflow: msg.Dataflow, Reply: reply}

	go func() {
		result := <-reply
		env, _ := codec.Encode(kindResult, resultMsg{Err: errString(result.Err)})
		a.writes <- env
	}()
}

// handleWatchdog answers an inbound liveness probe from the
// coordinator. It is routed through the engine (rather than answered
// directly here) so a wedged event loop fails the probe.
func (a *Adapter) handleWatchdog() {
	reply := make(chan struct{}, 1)
	a.commands <- engine.WatchdogCommand{Reply: reply}

	go func() {
		<-reply
		env, _ := codec.Encode(kindWatchdogAck, struct{}{})
		a.writes <- env
	}()
}

func (a *Adapter) handleDestroy() {
	reply := make(chan engine.DestroyResult, 1)
	a.commands <- engine.DestroyCommand{Reply: reply}

	go func() {
		result := <-reply
		env, _ := codec.Encode(kindDestroyResult, resultMsg{Err: errString(result.Err)})
		a.writes <- env
	}()
}

// NotifyAllNodesFinished implements engine.CoordinatorNotifier. It is
// best-effort: a write failure only logs, per §4.3.
func (a *Adapter) NotifyAllNodesFinished(ev engine.AllNodesFinished) {
	env, err := codec.Encode(kindAllNodesFinished, allNodesFinishedMsg{Dataflow: ev.Dataflow, Err: errString(ev.Err)})
	if err != nil {
		daemonlog.Logger.Error().Err(err).Msg("encode all_nodes_finished")
		return
	}
	select {
	case a.writes <- env:
	case <-a.done:
	}
}

// SendWatchdog implements engine.CoordinatorNotifier: it sends a
// watchdog probe and waits for the matching ack or ctx expiry.
func (a *Adapter) SendWatchdog(ctx context.Context) error {
	env, err := codec.Encode(kindWatchdog, struct{}{})
	if err != nil {
		return err
	}

	select {
	case a.writes <- env:
	case <-a.done:
		return fmt.Errorf("coordinator connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-a.watchdogAck:
		return nil
	case <-a.done:
		return fmt.Errorf("coordinator connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}
