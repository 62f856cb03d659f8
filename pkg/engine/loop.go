package engine

import (
	"context"
	"fmt"
	"net"
	"time"
)

// ConnectionHandler decodes framed node requests off conn and pushes
// NodeEvents onto events until the connection closes. It is supplied by
// pkg/listener so the engine core stays free of wire-format concerns;
// the engine only needs to know how to turn an accepted net.Conn into a
// stream of NodeEvents.
type ConnectionHandler func(ctx context.Context, conn net.Conn, events chan<- NodeEvent)

// Run drives the merged event loop until a Destroy command, a drained
// exit_when_done set, or the coordinator command stream ending (in
// standalone mode, where the command stream is a closed one-shot
// channel, its end does not stop the loop). It returns nil on an orderly exit and a non-nil error when the loop
// aborted (coordinator contact lost, or a standalone node failure).
func (e *Engine) Run(ctx context.Context, handleConnection ConnectionHandler) error {
	watchdog := e.watchdogTicker(ctx)
	defer watchdog.Stop()

	commands := e.commands
	newConnections := e.newConnections

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd, ok := <-commands:
			if !ok {
				if e.exitWhenDone != nil {
					commands = nil
					continue
				}
				return nil
			}
			if e.handleCoordinatorCommand(ctx, cmd) {
				return nil
			}

		case conn, ok := <-newConnections:
			if !ok {
				newConnections = nil
				continue
			}
			go handleConnection(ctx, conn, e.nodeEvents)

		case ev, ok := <-e.doraEvents:
			if !ok {
				return nil
			}
			if e.handleDoraEvent(ev) {
				return e.standaloneErr
			}

		case tick := <-watchdog.tick:
			_ = tick
			if e.coordinator == nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, WatchdogInterval)
			err := e.coordinator.SendWatchdog(wctx)
			cancel()
			if err != nil {
				return fmt.Errorf("lost connection to coordinator: %w", err)
			}

		case ev, ok := <-e.nodeEvents:
			if !ok {
				return nil
			}
			e.handleNodeEvent(ev)

		case reply := <-e.snapshotRequests:
			reply <- e.snapshot()
		}
	}
}

// watchdogTicker wraps a time.Ticker so it can be stubbed out entirely
// (tick channel nil, never fires) when no coordinator is configured.
type watchdogTicker struct {
	tick <-chan time.Time
	stop func()
}

func (w watchdogTicker) Stop() {
	if w.stop != nil {
		w.stop()
	}
}

func (e *Engine) watchdogTicker(ctx context.Context) watchdogTicker {
	if e.coordinator == nil {
		return watchdogTicker{tick: nil, stop: nil}
	}
	ticker := time.NewTicker(WatchdogInterval)
	return watchdogTicker{tick: ticker.C, stop: ticker.Stop}
}
