// Package listener accepts node sockets on the daemon's local listening
// port and adapts each into the stream of engine.NodeEvents the engine
// core expects, via HandleConnection.
package listener

import (
	"context"
	"fmt"
	"net"

	"github.com/flowmesh/dorad/pkg/daemonlog"
)

// Listen opens a TCP listener on 127.0.0.1:port (port 0 picks a free
// one) and returns it with the accept loop running on its own
// goroutine, pushing each accepted connection onto conns. The loop ends
// (and closes conns) when Accept fails, which happens once the caller
// closes the returned listener.
func Listen(ctx context.Context, port int, conns chan<- net.Conn) (net.Listener, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}

	go acceptLoop(ctx, ln, conns)
	return ln, nil
}

func acceptLoop(ctx context.Context, ln net.Listener, conns chan<- net.Conn) {
	defer close(conns)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				daemonlog.Logger.Warn().Err(err).Msg("listener accept failed")
			}
			return
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		select {
		case conns <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// Port returns the bound TCP port, useful when Listen was called with
// port 0 to let the OS choose one.
func Port(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
