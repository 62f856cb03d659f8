// Package spawner provides the default node-execution backend: each
// node is an os/exec child process inheriting the daemon's environment
// plus its own declared Env, and told where to dial back via
// DORA_LISTEN_PORT.
package spawner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/flowmesh/dorad/pkg/engine"
)

// ProcessBackend implements engine.Spawner by launching each node as a
// plain child process. It is the default backend; pkg/runtime's
// containerd-sandboxed backend is the opt-in alternative.
type ProcessBackend struct{}

var _ engine.Spawner = ProcessBackend{}

// Spawn starts req.Params.Path with req.Params.Args, and reports its
// exit asynchronously on results. A failure to start the process at
// all (bad path, permission denied) is returned synchronously.
func (ProcessBackend) Spawn(ctx context.Context, req engine.SpawnRequest, results chan<- engine.DoraEvent) error {
	cmd := exec.CommandContext(ctx, req.Params.Path, req.Params.Args...)
	cmd.Env = append(os.Environ(), req.Params.Env...)
	cmd.Env = append(cmd.Env, "DORA_LISTEN_PORT="+strconv.Itoa(req.ListenPort))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start node %s: %w", req.Node, err)
	}

	go func() {
		err := cmd.Wait()
		results <- engine.SpawnedNodeResultEvent{Dataflow: req.Dataflow, Node: req.Node, Err: err}
	}()

	return nil
}
