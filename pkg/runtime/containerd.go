// Package runtime provides an optional containerd-sandboxed backend for
// launching node processes, wired in behind the engine's Spawner
// interface as an alternative to pkg/spawner's bare os/exec backend.
package runtime

import (
	"context"
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"

	"github.com/flowmesh/dorad/pkg/daemonlog"
	"github.com/flowmesh/dorad/pkg/engine"
	"github.com/flowmesh/dorad/pkg/ids"
)

const (
	// Namespace isolates dorad's containers from any other containerd
	// tenant sharing the host socket.
	Namespace = "dorad"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// StopGracePeriod bounds how long Stop waits for SIGTERM before
	// escalating to SIGKILL.
	StopGracePeriod = 10 * time.Second
)

// ContainerdSpawner implements engine.Spawner by sandboxing each node in
// its own container: Params.Path names the image, Params.Env is passed
// through, and the daemon's listening port is appended as
// DORA_LISTEN_PORT so the node can dial back.
type ContainerdSpawner struct {
	client *containerd.Client
}

var (
	_ engine.Spawner = (*ContainerdSpawner)(nil)
	_ engine.Stopper = (*ContainerdSpawner)(nil)
)

func NewContainerdSpawner(socketPath string) (*ContainerdSpawner, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}

	return &ContainerdSpawner{client: client}, nil
}

func (s *ContainerdSpawner) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func containerName(dataflow ids.DataflowID, node ids.NodeID) string {
	return fmt.Sprintf("%s-%s", dataflow.String(), node)
}

// Spawn pulls the node's image, creates and starts a container for it,
// and reports the container's eventual exit asynchronously as a
// SpawnedNodeResultEvent. Pre-spawn failures (bad image ref, pull
// failure) are returned synchronously per the Spawner contract; the
// container's own runtime failure surfaces later via results.
func (s *ContainerdSpawner) Spawn(ctx context.Context, req engine.SpawnRequest, results chan<- engine.DoraEvent) error {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	name := containerName(req.Dataflow, req.Node)

	image, err := s.client.Pull(ctx, req.Params.Path, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("pull image %s for node %s: %w", req.Params.Path, req.Node, err)
	}

	env := append([]string{}, req.Params.Env...)
	env = append(env, fmt.Sprintf("DORA_LISTEN_PORT=%s", strconv.Itoa(req.ListenPort)))

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
	}
	if len(req.Params.Args) > 0 {
		opts = append(opts, oci.WithProcessArgs(req.Params.Args...))
	}

	container, err := s.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("create container for node %s: %w", req.Node, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("create task for node %s: %w", req.Node, err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait on task for node %s: %w", req.Node, err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task for node %s: %w", req.Node, err)
	}

	go s.awaitExit(ctx, req, task, statusC, results)

	return nil
}

func (s *ContainerdSpawner) awaitExit(ctx context.Context, req engine.SpawnRequest, task containerd.Task, statusC <-chan containerd.ExitStatus, results chan<- engine.DoraEvent) {
	var exitErr error

	status := <-statusC
	if code, _, err := status.Result(); err != nil {
		exitErr = err
	} else if code != 0 {
		exitErr = fmt.Errorf("node %s exited with status %d", req.Node, code)
	}

	if _, err := task.Delete(ctx); err != nil {
		daemonlog.Logger.Warn().
			Err(err).
			Str("node_id", string(req.Node)).
			Msg("failed to delete containerd task after exit")
	}

	results <- engine.SpawnedNodeResultEvent{Dataflow: req.Dataflow, Node: req.Node, Err: exitErr}
}

// Stop asks a running node's container to exit, escalating from
// SIGTERM to SIGKILL if it outlives StopGracePeriod. The engine calls
// this from its StopDataflow handler for every node in a dataflow
// being torn down, in parallel with (not instead of) the wire-level
// StopEvent nodes are expected to honor on their own.
func (s *ContainerdSpawner) Stop(ctx context.Context, dataflow ids.DataflowID, node ids.NodeID) error {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	name := containerName(dataflow, node)

	container, err := s.client.LoadContainer(ctx, name)
	if err != nil {
		return nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, StopGracePeriod)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal node %s: %w", node, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait on node %s: %w", node, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force-kill node %s: %w", node, err)
		}
	}

	return nil
}
