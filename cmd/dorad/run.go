package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowmesh/dorad/pkg/daemonlog"
	"github.com/flowmesh/dorad/pkg/descriptor"
	"github.com/flowmesh/dorad/pkg/engine"
	"github.com/flowmesh/dorad/pkg/ids"
	"github.com/flowmesh/dorad/pkg/listener"
	"github.com/flowmesh/dorad/pkg/spawner"
)

var runCmd = &cobra.Command{
	Use:   "run <descriptor.yaml>",
	Short: "Run a single dataflow descriptor standalone, with no coordinator",
	Args:  cobra.ExactArgs(1),
	RunE:  runStandalone,
}

func init() {
	runCmd.Flags().Int("listen-port", 0, "Node data-plane listen port (0 picks a free port)")
}

func runStandalone(cmd *cobra.Command, args []string) error {
	listenPort, _ := cmd.Flags().GetInt("listen-port")

	log := daemonlog.WithComponent("standalone")

	doc, err := descriptor.Load(args[0])
	if err != nil {
		return err
	}

	dataflow := ids.NewDataflowID()
	nodes, err := buildSpawnNodes(doc)
	if err != nil {
		return err
	}

	exitWhenDone := make(map[engine.ExitKey]struct{}, len(nodes))
	for nodeID := range nodes {
		exitWhenDone[engine.ExitKey{Dataflow: dataflow, Node: nodeID}] = struct{}{}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conns := make(chan net.Conn)
	ln, err := listener.Listen(ctx, listenPort, conns)
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	defer ln.Close()
	boundPort := listener.Port(ln)
	log.Info().Int("port", boundPort).Str("dataflow", dataflow.String()).Msg("starting standalone dataflow")

	reply := make(chan engine.SpawnResult, 1)
	commands := make(chan engine.CoordinatorCommand, 1)
	commands <- engine.SpawnCommand{Dataflow: dataflow, Nodes: nodes, Reply: reply}
	close(commands)

	eng := engine.New(engine.Config{
		ListenPort:     boundPort,
		Commands:       commands,
		NewConnections: conns,
		Spawner:        spawner.ProcessBackend{},
		ExitWhenDone:   exitWhenDone,
	})

	go func() {
		if res := <-reply; res.Err != nil {
			log.Error().Err(res.Err).Msg("failed to spawn dataflow")
			stop()
		}
	}()

	runErr := eng.Run(ctx, listener.HandleConnection)

	if runErr != nil {
		log.Error().Err(runErr).Msg("dataflow exited with error")
		return runErr
	}
	log.Info().Msg("dataflow completed")
	return nil
}

func buildSpawnNodes(doc *descriptor.Document) (map[ids.NodeID]engine.SpawnNodeParams, error) {
	nodes := make(map[ids.NodeID]engine.SpawnNodeParams, len(doc.Nodes))
	for _, n := range doc.Nodes {
		nodeID := ids.NodeID(n.ID)

		inputs := make(map[ids.DataID]engine.InputSource, len(n.RunConfig.Inputs))
		for inputName, mapping := range n.RunConfig.Inputs {
			switch {
			case mapping.User != nil:
				inputs[ids.DataID(inputName)] = engine.InputSource{
					Upstream: &ids.OutputID{
						Node:   ids.NodeID(mapping.User.Source),
						Output: ids.DataID(mapping.User.Output),
					},
				}
			case mapping.Timer != nil:
				inputs[ids.DataID(inputName)] = engine.InputSource{TimerInterval: mapping.Timer.Interval}
			default:
				return nil, fmt.Errorf("node %q input %q has no mapping", n.ID, inputName)
			}
		}

		outputs := make([]ids.DataID, 0, len(n.RunConfig.Outputs))
		for _, o := range n.RunConfig.Outputs {
			outputs = append(outputs, ids.DataID(o))
		}

		nodes[nodeID] = engine.SpawnNodeParams{
			Node:    nodeID,
			Path:    n.Path,
			Args:    n.Args,
			Env:     n.Env,
			Inputs:  inputs,
			Outputs: outputs,
		}
	}
	return nodes, nil
}
