package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/dorad/pkg/coordinator"
	"github.com/flowmesh/dorad/pkg/daemonlog"
	"github.com/flowmesh/dorad/pkg/engine"
	"github.com/flowmesh/dorad/pkg/listener"
	"github.com/flowmesh/dorad/pkg/metrics"
	"github.com/flowmesh/dorad/pkg/runtime"
	"github.com/flowmesh/dorad/pkg/spawner"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the coordinator-attached daemon",
	Long:  `Starts the node listener, the coordinator adapter, the metrics/health HTTP server, and the engine event loop. Runs until interrupted or coordinator contact is lost.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().String("coordinator-addr", "", "Coordinator address (host:port)")
	daemonCmd.Flags().Int("listen-port", 0, "Node data-plane listen port (0 picks a free port)")
	daemonCmd.Flags().String("machine-id", "", "This machine's identifier, reported to the coordinator")
	daemonCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP server address")
	daemonCmd.Flags().String("node-backend", "process", "Node execution backend: process or containerd")
	daemonCmd.Flags().String("containerd-socket", runtime.DefaultSocketPath, "containerd socket path (node-backend=containerd only)")

	daemonCmd.MarkFlagRequired("coordinator-addr")
	daemonCmd.MarkFlagRequired("machine-id")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	coordinatorAddr, _ := cmd.Flags().GetString("coordinator-addr")
	listenPort, _ := cmd.Flags().GetInt("listen-port")
	machineID, _ := cmd.Flags().GetString("machine-id")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	nodeBackend, _ := cmd.Flags().GetString("node-backend")
	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")

	log := daemonlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conns := make(chan net.Conn)
	ln, err := listener.Listen(ctx, listenPort, conns)
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	defer ln.Close()
	boundPort := listener.Port(ln)
	log.Info().Int("port", boundPort).Msg("node listener started")
	fmt.Printf("✓ Node listener started on port %d\n", boundPort)

	coord, err := coordinator.Dial(ctx, coordinatorAddr, machineID)
	if err != nil {
		return fmt.Errorf("dial coordinator: %w", err)
	}
	defer coord.Close()
	log.Info().Str("addr", coordinatorAddr).Msg("connected to coordinator")
	fmt.Printf("✓ Connected to coordinator at %s\n", coordinatorAddr)

	nodeSpawner, closeSpawner, err := buildSpawner(nodeBackend, containerdSocket)
	if err != nil {
		return fmt.Errorf("build node backend: %w", err)
	}
	if closeSpawner != nil {
		defer closeSpawner()
	}

	eng := engine.New(engine.Config{
		MachineID:      machineID,
		ListenPort:     boundPort,
		Commands:       coord.Commands(),
		NewConnections: conns,
		Spawner:        nodeSpawner,
		Coordinator:    coord,
	})

	metricsSrv := metrics.NewServer(metricsAddr)
	collector := metrics.NewCollector(eng)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("engine", true, "running")
	metrics.RegisterComponent("listener", true, fmt.Sprintf("listening on port %d", boundPort))
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
	fmt.Printf("✓ Health endpoints: http://%s/health, /ready, /live\n", metricsAddr)

	// The metrics server and the engine loop are run under one
	// errgroup: a failure in either cancels gctx, which in turn stops
	// the other, so shutdown converges from any trigger (signal,
	// bind failure, or coordinator-contact loss).
	g, gctx := errgroup.WithContext(ctx)
	// engineDone also cancels gctx when the engine loop returns without
	// an error (Destroy, or the coordinator command stream closing), so
	// that exit stops the metrics server too.
	gctx, engineDone := context.WithCancel(gctx)
	defer engineDone()

	g.Go(func() error {
		if err := metricsSrv.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		defer engineDone()
		err := eng.Run(gctx, listener.HandleConnection)
		if err != nil && gctx.Err() != nil {
			// the loop stopped because gctx was cancelled (signal or
			// the metrics goroutine failing), not a genuine failure.
			return nil
		}
		return err
	})

	go func() {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown error")
		}
	}()

	runErr := g.Wait()
	if runErr != nil {
		log.Error().Err(runErr).Msg("daemon exiting with error")
	} else {
		log.Info().Msg("daemon exited cleanly")
	}
	return runErr
}

func buildSpawner(backend, containerdSocket string) (engine.Spawner, func(), error) {
	switch backend {
	case "", "process":
		return spawner.ProcessBackend{}, nil, nil
	case "containerd":
		s, err := runtime.NewContainerdSpawner(containerdSocket)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown node backend %q", backend)
	}
}
