package metrics

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/dorad/pkg/engine"
)

func noopConnectionHandler(ctx context.Context, conn net.Conn, events chan<- engine.NodeEvent) {}

// runTestEngine starts eng.Run on its own goroutine so Snapshot requests
// (which the loop only answers between other select cases) resolve,
// and stops it via the returned cancel when the test is done.
func runTestEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx, noopConnectionHandler)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestCollectorPublishesGaugesOnStart(t *testing.T) {
	eng := engine.New(engine.Config{})
	runTestEngine(t, eng)

	c := NewCollector(eng)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(DataflowsTotal) == 0 &&
			testutil.ToFloat64(NodesTotal) == 0 &&
			testutil.ToFloat64(SharedMemorySegmentsOpen) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestCollectorStopStopsPolling(t *testing.T) {
	eng := engine.New(engine.Config{})
	runTestEngine(t, eng)

	c := NewCollector(eng)
	c.Start()
	c.Stop()

	require.NotPanics(t, func() {
		time.Sleep(20 * time.Millisecond)
	})
}
