package metrics

import (
	"context"
	"time"

	"github.com/flowmesh/dorad/pkg/engine"
)

// collectTimeout bounds how long a poll waits for the engine loop to
// answer a Snapshot request; the loop answers it between handling
// other events, so this only matters if the loop has already exited.
const collectTimeout = 2 * time.Second

// Collector polls an Engine's in-process counters on a fixed interval
// and republishes them as Prometheus gauges.
type Collector struct {
	eng    *engine.Engine
	stopCh chan struct{}
}

func NewCollector(eng *engine.Engine) *Collector {
	return &Collector{
		eng:    eng,
		stopCh: make(chan struct{}),
	}
}

func (c *Collector) Start() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	snap, err := c.eng.Snapshot(ctx)
	if err != nil {
		return
	}
	DataflowsTotal.Set(float64(snap.Dataflows))
	NodesTotal.Set(float64(snap.Nodes))
	SharedMemorySegmentsOpen.Set(float64(snap.OpenSharedMemSegments))
}
