package engine

import (
	"context"
	"time"

	"github.com/flowmesh/dorad/pkg/ids"
)

// runTimer pushes a TimerTickEvent onto events every interval until ctx
// is cancelled. It is the single producer for one (dataflow, interval)
// pair; the engine owns its cancellation via the returned context's
// CancelFunc, stashed on the owning RunningDataflow.
func runTimer(ctx context.Context, dataflow ids.DataflowID, interval time.Duration, events chan<- DoraEvent) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			seq++
			tick := TimerTickEvent{
				Dataflow: dataflow,
				Interval: interval,
				Metadata: Metadata{Sequence: seq, Timestamp: t},
			}
			select {
			case events <- tick:
			case <-ctx.Done():
				return
			}
		}
	}
}
