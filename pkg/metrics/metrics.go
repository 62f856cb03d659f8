package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DataflowsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dorad_dataflows_total",
			Help: "Number of dataflows currently installed on this machine",
		},
	)

	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dorad_nodes_total",
			Help: "Number of nodes whose termination has not yet been observed",
		},
	)

	SharedMemorySegmentsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dorad_shared_memory_segments_open",
			Help: "Number of shared-memory segments currently referenced by in-flight deliveries",
		},
	)

	NodeConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dorad_node_connections_total",
			Help: "Total number of node sockets accepted, by outcome",
		},
		[]string{"outcome"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dorad_deliveries_total",
			Help: "Total number of input deliveries attempted, by result",
		},
		[]string{"result"},
	)

	SendOutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dorad_send_out_duration_seconds",
			Help:    "Time taken to fan a SendOutMessage out to its subscribers",
			Buckets: prometheus.DefBuckets,
		},
	)

	SpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dorad_node_spawn_duration_seconds",
			Help:    "Time taken to launch a node's backing process",
			Buckets: prometheus.DefBuckets,
		},
	)

	WatchdogFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dorad_watchdog_failures_total",
			Help: "Total number of failed watchdog round-trips to the coordinator",
		},
	)
)

func init() {
	prometheus.MustRegister(DataflowsTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(SharedMemorySegmentsOpen)
	prometheus.MustRegister(NodeConnectionsTotal)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(SendOutDuration)
	prometheus.MustRegister(SpawnDuration)
	prometheus.MustRegister(WatchdogFailuresTotal)
}

// Handler returns the Prometheus scrape handler mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of one operation for later observation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec observes against one label combination of a
// HistogramVec.
func (t *Timer) ObserveDurationVec(histogramVec *prometheus.HistogramVec, labelValues ...string) {
	histogramVec.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
