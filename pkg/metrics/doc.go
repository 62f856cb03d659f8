/*
Package metrics exposes the daemon's Prometheus metrics and HTTP
health/readiness endpoints.

Gauges (DataflowsTotal, NodesTotal, SharedMemorySegmentsOpen) are kept
current by a Collector that polls an *engine.Engine on a fixed
interval. Counters and histograms (NodeConnectionsTotal,
DeliveriesTotal, SendOutDuration, SpawnDuration,
WatchdogFailuresTotal) are declared and exported, but no component
of the daemon updates them, so they stay at zero. All are registered against the default
Prometheus registry at package init and served at /metrics by Handler.

Server wraps a component-level health registry: callers call
RegisterComponent/UpdateComponent as subsystems start up, and
HealthHandler/ReadyHandler/LivenessHandler report their aggregate
status over HTTP.
*/
package metrics
