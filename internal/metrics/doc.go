/*
Package metrics exposes the engine's Prometheus instrumentation.

Collector owns every metric vector and doubles as a workflow.Notifier:
engine events published through it increment the matching counters, so
wiring it into the notifier fan-out is all the instrumentation a
deployment needs. An explicit Record helper covers connection-pool
statistics, which do not travel as events.
*/
package metrics
