// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors, the per-source activity log, and a run event
// publisher. Each sink satisfies progress.Sink and tolerates repeated
// Consume/Close cycles.
package sinks
