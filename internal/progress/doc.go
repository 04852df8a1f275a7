// Package progress provides the run event primitives, the non-blocking hub,
// and the emitter interface that pipeline components use to report run
// milestones. Events are batched on a background goroutine and fanned out to
// pluggable sinks such as logs, Prometheus metrics, the activity log, and
// Pub/Sub.
package progress
