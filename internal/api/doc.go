// Package api hosts the read-only status HTTP server for operators. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs, /v1/runs/{run_id}, and /v1/runs/{run_id}/jobs for run
//     and chunk progress.
//   - GET /v1/sources/{source_id}/activity for a source's run history.
//
// Runs are started through the dispatcher, never through this API.
package api
