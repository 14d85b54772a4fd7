// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - POST /start and /start/{run} to trigger crawls, gated by a shared header.
//   - GET /v1/runs and /v1/runs/{run} for run state and the latest report.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
