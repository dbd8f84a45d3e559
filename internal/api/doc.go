// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/jobs lists the registered jobs and their schedules.
//   - POST /v1/jobs/{name}/run triggers one invocation and returns its report.
//   - GET /v1/jobs/{name}/runs returns recent reports for a job.
package api
