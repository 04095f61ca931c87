// Package api hosts the operator HTTP server that runs alongside a search run.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/proxies for the live proxy pool and its failure counters.
package api
