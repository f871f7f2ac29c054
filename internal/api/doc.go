// Package api hosts the operator HTTP server that runs alongside a harvest.
// Notable routes:
//   - GET /healthz and /readyz for probes; readiness checks the listing store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/current for the state of the active or last run.
//   - GET /v1/stats, /v1/listings, /v1/listings/{id} for read-only data access.
//   - GET /v1/report to download the spreadsheet built from the current store.
package api
