// Package api hosts the HTTP server, middleware, and JSON handlers.
// Routes:
//   - POST /api/scrape summarizes the page named in {"url": "..."}.
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//
// Every /api response uses the envelope {"data": ..., "meta": {...}}.
package api
