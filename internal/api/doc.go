// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/entries/{key} and /v1/predlist/today for cached payloads.
//   - GET /debug/... for read-only keyspace introspection, gated by the API
//     key when auth is enabled.
package api
