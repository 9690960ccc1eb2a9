// Package api hosts the HTTP server, middleware, and REST handlers for the
// image scraper. Notable routes:
//   - POST /scrape-images/ to pick, process and host images for a keyword.
//   - GET /health and /readyz for liveness and store readiness probes.
//   - GET /metrics for Prometheus scraping.
package api
