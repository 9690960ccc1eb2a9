// Package main hosts the image scraper service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes POST /scrape-images/, health, readiness and metrics endpoints.
//     Requests are validated and handed to the orchestrator synchronously; the response lists the hosted URLs.
//   - Orchestrator: per keyword, the store's Update runs a critical section that scrapes Bing Images once for a
//     brand-new keyword, selects unserved URLs first (topping up at random from served ones), and commits the new
//     lifecycle state before any image is downloaded.
//   - Image pipeline: picked URLs are downloaded under a per-host rate limit, decoded, flattened onto white,
//     watermarked, re-encoded to WebP and written to the configured BlobStore (local/GCS/memory). A failed image is
//     served by its original URL instead.
//   - Persistence & fanout: keyword records live in memory, Postgres (JSONB rows, SELECT ... FOR UPDATE) or Redis
//     (JSON values guarded by a redsync lock). A ServeEvent is published to Pub/Sub when a topic is configured.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler; OpenTelemetry spans wrap each serve cycle.
//
// Quick checklist:
//   - Configure env vars: IMAGES_SERVER_PORT or PORT, IMAGES_STORE_BACKEND (memory/postgres/redis) with
//     IMAGES_DB_DSN or IMAGES_REDIS_ADDR, IMAGES_STORAGE_BACKEND (local/gcs/memory), IMAGES_PROCESSOR_WATERMARK_PATH or
//     WATERMARK_IMAGE_PATH, and IMAGES_PUBSUB_* for serve events.
//   - Run locally: go run ./cmd/imagescraper -config config.yaml (or rely solely on env overrides).
//   - The process reacts to SIGINT/SIGTERM by draining in-flight requests before closing the store.
package main
