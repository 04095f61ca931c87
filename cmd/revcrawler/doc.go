// Package main hosts the reverse-image-search crawler entrypoint.
//
// Architecture overview:
//   - Search pipeline: for each query the runner resolves a list of image URLs (flags, a file, or the urls.txt of an
//     earlier run) and hands them to search.Orchestrator, which builds a randomized query URL per image and runs it
//     through the retry loop. Every fetch takes the next proxy from the rotating pool and is spaced by the rate
//     limiter. Failures are classified by the escalator: anti-bot responses count against the proxy (or direct
//     egress), may evict it, may hand the URL to the chromedp solver, and may trip a run-wide abort.
//   - Persistence & fanout: urls.txt and preds.txt are written per query to the configured BlobStore
//     (local/memory/GCS). Per-URL records are optionally persisted to Postgres and a compact Pub/Sub event is
//     published per query when a topic is configured. Results are persisted even when the run aborts.
//   - Configuration & plumbing: Viper populates config from a file and REVSEARCH_* env vars; zap provides
//     structured logging; Prometheus metrics are exposed by the optional status server next to /healthz, /readyz
//     and the proxy pool snapshot.
//
// Operational notes:
//   - The pipeline is sequential by design: one request in flight at a time keeps the egress pattern polite.
//   - SIGINT/SIGTERM cancel the run; the batch collected so far is still written.
//   - An aborted run exits non-zero so schedulers can rotate proxies before retrying.
//
// Quick checklist:
//   - Configure proxies (REVSEARCH_PROXY_ADDRESSES or proxy.addresses), output backend, and optionally db.dsn,
//     pubsub.topic and server.port.
//   - Run locally: go run ./cmd/revcrawler search --config config.yaml -q "tabby cat" --urls-file urls.txt
package main
