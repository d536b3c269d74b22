// Package main hosts the page summarizer entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes POST /api/scrape plus health, readiness and metrics endpoints. Requests
//     carry a single URL and receive a JSON envelope with the Markdown summary or a categorized error.
//   - Pipeline: internal/pipeline checks the in-memory summary cache, fetches the page through the colly fetcher,
//     extracts readable text with goquery, and asks an OpenAI-compatible chat completions endpoint (OpenRouter by
//     default) for a Markdown summary. The whole request runs under one deadline.
//   - Summarization retries: transient failures (timeouts, transport errors, non-2xx, empty or undecodable bodies)
//     are retried with capped exponential backoff; 401/403 are terminal.
//   - Configuration & plumbing: Viper populates config from defaults, an optional YAML file, .env and the
//     environment; zap provides structured logging; Prometheus metrics are exported at /metrics; OpenTelemetry spans
//     cover each pipeline stage.
//
// Operational notes:
//   - The cache lives for the lifetime of the process. Set cache.max_entries to bound it, or cache.sweep_interval
//     to drop stale entries periodically.
//   - The process reacts to SIGINT/SIGTERM by draining in-flight requests for up to server.shutdown_timeout.
//
// Quick checklist:
//   - Configure env vars: SUMMARIZER_OPENROUTER_API_KEY (or OPENROUTER_API_KEY), SUMMARIZER_SERVER_PORT (or PORT),
//     SUMMARIZER_SERVER_HOST (or HOST), SUMMARIZER_AUTH_ENABLED and SUMMARIZER_AUTH_API_KEY to guard the API.
//   - Run locally: go run ./cmd/summarizerd serve --config config.yaml
//   - One-off: go run ./cmd/summarizerd summarize https://example.com
package main
