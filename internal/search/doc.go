// Package search drives reverse image lookups against a CAPTCHA-guarded
// search engine. It owns the retry loop, anti-bot escalation and per-query
// batching; fetching, parsing, proxies and heavy solving are injected.
//
// Data flows Orchestrator -> RetryPolicy -> Fetcher, with the Escalator
// consulting the proxy pool and optional Solver on terminal failures. An
// unrecoverable egress condition surfaces as an error wrapping ErrAbort.
package search
