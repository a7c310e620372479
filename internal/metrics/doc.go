// Package metrics aggregates engine metrics into a prometheus
// registry: execution and node outcomes, outbound dispatch latency,
// breaker transitions, store latency.
package metrics
