// Package registry holds agent records and their advisory health
// state. Records are tenant-scoped with a system-scope fallback on
// lookup. A background sweeper probes every agent's /health endpoint;
// health never blocks dispatch, it only informs the orchestrator.
package registry
