// Package engine is the orchestrator. It schedules flow nodes by the
// ready-set rule (a node runs once all its dependencies are terminal),
// dispatches agent nodes through the proxy with retry and circuit
// breaking, evaluates decisions, loops and joins, and drives every
// execution to exactly one terminal state recorded in the store.
//
// Each execution is owned by a single coordinator goroutine. Dispatch
// goroutines report back on a completion channel, so all scheduling
// state is mutated from one place and needs no locking.
package engine
