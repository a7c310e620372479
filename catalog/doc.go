// Package catalog loads, validates, and serves flow definitions.
//
// Flow documents are YAML. Loading parses the document into the typed
// model, validates DAG well-formedness (unique ids, reference
// integrity, acyclicity, reachability, control-flow structure), and
// precomputes topological layers and per-node indegrees for the
// orchestrator. Lookups are tenant-scoped with fallback to the
// system-scope catalogue.
package catalog
