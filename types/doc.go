// Package types defines the core data model shared across FlowMesh:
// flow definitions, execution state, agent records, the agent wire
// contract, and the structured error taxonomy.
package types
