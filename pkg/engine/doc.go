// Package engine provides the resource graph that every construct declares into.
//
// A Stack owns Resources. Resources carry a kind tag, a property bag and explicit
// dependency edges. Property values may hold lazy values (Ref, Join) that point at
// other resources; they stay placeholders until Synthesize, which
//
//  1. adds an implied edge for every reference,
//  2. builds the DAG and rejects dangling edges and cycles,
//  3. resolves lazy values into their template form,
//  4. emits resources in topological order.
//
// Nothing here talks to a provider: the resulting Template is handed to an
// external provisioning system.
package engine
