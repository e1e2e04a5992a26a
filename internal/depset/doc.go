// Package depset implements the dependency set: an append-only arena of
// dependency nodes deduplicated by output id.
//
// A node's index is assigned when it is first added and never changes for the
// lifetime of the set, so the graph can be shared with the build phase through
// plain integer handles. The set is populated single-threaded by the graph
// builder and is treated as frozen in shape afterwards; the orchestrator keeps
// its per-node runtime state outside the set.
package depset
