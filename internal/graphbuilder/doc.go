// Package graphbuilder discovers the build dependencies of a content graph.
//
// A Builder walks from a set of root ids, asking the pipeline that owns each
// asset to declare its dependencies through the pipeline.Depends callbacks.
// Every declared output becomes a node of a depset.Set, deduplicated by output
// id, with its pipeline, asset, data and external-file hashes filled in.
//
// Failures never escape as panics or errors from the callbacks. A missing
// pipeline or a dangling reference is sticky: it clears the builder's success
// flag and turns every later callback into a no-op returning false, so the
// recursion unwinds cheaply. Unreadable data only fails the node that owns it.
package graphbuilder
