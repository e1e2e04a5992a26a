// Package pipeline defines the capability interface implemented by pipeline
// plugins and the type-id keyed registry the graph builder and workers use to
// find them.
//
// A pipeline knows how to expand and build one family of asset types. The
// core never inspects asset objects itself: it asks the owning pipeline to
// declare dependencies (BuildDependencies), to fingerprint the asset
// (HashAsset), and finally to produce the output bytes (BuildOutput).
//
// Modules bundle one or more pipelines and register them at startup, mirroring
// how the application wires its compiled-in plugins.
package pipeline
