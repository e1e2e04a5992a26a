// Package assetid defines the identifiers shared by the graph builder, the
// orchestrator, and the content cache.
//
// An OutputID is an opaque 128-bit identifier naming one buildable output. It
// doubles as the id of the source instance the output is built from when the
// output is not synthesized. A TypeID names an asset type and is the key of
// the pipeline registry.
package assetid
