// Package sourcedb is the source database consumed by the graph builder: a
// lookup from output id to a source instance carrying named data blobs and a
// checked-out, in-memory asset object.
//
// Two implementations are provided. Memory is populated programmatically and
// is what synthesized content and tests use. HCLDatabase is loaded from a
// content directory in which every .hcl file may declare `asset` blocks.
package sourcedb
