// Package hashstore persists content hashes keyed by logical path so they can
// be reused across runs.
//
// A record is trusted as long as the last-write-time recorded alongside it
// still matches the one observed on the file system (or reported by the
// source database for data blobs). The same store also remembers the combined
// input hash each output was last built from, under OutputKey(id).
//
// Every Store implementation in this package is safe for concurrent use.
package hashstore
