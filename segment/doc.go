// Package segment implements the vector storage tiers of an edge node.
//
// A writable segment pairs an in-memory row store with a write-ahead log so
// every accepted point survives a crash, and periodically checkpoints into a
// compact state file. A read-only segment is restored wholesale from a
// snapshot stream and preserves its row history, which lets later deltas of
// the same lineage extend it in place.
package segment
