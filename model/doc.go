// Package model defines the core data types shared across edgevec.
//
//   - Point: a stored vector with UUID identity and application payload
//   - Payload: image path plus the sync timestamp watermark
//   - ScoredPoint: a ranked search result
//   - Manifest: opaque snapshot lineage descriptor
//
// The JSON field names of these types are the upload wire format consumed
// by the remote authority; changing them is a breaking change.
package model
