// Package blobstore provides the storage abstraction for archived snapshots.
//
// An edge node can keep a copy of its last good immutable snapshot in a
// blob store, which allows rebuilding the read tier without reaching the
// central authority.
//
// # Built-in Implementations
//
//   - LocalStore: directory on the local filesystem, atomic writes
//   - minio.Store: MinIO or any S3-compatible object store
package blobstore
