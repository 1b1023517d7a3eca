// Package storage persists audit journal exports and other engine artifacts
// to a blob backend, local disk for single-node deployments or S3 when the
// exports must outlive the host.
package storage

import "context"

// BlobStore is the abstract backend for engine artifacts.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}
