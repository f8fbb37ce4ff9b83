// Package blob abstracts binary artifact storage. The engine reads and
// writes documents and signature assets only through this interface and
// holds no filesystem assumptions.
package blob

import "context"

// Store is the object storage port. Put returns an opaque ref; Get resolves
// one. Refs are stable for the life of the artifact.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}
